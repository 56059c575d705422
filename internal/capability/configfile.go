package capability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// configFile is what the child reads to find the capability server
type configFile struct {
	Address   string `json:"address"`
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
}

// ConfigPath returns the per-session config file location
func ConfigPath(sessionID string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("capability-%s.json", sessionID))
}

// WriteConfigFile writes the per-session capability config and returns
// its path. The file exists for the lifetime of the run; the bridge
// removes it when the child exits.
func WriteConfigFile(sessionID, addr, toolName string) (string, error) {
	path := ConfigPath(sessionID)

	data, err := json.MarshalIndent(configFile{
		Address:   addr,
		SessionID: sessionID,
		Tool:      toolName,
	}, "", "  ")
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write capability config: %w", err)
	}
	return path, nil
}

// RemoveConfigFile deletes the per-session config file, tolerating a
// file that is already gone
func RemoveConfigFile(sessionID string) error {
	err := os.Remove(ConfigPath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
