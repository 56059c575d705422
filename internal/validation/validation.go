package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// sessRegex matches sess_RANDOMHEX ids issued by the session store
	sessRegex = regexp.MustCompile(`^sess_[0-9a-fA-F-]{8,}$`)

	// toolNameRegex matches tool names safe to place on a child command line
	toolNameRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:/@.]+$`)

	// safePathRegex matches safe path components (alphanumeric, dash, underscore, dot)
	safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateSessionID validates a session ID (sess_* issued by the store, or a UUID)
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	if strings.HasPrefix(id, "sess_") {
		if !sessRegex.MatchString(id) {
			return fmt.Errorf("invalid session ID format: %s", id)
		}
		return nil
	}

	return ValidateUUID(id)
}

// ValidateToolName checks that a tool name is safe to pass on a child
// process command line. Names must match [A-Za-z0-9_\-:/@.]+ and must not
// begin with '-' (which would be parsed as a flag).
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("tool name cannot begin with '-': %s", name)
	}
	if !toolNameRegex.MatchString(name) {
		return fmt.Errorf("invalid tool name: %s", name)
	}
	return nil
}

// ValidateToolNames validates every name in a tool allow/deny list
func ValidateToolNames(names []string) error {
	for _, name := range names {
		if err := ValidateToolName(name); err != nil {
			return err
		}
	}
	return nil
}

// SanitizePath removes path traversal attempts and validates path components
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	// Reject obvious traversal attempts
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	// Reject absolute paths when relative expected
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue // Allow trailing/leading slashes
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return path, nil
}

// ValidateContainerID validates a container ID (hex string)
func ValidateContainerID(id string) error {
	if id == "" {
		return fmt.Errorf("container ID cannot be empty")
	}

	// Container IDs are hex strings, typically 64 chars but can be shorter for short IDs
	if len(id) < 12 || len(id) > 64 {
		return fmt.Errorf("invalid container ID length: %s", id)
	}

	for _, c := range id {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		isUpperHex := c >= 'A' && c <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex {
			return fmt.Errorf("invalid container ID format: %s", id)
		}
	}

	return nil
}
