// seneschal-cli is a minimal terminal client for the seneschal bridge.
// It speaks the NDJSON intent protocol over the unix socket and is meant
// for poking at a local daemon; richer clients attach the same way.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/HyphaGroup/seneschal/internal/config"
	"github.com/HyphaGroup/seneschal/internal/store"
)

func main() {
	socketFlag := flag.String("socket", "", "Bridge socket path (default: from config)")
	dirFlag := flag.String("dir", "", "Seneschal home directory")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	socketPath := *socketFlag
	if socketPath == "" {
		home, err := config.ResolveHome(*dirFlag)
		if err != nil {
			fatal("resolve home: %v", err)
		}
		cfg, err := config.Load(config.Path(home))
		if err != nil {
			fatal("load config: %v", err)
		}
		socketPath = cfg.SocketPath(home)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fatal("connect to %s: %v (is the daemon running?)", socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	c := &cli{conn: conn, reader: bufio.NewScanner(conn)}
	c.reader.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	switch args[0] {
	case "list":
		c.list()
	case "create":
		c.create(args[1:])
	case "send":
		c.sendPrompt(args[1:])
	case "attach":
		c.attach(args[1:])
	case "interrupt":
		c.interrupt(args[1:])
	case "mode":
		c.setMode(args[1:])
	case "delete":
		c.deleteSession(args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`seneschal-cli - terminal client for the seneschal bridge

Usage: seneschal-cli [--socket path] <command> [args]

Commands:
  list                          List sessions
  create [--name N] [--ephemeral]
                                Create a session
  send <session-id> <prompt>    Send a prompt and stream the turn
  attach <session-id>           Attach and stream events until Ctrl-C
  interrupt <session-id>        Stop a session's running child
  mode <session-id> <mode>      Set permission mode (default, acceptEdits, plan)
  delete <session-id>           Delete a session and its history`)
}

func fatal(format string, v ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", v...)
	os.Exit(1)
}

// frame mirrors the bridge's wire shape, inbound and outbound. Only the
// fields this client touches are declared.
type frame struct {
	Type      string `json:"type,omitempty"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`

	Name      string `json:"name,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	Content   string `json:"content,omitempty"`
	Mode      string `json:"mode,omitempty"`

	Session  *store.Session      `json:"session,omitempty"`
	Sessions []*store.Session    `json:"sessions,omitempty"`
	History  []store.MessageItem `json:"history,omitempty"`

	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Result    string          `json:"result,omitempty"`
	Status    string          `json:"status,omitempty"`
	Model     string          `json:"model,omitempty"`
}

type cli struct {
	conn   net.Conn
	reader *bufio.Scanner
}

func (c *cli) write(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		fatal("encode intent: %v", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		fatal("write: %v", err)
	}
}

// roundTrip sends an intent and reads frames until the matching reply.
// Unrelated event frames arriving in between are dropped.
func (c *cli) roundTrip(f frame) frame {
	f.ID = uuid.NewString()
	c.write(f)
	for c.reader.Scan() {
		var resp frame
		if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
			continue
		}
		if resp.ID != f.ID {
			continue
		}
		if resp.Error != "" {
			fatal("%s (%s)", resp.Error, resp.ErrorKind)
		}
		return resp
	}
	fatal("connection closed before reply")
	return frame{}
}

func (c *cli) list() {
	resp := c.roundTrip(frame{Type: "list_sessions"})
	if len(resp.Sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMODE\tUPDATED")
	for _, s := range resp.Sessions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Name, s.Status, s.PermissionMode, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

func (c *cli) create(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "Session name")
	ephemeral := fs.Bool("ephemeral", false, "Hold in memory until the first user message")
	_ = fs.Parse(args)

	resp := c.roundTrip(frame{Type: "create_session", Name: *name, Ephemeral: *ephemeral})
	if resp.Session == nil {
		fatal("no session in reply")
	}
	fmt.Printf("Created %s (workdir %s)\n", resp.Session.ID, resp.Session.WorkingDir)
}

func (c *cli) sendPrompt(args []string) {
	if len(args) < 2 {
		fatal("usage: send <session-id> <prompt>")
	}
	sessionID := args[0]
	prompt := strings.Join(args[1:], " ")

	c.roundTrip(frame{Type: "user_message", SessionID: sessionID, Content: prompt})
	c.stream(sessionID, true)
}

func (c *cli) attach(args []string) {
	if len(args) < 1 {
		fatal("usage: attach <session-id>")
	}
	sessionID := args[0]

	resp := c.roundTrip(frame{Type: "attach_session", SessionID: sessionID})
	for _, item := range resp.History {
		fmt.Printf("[%s] %s\n", item.Role, item.Content)
	}
	fmt.Println("--- attached; Ctrl-C to detach ---")
	c.stream(sessionID, false)
}

func (c *cli) interrupt(args []string) {
	if len(args) < 1 {
		fatal("usage: interrupt <session-id>")
	}
	c.roundTrip(frame{Type: "interrupt", SessionID: args[0]})
	fmt.Println("Interrupted.")
}

func (c *cli) setMode(args []string) {
	if len(args) < 2 {
		fatal("usage: mode <session-id> <mode>")
	}
	resp := c.roundTrip(frame{Type: "set_permission_mode", SessionID: args[0], Mode: args[1]})
	fmt.Printf("Permission mode: %s\n", resp.Mode)
}

func (c *cli) deleteSession(args []string) {
	if len(args) < 1 {
		fatal("usage: delete <session-id>")
	}
	c.roundTrip(frame{Type: "delete_session", SessionID: args[0]})
	fmt.Println("Deleted.")
}

// stream prints event frames for one session. With untilResult it
// returns after the turn's result frame; otherwise it runs until Ctrl-C.
func (c *cli) stream(sessionID string, untilResult bool) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = c.conn.Close()
		os.Exit(0)
	}()

	for c.reader.Scan() {
		var f frame
		if err := json.Unmarshal(c.reader.Bytes(), &f); err != nil {
			continue
		}
		if f.SessionID != "" && f.SessionID != sessionID {
			continue
		}

		switch f.Type {
		case "text_output":
			fmt.Print(f.Text)
		case "thinking_output":
			// thinking stays off the main transcript
		case "tool_use":
			fmt.Printf("\n[tool: %s]\n", f.ToolName)
		case "tool_result":
			if f.IsError {
				fmt.Printf("[tool error: %s]\n", f.ToolName)
			}
		case "permission_request":
			fmt.Printf("\n[permission requested: %s — respond from a full client or it times out]\n", f.ToolName)
		case "status_change":
			if !untilResult {
				fmt.Printf("\n[status: %s]\n", f.Status)
			}
		case "permission_mode_changed":
			fmt.Printf("\n[mode: %s]\n", f.Mode)
		case "error":
			fmt.Fprintf(os.Stderr, "\n[error: %s]\n", f.Text)
			if untilResult {
				os.Exit(1)
			}
		case "result":
			fmt.Println()
			if untilResult {
				return
			}
		}
	}
	if err := c.reader.Err(); err != nil {
		fatal("read: %v", err)
	}
}
