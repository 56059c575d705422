package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/HyphaGroup/seneschal/internal/auth"
	"github.com/HyphaGroup/seneschal/internal/backup"
	"github.com/HyphaGroup/seneschal/internal/bridge"
	"github.com/HyphaGroup/seneschal/internal/capability"
	"github.com/HyphaGroup/seneschal/internal/cleanup"
	"github.com/HyphaGroup/seneschal/internal/config"
	"github.com/HyphaGroup/seneschal/internal/container"
	"github.com/HyphaGroup/seneschal/internal/container/docker"
	"github.com/HyphaGroup/seneschal/internal/logger"
	"github.com/HyphaGroup/seneschal/internal/mcp"
	"github.com/HyphaGroup/seneschal/internal/runner"
	"github.com/HyphaGroup/seneschal/internal/schedule"
	"github.com/HyphaGroup/seneschal/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit()
			return
		case "token":
			cmdToken(os.Args[2:])
			return
		case "backup":
			cmdBackup(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("seneschal %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`Seneschal %s - Assistant Session Orchestrator

Usage: seneschal [command] [options]

Commands:
  (default)    Start the orchestrator
  init         Initialize the seneschal home directory
  token        Manage authentication tokens
  backup       Manage data directory snapshots

Server Options:
  --dir <path>   Seneschal home directory

Home Directory Precedence:
  1. --dir flag
  2. SENESCHAL_HOME env var
  3. ./.seneschal (if present)
  4. ~/.seneschal (default)

Examples:
  seneschal                          Start the orchestrator
  seneschal --dir /srv/seneschal     Start with a specific home
  seneschal init                     Set up ~/.seneschal
  seneschal token create --name "Local Dev" --scope admin
  seneschal backup now
`, Version)
}

func runServer() {
	dirFlag := flag.String("dir", "", "Seneschal home directory (default: ~/.seneschal)")
	flag.Parse()

	home, err := config.ResolveHome(*dirFlag)
	if err != nil {
		log.Fatalf("Failed to resolve home directory: %v", err)
	}
	dataDir := filepath.Join(home, "data")
	logDir := filepath.Join(home, "logs")

	cfg, err := config.Load(config.Path(home))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	for _, dir := range []string{dataDir, logDir, filepath.Join(home, "sessions")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create %s: %v", dir, err)
		}
	}

	if err := logger.Init(logDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("seneschal %s starting (home=%s)", Version, home)

	// Session store
	st, err := store.NewStore(dataDir)
	if err != nil {
		logger.Fatalf("Failed to open session store: %v", err)
	}
	defer func() { _ = st.Close() }()

	// Sessions left mid-turn by a dead process go back to idle
	if recovered, err := st.RecoverStaleSessions(); err != nil {
		logger.Error("stale session recovery: %v", err)
	} else if len(recovered) > 0 {
		logger.Info("recovered %d stale session(s): %v", len(recovered), recovered)
	}

	authStore, err := auth.NewStore(dataDir)
	if err != nil {
		logger.Fatalf("Failed to open auth store: %v", err)
	}
	defer func() { _ = authStore.Close() }()

	scheduleStore, err := schedule.NewStore(dataDir)
	if err != nil {
		logger.Fatalf("Failed to open schedule store: %v", err)
	}
	defer func() { _ = scheduleStore.Close() }()

	// Container runtime is only needed for container spawn modes
	var rt container.Runtime
	switch runner.SpawnMode(cfg.Runner.SpawnMode) {
	case runner.SpawnContainerNew, runner.SpawnContainerExec:
		rt, err = docker.NewRuntime()
		if err != nil {
			logger.Fatalf("Failed to initialize Docker runtime: %v", err)
		}
		if err := rt.Ping(context.Background()); err != nil {
			logger.Fatalf("Docker runtime unreachable: %v", err)
		}
		defer func() { _ = rt.Close() }()
		logger.Info("container runtime: %s", rt.Name())
	}

	runners := runner.NewManager(cfg.Runner.Command, rt)

	// The capability server and the bridge notify each other; the handle
	// breaks the construction cycle.
	notifier := &notifierHandle{}
	capSrv := capability.NewServer(notifier, time.Duration(cfg.Permission.TimeoutSeconds)*time.Second)
	if err := capSrv.Start(); err != nil {
		logger.Fatalf("Failed to start capability server: %v", err)
	}
	defer func() { _ = capSrv.Close() }()

	br := bridge.New(bridge.Options{
		Store:          st,
		Runners:        runners,
		Config:         cfg,
		Home:           home,
		CapabilityAddr: capSrv.Addr(),
		Responder:      capSrv,
	})
	notifier.set(br)

	if err := br.Serve(); err != nil {
		logger.Fatalf("Failed to start bridge: %v", err)
	}

	// Scheduled prompts dispatch through the bridge like any other caller
	scheduleRunner := schedule.NewRunner(scheduleStore, func(ctx context.Context, sched *schedule.Schedule) (string, error) {
		return executeSchedule(ctx, st, br, home, sched)
	})
	if cfg.ScheduleEnabled() {
		scheduleRunner.Start()
	}

	cleanCfg := cleanup.DefaultConfig(home)
	cleanCfg.Interval = time.Duration(cfg.Cleanup.IntervalHours) * time.Hour
	cleanCfg.FileRetention = time.Duration(cfg.Cleanup.MaxAttachmentAgeHours) * time.Hour
	cleanCfg.DiskWarnPct = float64(cfg.Cleanup.DiskWarnPercent)
	cleanCfg.LiveSession = runners.HasRunningSession
	cleaner := cleanup.New(cleanCfg)
	cleaner.Start()

	var backupMgr *backup.Manager
	if cfg.Backup.Enabled {
		backupDir := cfg.Backup.Directory
		if !filepath.IsAbs(backupDir) {
			backupDir = filepath.Join(home, backupDir)
		}
		backupMgr, err = backup.New(backup.Config{
			DataDir:   dataDir,
			BackupDir: backupDir,
			Retention: cfg.Backup.Retention,
			Interval:  time.Duration(cfg.Backup.IntervalHours) * time.Hour,
		})
		if err != nil {
			logger.Error("backup disabled: %v", err)
		} else {
			backupMgr.Start()
		}
	}

	mcpServer := mcp.NewServer(mcp.Options{
		Store:          st,
		Runners:        runners,
		AuthStore:      authStore,
		ScheduleStore:  scheduleStore,
		ScheduleRunner: scheduleRunner,
		Dispatcher:     br,
		Home:           home,
	})

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- mcpServer.Serve(cfg.Server.Address)
	}()

	select {
	case err := <-serverErr:
		logger.Fatalf("HTTP server error: %v", err)
	case sig := <-shutdownChan:
		logger.Info("received %v, shutting down", sig)

		_ = mcpServer.Close()
		_ = br.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		runners.StopAll(ctx)
		cancel()

		if cfg.ScheduleEnabled() {
			scheduleRunner.Stop()
		}
		cleaner.Stop()
		if backupMgr != nil {
			backupMgr.Stop()
		}
		_ = capSrv.Close()

		logger.Info("shutdown complete")
	}
}

// executeSchedule resolves the target session for a scheduled prompt,
// dispatches it through the bridge, and waits for the turn to settle
func executeSchedule(ctx context.Context, st *store.Store, br *bridge.Bridge, home string, sched *schedule.Schedule) (string, error) {
	sessionID := sched.SessionID
	if sched.SessionBehavior == schedule.SessionNew {
		sessionID = ""
	} else if sessionID != "" {
		// A deleted pinned session falls back to a fresh one
		if _, err := st.GetSession(sessionID); err != nil {
			logger.Info("schedule %s: pinned session %s is gone, creating a new one", sched.ID, sessionID)
			sessionID = ""
		}
	}

	if sessionID == "" {
		sess, err := st.CreateSession(store.CreateOptions{
			Name:       sched.Name,
			WorkingDir: sched.WorkingDir,
		})
		if err != nil {
			return "", err
		}
		if sess.WorkingDir == "" {
			dir := filepath.Join(home, "sessions", sess.ID)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
			if err := st.SetWorkingDir(sess.ID, dir); err != nil {
				return "", err
			}
		}
		sessionID = sess.ID
	}

	if err := br.DispatchPrompt(sessionID, sched.Prompt); err != nil {
		return sessionID, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if _, err := br.WaitForIdle(waitCtx, sessionID); err != nil {
		logger.Info("schedule %s: session %s still working after wait: %v", sched.ID, sessionID, err)
	}
	return sessionID, nil
}

// notifierHandle forwards capability callbacks to the bridge once it
// exists. Children only connect after both sides are up.
type notifierHandle struct {
	mu sync.Mutex
	n  capability.Notifier
}

func (h *notifierHandle) set(n capability.Notifier) {
	h.mu.Lock()
	h.n = n
	h.mu.Unlock()
}

func (h *notifierHandle) get() capability.Notifier {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func (h *notifierHandle) PermissionRequested(req capability.Request) {
	if n := h.get(); n != nil {
		n.PermissionRequested(req)
	}
}

func (h *notifierHandle) PermissionTimedOut(req capability.Request) {
	if n := h.get(); n != nil {
		n.PermissionTimedOut(req)
	}
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.seneschal)")
	_ = fs.Parse(os.Args[2:])

	home, err := config.ResolveHome(*dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	configFile := config.Path(home)
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("%s is already initialized.\n", home)
		fmt.Print("Overwrite the config? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	fmt.Println("Initializing seneschal")
	fmt.Println("")

	dirs := []string{
		filepath.Dir(configFile),
		filepath.Join(home, "data"),
		filepath.Join(home, "logs"),
		filepath.Join(home, "sessions"),
		filepath.Join(home, "backups"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", dir)
	}

	defaultConfig := `{
  // Seneschal Configuration

  "bridge": {
    // Unix socket path; empty uses <home>/seneschal.sock
    "socket": "",
    // Optionally expose the bridge over TCP, e.g. "127.0.0.1:9000"
    "tcp_address": "",
    "rate_limit": 20,
    "rate_burst": 40,
    "backlog_size": 256
  },

  "runner": {
    // Assistant binary spawned per turn
    "command": "claude",
    // direct, pty, container-new, or container-exec
    "spawn_mode": "direct",
    "container_image": ""
  },

  "server": {
    // HTTP listener for MCP, /health, /ready, /metrics
    "address": ":8080"
  },

  "permission": {
    "timeout_seconds": 30,
    "tool_name": "approval_prompt"
  },

  "schedule": {
    "enabled": true
  },

  "backup": {
    "enabled": false,
    "directory": "backups",
    "retention": 7,
    "interval_hours": 24
  }
}
`
	if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", configFile, err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configFile)

	fmt.Println("")
	fmt.Println("Creating admin token...")
	authStore, err := auth.NewStore(filepath.Join(home, "data"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	_, secret, err := authStore.CreateToken("admin", auth.ScopeAdmin, nil)
	_ = authStore.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("")
	fmt.Println("Admin token (save this - it cannot be retrieved later):")
	fmt.Printf("   %s\n", secret)
	fmt.Println("")
	fmt.Println("Seneschal initialized.")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("   1. Review %s\n", configFile)
	fmt.Println("   2. Run 'seneschal' to start the orchestrator")
}

func cmdToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	home, err := config.ResolveHome("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	authStore, err := auth.NewStore(filepath.Join(home, "data"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = authStore.Close() }()

	switch args[0] {
	case "create":
		tokenCreate(authStore, args[1:])
	case "list":
		tokenList(authStore)
	case "revoke":
		tokenRevoke(authStore, args[1:])
	case "help", "-h", "--help":
		printTokenUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", args[0])
		printTokenUsage()
		os.Exit(1)
	}
}

func printTokenUsage() {
	fmt.Println(`Token Management

Usage: seneschal token <command> [options]

Commands:
  create    Create a new API token
  list      List all tokens
  revoke    Revoke a token
  help      Show this help

Scope Formats:
  admin               Full access to all sessions
  admin:ro            Read-only access to all sessions
  session:<id>        Full access to one session
  session:<id>:ro     Read-only access to one session

Examples:
  seneschal token create --name "Local Dev" --scope admin
  seneschal token create --name "Reviewer" --scope session:sess_ab12cd34:ro
  seneschal token list
  seneschal token revoke tok_xxxxxxxx`)
}

func tokenCreate(authStore *auth.Store, args []string) {
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	name := fs.String("name", "", "Human-readable token name (required)")
	scope := fs.String("scope", "", "Token scope: admin, admin:ro, session:<id>, or session:<id>:ro (required)")
	_ = fs.Parse(args)

	if *name == "" || *scope == "" {
		fmt.Fprintln(os.Stderr, "Error: --name and --scope are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	if !auth.IsAdminScope(*scope) && auth.ExtractSessionID(*scope) == "" {
		fmt.Fprintf(os.Stderr, "Error: invalid scope '%s'\n", *scope)
		fmt.Fprintln(os.Stderr, "Valid scopes: admin, admin:ro, session:<id>, session:<id>:ro")
		os.Exit(1)
	}

	token, secret, err := authStore.CreateToken(*name, *scope, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Token created.")
	fmt.Println()
	fmt.Printf("Token ID: %s\n", token.ID)
	fmt.Printf("Name:     %s\n", token.Name)
	fmt.Printf("Scope:    %s\n", token.Scope)
	fmt.Printf("Secret:   %s\n", secret)
	fmt.Println()
	fmt.Println("IMPORTANT: Save the secret now. It cannot be retrieved later.")
}

func tokenList(authStore *auth.Store) {
	tokens, err := authStore.ListTokens()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tokens: %v\n", err)
		os.Exit(1)
	}

	if len(tokens) == 0 {
		fmt.Println("No tokens found.")
		fmt.Println()
		fmt.Println("Create one with: seneschal token create --name \"My Token\" --scope admin")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSCOPE\tCREATED\tLAST USED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t-------\t---------")

	for _, t := range tokens {
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = t.LastUsedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Name, t.Scope, t.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
	}
	_ = w.Flush()
}

func tokenRevoke(authStore *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: seneschal token revoke <token-id>")
		os.Exit(1)
	}

	if err := authStore.RevokeToken(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error revoking token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token %s revoked.\n", args[0])
}

func cmdBackup(args []string) {
	if len(args) < 1 {
		fmt.Println(`Backup Management

Usage: seneschal backup <command>

Commands:
  now       Take a snapshot of the data directory
  list      List available snapshots
  restore   Restore a snapshot: seneschal backup restore <filename> <target-dir>`)
		os.Exit(1)
	}

	home, err := config.ResolveHome("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(config.Path(home))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	backupDir := cfg.Backup.Directory
	if !filepath.IsAbs(backupDir) {
		backupDir = filepath.Join(home, backupDir)
	}
	mgr, err := backup.New(backup.Config{
		DataDir:   filepath.Join(home, "data"),
		BackupDir: backupDir,
		Retention: cfg.Backup.Retention,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "now":
		snap, err := mgr.Backup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created %s (%d bytes)\n", snap.Filename, snap.SizeBytes)
	case "list":
		snapshots, err := mgr.ListSnapshots()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(snapshots) == 0 {
			fmt.Println("No snapshots found.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "FILENAME\tTIMESTAMP\tSIZE")
		for _, s := range snapshots {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", s.Filename, s.Timestamp.Format(time.RFC3339), s.SizeBytes)
		}
		_ = w.Flush()
	case "restore":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: seneschal backup restore <filename> <target-dir>")
			os.Exit(1)
		}
		if err := mgr.Restore(args[1], args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Restored %s into %s\n", args[1], args[2])
	default:
		fmt.Fprintf(os.Stderr, "Unknown backup command: %s\n", args[0])
		os.Exit(1)
	}
}
