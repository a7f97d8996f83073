package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/onllm-dev/switchboard/internal/config"
	"github.com/onllm-dev/switchboard/internal/event"
	"github.com/onllm-dev/switchboard/internal/notify"
	"github.com/onllm-dev/switchboard/internal/policy"
	"github.com/onllm-dev/switchboard/internal/profile"
	"github.com/onllm-dev/switchboard/internal/score"
	"github.com/onllm-dev/switchboard/internal/secret"
	"github.com/onllm-dev/switchboard/internal/session"
	"github.com/onllm-dev/switchboard/internal/store"
	"github.com/onllm-dev/switchboard/internal/update"
	"github.com/onllm-dev/switchboard/internal/web"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	pidDir  = defaultPIDDir()
	pidFile = filepath.Join(pidDir, "switchboard.pid")
)

// hasCommand checks if any of the given commands/flags exist in os.Args[1:].
func hasCommand(cmds ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, cmd := range cmds {
			if arg == cmd {
				return true
			}
		}
	}
	return false
}

// stopPreviousInstance stops any running switchboard instance via the PID
// file.
func stopPreviousInstance() {
	myPID := os.Getpid()

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}
	content := strings.TrimSpace(string(data))

	// Parse PID:PORT format or just PID
	pidPart, _, _ := strings.Cut(content, ":")
	pid, _ := strconv.Atoi(pidPart)
	if pid > 0 && pid != myPID {
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(syscall.SIGTERM); err == nil {
				fmt.Printf("Stopped previous instance (PID %d)\n", pid)
			}
		}
	}
	os.Remove(pidFile)
}

func ensurePIDDir() error {
	return os.MkdirAll(pidDir, 0700)
}

func writePIDFile(port int) error {
	if err := ensurePIDDir(); err != nil {
		return err
	}
	content := fmt.Sprintf("%d:%d", os.Getpid(), port)
	return os.WriteFile(pidFile, []byte(content), 0644)
}

func removePIDFile() {
	os.Remove(pidFile)
}

// daemonize re-executes the current binary as a detached background
// process. The parent writes the child's PID to the PID file and exits.
func daemonize(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	logPath := filepath.Join(cfg.DataDir, "switchboard.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file for daemon: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "_SWITCHBOARD_DAEMON=1")
	cmd.SysProcAttr = daemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	childPID := cmd.Process.Pid
	if err := ensurePIDDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create PID directory: %v\n", err)
	}
	pidContent := fmt.Sprintf("%d:%d", childPID, cfg.Port)
	if err := os.WriteFile(pidFile, []byte(pidContent), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}
	logFile.Close()

	fmt.Printf("Daemon started (PID %d), logs: %s\n", childPID, logPath)
	return nil
}

func run() error {
	// Handle subcommands (both with and without -- prefix)
	if hasCommand("stop", "--stop") {
		return runStop()
	}
	if hasCommand("status", "--status") {
		return runStatus()
	}
	if hasCommand("update", "--update") {
		return runUpdate()
	}
	if hasCommand("--version", "-v", "version") {
		fmt.Printf("switchboard v%s\n", version)
		fmt.Println("github.com/onllm-dev/switchboard")
		return nil
	}
	if hasCommand("--help", "-h") {
		printHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	isDaemonChild := os.Getenv("_SWITCHBOARD_DAEMON") == "1"

	// Stop any previous instance (parent does this, daemon child skips it)
	if !isDaemonChild {
		stopPreviousInstance()
	}

	// Fork into the background unless running in --debug mode, already the
	// daemon child, or inside a container.
	if !cfg.DebugMode && !isDaemonChild && os.Getenv("DOCKER_CONTAINER") == "" {
		if _, err := os.Stat("/.dockerenv"); err != nil {
			printBanner(cfg, version)
			return daemonize(cfg)
		}
	}

	if cfg.DebugMode {
		if err := writePIDFile(cfg.Port); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
		}
	}
	defer removePIDFile()

	// Setup logging
	logWriter, err := cfg.LogWriter()
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer func() {
		if closer, ok := logWriter.(interface{ Close() error }); ok && !cfg.DebugMode {
			closer.Close()
		}
	}()

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if cfg.DebugMode {
		printBanner(cfg, version)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// Load the credential encryption key (OS keyring, falling back to a
	// key file in the data dir).
	key, err := secret.LoadKey(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}
	cipher, err := secret.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}

	profiles, err := profile.NewStore(cfg.ProfilesPath(), cipher, logger)
	if err != nil {
		return fmt.Errorf("failed to open profile store: %w", err)
	}
	defer profiles.Close()
	logger.Info("Profile store opened", "path", cfg.ProfilesPath())

	db, err := store.New(cfg.SessionsDBPath())
	if err != nil {
		return fmt.Errorf("failed to open session database: %w", err)
	}
	defer db.Close()
	logger.Info("Session database opened", "path", cfg.SessionsDBPath())

	hub := event.NewHub()
	defer hub.Close()

	scorer := score.New(score.DefaultWeights())
	engine := policy.NewEngine(profiles, scorer, logger)

	supervisor := session.New(profiles, engine, db, hub, session.ExecRunner{}, session.Options{
		AgentCommand:  cfg.AgentCommand,
		ProjectsDir:   cfg.ProjectsDir,
		DataDir:       cfg.DataDir,
		SweepInterval: cfg.SweepInterval,
	}, logger)
	defer supervisor.Close()

	// Bring back sessions persisted by a previous run.
	if err := supervisor.Restore(); err != nil {
		logger.Warn("Failed to restore sessions", "error", err)
	}

	notifier := notify.New(notify.ConfigFromEnv(), logger)
	if err := notifier.ConfigurePush(cfg.DataDir); err != nil {
		logger.Warn("Push notifications unavailable", "error", err)
	}

	updater := update.NewUpdater(version, logger)

	handler := web.NewHandler(profiles, scorer, supervisor, hub, logger)
	handler.SetNotifier(notifier)
	handler.SetUpdater(updater)
	server := web.NewServer(cfg.Port, handler, logger, cfg.AdminUser, cfg.AdminPass)

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go notifier.Run(ctx, hub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the session sweep loop
	sweepErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Session supervisor panicked", "panic", r)
				sweepErr <- fmt.Errorf("session supervisor panic: %v", r)
			}
		}()
		if err := supervisor.Run(ctx); err != nil {
			sweepErr <- fmt.Errorf("session supervisor error: %w", err)
		}
	}()

	// Start web server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting web server", "port", cfg.Port)
		if err := server.Start(); err != nil {
			serverErr <- fmt.Errorf("server error: %w", err)
		}
	}()

	// Wait for signal or error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down gracefully", "signal", sig)
	case err := <-sweepErr:
		if err != nil {
			logger.Error("Supervisor failed", "error", err)
			cancel()
		}
	case err := <-serverErr:
		logger.Error("Server failed", "error", err)
		cancel()
	}

	// Graceful shutdown sequence
	logger.Info("Shutting down...")
	cancel()

	// Give the sweep loop a moment to run its final persist
	time.Sleep(100 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	supervisor.Close()
	if err := db.Close(); err != nil {
		logger.Error("Database close error", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// runUpdate downloads and installs the latest release, replacing the
// current binary in place.
func runUpdate() error {
	updater := update.NewUpdater(version, slog.Default())
	info, err := updater.Check()
	if err != nil {
		return fmt.Errorf("update check failed: %w", err)
	}
	if !info.Available {
		fmt.Printf("Already at the latest version (v%s)\n", version)
		return nil
	}
	fmt.Printf("Updating v%s -> v%s...\n", info.CurrentVersion, info.LatestVersion)
	if err := updater.Apply(); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	fmt.Println("Update installed. Restart switchboard to use the new version.")
	return nil
}

// runStop stops any running switchboard instance via the PID file.
func runStop() error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		fmt.Println("No running instance found")
		return nil
	}
	content := strings.TrimSpace(string(data))
	pidPart, _, _ := strings.Cut(content, ":")
	pid, _ := strconv.Atoi(pidPart)
	if pid <= 0 {
		os.Remove(pidFile)
		fmt.Println("No running instance found")
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		if err := proc.Signal(syscall.SIGTERM); err == nil {
			fmt.Printf("Stopped switchboard (PID %d)\n", pid)
		} else {
			fmt.Println("No running instance found")
		}
	}
	os.Remove(pidFile)
	return nil
}

// runStatus reports the status of any running switchboard instance.
func runStatus() error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		fmt.Println("switchboard is not running")
		return nil
	}
	content := strings.TrimSpace(string(data))
	pidPart, portPart, _ := strings.Cut(content, ":")
	pid, _ := strconv.Atoi(pidPart)
	if pid <= 0 {
		fmt.Println("switchboard is not running")
		return nil
	}

	// Signal 0 checks liveness without touching the process.
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		fmt.Println("switchboard is not running (stale PID file)")
		os.Remove(pidFile)
		return nil
	}

	fmt.Printf("switchboard is running (PID %d)\n", pid)
	if portPart != "" {
		fmt.Printf("Dashboard: http://localhost:%s\n", portPart)
	}
	return nil
}

func printBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Printf("║  switchboard v%-22s ║\n", version)
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Agent:     %-24s ║\n", cfg.AgentCommand)
	fmt.Printf("║  Dashboard: http://localhost:%-7d ║\n", cfg.Port)
	fmt.Printf("║  Data:      %-24s ║\n", cfg.DataDir)
	if cfg.AdminUser != "" {
		fmt.Printf("║  Auth:      %s / ****%*s║\n", cfg.AdminUser, 20-len(cfg.AdminUser), "")
	}
	fmt.Println("╚══════════════════════════════════════╝")
	fmt.Println()
}

func printHelp() {
	fmt.Println("switchboard - Credential pool and session failover for the Claude CLI")
	fmt.Println()
	fmt.Println("Usage: switchboard [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  stop, --stop       Stop the running switchboard instance")
	fmt.Println("  status, --status   Show status of the running instance")
	fmt.Println("  update, --update   Download and install the latest release")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  version, --version Print version and exit")
	fmt.Println("  --help             Print this help message")
	fmt.Println("  --port PORT        Dashboard HTTP port (default: 9311)")
	fmt.Println("  --data-dir PATH    Data directory (default: ~/.switchboard)")
	fmt.Println("  --agent CMD        Wrapped agent binary (default: claude)")
	fmt.Println("  --debug            Run in foreground mode, log to stdout")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  SWITCHBOARD_PORT            Dashboard HTTP port")
	fmt.Println("  SWITCHBOARD_DATA_DIR        Data directory")
	fmt.Println("  SWITCHBOARD_AGENT_COMMAND   Wrapped agent binary")
	fmt.Println("  SWITCHBOARD_PROJECTS_DIR    Agent conversation state directory")
	fmt.Println("  SWITCHBOARD_SWEEP_INTERVAL  Session persist interval in seconds")
	fmt.Println("  SWITCHBOARD_ADMIN_USER      Dashboard admin username")
	fmt.Println("  SWITCHBOARD_ADMIN_PASS      Dashboard admin password")
	fmt.Println("  SWITCHBOARD_LOG_LEVEL       Log level: debug, info, warn, error")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  switchboard                     # Run in background mode")
	fmt.Println("  switchboard --debug             # Run in foreground mode")
	fmt.Println("  switchboard --port 8080         # Custom dashboard port")
	fmt.Println("  switchboard stop                # Stop running instance")
	fmt.Println("  switchboard status              # Check if running")
}
