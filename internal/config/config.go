// Package config handles loading and validation of switchboard
// configuration. It loads from .env files, environment variables, and CLI
// flags.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	DataDir       string        // SWITCHBOARD_DATA_DIR
	Port          int           // SWITCHBOARD_PORT
	AdminUser     string        // SWITCHBOARD_ADMIN_USER
	AdminPass     string        // SWITCHBOARD_ADMIN_PASS
	AgentCommand  string        // SWITCHBOARD_AGENT_COMMAND
	ProjectsDir   string        // SWITCHBOARD_PROJECTS_DIR
	SweepInterval time.Duration // SWITCHBOARD_SWEEP_INTERVAL (seconds → Duration)
	LogLevel      string        // SWITCHBOARD_LOG_LEVEL
	DebugMode     bool          // --debug flag (foreground mode)
}

// flagValues holds parsed CLI flags.
type flagValues struct {
	port    int
	dataDir string
	agent   string
	debug   bool
}

// Load reads configuration from .env file, environment variables, and CLI
// flags. Flags take precedence over environment variables.
func Load() (*Config, error) {
	return loadWithArgs(os.Args[1:])
}

// loadWithArgs loads config with specific arguments (for testing).
func loadWithArgs(args []string) (*Config, error) {
	flags := &flagValues{}

	// Parse CLI flags manually to avoid flag.ExitOnError in tests
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--debug":
			flags.debug = true
		case strings.HasPrefix(arg, "--port="):
			val := strings.TrimPrefix(arg, "--port=")
			if v, err := strconv.Atoi(val); err == nil {
				flags.port = v
			}
		case arg == "--port":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.port = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--data-dir="):
			flags.dataDir = strings.TrimPrefix(arg, "--data-dir=")
		case arg == "--data-dir":
			if i+1 < len(args) {
				flags.dataDir = args[i+1]
				i++
			}
		case strings.HasPrefix(arg, "--agent="):
			flags.agent = strings.TrimPrefix(arg, "--agent=")
		case arg == "--agent":
			if i+1 < len(args) {
				flags.agent = args[i+1]
				i++
			}
		}
	}

	return loadFromEnvAndFlags(flags)
}

// loadFromEnvAndFlags combines environment variables with CLI flags.
func loadFromEnvAndFlags(flags *flagValues) (*Config, error) {
	// Try to load .env file (ignore errors - file is optional)
	_ = godotenv.Load(".env")

	cfg := &Config{}

	if flags.port > 0 {
		cfg.Port = flags.port
	} else if env := os.Getenv("SWITCHBOARD_PORT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.Port = v
		}
	}

	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	} else {
		cfg.DataDir = os.Getenv("SWITCHBOARD_DATA_DIR")
	}

	if flags.agent != "" {
		cfg.AgentCommand = flags.agent
	} else {
		cfg.AgentCommand = os.Getenv("SWITCHBOARD_AGENT_COMMAND")
	}

	cfg.AdminUser = os.Getenv("SWITCHBOARD_ADMIN_USER")
	cfg.AdminPass = os.Getenv("SWITCHBOARD_ADMIN_PASS")
	cfg.ProjectsDir = os.Getenv("SWITCHBOARD_PROJECTS_DIR")
	cfg.LogLevel = os.Getenv("SWITCHBOARD_LOG_LEVEL")

	if env := os.Getenv("SWITCHBOARD_SWEEP_INTERVAL"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.SweepInterval = time.Duration(v) * time.Second
		}
	}

	cfg.DebugMode = flags.debug

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 9311
	}
	if c.DataDir == "" {
		if c.isDockerEnvironment() {
			c.DataDir = "/data"
		} else {
			home, err := os.UserHomeDir()
			if err != nil || home == "" {
				c.DataDir = "./.switchboard"
			} else {
				c.DataDir = filepath.Join(home, ".switchboard")
			}
		}
	}
	if c.AgentCommand == "" {
		c.AgentCommand = "claude"
	}
	if c.ProjectsDir == "" {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			c.ProjectsDir = filepath.Join(home, ".claude", "projects")
		}
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535")
	}
	if c.AgentCommand == "" {
		return fmt.Errorf("agent command cannot be empty")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("sweep interval must be at least 1s")
	}
	if c.SweepInterval > time.Hour {
		return fmt.Errorf("sweep interval must be at most 1h")
	}
	// Basic auth needs both halves or neither.
	if (c.AdminUser == "") != (c.AdminPass == "") {
		return fmt.Errorf("SWITCHBOARD_ADMIN_USER and SWITCHBOARD_ADMIN_PASS must be set together")
	}
	return nil
}

// ProfilesPath is the location of the profile store document.
func (c *Config) ProfilesPath() string {
	return filepath.Join(c.DataDir, "profiles.json")
}

// SessionsDBPath is the location of the session persistence database.
func (c *Config) SessionsDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// String returns a redacted string representation of the config.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  DataDir: %s,\n", c.DataDir)
	fmt.Fprintf(&sb, "  Port: %d,\n", c.Port)
	fmt.Fprintf(&sb, "  AgentCommand: %s,\n", c.AgentCommand)
	fmt.Fprintf(&sb, "  ProjectsDir: %s,\n", c.ProjectsDir)
	fmt.Fprintf(&sb, "  SweepInterval: %v,\n", c.SweepInterval)
	if c.AdminUser != "" {
		fmt.Fprintf(&sb, "  AdminUser: %s,\n", c.AdminUser)
		fmt.Fprintf(&sb, "  AdminPass: ****,\n")
	}
	fmt.Fprintf(&sb, "  LogLevel: %s,\n", c.LogLevel)
	fmt.Fprintf(&sb, "  DebugMode: %v,\n", c.DebugMode)
	fmt.Fprintf(&sb, "}")
	return sb.String()
}

// LogWriter returns the appropriate log destination based on debug mode.
// In debug mode and in Docker the process logs to stdout; in background
// mode it logs to a file inside the data directory.
func (c *Config) LogWriter() (io.Writer, error) {
	if c.DebugMode || c.isDockerEnvironment() {
		return os.Stdout, nil
	}

	logPath := filepath.Join(c.DataDir, "switchboard.log")
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// isDockerEnvironment detects if running inside a Docker container.
func (c *Config) isDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if os.Getenv("DOCKER_CONTAINER") != "" {
		return true
	}
	return false
}
