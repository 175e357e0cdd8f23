// Package config loads runner configuration from a YAML file, an
// optional .env file, and CONVEYOR_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runner configuration.
type Config struct {
	// WorkDir is the default working directory for stage commands.
	WorkDir string `yaml:"work_dir"`

	// LogDir is where stage output logs are stored.
	LogDir string `yaml:"log_dir"`

	// JournalPath is the append-only run journal file.
	JournalPath string `yaml:"journal_path"`

	// SignJournal enables ed25519 signing of journal entries using the
	// keypair under KeyDir.
	SignJournal bool   `yaml:"sign_journal"`
	KeyDir      string `yaml:"key_dir"`

	// HistoryDB is the SQLite run-history database path.
	HistoryDB string `yaml:"history_db"`

	// StageTimeout bounds each stage. Zero disables the timeout.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	Server ServerConfig `yaml:"server"`
	Events EventsConfig `yaml:"events"`
	Daemon DaemonConfig `yaml:"daemon"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// EventsConfig configures NATS run-event publishing.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// DaemonConfig configures daemon mode.
type DaemonConfig struct {
	// Pipeline is the definition file the daemon runs.
	Pipeline string `yaml:"pipeline"`

	// Schedule is a cron expression for periodic runs. Empty disables
	// scheduled runs.
	Schedule string `yaml:"schedule"`

	// Watch re-runs the pipeline when the definition file changes.
	Watch bool `yaml:"watch"`

	// Debounce coalesces bursts of file-change notifications.
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkDir:     ".",
		LogDir:      "./logs",
		JournalPath: "./journal.jsonl",
		KeyDir:      "./keys",
		HistoryDB:   "./conveyor.db",
		Server:      ServerConfig{Addr: ":8080"},
		Events:      EventsConfig{NATSURL: "nats://127.0.0.1:4222", Subject: "conveyor.runs"},
		Daemon:      DaemonConfig{Pipeline: "pipeline.yaml", Debounce: 500 * time.Millisecond},
	}
}

// Load reads configuration from path (defaults when the file is missing),
// after loading a .env file if one exists, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	// Missing .env is not an error.
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Built-in defaults.
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

// applyEnv applies CONVEYOR_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONVEYOR_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("CONVEYOR_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("CONVEYOR_JOURNAL_PATH"); v != "" {
		c.JournalPath = v
	}
	if v := os.Getenv("CONVEYOR_KEY_DIR"); v != "" {
		c.KeyDir = v
	}
	if v := os.Getenv("CONVEYOR_SIGN_JOURNAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SignJournal = b
		}
	}
	if v := os.Getenv("CONVEYOR_HISTORY_DB"); v != "" {
		c.HistoryDB = v
	}
	if v := os.Getenv("CONVEYOR_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CONVEYOR_NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	if v := os.Getenv("CONVEYOR_EVENTS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Events.Enabled = b
		}
	}
	if v := os.Getenv("CONVEYOR_EVENTS_SUBJECT"); v != "" {
		c.Events.Subject = v
	}
	if v := os.Getenv("CONVEYOR_DAEMON_PIPELINE"); v != "" {
		c.Daemon.Pipeline = v
	}
	if v := os.Getenv("CONVEYOR_DAEMON_SCHEDULE"); v != "" {
		c.Daemon.Schedule = v
	}
	if v := os.Getenv("CONVEYOR_STAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.StageTimeout = d
		}
	}
}

// normalize fills in anything a partial config file left empty.
func (c *Config) normalize() {
	def := Default()
	if c.WorkDir == "" {
		c.WorkDir = def.WorkDir
	}
	if c.LogDir == "" {
		c.LogDir = def.LogDir
	}
	if c.JournalPath == "" {
		c.JournalPath = def.JournalPath
	}
	if c.KeyDir == "" {
		c.KeyDir = def.KeyDir
	}
	if c.HistoryDB == "" {
		c.HistoryDB = def.HistoryDB
	}
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Events.Subject == "" {
		c.Events.Subject = def.Events.Subject
	}
	if c.Events.NATSURL == "" {
		c.Events.NATSURL = def.Events.NATSURL
	}
	if c.Daemon.Pipeline == "" {
		c.Daemon.Pipeline = def.Daemon.Pipeline
	}
	if c.Daemon.Debounce <= 0 {
		c.Daemon.Debounce = def.Daemon.Debounce
	}
}
