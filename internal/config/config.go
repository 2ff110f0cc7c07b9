package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is resolved in three layers: built-in defaults, then the YAML file,
// then GERBIL_AWARDS_* environment variables. Flag overrides happen in main.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Ingest  IngestConfig  `yaml:"ingest"`
}

type ServerConfig struct {
	Host              string        `yaml:"host" env:"GERBIL_AWARDS_HOST"`
	Port              int           `yaml:"port" env:"GERBIL_AWARDS_PORT"`
	Token             string        `yaml:"token" env:"GERBIL_AWARDS_TOKEN"`
	AllowedOrigins    []string      `yaml:"allowed_origins" env:"GERBIL_AWARDS_ALLOWED_ORIGINS" envSeparator:","`
	MaxClients        int           `yaml:"max_clients" env:"GERBIL_AWARDS_MAX_CLIENTS"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle" env:"GERBIL_AWARDS_BROADCAST_THROTTLE"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval" env:"GERBIL_AWARDS_SNAPSHOT_INTERVAL"`
}

type EngineConfig struct {
	Heartbeat    time.Duration `yaml:"heartbeat" env:"GERBIL_AWARDS_HEARTBEAT"`
	StartupDelay time.Duration `yaml:"startup_delay" env:"GERBIL_AWARDS_STARTUP_DELAY"`
	SaveInterval time.Duration `yaml:"save_interval" env:"GERBIL_AWARDS_SAVE_INTERVAL"`
}

type StorageConfig struct {
	// Empty values resolve to the platform state dir at startup.
	StateDir   string `yaml:"state_dir" env:"GERBIL_AWARDS_STATE_DIR"`
	LedgerPath string `yaml:"ledger_path" env:"GERBIL_AWARDS_LEDGER_PATH"`
}

type IngestConfig struct {
	Enabled      bool          `yaml:"enabled" env:"GERBIL_AWARDS_INGEST"`
	SpoolDir     string        `yaml:"spool_dir" env:"GERBIL_AWARDS_SPOOL_DIR"`
	PollInterval time.Duration `yaml:"poll_interval" env:"GERBIL_AWARDS_POLL_INTERVAL"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			MaxClients:        32,
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
		},
		Engine: EngineConfig{
			Heartbeat:    2 * time.Second,
			StartupDelay: 6 * time.Second,
			SaveInterval: 30 * time.Second,
		},
		Ingest: IngestConfig{
			PollInterval: time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but treats a missing file as defaults.
// Environment overrides still apply.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	cfg = Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// GenerateToken returns a random access token (16 bytes, hex encoded).
func GenerateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Diff reports the fields where b differs from a, as human-readable strings
// suitable for logging. Token values are never printed.
func Diff(a, b *Config) []string {
	var changes []string

	if a.Server.Host != b.Server.Host {
		changes = append(changes, fmt.Sprintf("server.host: %s → %s", a.Server.Host, b.Server.Host))
	}
	if a.Server.Port != b.Server.Port {
		changes = append(changes, fmt.Sprintf("server.port: %d → %d", a.Server.Port, b.Server.Port))
	}
	if a.Server.Token != b.Server.Token {
		changes = append(changes, fmt.Sprintf("server.token: %s → %s", describeToken(a.Server.Token), describeToken(b.Server.Token)))
	}
	if !equalStrings(a.Server.AllowedOrigins, b.Server.AllowedOrigins) {
		changes = append(changes, fmt.Sprintf("server.allowed_origins: %v → %v", a.Server.AllowedOrigins, b.Server.AllowedOrigins))
	}
	if a.Server.MaxClients != b.Server.MaxClients {
		changes = append(changes, fmt.Sprintf("server.max_clients: %d → %d", a.Server.MaxClients, b.Server.MaxClients))
	}
	if a.Server.BroadcastThrottle != b.Server.BroadcastThrottle {
		changes = append(changes, fmt.Sprintf("server.broadcast_throttle: %s → %s", a.Server.BroadcastThrottle, b.Server.BroadcastThrottle))
	}
	if a.Server.SnapshotInterval != b.Server.SnapshotInterval {
		changes = append(changes, fmt.Sprintf("server.snapshot_interval: %s → %s", a.Server.SnapshotInterval, b.Server.SnapshotInterval))
	}

	if a.Engine.Heartbeat != b.Engine.Heartbeat {
		changes = append(changes, fmt.Sprintf("engine.heartbeat: %s → %s", a.Engine.Heartbeat, b.Engine.Heartbeat))
	}
	if a.Engine.StartupDelay != b.Engine.StartupDelay {
		changes = append(changes, fmt.Sprintf("engine.startup_delay: %s → %s", a.Engine.StartupDelay, b.Engine.StartupDelay))
	}
	if a.Engine.SaveInterval != b.Engine.SaveInterval {
		changes = append(changes, fmt.Sprintf("engine.save_interval: %s → %s", a.Engine.SaveInterval, b.Engine.SaveInterval))
	}

	if a.Storage.StateDir != b.Storage.StateDir {
		changes = append(changes, fmt.Sprintf("storage.state_dir: %s → %s", orDefault(a.Storage.StateDir), orDefault(b.Storage.StateDir)))
	}
	if a.Storage.LedgerPath != b.Storage.LedgerPath {
		changes = append(changes, fmt.Sprintf("storage.ledger_path: %s → %s", orDefault(a.Storage.LedgerPath), orDefault(b.Storage.LedgerPath)))
	}

	if a.Ingest.Enabled != b.Ingest.Enabled {
		changes = append(changes, fmt.Sprintf("ingest.enabled: %t → %t", a.Ingest.Enabled, b.Ingest.Enabled))
	}
	if a.Ingest.SpoolDir != b.Ingest.SpoolDir {
		changes = append(changes, fmt.Sprintf("ingest.spool_dir: %s → %s", orDefault(a.Ingest.SpoolDir), orDefault(b.Ingest.SpoolDir)))
	}
	if a.Ingest.PollInterval != b.Ingest.PollInterval {
		changes = append(changes, fmt.Sprintf("ingest.poll_interval: %s → %s", a.Ingest.PollInterval, b.Ingest.PollInterval))
	}

	return changes
}

func describeToken(tok string) string {
	if tok == "" {
		return "(none)"
	}
	return "(set)"
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
