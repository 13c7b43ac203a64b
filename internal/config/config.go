package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for ctsync.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Source     SourceConfig     `toml:"source"`
	Provider   ProviderConfig   `toml:"provider"`
	Sync       SyncConfig       `toml:"sync"`
}

// EncryptionConfig selects how archived snapshots are encrypted.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig configures a snapshot archive backend.
// The Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3 fields (Type == "s3"). Endpoint and static keys are optional; when
	// the keys are empty the default AWS credential chain is used.
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// Filesystem fields (Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig configures the state database.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// SourceConfig configures where local definitions are read from.
type SourceConfig struct {
	Type      string   `toml:"type"` // "filesystem"
	Dir       string   `toml:"dir"`
	WebsiteID string   `toml:"website_id,omitempty"`
	Ignore    []string `toml:"ignore,omitempty"`
}

// ProviderConfig configures the remote system of record. An empty Type
// means no provider: sync runs degrade to dry-run.
type ProviderConfig struct {
	Type  string `toml:"type"`           // "", "memory" or "filesystem"
	Root  string `toml:"root,omitempty"` // only used for type=filesystem
	Token string `toml:"token,omitempty"`
}

// SyncConfig tunes the sync pipeline.
type SyncConfig struct {
	MaxAttempts            int      `toml:"max_attempts"`
	InitialDelay           Duration `toml:"initial_delay"`
	BackoffMultiplier      float64  `toml:"backoff_multiplier"`
	MaxDelay               Duration `toml:"max_delay"`
	CallTimeout            Duration `toml:"call_timeout"`
	Concurrency            int      `toml:"concurrency"`
	ManagedPrefix          string   `toml:"managed_prefix,omitempty"`
	ResolutionHistoryLimit int      `toml:"resolution_history_limit"`
	AutoResolve            bool     `toml:"auto_resolve"`
}

// DefaultSyncConfig returns the pipeline defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxAttempts:            3,
		InitialDelay:           Duration(time.Second),
		BackoffMultiplier:      2,
		MaxDelay:               Duration(30 * time.Second),
		CallTimeout:            Duration(30 * time.Second),
		Concurrency:            2,
		ResolutionHistoryLimit: 100,
	}
}

// WithDefaults fills zero values from DefaultSyncConfig.
func (c SyncConfig) WithDefaults() SyncConfig {
	d := DefaultSyncConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.ResolutionHistoryLimit <= 0 {
		c.ResolutionHistoryLimit = d.ResolutionHistoryLimit
	}
	return c
}

// Duration is a time.Duration written as a string ("1s", "250ms") in TOML.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// NewConfig creates a Config with default paths under baseDir.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "ctsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "ctsync.key"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Source:   SourceConfig{Type: "filesystem", Dir: filepath.Join(baseDir, "content-types")},
		Vaults: []VaultConfig{
			{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "vault")},
		},
		Sync: DefaultSyncConfig(),
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Sync = cfg.Sync.WithDefaults()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
