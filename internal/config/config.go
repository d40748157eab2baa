package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for bsync.
type Config struct {
	HostID    string `toml:"host_id"`
	BaseDir   string `toml:"base_dir"`
	LogDir    string `toml:"log_dir"`
	Mode      string `toml:"mode"`      // "OFF", "AUTO" or "MANUAL"
	Namespace string `toml:"namespace"` // remote namespace shared by every client of one user

	Permissions PermissionsConfig `toml:"permissions"`
	Intervals   IntervalsConfig   `toml:"intervals"`
	Datasource  DatasourceConfig  `toml:"datasource"`
	Vault       VaultConfig       `toml:"vault"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Database    DatabaseConfig    `toml:"database"`
	Remote      RemoteConfig      `toml:"remote"`
	Server      ServerConfig      `toml:"server"`
	Watch       WatchConfig       `toml:"watch"`
	Log         LogConfig         `toml:"log"`
}

// Duration is a time.Duration written as a Go duration string ("10m", "2m30s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// PermissionsConfig holds the capability facts handed to the scheduler.
type PermissionsConfig struct {
	CanViewInfo bool `toml:"can_view_info"`
	CanUpload   bool `toml:"can_upload"`
	CanImport   bool `toml:"can_import"`
}

// IntervalsConfig overrides scheduler timing. Zero values keep the defaults.
type IntervalsConfig struct {
	AutoSync             Duration `toml:"auto_sync,omitempty"`
	ManualFullCheck      Duration `toml:"manual_full_check,omitempty"`
	ManualFastCheck      Duration `toml:"manual_fast_check,omitempty"`
	CacheFreshness       Duration `toml:"cache_freshness,omitempty"`
	SkipFastAfterRefresh Duration `toml:"skip_fast_after_refresh,omitempty"`
	Tick                 Duration `toml:"tick,omitempty"`
}

// DatasourceConfig locates the local piece data.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatasourceConfig struct {
	Type string `toml:"type"`          // "file" or "memory"
	Dir  string `toml:"dir,omitempty"` // only used for type=file
}

// VaultConfig represents configuration for the remote piece store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`   // for S3-compatible stores
	S3PathStyle bool   `toml:"s3_path_style,omitempty"` // required by most S3-compatible stores

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// DatabaseConfig represents configuration for the local state database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// RemoteConfig tunes the reference collaborator.
type RemoteConfig struct {
	OperationCooldown Duration `toml:"operation_cooldown"`
}

// ServerConfig configures `bsync serve`.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// WatchConfig controls the datasource change watcher used by `bsync serve`.
type WatchConfig struct {
	Enabled  bool     `toml:"enabled"`
	Debounce Duration `toml:"debounce"`
}

// LogConfig controls the log file and its rotation.
type LogConfig struct {
	Level      string `toml:"level"` // "debug", "info", "warn" or "error"
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:    hostID,
		BaseDir:   baseDir,
		LogDir:    filepath.Join(baseDir, "log"),
		Mode:      "MANUAL",
		Namespace: "default",
		Permissions: PermissionsConfig{
			CanViewInfo: true,
			CanUpload:   true,
			CanImport:   true,
		},
		Datasource: DatasourceConfig{Type: "file", Dir: filepath.Join(baseDir, "data")},
		Vault:      VaultConfig{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "vault")},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "bsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "bsync.key"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Remote:   RemoteConfig{OperationCooldown: Duration{5 * time.Minute}},
		Server:   ServerConfig{Addr: "127.0.0.1:7787"},
		Watch:    WatchConfig{Enabled: true, Debounce: Duration{2 * time.Second}},
		Log:      LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 30},
	}
}

// Validate checks the fields every command relies on.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Mode) {
	case "", "OFF", "AUTO", "MANUAL":
	default:
		return fmt.Errorf("invalid mode %q: must be OFF, AUTO or MANUAL", c.Mode)
	}
	switch c.Datasource.Type {
	case "file":
		if c.Datasource.Dir == "" {
			return fmt.Errorf("file datasource requires dir to be set")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown datasource type: %q", c.Datasource.Type)
	}
	if c.Remote.OperationCooldown.Duration < 0 {
		return fmt.Errorf("remote.operation_cooldown must not be negative")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
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

// Init writes a new config file. It refuses to overwrite an existing one.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Save overwrites the config file at path, used by `bsync mode`.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return writeToFile(path, cfg)
}
