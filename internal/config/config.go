package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"labsnap/internal/fs"
)

// Config represents the main configuration for labsnap.
type Config struct {
	BaseDir  string        `toml:"base_dir"`
	LogDir   string        `toml:"log_dir"`
	LogLevel string        `toml:"log_level"` // "debug", "info" (default), "warn" or "error"
	Store    StoreConfig   `toml:"store"`
	Exports  ExportsConfig `toml:"exports"`
	Doctor   DoctorConfig  `toml:"doctor"`
	Metrics  MetricsConfig `toml:"metrics"`
	Vaults   []VaultConfig `toml:"vaults"`
}

// StoreConfig describes the live store snapshots are taken from and restored into.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type string `toml:"type"`           // "sqlite" (default) or "memory"
	Path string `toml:"path,omitempty"` // only used for type=sqlite
}

// ExportsConfig describes the artifact root.
type ExportsConfig struct {
	Dir      string `toml:"dir"`
	PinsFile string `toml:"pins_file,omitempty"` // defaults to <dir>/.pins.json
}

// DoctorConfig tunes health reports.
type DoctorConfig struct {
	MaxAuditLines int `toml:"max_audit_lines"` // container audit excerpt length, defaults to 60
}

// MetricsConfig controls the Prometheus textfile each invocation writes.
type MetricsConfig struct {
	TextfileDir string `toml:"textfile_dir,omitempty"` // empty disables metrics
}

// VaultConfig represents configuration for a vault backend that published
// archives are copied into.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type     string `toml:"type"` // "memory", "s3", or "filesystem"
	Name     string `toml:"name"`
	Attempts uint   `toml:"attempts,omitempty"` // tries per vault call; defaults to 3 for s3, 1 otherwise

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3PathStyle       bool   `toml:"s3_path_style,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DefaultMaxAuditLines bounds the container audit excerpt in doctor reports.
const DefaultMaxAuditLines = 60

// NewConfig creates a new Config rooted at baseDir with default paths.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Store: StoreConfig{
			Type: "sqlite",
			Path: filepath.Join(baseDir, "data", "lims.sqlite3"),
		},
		Exports: ExportsConfig{
			Dir: filepath.Join(baseDir, "exports"),
		},
		Doctor: DoctorConfig{MaxAuditLines: DefaultMaxAuditLines},
	}
}

// PinsPath returns the pin set file, defaulting to <exports dir>/.pins.json.
func (c *Config) PinsPath() string {
	if c.Exports.PinsFile != "" {
		return c.Exports.PinsFile
	}
	return filepath.Join(c.Exports.Dir, ".pins.json")
}

// Vault returns the vault named name, or the first configured vault when name is empty.
func (c *Config) Vault(name string) (*VaultConfig, error) {
	if len(c.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}
	if name == "" {
		return &c.Vaults[0], nil
	}
	for i := range c.Vaults {
		if c.Vaults[i].Name == name {
			return &c.Vaults[i], nil
		}
	}
	return nil, fmt.Errorf("vault not configured: %s", name)
}

// Validate checks that the settings every command relies on are present.
func (c *Config) Validate() error {
	if c.Exports.Dir == "" {
		return fmt.Errorf("exports.dir is required")
	}
	switch c.Store.Type {
	case "", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store type: %s", c.Store.Type)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level: %s", c.LogLevel)
	}
	if c.Doctor.MaxAuditLines < 0 {
		return fmt.Errorf("doctor.max_audit_lines must not be negative")
	}
	seen := make(map[string]bool)
	for _, v := range c.Vaults {
		if v.Name == "" {
			return fmt.Errorf("vault name is required")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate vault name: %s", v.Name)
		}
		seen[v.Name] = true
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
	return cfg, nil
}

// Load reads the config at path, falling back to NewConfig(baseDir) when no
// file exists. Settings missing from the file take their defaults.
func Load(path, baseDir string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewConfig(baseDir), nil
	}

	cfg, err := ReadFromFile(path)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg, baseDir)
	return cfg, nil
}

func applyDefaults(cfg *Config, baseDir string) {
	def := NewConfig(baseDir)
	if cfg.BaseDir == "" {
		cfg.BaseDir = def.BaseDir
	} else {
		def = NewConfig(cfg.BaseDir)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = def.Store.Type
	}
	if cfg.Store.Path == "" && cfg.Store.Type == "sqlite" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Exports.Dir == "" {
		cfg.Exports.Dir = def.Exports.Dir
	}
	if cfg.Doctor.MaxAuditLines == 0 {
		cfg.Doctor.MaxAuditLines = def.Doctor.MaxAuditLines
	}
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	m := &Manager{}
	if err := m.Write(&buf, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := fs.WriteFileAtomic(path, &buf, 0o644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
