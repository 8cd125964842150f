package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultMetadataBaseURL is the CDN path of the published metadata bundle.
const DefaultMetadataBaseURL = "https://cdn.jsdelivr.net/gh/BoxCatTeam/endfield-cat-metadata/"

// Config represents the main configuration for endcat.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"` // debug, info, warn or error
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Metadata   MetadataConfig   `toml:"metadata"`
	API        APIConfig        `toml:"api"`
}

// EncryptionConfig selects how account tokens are sealed at rest.
type EncryptionConfig struct {
	Type    string `toml:"type"` // "age" (default) or "none"
	KeyPath string `toml:"key_path"`
}

// VaultConfig represents configuration for a vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"` // for S3-compatible stores
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the record database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// MetadataConfig configures the local mirror of the metadata bundle.
type MetadataConfig struct {
	BaseURL        string `toml:"base_url"`
	Version        string `toml:"version"` // empty means latest
	Dir            string `toml:"dir"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// APIConfig configures the gacha record API client.
// URL templates may contain a {provider} placeholder.
type APIConfig struct {
	WebviewURL        string  `toml:"webview_url"`
	BindingURL        string  `toml:"binding_url"`
	U8URL             string  `toml:"u8_url"`
	Lang              string  `toml:"lang"`
	PageDelayMS       int     `toml:"page_delay_ms"`
	MaxRecords        int     `toml:"max_records"`
	RequestsPerSecond float64 `toml:"requests_per_second"` // 0 disables throttling
	Burst             int     `toml:"burst"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
}

// NewConfig creates a new Config rooted at baseDir with all defaults filled in.
func NewConfig(baseDir string) *Config {
	cfg := &Config{
		BaseDir: baseDir,
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Metadata: MetadataConfig{
			BaseURL: DefaultMetadataBaseURL,
		},
		API: APIConfig{
			RequestsPerSecond: 5,
			Burst:             1,
		},
	}
	return cfg.WithDefaults()
}

// WithDefaults fills every zero-valued setting that has a default and
// returns cfg. Values already set are left alone.
func (cfg *Config) WithDefaults() *Config {
	if cfg.LogDir == "" && cfg.BaseDir != "" {
		cfg.LogDir = filepath.Join(cfg.BaseDir, "log")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.Type == "sqlite" && cfg.Database.DataDir == "" && cfg.BaseDir != "" {
		cfg.Database.DataDir = filepath.Join(cfg.BaseDir, "db")
	}

	if cfg.Encryption.Type == "" {
		cfg.Encryption.Type = "age"
	}
	if cfg.Encryption.KeyPath == "" && cfg.BaseDir != "" {
		cfg.Encryption.KeyPath = filepath.Join(cfg.BaseDir, "keys", "endcat.key")
	}

	if cfg.Metadata.Dir == "" && cfg.BaseDir != "" {
		cfg.Metadata.Dir = filepath.Join(cfg.BaseDir, "metadata")
	}
	if cfg.Metadata.TimeoutSeconds == 0 {
		cfg.Metadata.TimeoutSeconds = 300
	}

	if cfg.API.WebviewURL == "" {
		cfg.API.WebviewURL = "https://ef-webview.{provider}.com"
	}
	if cfg.API.BindingURL == "" {
		cfg.API.BindingURL = "https://binding-api-account-prod.{provider}.com"
	}
	if cfg.API.U8URL == "" {
		cfg.API.U8URL = "https://u8.hypergryph.com"
	}
	if cfg.API.Lang == "" {
		cfg.API.Lang = "zh-cn"
	}
	if cfg.API.PageDelayMS == 0 {
		cfg.API.PageDelayMS = 100
	}
	if cfg.API.MaxRecords == 0 {
		cfg.API.MaxRecords = 10000
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 1
	}
	if cfg.API.TimeoutSeconds == 0 {
		cfg.API.TimeoutSeconds = 30
	}
	return cfg
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

// writeToFile writes a Config to the specified file path.
// The file may end up holding S3 credentials, so it is created 0600.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
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
