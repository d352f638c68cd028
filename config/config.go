package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "meshbridge"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "MESHBRIDGE_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// overrideFileName holds optional operator tuning in YAML.
	overrideFileName = "mesh.yaml"
)

const (
	DefaultMaxHops           = 5
	DefaultMaxAttempts       = 3
	DefaultMaxPayloadSize    = 512
	DefaultRetryInterval     = 5 * time.Second
	DefaultDiscoveryInterval = 10 * time.Second
	DefaultMaxMissedCycles   = 3
	DefaultSyncInterval      = 60 * time.Second
	DefaultMaxBundleBytes    = 1 << 20
	DefaultFinalityTimeout   = 30 * time.Second
	DefaultMaxQueueEntries   = 500
	DefaultSeenTTL           = 30 * time.Minute
	DefaultHubAddress        = "127.0.0.1:7946"
	DefaultStorageURL        = "http://127.0.0.1:8787"
	DefaultMetricsAddress    = "127.0.0.1:9464"
)

// Duration is a time.Duration that reads and writes as text such as "5s".
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var nanos int64
	if err := json.Unmarshal(raw, &nanos); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(nanos)
	return nil
}

// UnmarshalYAML accepts duration strings in mesh.yaml.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MeshConfig tunes routing, queueing and discovery.
type MeshConfig struct {
	MaxHops           int      `json:"max_hops" yaml:"max_hops" validate:"gte=1,lte=16"`
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	MaxPayloadSize    int      `json:"max_payload_size" yaml:"max_payload_size" validate:"gte=128,lte=65536"`
	MaxQueueEntries   int      `json:"max_queue_entries" yaml:"max_queue_entries" validate:"gte=1"`
	RetryInterval     Duration `json:"retry_interval" yaml:"retry_interval" validate:"gt=0"`
	DiscoveryInterval Duration `json:"discovery_interval" yaml:"discovery_interval" validate:"gt=0"`
	MaxMissedCycles   int      `json:"max_missed_cycles" yaml:"max_missed_cycles" validate:"gte=1"`
	SeenTTL           Duration `json:"seen_ttl" yaml:"seen_ttl" validate:"gt=0"`
	RelayEnabled      bool     `json:"relay_enabled" yaml:"relay_enabled"`
	HubAddress        string   `json:"hub_address" yaml:"hub_address" validate:"required,hostname_port"`
	EnableMDNS        bool     `json:"enable_mdns" yaml:"enable_mdns"`
}

// BridgeConfig tunes bundling and externalization.
type BridgeConfig struct {
	StorageURL       string   `json:"storage_url" yaml:"storage_url" validate:"required,url"`
	SyncInterval     Duration `json:"sync_interval" yaml:"sync_interval" validate:"gt=0"`
	MaxBundleBytes   int      `json:"max_bundle_bytes" yaml:"max_bundle_bytes" validate:"gte=1024"`
	FinalityTimeout  Duration `json:"finality_timeout" yaml:"finality_timeout" validate:"gt=0"`
	Region           string   `json:"region" yaml:"region"`
	LedgerPath       string   `json:"ledger_path" yaml:"ledger_path" validate:"required"`
	ArchiveDelivered bool     `json:"archive_delivered" yaml:"archive_delivered"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level       string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	FilePath    string `json:"file_path" yaml:"file_path"`
	Development bool   `json:"development" yaml:"development"`
}

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	NodeID                string       `json:"node_id" validate:"required,uuid"`
	NodeName              string       `json:"node_name" validate:"required"`
	Ed25519PrivateKeyPath string       `json:"ed25519_private_key_path" validate:"required"`
	Ed25519PublicKeyPath  string       `json:"ed25519_public_key_path" validate:"required"`
	MetricsAddress        string       `json:"metrics_address" yaml:"metrics_address"`
	Mesh                  MeshConfig   `json:"mesh" yaml:"mesh"`
	Bridge                BridgeConfig `json:"bridge" yaml:"bridge"`
	Log                   LogConfig    `json:"log" yaml:"log"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *NodeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// LoadEnvFiles loads the first readable .env file. Existing variables are never overwritten.
func LoadEnvFiles(paths ...string) (string, bool) {
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESHBRIDGE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "ledger"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// ApplyOverrides merges mesh.yaml from the data directory into cfg, if present.
// Overrides are operator tuning and are not written back to config.json.
func ApplyOverrides(dataDir string, cfg *NodeConfig) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, overrideFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", overrideFileName, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return false, fmt.Errorf("parse %s: %w", overrideFileName, err)
	}
	return true, nil
}

// LoadOrCreate ensures directories and config exist, applies overrides, validates, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*NodeConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if _, err := ApplyOverrides(dataDir, cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *NodeConfig {
	cfg := &NodeConfig{}
	normalizeDefaults(cfg, dataDir)
	cfg.Mesh.RelayEnabled = true
	return cfg
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Mesh Node"
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if *field <= 0 {
			*field = Duration(value)
			updated = true
		}
	}

	setString(&cfg.NodeID, uuid.NewString())
	setString(&cfg.NodeName, defaultNodeName())
	setString(&cfg.Ed25519PrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.Ed25519PublicKeyPath, filepath.Join(keysDir, "ed25519_public.pem"))
	setString(&cfg.MetricsAddress, DefaultMetricsAddress)

	setInt(&cfg.Mesh.MaxHops, DefaultMaxHops)
	setInt(&cfg.Mesh.MaxAttempts, DefaultMaxAttempts)
	setInt(&cfg.Mesh.MaxPayloadSize, DefaultMaxPayloadSize)
	setInt(&cfg.Mesh.MaxQueueEntries, DefaultMaxQueueEntries)
	setInt(&cfg.Mesh.MaxMissedCycles, DefaultMaxMissedCycles)
	setDuration(&cfg.Mesh.RetryInterval, DefaultRetryInterval)
	setDuration(&cfg.Mesh.DiscoveryInterval, DefaultDiscoveryInterval)
	setDuration(&cfg.Mesh.SeenTTL, DefaultSeenTTL)
	setString(&cfg.Mesh.HubAddress, DefaultHubAddress)

	setString(&cfg.Bridge.StorageURL, DefaultStorageURL)
	setDuration(&cfg.Bridge.SyncInterval, DefaultSyncInterval)
	setInt(&cfg.Bridge.MaxBundleBytes, DefaultMaxBundleBytes)
	setDuration(&cfg.Bridge.FinalityTimeout, DefaultFinalityTimeout)
	setString(&cfg.Bridge.LedgerPath, filepath.Join(dataDir, "ledger", "proofs.db"))

	setString(&cfg.Log.Level, "info")

	return updated
}
