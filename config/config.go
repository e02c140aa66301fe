// Package config loads the storage server configuration file.
//
// The file is YAML; every field is optional and falls back to Default().
// Command line flags override file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/recordlock"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	// InstanceID identifies this storage instance in selectors.
	InstanceID string `yaml:"instance_id"`

	// DataDir holds the records/ and tombstones/ trees.
	DataDir string `yaml:"data_dir"`

	// Backends are payload backend URIs; payloads are written to all of them.
	Backends []string `yaml:"backends"`

	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Directory DirectoryConfig `yaml:"directory"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	Pprof           bool          `yaml:"pprof"`
	DrainDuration   time.Duration `yaml:"drain_duration"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	ListConcurrency int           `yaml:"list_concurrency"`
	RetryAfter      time.Duration `yaml:"retry_after"`
}

type StorageConfig struct {
	// LockMode is "wait" or "fail".
	LockMode        string        `yaml:"lock_mode"`
	RetryConflicts  bool          `yaml:"retry_conflicts"`
	ConflictBackoff time.Duration `yaml:"conflict_backoff"`

	// GracePeriod delays physical removal of tombstoned records.
	GracePeriod time.Duration `yaml:"grace_period"`

	CacheSize int `yaml:"cache_size"`

	// BackendTimeout bounds a single backend call; BackendRetries bounds
	// the retries after a transient failure.
	BackendTimeout time.Duration `yaml:"backend_timeout"`
	BackendRetries uint64        `yaml:"backend_retries"`
}

// DirectoryConfig locates other instances for redirects. Static entries
// are consulted before DNS.
type DirectoryConfig struct {
	File      string            `yaml:"file"`
	Instances map[string]string `yaml:"instances"`
	DNSZone   string            `yaml:"dns_zone"`
	DNSServer string            `yaml:"dns_server"`
	DNSTTL    time.Duration     `yaml:"dns_ttl"`
}

type LogConfig struct {
	JSON    bool   `yaml:"json"`
	Debug   bool   `yaml:"debug"`
	UID     bool   `yaml:"uid"`
	Service string `yaml:"service"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DataDir: "./data",
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			MetricsAddr:     "127.0.0.1:8090",
			DrainDuration:   45 * time.Second,
			RequestTimeout:  2 * time.Minute,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxPayloadBytes: 64 << 20,
			ListConcurrency: 16,
			RetryAfter:      5 * time.Second,
		},
		Storage: StorageConfig{
			LockMode:        recordlock.Wait.String(),
			ConflictBackoff: 100 * time.Millisecond,
			GracePeriod:     24 * time.Hour,
			CacheSize:       4096,
			BackendTimeout:  30 * time.Second,
			BackendRetries:  5,
		},
		Directory: DirectoryConfig{
			DNSServer: "127.0.0.53:53",
			DNSTTL:    5 * time.Minute,
		},
		Log: LogConfig{
			Service: "mze-storage",
		},
	}
}

// Load reads path on top of Default(). Unknown keys are rejected.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads a YAML document on top of Default().
func Decode(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem with cfg at once.
func (cfg Config) Validate() error {
	var result *multierror.Error

	if cfg.InstanceID == "" {
		result = multierror.Append(result, errors.New("instance_id is required"))
	} else if _, err := interfaces.ParseInstanceID(cfg.InstanceID); err != nil {
		result = multierror.Append(result, fmt.Errorf("instance_id: %w", err))
	}
	if cfg.DataDir == "" {
		result = multierror.Append(result, errors.New("data_dir is required"))
	}

	if len(cfg.Backends) == 0 {
		result = multierror.Append(result, errors.New("at least one backend is required"))
	}
	for _, uri := range cfg.Backends {
		if _, err := interfaces.NewBackendLocation(uri); err != nil {
			result = multierror.Append(result, fmt.Errorf("backend %q: %w", uri, err))
		}
	}

	if _, err := recordlock.ParseMode(cfg.Storage.LockMode); err != nil {
		result = multierror.Append(result, fmt.Errorf("lock_mode: %w", err))
	}
	if cfg.Storage.GracePeriod < 0 {
		result = multierror.Append(result, errors.New("grace_period must not be negative"))
	}
	if cfg.Storage.ConflictBackoff < 0 {
		result = multierror.Append(result, errors.New("conflict_backoff must not be negative"))
	}
	if cfg.Storage.CacheSize <= 0 {
		result = multierror.Append(result, errors.New("cache_size must be positive"))
	}
	if cfg.Storage.BackendTimeout <= 0 {
		result = multierror.Append(result, errors.New("backend_timeout must be positive"))
	}

	if cfg.Server.ListenAddr == "" {
		result = multierror.Append(result, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.MaxPayloadBytes <= 0 {
		result = multierror.Append(result, errors.New("server.max_payload_bytes must be positive"))
	}
	if cfg.Server.ListConcurrency <= 0 {
		result = multierror.Append(result, errors.New("server.list_concurrency must be positive"))
	}

	for id := range cfg.Directory.Instances {
		if _, err := interfaces.ParseInstanceID(id); err != nil {
			result = multierror.Append(result, fmt.Errorf("directory.instances: %w", err))
		}
	}
	if cfg.Directory.DNSZone != "" && cfg.Directory.DNSServer == "" {
		result = multierror.Append(result, errors.New("directory.dns_server is required with dns_zone"))
	}

	return result.ErrorOrNil()
}
