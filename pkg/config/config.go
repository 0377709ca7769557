// Package config provides configuration for the compute unit.
// Priority: defaults < config file < environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cunode/cunode/pkg/cuerr"
)

// Config holds all compute-unit configuration.
type Config struct {
	Version int `yaml:"version"`

	Server     ServerConfig     `yaml:"server"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Wasm       WasmConfig       `yaml:"wasm"`
	Memory     MemoryConfig     `yaml:"memory"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Storage    StorageConfig    `yaml:"storage"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig controls the HTTP layer.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// BusyThreshold sheds load once observed worker-queue wait exceeds it.
	// Zero disables shedding.
	BusyThreshold time.Duration `yaml:"busy_threshold"`
}

// GatewayConfig locates the external collaborators.
type GatewayConfig struct {
	// SchedulerRouterURL resolves a process id to its scheduling endpoint.
	SchedulerRouterURL string `yaml:"scheduler_router_url"`

	// ModuleOriginURL serves compiled module binaries by module id.
	ModuleOriginURL string `yaml:"module_origin_url"`

	// Timeout bounds each outbound request.
	Timeout time.Duration `yaml:"timeout"`
}

// WasmConfig bounds sandboxed evaluation.
type WasmConfig struct {
	// MemoryMaxLimit is the per-instance linear-memory ceiling in bytes.
	MemoryMaxLimit uint64 `yaml:"memory_max_limit"`

	// ComputeMaxLimit is the per-step compute ceiling.
	ComputeMaxLimit time.Duration `yaml:"compute_max_limit"`

	// MaxWorkers is the evaluation pool size.
	MaxWorkers int `yaml:"max_workers"`

	// InstanceCacheMaxSize bounds ready evaluator instances by count.
	InstanceCacheMaxSize int `yaml:"instance_cache_max_size"`

	// ModuleCacheMaxSize bounds compiled binaries by count.
	ModuleCacheMaxSize int `yaml:"module_cache_max_size"`

	// ModuleDir is where fetched binaries are persisted locally.
	ModuleDir string `yaml:"module_dir"`
}

// MemoryConfig bounds the per-process memory cache.
type MemoryConfig struct {
	// CacheMaxSize bounds the cache by total bytes.
	CacheMaxSize uint64 `yaml:"cache_max_size"`

	// CacheTTL expires entries regardless of size pressure.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// CheckpointConfig controls durable memory snapshots.
type CheckpointConfig struct {
	// Disable turns off checkpoint creation entirely.
	Disable bool `yaml:"disable"`

	// CreationThrottle is the minimum gap between persisted checkpoints
	// for one process.
	CreationThrottle time.Duration `yaml:"creation_throttle"`

	// EagerThreshold persists early once this many messages were replayed
	// since the last checkpoint.
	EagerThreshold int `yaml:"eager_threshold"`

	// Backend selects the checkpoint store: file, redis, or s3.
	Backend string `yaml:"backend"`

	// Dir is the directory for the file backend.
	Dir string `yaml:"dir"`

	Redis RedisConfig `yaml:"redis"`
	S3    S3Config    `yaml:"s3"`
}

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout"`
}

// S3Config configures the S3 checkpoint backend.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// StorageConfig locates the durable process/evaluation store.
type StorageConfig struct {
	// Database is the DuckDB file path. Empty means in-memory.
	Database string `yaml:"database"`
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	baseDir := filepath.Join(home, ".cunode")

	return &Config{
		Version: 1,
		Server: ServerConfig{
			Host: "localhost",
			Port: 6363,
		},
		Gateway: GatewayConfig{
			Timeout: 30 * time.Second,
		},
		Wasm: WasmConfig{
			MemoryMaxLimit:       1 << 30, // 1GiB
			ComputeMaxLimit:      30 * time.Second,
			MaxWorkers:           4,
			InstanceCacheMaxSize: 8,
			ModuleCacheMaxSize:   16,
			ModuleDir:            filepath.Join(baseDir, "modules"),
		},
		Memory: MemoryConfig{
			CacheMaxSize: 512 << 20, // 512MiB
			CacheTTL:     30 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			CreationThrottle: 30 * time.Minute,
			EagerThreshold:   100,
			Backend:          "file",
			Dir:              filepath.Join(baseDir, "checkpoints"),
			Redis: RedisConfig{
				Prefix:  "cunode:checkpoints:",
				Timeout: 5 * time.Second,
			},
			S3: S3Config{
				Prefix: "checkpoints/",
			},
		},
		Storage: StorageConfig{
			Database: filepath.Join(baseDir, "cunode.db"),
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Load reads the config file at path (if non-empty), merges it over the
// defaults, applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, cuerr.Wrapf(err, cuerr.ClassConfig, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, cuerr.Wrapf(err, cuerr.ClassConfig, "parsing config file %s", path)
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv applies environment variable overrides.
func (c *Config) loadEnv() error {
	var err error

	setBytes := func(key string, dst *uint64) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, parseErr := strconv.ParseUint(v, 10, 64)
			if parseErr != nil {
				err = cuerr.Wrapf(parseErr, cuerr.ClassConfig, "invalid %s", key)
				return
			}
			*dst = n
		}
	}
	setInt := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, parseErr := strconv.Atoi(v)
			if parseErr != nil {
				err = cuerr.Wrapf(parseErr, cuerr.ClassConfig, "invalid %s", key)
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			// Bare numbers are milliseconds, otherwise a Go duration.
			if ms, parseErr := strconv.ParseInt(v, 10, 64); parseErr == nil {
				*dst = time.Duration(ms) * time.Millisecond
				return
			}
			d, parseErr := time.ParseDuration(v)
			if parseErr != nil {
				err = cuerr.Wrapf(parseErr, cuerr.ClassConfig, "invalid %s", key)
				return
			}
			*dst = d
		}
	}

	setBytes("PROCESS_WASM_MEMORY_MAX_LIMIT", &c.Wasm.MemoryMaxLimit)
	setDuration("PROCESS_WASM_COMPUTE_MAX_LIMIT", &c.Wasm.ComputeMaxLimit)
	setInt("WASM_EVALUATION_MAX_WORKERS", &c.Wasm.MaxWorkers)
	setInt("WASM_INSTANCE_CACHE_MAX_SIZE", &c.Wasm.InstanceCacheMaxSize)
	setInt("WASM_MODULE_CACHE_MAX_SIZE", &c.Wasm.ModuleCacheMaxSize)
	setBytes("PROCESS_MEMORY_CACHE_MAX_SIZE", &c.Memory.CacheMaxSize)
	setDuration("PROCESS_MEMORY_CACHE_TTL", &c.Memory.CacheTTL)
	setDuration("PROCESS_CHECKPOINT_CREATION_THROTTLE", &c.Checkpoint.CreationThrottle)
	setInt("EAGER_CHECKPOINT_THRESHOLD", &c.Checkpoint.EagerThreshold)
	setDuration("BUSY_THRESHOLD", &c.Server.BusyThreshold)

	if v := os.Getenv("DISABLE_PROCESS_CHECKPOINT_CREATION"); v != "" {
		b, parseErr := strconv.ParseBool(v)
		if parseErr != nil {
			return cuerr.Wrap(parseErr, cuerr.ClassConfig, "invalid DISABLE_PROCESS_CHECKPOINT_CREATION")
		}
		c.Checkpoint.Disable = b
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		c.Gateway.SchedulerRouterURL = v
	}
	if v := os.Getenv("MODULE_ORIGIN_URL"); v != "" {
		c.Gateway.ModuleOriginURL = v
	}

	return err
}

// Validate rejects configurations the node cannot serve with. Any error
// here is fatal at startup.
func (c *Config) Validate() error {
	if c.Wasm.MemoryMaxLimit == 0 {
		return cuerr.New(cuerr.ClassConfig, "wasm memory limit must be positive")
	}
	if c.Wasm.ComputeMaxLimit <= 0 {
		return cuerr.New(cuerr.ClassConfig, "wasm compute limit must be positive")
	}
	if c.Wasm.MaxWorkers <= 0 {
		return cuerr.New(cuerr.ClassConfig, "worker count must be positive")
	}
	if c.Wasm.InstanceCacheMaxSize <= 0 || c.Wasm.ModuleCacheMaxSize <= 0 {
		return cuerr.New(cuerr.ClassConfig, "cache sizes must be positive")
	}
	if c.Memory.CacheMaxSize == 0 {
		return cuerr.New(cuerr.ClassConfig, "process memory cache size must be positive")
	}
	if c.Memory.CacheTTL <= 0 {
		return cuerr.New(cuerr.ClassConfig, "process memory cache TTL must be positive")
	}
	if !c.Checkpoint.Disable {
		if c.Checkpoint.CreationThrottle <= 0 {
			return cuerr.New(cuerr.ClassConfig, "checkpoint throttle must be positive")
		}
		if c.Checkpoint.EagerThreshold <= 0 {
			return cuerr.New(cuerr.ClassConfig, "eager checkpoint threshold must be positive")
		}
		switch c.Checkpoint.Backend {
		case "file", "redis", "s3":
		default:
			return cuerr.Newf(cuerr.ClassConfig, "unknown checkpoint backend %q", c.Checkpoint.Backend)
		}
	}
	if c.Server.BusyThreshold < 0 {
		return cuerr.New(cuerr.ClassConfig, "busy threshold cannot be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return cuerr.Newf(cuerr.ClassConfig, "invalid server port %d", c.Server.Port)
	}
	return nil
}

// Manager holds the live configuration and serves reads under a lock so
// the watcher can swap tunables without racing readers.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewManager wraps a validated configuration.
func NewManager(cfg *Config, path string) *Manager {
	return &Manager{cfg: cfg, path: path}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the config file and swaps in the new tunables. The
// structural sections (stores, pool size, cache capacities) keep their
// boot-time values; changing those requires a restart.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}
	fresh, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	updated := *m.cfg
	updated.Checkpoint.CreationThrottle = fresh.Checkpoint.CreationThrottle
	updated.Checkpoint.EagerThreshold = fresh.Checkpoint.EagerThreshold
	updated.Checkpoint.Disable = fresh.Checkpoint.Disable
	updated.Server.BusyThreshold = fresh.Server.BusyThreshold
	m.cfg = &updated
	return nil
}

// Path returns the config file path, if any.
func (m *Manager) Path() string {
	return m.path
}

// String renders the effective config for startup logging, without secrets.
func (c *Config) String() string {
	return fmt.Sprintf("workers=%d module_cache=%d instance_cache=%d mem_cache=%dB ttl=%s throttle=%s eager=%d checkpoints_disabled=%v backend=%s",
		c.Wasm.MaxWorkers, c.Wasm.ModuleCacheMaxSize, c.Wasm.InstanceCacheMaxSize,
		c.Memory.CacheMaxSize, c.Memory.CacheTTL,
		c.Checkpoint.CreationThrottle, c.Checkpoint.EagerThreshold,
		c.Checkpoint.Disable, c.Checkpoint.Backend)
}
