package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/document"
)

// Config is the complete indexsync configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Executor  ExecutorConfig  `yaml:"executor" json:"executor"`
	Outbox    OutboxConfig    `yaml:"outbox" json:"outbox"`
	Backend   BackendConfig   `yaml:"backend" json:"backend"`
	Deadline  DeadlineConfig  `yaml:"deadline" json:"deadline"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// ExecutorConfig configures the backend work executor.
type ExecutorConfig struct {
	PoolSize      int `yaml:"pool_size" json:"pool_size"`
	QueueSize     int `yaml:"queue_size" json:"queue_size"`
	MaxBatchSize  int `yaml:"max_batch_size" json:"max_batch_size"`
	MaxBatchBytes int `yaml:"max_batch_bytes" json:"max_batch_bytes"`

	// Backpressure is block, reject or wait.
	Backpressure string `yaml:"backpressure" json:"backpressure"`
	// WaitTimeout bounds the wait of the "wait" backpressure policy (e.g. "5s").
	WaitTimeout string `yaml:"wait_timeout" json:"wait_timeout"`

	MaxRetries        int    `yaml:"max_retries" json:"max_retries"`
	RetryInitialDelay string `yaml:"retry_initial_delay" json:"retry_initial_delay"`
	RetryMaxDelay     string `yaml:"retry_max_delay" json:"retry_max_delay"`

	CircuitMaxFailures  int    `yaml:"circuit_max_failures" json:"circuit_max_failures"`
	CircuitResetTimeout string `yaml:"circuit_reset_timeout" json:"circuit_reset_timeout"`
}

// OutboxConfig configures the outbox store and consumer.
type OutboxConfig struct {
	// Path is the SQLite database holding the outbox table.
	Path         string `yaml:"path" json:"path"`
	BatchSize    int    `yaml:"batch_size" json:"batch_size"`
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`
	ClaimTimeout string `yaml:"claim_timeout" json:"claim_timeout"`
	MaxRetries   int    `yaml:"max_retries" json:"max_retries"`
	// Strategy is write_sync, read_sync or sync.
	Strategy         string `yaml:"strategy" json:"strategy"`
	CleanStaleRoutes bool   `yaml:"clean_stale_routes" json:"clean_stale_routes"`
	// RoutingField is a dotted document path whose value routes events that
	// carry no routing key. Empty uses default routing.
	RoutingField string `yaml:"routing_field,omitempty" json:"routing_field,omitempty"`
	// RoutingCacheSize bounds the entities whose routing key is remembered
	// for later deletes.
	RoutingCacheSize int `yaml:"routing_cache_size" json:"routing_cache_size"`
}

// BackendConfig selects and configures the index backend.
type BackendConfig struct {
	// Kind is local (embedded bleve index) or remote (bulk HTTP cluster).
	Kind string `yaml:"kind" json:"kind"`
	// Path is the local index directory.
	Path string `yaml:"path" json:"path"`
	// URL is the remote cluster base URL.
	URL string `yaml:"url" json:"url"`
	// Version is the remote cluster version, e.g. "7.10"; it selects the dialect.
	Version  string `yaml:"version" json:"version"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
	// Mapping gives dotted document fields a value type: string, text,
	// int, float, bool or date. Documents are validated against it.
	Mapping map[string]string `yaml:"mapping,omitempty" json:"mapping,omitempty"`
	// Indexes are created with Mapping on the remote cluster at startup.
	Indexes []string `yaml:"indexes,omitempty" json:"indexes,omitempty"`
}

// DeadlineConfig configures query deadlines.
type DeadlineConfig struct {
	// Budget is the default query budget, empty for unbounded.
	Budget string `yaml:"budget" json:"budget"`
	// Policy is none, soft or hard.
	Policy string `yaml:"policy" json:"policy"`
}

// TransportConfig configures the Kafka work transport. It is disabled when
// no brokers are set.
type TransportConfig struct {
	Brokers     []string `yaml:"brokers" json:"brokers"`
	Topic       string   `yaml:"topic" json:"topic"`
	GroupID     string   `yaml:"group_id" json:"group_id"`
	Compression string   `yaml:"compression" json:"compression"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	Dir       string `yaml:"dir" json:"dir"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
	// MaxAgeDays prunes rotated files older than this. Zero keeps them.
	MaxAgeDays int  `yaml:"max_age_days" json:"max_age_days"`
	Stderr     bool `yaml:"stderr" json:"stderr"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Enabled reports whether a transport is configured.
func (t TransportConfig) Enabled() bool {
	return len(t.Brokers) > 0
}

// NewConfig creates a Config with defaults.
func NewConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Version: 1,
		Executor: ExecutorConfig{
			PoolSize:            4,
			QueueSize:           64,
			MaxBatchSize:        500,
			MaxBatchBytes:       5 * 1024 * 1024,
			Backpressure:        "block",
			WaitTimeout:         "5s",
			MaxRetries:          3,
			RetryInitialDelay:   "100ms",
			RetryMaxDelay:       "5s",
			CircuitMaxFailures:  5,
			CircuitResetTimeout: "30s",
		},
		Outbox: OutboxConfig{
			Path:             filepath.Join(dataDir, "outbox.db"),
			BatchSize:        100,
			PollInterval:     "1s",
			ClaimTimeout:     "5m",
			MaxRetries:       5,
			Strategy:         "write_sync",
			RoutingCacheSize: 10000,
		},
		Backend: BackendConfig{
			Kind:     "local",
			Path:     filepath.Join(dataDir, "index"),
			Version:  "8.0",
			PoolSize: 8,
		},
		Deadline: DeadlineConfig{
			Policy: "soft",
		},
		Transport: TransportConfig{
			Topic:   "indexsync-work",
			GroupID: "indexsync",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Dir:       filepath.Join(dataDir, "logs"),
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// DataDir returns ~/.indexsync, falling back to the temp directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".indexsync")
	}
	return filepath.Join(home, ".indexsync")
}

// GetUserConfigPath returns the path to the user configuration file:
//   - $XDG_CONFIG_HOME/indexsync/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/indexsync/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "indexsync", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "indexsync", "config.yaml")
	}
	return filepath.Join(home, ".config", "indexsync", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load loads configuration for the project in dir, in increasing precedence:
//  1. Defaults
//  2. User config (~/.config/indexsync/config.yaml)
//  3. Project config (.indexsync.yaml or .indexsync.yml in dir)
//  4. Environment variables (INDEXSYNC_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	for _, name := range []string{".indexsync.yaml", ".indexsync.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			if err := cfg.loadYAML(path); err != nil {
				return nil, err
			}
			break
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML merges the non-zero values of the file at path into c.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.ConfigError(fmt.Sprintf("failed to read config file %s", path), err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return errors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err).
			WithSuggestion("check the YAML syntax and field types")
	}

	c.mergeWith(&parsed)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	setInt(&c.Version, other.Version)

	e, oe := &c.Executor, other.Executor
	setInt(&e.PoolSize, oe.PoolSize)
	setInt(&e.QueueSize, oe.QueueSize)
	setInt(&e.MaxBatchSize, oe.MaxBatchSize)
	setInt(&e.MaxBatchBytes, oe.MaxBatchBytes)
	setString(&e.Backpressure, oe.Backpressure)
	setString(&e.WaitTimeout, oe.WaitTimeout)
	setInt(&e.MaxRetries, oe.MaxRetries)
	setString(&e.RetryInitialDelay, oe.RetryInitialDelay)
	setString(&e.RetryMaxDelay, oe.RetryMaxDelay)
	setInt(&e.CircuitMaxFailures, oe.CircuitMaxFailures)
	setString(&e.CircuitResetTimeout, oe.CircuitResetTimeout)

	o, oo := &c.Outbox, other.Outbox
	setString(&o.Path, oo.Path)
	setInt(&o.BatchSize, oo.BatchSize)
	setString(&o.PollInterval, oo.PollInterval)
	setString(&o.ClaimTimeout, oo.ClaimTimeout)
	setInt(&o.MaxRetries, oo.MaxRetries)
	setString(&o.Strategy, oo.Strategy)
	setString(&o.RoutingField, oo.RoutingField)
	setInt(&o.RoutingCacheSize, oo.RoutingCacheSize)
	// Off by default; a file can only switch it on.
	if oo.CleanStaleRoutes {
		o.CleanStaleRoutes = true
	}

	b, ob := &c.Backend, other.Backend
	setString(&b.Kind, ob.Kind)
	setString(&b.Path, ob.Path)
	setString(&b.URL, ob.URL)
	setString(&b.Version, ob.Version)
	setInt(&b.PoolSize, ob.PoolSize)
	if len(ob.Mapping) > 0 {
		b.Mapping = ob.Mapping
	}
	if len(ob.Indexes) > 0 {
		b.Indexes = ob.Indexes
	}

	setString(&c.Deadline.Budget, other.Deadline.Budget)
	setString(&c.Deadline.Policy, other.Deadline.Policy)

	t, ot := &c.Transport, other.Transport
	if len(ot.Brokers) > 0 {
		t.Brokers = ot.Brokers
	}
	setString(&t.Topic, ot.Topic)
	setString(&t.GroupID, ot.GroupID)
	setString(&t.Compression, ot.Compression)

	l, ol := &c.Logging, other.Logging
	setString(&l.Level, ol.Level)
	setString(&l.Dir, ol.Dir)
	setInt(&l.MaxSizeMB, ol.MaxSizeMB)
	setInt(&l.MaxFiles, ol.MaxFiles)
	setInt(&l.MaxAgeDays, ol.MaxAgeDays)
	if ol.Stderr {
		l.Stderr = true
	}

	setString(&c.Metrics.Addr, other.Metrics.Addr)
}

// applyEnvOverrides applies INDEXSYNC_* environment variable overrides.
// Unparsable numbers are ignored.
func (c *Config) applyEnvOverrides() {
	str := map[string]*string{
		"INDEXSYNC_LOG_LEVEL":       &c.Logging.Level,
		"INDEXSYNC_LOG_DIR":         &c.Logging.Dir,
		"INDEXSYNC_BACKEND":         &c.Backend.Kind,
		"INDEXSYNC_BACKEND_PATH":    &c.Backend.Path,
		"INDEXSYNC_BACKEND_URL":     &c.Backend.URL,
		"INDEXSYNC_BACKEND_VERSION": &c.Backend.Version,
		"INDEXSYNC_OUTBOX_PATH":     &c.Outbox.Path,
		"INDEXSYNC_OUTBOX_STRATEGY": &c.Outbox.Strategy,
		"INDEXSYNC_BACKPRESSURE":    &c.Executor.Backpressure,
		"INDEXSYNC_DEADLINE_BUDGET": &c.Deadline.Budget,
		"INDEXSYNC_DEADLINE_POLICY": &c.Deadline.Policy,
		"INDEXSYNC_KAFKA_TOPIC":     &c.Transport.Topic,
		"INDEXSYNC_KAFKA_GROUP_ID":  &c.Transport.GroupID,
		"INDEXSYNC_METRICS_ADDR":    &c.Metrics.Addr,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"INDEXSYNC_POOL_SIZE":         &c.Executor.PoolSize,
		"INDEXSYNC_QUEUE_SIZE":        &c.Executor.QueueSize,
		"INDEXSYNC_OUTBOX_BATCH_SIZE": &c.Outbox.BatchSize,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	if v := os.Getenv("INDEXSYNC_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Transport.Brokers = brokers
	}
	if v := os.Getenv("INDEXSYNC_LOG_STDERR"); v != "" {
		c.Logging.Stderr = strings.ToLower(v) == "true" || v == "1"
	}
}

// Validate returns a configuration error describing the first invalid value.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"executor.pool_size", c.Executor.PoolSize},
		{"executor.queue_size", c.Executor.QueueSize},
		{"executor.max_batch_size", c.Executor.MaxBatchSize},
		{"executor.max_batch_bytes", c.Executor.MaxBatchBytes},
		{"executor.circuit_max_failures", c.Executor.CircuitMaxFailures},
		{"outbox.batch_size", c.Outbox.BatchSize},
		{"outbox.routing_cache_size", c.Outbox.RoutingCacheSize},
		{"backend.pool_size", c.Backend.PoolSize},
		{"logging.max_size_mb", c.Logging.MaxSizeMB},
		{"logging.max_files", c.Logging.MaxFiles},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return invalid(p.name, fmt.Sprintf("must be positive, got %d", p.value))
		}
	}
	if c.Executor.MaxRetries < 0 {
		return invalid("executor.max_retries", "must not be negative")
	}
	if c.Outbox.MaxRetries < 0 {
		return invalid("outbox.max_retries", "must not be negative")
	}
	if c.Logging.MaxAgeDays < 0 {
		return invalid("logging.max_age_days", "must not be negative")
	}

	durations := []struct {
		name     string
		value    string
		optional bool
	}{
		{"executor.wait_timeout", c.Executor.WaitTimeout, false},
		{"executor.retry_initial_delay", c.Executor.RetryInitialDelay, false},
		{"executor.retry_max_delay", c.Executor.RetryMaxDelay, false},
		{"executor.circuit_reset_timeout", c.Executor.CircuitResetTimeout, false},
		{"outbox.poll_interval", c.Outbox.PollInterval, false},
		{"outbox.claim_timeout", c.Outbox.ClaimTimeout, false},
		{"deadline.budget", c.Deadline.Budget, true},
	}
	for _, d := range durations {
		if d.value == "" && d.optional {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return invalid(d.name, fmt.Sprintf("must be a duration like \"5s\", got %q", d.value))
		}
		if v <= 0 {
			return invalid(d.name, fmt.Sprintf("must be positive, got %s", d.value))
		}
	}

	enums := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"executor.backpressure", c.Executor.Backpressure, []string{"block", "reject", "wait"}},
		{"outbox.strategy", c.Outbox.Strategy, []string{"write_sync", "read_sync", "sync"}},
		{"backend.kind", c.Backend.Kind, []string{"local", "remote"}},
		{"deadline.policy", c.Deadline.Policy, []string{"none", "soft", "hard"}},
		{"transport.compression", c.Transport.Compression, []string{"", "gzip", "snappy", "lz4", "zstd"}},
		{"logging.level", c.Logging.Level, []string{"debug", "info", "warn", "error"}},
	}
	for _, e := range enums {
		if !contains(e.allowed, strings.ToLower(e.value)) {
			return invalid(e.name, fmt.Sprintf("must be one of %s, got %q", strings.Join(e.allowed, ", "), e.value))
		}
	}

	if c.Backend.Kind == "remote" && c.Backend.URL == "" {
		return invalid("backend.url", "is required for the remote backend")
	}
	for field, typ := range c.Backend.Mapping {
		if _, err := document.ParseValueType(strings.ToLower(typ)); err != nil {
			return invalid("backend.mapping."+field, fmt.Sprintf("has unknown type %q", typ))
		}
	}
	if c.Outbox.Path == "" {
		return invalid("outbox.path", "is required")
	}
	if c.Transport.Enabled() && (c.Transport.Topic == "" || c.Transport.GroupID == "") {
		return invalid("transport", "topic and group_id are required when brokers are set")
	}
	return nil
}

func invalid(field, msg string) error {
	return errors.ConfigError(fmt.Sprintf("%s %s", field, msg), nil).WithDetail("field", field)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Duration parses a validated duration field; empty means zero.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.ConfigError("failed to marshal config", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.ConfigError("failed to create config directory", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.ConfigError("failed to write config file", err)
	}
	return nil
}

// FindProjectRoot walks up from startDir to the nearest directory holding
// .git or an .indexsync.yaml/.yml file. Without one it returns startDir.
func FindProjectRoot(startDir string) (string, error) {
	if startDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		startDir = wd
	}
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}

	for dir := abs; ; {
		for _, marker := range []string{".git", ".indexsync.yaml", ".indexsync.yml"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		dir = parent
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
