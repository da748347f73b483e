// Package config holds the settings of the filecache server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/filecache"
	"github.com/always-cache/filecache/cache"
	"github.com/always-cache/filecache/internal/index"
	"github.com/always-cache/filecache/internal/shm"
	cachekey "github.com/always-cache/filecache/pkg/cache-key"
	responsetransformer "github.com/always-cache/filecache/pkg/response-transformer"
)

// EnvPrefix prefixes environment variables overriding file settings,
// e.g. FILECACHE_CACHE_MAX_SIZE.
const EnvPrefix = "FILECACHE"

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the complete server configuration.
type Config struct {
	Listen     string        `yaml:"listen" mapstructure:"listen"`
	Origin     string        `yaml:"origin" mapstructure:"origin"`
	OriginHost string        `yaml:"origin_host" mapstructure:"origin_host"`
	KeyPrefix  string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	Log        LogConfig     `yaml:"log" mapstructure:"log"`
	Cache      CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Policy     PolicyConfig  `yaml:"policy" mapstructure:"policy"`
	Valid      ValidConfig   `yaml:"valid" mapstructure:"valid"`
	Metrics    MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	// Rewrite the caching headers of origin responses before they are stored.
	Rules responsetransformer.Rules `yaml:"rules,omitempty" mapstructure:"rules"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`               // empty logs to the console only
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // files
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

type CacheConfig struct {
	Path               string   `yaml:"path" mapstructure:"path"`
	Levels             string   `yaml:"levels" mapstructure:"levels"`
	ZonePath           string   `yaml:"zone_path" mapstructure:"zone_path"`
	ZoneSize           int      `yaml:"zone_size" mapstructure:"zone_size"`
	MaxSize            int64    `yaml:"max_size" mapstructure:"max_size"`
	MinFree            int64    `yaml:"min_free" mapstructure:"min_free"`
	Inactive           Duration `yaml:"inactive" mapstructure:"inactive"`
	BufferSize         int      `yaml:"buffer_size" mapstructure:"buffer_size"`
	LoaderDelay        Duration `yaml:"loader_delay" mapstructure:"loader_delay"`
	LoaderFiles        int      `yaml:"loader_files" mapstructure:"loader_files"`
	LoaderSleep        Duration `yaml:"loader_sleep" mapstructure:"loader_sleep"`
	LoaderThreshold    Duration `yaml:"loader_threshold" mapstructure:"loader_threshold"`
	ManagerFiles       int      `yaml:"manager_files" mapstructure:"manager_files"`
	ManagerSleep       Duration `yaml:"manager_sleep" mapstructure:"manager_sleep"`
	ManagerThreshold   Duration `yaml:"manager_threshold" mapstructure:"manager_threshold"`
	HeaderCacheEntries int      `yaml:"header_cache_entries" mapstructure:"header_cache_entries"`
	HeaderCacheValid   Duration `yaml:"header_cache_valid" mapstructure:"header_cache_valid"`
}

type PolicyConfig struct {
	MinUses     int      `yaml:"min_uses" mapstructure:"min_uses"`
	Lock        bool     `yaml:"lock" mapstructure:"lock"`
	LockAge     Duration `yaml:"lock_age" mapstructure:"lock_age"`
	LockTimeout Duration `yaml:"lock_timeout" mapstructure:"lock_timeout"`
	UseStale    bool     `yaml:"use_stale" mapstructure:"use_stale"`
}

// ValidConfig sets how long responses without expiration are kept.
type ValidConfig struct {
	// Lifetime of 200, 301 and 302 responses. Zero disables it.
	Default Duration `yaml:"default" mapstructure:"default"`
	// Lifetime of negative results for 502 and 504 responses.
	Error Duration `yaml:"error" mapstructure:"error"`
	// Lifetimes by status code, overriding Default.
	Statuses map[int]Duration `yaml:"statuses" mapstructure:"statuses"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// Default returns the configuration used for settings missing from the file.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 5,
		},
		Cache: CacheConfig{
			Path:             "/var/cache/filecache",
			Levels:           "1:2",
			ZoneSize:         10 << 20,
			Inactive:         Duration(10 * time.Minute),
			BufferSize:       32 << 10,
			LoaderDelay:      Duration(time.Minute),
			LoaderFiles:      100,
			LoaderSleep:      Duration(50 * time.Millisecond),
			LoaderThreshold:  Duration(200 * time.Millisecond),
			ManagerFiles:     100,
			ManagerSleep:     Duration(50 * time.Millisecond),
			ManagerThreshold: Duration(200 * time.Millisecond),
			HeaderCacheValid: Duration(time.Minute),
		},
		Policy: PolicyConfig{
			MinUses:     1,
			Lock:        true,
			LockAge:     Duration(5 * time.Second),
			LockTimeout: Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads the configuration file at path on top of the defaults and
// applies environment overrides. An empty path uses defaults and environment
// only.
func Load(path string) (*Config, error) {
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("error reading default config: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}
	if err := v.Unmarshal(config, viper.DecodeHook(mapstructure.TextUnmarshallerHookFunc())); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if path == "" {
		return fmt.Errorf("no config file path provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration. All errors wrap ErrInvalid.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if c.Listen == "" {
		return invalid("listen cannot be empty")
	}
	if c.Origin != "" {
		u, err := url.Parse(c.Origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("origin must be an absolute http or https URL")
		}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return invalid("log level %q", c.Log.Level)
	}

	cc := c.Cache
	if cc.Path == "" {
		return invalid("cache path cannot be empty")
	}
	if _, err := cachekey.ParseLevels(cc.Levels); err != nil {
		return invalid("cache levels: %v", err)
	}
	if cc.ZonePath != "" {
		if rel, err := filepath.Rel(cc.Path, cc.ZonePath); err == nil && !strings.HasPrefix(rel, "..") {
			return invalid("zone_path must not be inside the cache path")
		}
	}
	if cc.ZoneSize != 0 && cc.ZoneSize < shm.HeaderSize+index.NodeSize {
		return invalid("zone_size must hold at least one entry (%d bytes)", shm.HeaderSize+index.NodeSize)
	}
	if cc.MaxSize < 0 || cc.MinFree < 0 || cc.BufferSize < 0 {
		return invalid("cache sizes must be non-negative")
	}
	if cc.LoaderFiles < 0 || cc.ManagerFiles < 0 || cc.HeaderCacheEntries < 0 {
		return invalid("cache counts must be non-negative")
	}
	for name, d := range map[string]Duration{
		"inactive":           cc.Inactive,
		"loader_delay":       cc.LoaderDelay,
		"loader_sleep":       cc.LoaderSleep,
		"loader_threshold":   cc.LoaderThreshold,
		"manager_sleep":      cc.ManagerSleep,
		"manager_threshold":  cc.ManagerThreshold,
		"header_cache_valid": cc.HeaderCacheValid,
		"lock_age":           c.Policy.LockAge,
		"lock_timeout":       c.Policy.LockTimeout,
		"valid.default":      c.Valid.Default,
		"valid.error":        c.Valid.Error,
	} {
		if d < 0 {
			return invalid("%s must be non-negative", name)
		}
	}

	if c.Policy.MinUses < 0 {
		return invalid("min_uses must be non-negative")
	}
	for status, d := range c.Valid.Statuses {
		if status < 100 || status > 599 {
			return invalid("valid status %d", status)
		}
		if d < 0 {
			return invalid("valid duration for %d must be non-negative", status)
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics path must start with /")
	}
	for i, rule := range c.Rules {
		if rule.Default == "" && rule.Override == "" && len(rule.Headers) == 0 {
			return invalid("rule %d changes nothing", i)
		}
	}
	return nil
}

// CacheConfig converts the cache settings.
func (c *Config) CacheConfig(logger *zerolog.Logger, metrics cache.Metrics) (cache.Config, error) {
	levels, err := cachekey.ParseLevels(c.Cache.Levels)
	if err != nil {
		return cache.Config{}, err
	}
	cc := c.Cache
	return cache.Config{
		Path:               cc.Path,
		Levels:             levels,
		ZonePath:           cc.ZonePath,
		ZoneSize:           cc.ZoneSize,
		MaxSize:            cc.MaxSize,
		MinFree:            cc.MinFree,
		Inactive:           time.Duration(cc.Inactive),
		BufferSize:         cc.BufferSize,
		LoaderDelay:        time.Duration(cc.LoaderDelay),
		LoaderFiles:        cc.LoaderFiles,
		LoaderSleep:        time.Duration(cc.LoaderSleep),
		LoaderThreshold:    time.Duration(cc.LoaderThreshold),
		ManagerFiles:       cc.ManagerFiles,
		ManagerSleep:       time.Duration(cc.ManagerSleep),
		ManagerThreshold:   time.Duration(cc.ManagerThreshold),
		HeaderCacheEntries: cc.HeaderCacheEntries,
		HeaderCacheValid:   time.Duration(cc.HeaderCacheValid),
		Logger:             logger,
		Metrics:            metrics,
	}, nil
}

func (c *Config) CachePolicy() cache.Policy {
	p := cache.Policy{
		MinUses:     c.Policy.MinUses,
		Lock:        c.Policy.Lock,
		LockAge:     time.Duration(c.Policy.LockAge),
		LockTimeout: time.Duration(c.Policy.LockTimeout),
		UseStale:    c.Policy.UseStale,
	}
	// cache.Policy treats a lock timeout as enabling the lock
	if !p.Lock {
		p.LockTimeout = 0
	}
	return p
}

// ValidDurations merges the default lifetime with the per status ones.
func (c *Config) ValidDurations() map[int]time.Duration {
	valid := map[int]time.Duration{}
	if c.Valid.Default > 0 {
		valid = filecache.DefaultValid(time.Duration(c.Valid.Default))
	}
	for status, d := range c.Valid.Statuses {
		if d == 0 {
			delete(valid, status)
			continue
		}
		valid[status] = time.Duration(d)
	}
	return valid
}

// ProxyConfig converts the origin and policy settings for a handler serving
// from store.
func (c *Config) ProxyConfig(store *cache.Cache, logger *zerolog.Logger) (filecache.Config, error) {
	if c.Origin == "" {
		return filecache.Config{}, fmt.Errorf("%w: origin is required", ErrInvalid)
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return filecache.Config{}, fmt.Errorf("%w: origin: %v", ErrInvalid, err)
	}
	pc := filecache.Config{
		Cache:      store,
		OriginURL:  *u,
		OriginHost: c.OriginHost,
		Logger:     logger,
		Policy:     c.CachePolicy(),
		Valid:      c.ValidDurations(),
		ErrorValid: time.Duration(c.Valid.Error),
		KeyPrefix:  c.KeyPrefix,
	}
	if len(c.Rules) > 0 {
		pc.ResponseModifier = c.Rules.Apply
	}
	return pc, nil
}
