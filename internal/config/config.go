// Package config loads daemon configuration from YAML with SHADOWSYNC_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	ReplicaLocal  = "local"
	ReplicaRemote = "remote"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Adapters  []AdapterConfig `yaml:"adapters"`
	Detection DetectionConfig `yaml:"detection"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

type AdapterConfig struct {
	Name     string       `yaml:"name"`
	Replica  string       `yaml:"replica"`
	StateDSN string       `yaml:"state_dsn"`
	Roots    []RootConfig `yaml:"roots"`
	// RevisionSource names the paired adapter whose content this adapter
	// reads when hydrating or writing.
	RevisionSource string        `yaml:"revision_source"`
	OnDemand       bool          `yaml:"on_demand"`
	MountPoint     string        `yaml:"mount_point"`
	ReadDebounce   time.Duration `yaml:"read_debounce"`
	Remote         RemoteConfig  `yaml:"remote"`
}

type RootConfig struct {
	ID             string   `yaml:"id"`
	Path           string   `yaml:"path"`
	Scope          string   `yaml:"scope"`
	Enabled        *bool    `yaml:"enabled"`
	SpecialFolders []string `yaml:"special_folders"`
	IgnorePatterns []string `yaml:"ignore_patterns"`
}

func (r RootConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	Workspace string        `yaml:"workspace"`
	Provider  string        `yaml:"provider"`
	Timeout   time.Duration `yaml:"timeout"`
}

type DetectionConfig struct {
	Interval time.Duration `yaml:"interval"`
	Jitter   float64       `yaml:"jitter"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	AccessRate  float64       `yaml:"access_rate"`
	AccessBurst int           `yaml:"access_burst"`
}

type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	// OriginPatterns are accepted on the activity websocket.
	OriginPatterns []string `yaml:"origin_patterns"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
}

func Default() Config {
	return Config{
		Detection: DetectionConfig{Interval: 2 * time.Second, Jitter: 0.2, Timeout: 30 * time.Second},
		RateLimit: RateLimitConfig{MinDelay: 5 * time.Second, MaxDelay: 10 * time.Minute, AccessRate: 50, AccessBurst: 100},
		HTTP:      HTTPConfig{Listen: "127.0.0.1:8090"},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// ApplyEnv overrides fields from SHADOWSYNC_* variables. When no adapter is
// configured and SHADOWSYNC_LOCAL_DIR is set, a single local adapter is
// synthesized.
func ApplyEnv(cfg *Config) {
	cfg.Log.Level = EnvOrDefault("SHADOWSYNC_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = EnvOrDefault("SHADOWSYNC_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.OutputPath = EnvOrDefault("SHADOWSYNC_LOG_OUTPUT", cfg.Log.OutputPath)
	cfg.HTTP.Listen = EnvOrDefault("SHADOWSYNC_HTTP_ADDR", cfg.HTTP.Listen)
	cfg.HTTP.JWTSecret = EnvOrDefault("SHADOWSYNC_JWT_SECRET", cfg.HTTP.JWTSecret)
	cfg.HTTP.RateLimitMax = IntEnv("SHADOWSYNC_RATE_LIMIT_MAX", cfg.HTTP.RateLimitMax)
	cfg.HTTP.RateLimitWindow = DurationEnv("SHADOWSYNC_RATE_LIMIT_WINDOW", cfg.HTTP.RateLimitWindow)
	cfg.Detection.Interval = DurationEnv("SHADOWSYNC_DETECT_INTERVAL", cfg.Detection.Interval)
	cfg.Detection.Jitter = FloatEnv("SHADOWSYNC_DETECT_JITTER", cfg.Detection.Jitter)
	cfg.Detection.Timeout = DurationEnv("SHADOWSYNC_DETECT_TIMEOUT", cfg.Detection.Timeout)
	cfg.RateLimit.MinDelay = DurationEnv("SHADOWSYNC_RATE_MIN_DELAY", cfg.RateLimit.MinDelay)
	cfg.RateLimit.MaxDelay = DurationEnv("SHADOWSYNC_RATE_MAX_DELAY", cfg.RateLimit.MaxDelay)
	cfg.RateLimit.AccessRate = FloatEnv("SHADOWSYNC_ACCESS_RATE", cfg.RateLimit.AccessRate)

	if len(cfg.Adapters) == 0 {
		if dir := EnvOrDefault("SHADOWSYNC_LOCAL_DIR", ""); dir != "" {
			cfg.Adapters = append(cfg.Adapters, AdapterConfig{
				Name:     EnvOrDefault("SHADOWSYNC_ADAPTER", "local"),
				Replica:  ReplicaLocal,
				StateDSN: EnvOrDefault("SHADOWSYNC_STATE_DSN", ""),
				Roots:    []RootConfig{{ID: "main", Path: dir}},
			})
		}
	}
	for i := range cfg.Adapters {
		a := &cfg.Adapters[i]
		if a.Replica == ReplicaRemote {
			a.Remote.Token = EnvOrDefault("SHADOWSYNC_REMOTE_TOKEN", a.Remote.Token)
			a.Remote.BaseURL = EnvOrDefault("SHADOWSYNC_REMOTE_URL", a.Remote.BaseURL)
		}
	}
}

func (c Config) Validate() error {
	if len(c.Adapters) == 0 {
		return fmt.Errorf("%w: no adapters configured", ErrInvalid)
	}
	names := map[string]bool{}
	for _, a := range c.Adapters {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: adapter without name", ErrInvalid)
		}
		if names[a.Name] {
			return fmt.Errorf("%w: duplicate adapter %q", ErrInvalid, a.Name)
		}
		names[a.Name] = true
		switch a.Replica {
		case ReplicaLocal:
		case ReplicaRemote:
			if strings.TrimSpace(a.Remote.BaseURL) == "" || strings.TrimSpace(a.Remote.Workspace) == "" {
				return fmt.Errorf("%w: adapter %q needs remote base_url and workspace", ErrInvalid, a.Name)
			}
		default:
			return fmt.Errorf("%w: adapter %q has unknown replica %q", ErrInvalid, a.Name, a.Replica)
		}
		if len(a.Roots) == 0 {
			return fmt.Errorf("%w: adapter %q has no roots", ErrInvalid, a.Name)
		}
		ids := map[string]bool{}
		for _, r := range a.Roots {
			if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Path) == "" {
				return fmt.Errorf("%w: adapter %q root needs id and path", ErrInvalid, a.Name)
			}
			if ids[r.ID] {
				return fmt.Errorf("%w: adapter %q has duplicate root %q", ErrInvalid, a.Name, r.ID)
			}
			ids[r.ID] = true
		}
	}
	for _, a := range c.Adapters {
		if a.RevisionSource != "" && !names[a.RevisionSource] {
			return fmt.Errorf("%w: adapter %q references unknown revision source %q", ErrInvalid, a.Name, a.RevisionSource)
		}
	}
	return nil
}

func EnvOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func DurationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		zap.L().Warn("invalid duration, using fallback", zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func IntEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		zap.L().Warn("invalid integer, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func FloatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		zap.L().Warn("invalid float, using fallback", zap.String("name", name), zap.String("value", raw), zap.Float64("fallback", fallback))
		return fallback
	}
	return value
}
