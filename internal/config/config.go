package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env     string `yaml:"env"`
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr            string `yaml:"addr"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	JWT struct {
		Issuer    string `yaml:"issuer"`
		AccessTTL string `yaml:"access_ttl"`
		// Tolerancia de reloj al validar exp/nbf. Default 0.
		Leeway  string `yaml:"leeway"`
		KeyBits int    `yaml:"key_bits"`
	} `yaml:"jwt"`

	Keys struct {
		// Dir vacío => claves solo en memoria (se regeneran al reiniciar).
		Dir string `yaml:"dir"`
		// base64(32 bytes) para cifrar las privadas en disco.
		MasterKey            string `yaml:"master_key"`
		RotationIntervalDays int    `yaml:"rotation_interval_days"`
		RotateOnStart        bool   `yaml:"rotate_on_start"`
	} `yaml:"keys"`

	Refresh struct {
		TTL                  string `yaml:"ttl"`
		SweepIntervalMinutes int    `yaml:"sweep_interval_minutes"`
		// memory | redis | postgres
		Driver string `yaml:"driver"`
	} `yaml:"refresh"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Postgres struct {
		DSN      string `yaml:"dsn"`
		MaxConns int    `yaml:"max_conns"`
		Migrate  bool   `yaml:"migrate"`
	} `yaml:"postgres"`

	APIKey struct {
		URL     string `yaml:"url"`
		Prefix  string `yaml:"prefix"`
		Timeout string `yaml:"timeout"`
	} `yaml:"apikey"`

	RemoteJWKS struct {
		URL string `yaml:"url"`
		TTL string `yaml:"ttl"`
	} `yaml:"remote_jwks"`

	Cache struct {
		// memory | redis
		Kind       string `yaml:"kind"`
		Prefix     string `yaml:"prefix"`
		DefaultTTL string `yaml:"default_ttl"`
	} `yaml:"cache"`

	// Rate limita /v1/credentials/validate y /v1/refresh* por IP y ruta.
	// Usa Redis cuando hay redis.addr.
	Rate struct {
		Enabled bool   `yaml:"enabled"`
		Max     int    `yaml:"max"`
		Window  string `yaml:"window"`
	} `yaml:"rate"`

	Admin struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"admin"`

	Metrics struct {
		// nil => habilitado.
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Load lee el YAML en path (si path no está vacío), aplica defaults, overrides de
// entorno y valida. Sin archivo la configuración sale solo de defaults + env.
func Load(path string) (*Config, error) {
	var c Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.Name == "" {
		c.App.Name = "credgate"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "10s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "15s"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "20s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.JWT.AccessTTL == "" {
		c.JWT.AccessTTL = "15m"
	}
	if c.JWT.Leeway == "" {
		c.JWT.Leeway = "0s"
	}
	if c.JWT.KeyBits == 0 {
		c.JWT.KeyBits = 2048
	}
	if c.Keys.RotationIntervalDays == 0 {
		c.Keys.RotationIntervalDays = 7
	}
	if c.Refresh.TTL == "" {
		c.Refresh.TTL = "720h" // 30d
	}
	if c.Refresh.SweepIntervalMinutes == 0 {
		c.Refresh.SweepIntervalMinutes = 10
	}
	if c.Refresh.Driver == "" {
		c.Refresh.Driver = "memory"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "credgate:"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.APIKey.Prefix == "" {
		c.APIKey.Prefix = "ak_"
	}
	if c.APIKey.Timeout == "" {
		c.APIKey.Timeout = "3s"
	}
	if c.RemoteJWKS.TTL == "" {
		c.RemoteJWKS.TTL = "5m"
	}
	if c.Rate.Max == 0 {
		c.Rate.Max = 60
	}
	if c.Rate.Window == "" {
		c.Rate.Window = "1m"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "credgate:cache:"
	}
	if c.Cache.DefaultTTL == "" {
		c.Cache.DefaultTTL = "5m"
	}
}

// Validate revisa duraciones, drivers y dependencias entre bloques.
func (c *Config) Validate() error {
	var errs []error

	durs := map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"jwt.access_ttl":          c.JWT.AccessTTL,
		"jwt.leeway":              c.JWT.Leeway,
		"refresh.ttl":             c.Refresh.TTL,
		"apikey.timeout":          c.APIKey.Timeout,
		"remote_jwks.ttl":         c.RemoteJWKS.TTL,
		"cache.default_ttl":       c.Cache.DefaultTTL,
		"rate.window":             c.Rate.Window,
	}
	for name, v := range durs {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}

	if strings.TrimSpace(c.JWT.Issuer) == "" {
		errs = append(errs, errors.New("jwt.issuer is required"))
	}
	if c.JWT.KeyBits < 2048 {
		errs = append(errs, fmt.Errorf("jwt.key_bits: %d is below 2048", c.JWT.KeyBits))
	}
	if c.Keys.RotationIntervalDays < 0 {
		errs = append(errs, errors.New("keys.rotation_interval_days must not be negative"))
	}
	if c.Refresh.SweepIntervalMinutes < 0 {
		errs = append(errs, errors.New("refresh.sweep_interval_minutes must not be negative"))
	}
	if c.Keys.Dir != "" && c.Keys.MasterKey == "" {
		errs = append(errs, errors.New("keys.master_key is required when keys.dir is set"))
	}

	if c.Rate.Enabled && (c.Rate.Max < 1 || dur(c.Rate.Window) <= 0) {
		errs = append(errs, errors.New("rate: max and window must be positive when enabled"))
	}

	switch c.Refresh.Driver {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for refresh.driver=redis"))
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for refresh.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("refresh.driver: unknown %q", c.Refresh.Driver))
	}

	switch c.Cache.Kind {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for cache.kind=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.kind: unknown %q", c.Cache.Kind))
	}

	return errors.Join(errs...)
}

// Accesores tipados. Validate ya garantizó que los strings parsean.

func (c *Config) ReadTimeout() time.Duration     { return dur(c.Server.ReadTimeout) }
func (c *Config) WriteTimeout() time.Duration    { return dur(c.Server.WriteTimeout) }
func (c *Config) ShutdownTimeout() time.Duration { return dur(c.Server.ShutdownTimeout) }
func (c *Config) AccessTTL() time.Duration       { return dur(c.JWT.AccessTTL) }
func (c *Config) Leeway() time.Duration          { return dur(c.JWT.Leeway) }
func (c *Config) RefreshTTL() time.Duration      { return dur(c.Refresh.TTL) }
func (c *Config) APIKeyTimeout() time.Duration   { return dur(c.APIKey.Timeout) }
func (c *Config) RemoteJWKSTTL() time.Duration   { return dur(c.RemoteJWKS.TTL) }
func (c *Config) CacheDefaultTTL() time.Duration { return dur(c.Cache.DefaultTTL) }
func (c *Config) RateWindow() time.Duration      { return dur(c.Rate.Window) }

// RotationInterval es cero si la rotación está deshabilitada.
func (c *Config) RotationInterval() time.Duration {
	return time.Duration(c.Keys.RotationIntervalDays) * 24 * time.Hour
}

// SweepInterval es cero si el sweep está deshabilitado.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Refresh.SweepIntervalMinutes) * time.Minute
}

func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

func (c *Config) IsProd() bool { return strings.EqualFold(c.App.Env, "prod") }

func dur(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ─── env ───

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func (c *Config) applyEnvOverrides() {
	str := func(key string, dst *string) {
		if v, ok := getEnvStr(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := getEnvInt(key); ok {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := getEnvBool(key); ok {
			*dst = v
		}
	}

	str("APP_ENV", &c.App.Env)
	c.App.Env = strings.ToLower(c.App.Env)
	str("APP_VERSION", &c.App.Version)

	str("SERVER_ADDR", &c.Server.Addr)
	str("SERVER_READ_TIMEOUT", &c.Server.ReadTimeout)
	str("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	str("SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	str("LOG_LEVEL", &c.Log.Level)

	str("JWT_ISSUER", &c.JWT.Issuer)
	str("JWT_ACCESS_TTL", &c.JWT.AccessTTL)
	str("JWT_LEEWAY", &c.JWT.Leeway)
	num("JWT_KEY_BITS", &c.JWT.KeyBits)

	str("SIGNING_KEYS_DIR", &c.Keys.Dir)
	str("SIGNING_MASTER_KEY", &c.Keys.MasterKey)
	num("KEY_ROTATION_INTERVAL_DAYS", &c.Keys.RotationIntervalDays)
	flag("KEY_ROTATE_ON_START", &c.Keys.RotateOnStart)

	str("REFRESH_TTL", &c.Refresh.TTL)
	num("REFRESH_SWEEP_INTERVAL_MINUTES", &c.Refresh.SweepIntervalMinutes)
	str("REFRESH_DRIVER", &c.Refresh.Driver)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("REDIS_PREFIX", &c.Redis.Prefix)

	str("POSTGRES_DSN", &c.Postgres.DSN)
	num("POSTGRES_MAX_CONNS", &c.Postgres.MaxConns)
	flag("POSTGRES_MIGRATE", &c.Postgres.Migrate)

	str("APIKEY_SERVICE_URL", &c.APIKey.URL)
	str("APIKEY_PREFIX", &c.APIKey.Prefix)
	str("APIKEY_TIMEOUT", &c.APIKey.Timeout)

	str("REMOTE_JWKS_URL", &c.RemoteJWKS.URL)
	str("REMOTE_JWKS_TTL", &c.RemoteJWKS.TTL)

	str("CACHE_KIND", &c.Cache.Kind)
	str("CACHE_PREFIX", &c.Cache.Prefix)
	str("CACHE_DEFAULT_TTL", &c.Cache.DefaultTTL)

	flag("RATE_ENABLED", &c.Rate.Enabled)
	num("RATE_MAX", &c.Rate.Max)
	str("RATE_WINDOW", &c.Rate.Window)

	str("ADMIN_API_KEY", &c.Admin.APIKey)
	if v, ok := getEnvBool("METRICS_ENABLED"); ok {
		c.Metrics.Enabled = &v
	}
}
