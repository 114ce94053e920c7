// Package config loads collabd configuration from an optional YAML file,
// .env files and COLLAB_-prefixed environment variables.
package config

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/developer-mesh/collabcore/pkg/collaboration"
)

const (
	envPrefix         = "COLLAB"
	defaultConfigFile = "configs/collabd.yaml"
)

// Config is the complete collabd configuration
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	Collaboration CollaborationConfig `mapstructure:"collaboration"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins are the websocket origin patterns accepted besides the
	// request's own host
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// CollaborationConfig holds the registry settings plus the client-side
// timings handed to embedded clients
type CollaborationConfig struct {
	collaboration.RegistryConfig `mapstructure:",squash"`

	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// CleanupSchedule is a cron expression that replaces CleanupInterval
	// when set, e.g. "*/5 * * * *" or "@hourly"
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
	DebounceWindow  time.Duration `mapstructure:"debounce_window"`
	MergeSeparator  string        `mapstructure:"merge_separator"`
	DedupWindow     int           `mapstructure:"dedup_window"`
}

// CleanupSpec returns the cron schedule that drives expiry sweeps
func (c CollaborationConfig) CleanupSpec() string {
	if c.CleanupSchedule != "" {
		return c.CleanupSchedule
	}
	return "@every " + c.CleanupInterval.String()
}

// ClientConfig returns the client settings derived from c
func (c CollaborationConfig) ClientConfig() collaboration.ClientConfig {
	out := collaboration.DefaultClientConfig()
	out.HeartbeatInterval = c.HeartbeatInterval
	out.DebounceWindow = c.DebounceWindow
	out.MergeSeparator = c.MergeSeparator
	out.Adapter.DedupWindow = c.DedupWindow
	return out
}

// RedisConfig configures the bus and cache connection
type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	CheckoutTTL time.Duration `mapstructure:"checkout_ttl"`
}

// DatabaseConfig configures membership and document persistence. An empty
// DSN keeps membership in memory only.
type DatabaseConfig struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	Migrate bool          `mapstructure:"migrate"`
	Timeout time.Duration `mapstructure:"migration_timeout"`
}

// AuthConfig configures JWT validation
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	Issuer        string        `mapstructure:"issuer"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
}

// TracingConfig configures the span exporter. ZipkinEndpoint takes
// priority over the OTLP endpoint when both are set.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Endpoint       string  `mapstructure:"endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig configures the standard logger
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads .env, then the file named by COLLAB_CONFIG_FILE (default
// configs/collabd.yaml), then the environment
func Load() (*Config, error) {
	// .env never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "error reading .env")
	}

	return LoadFile(FilePath())
}

// FilePath returns the config file Load reads
func FilePath() string {
	if configFile := os.Getenv(envPrefix + "_CONFIG_FILE"); configFile != "" {
		return configFile
	}
	return defaultConfigFile
}

// LoadFile reads configFile, which may be missing, and the environment
func LoadFile(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	// Docker setups commonly pass these without the prefix
	_ = v.BindEnv("redis.address", envPrefix+"_REDIS_ADDRESS", "REDIS_ADDR", "REDIS_ADDRESS")
	_ = v.BindEnv("database.dsn", envPrefix+"_DATABASE_DSN", "DATABASE_URL")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrap(err, "error reading config file")
			}
		}
	}

	processEnvExpansion(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings collabd cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Collaboration.HeartbeatInterval <= 0 {
		return errors.New("collaboration.heartbeat_interval must be positive")
	}
	if c.Collaboration.CleanupInterval <= 0 {
		return errors.New("collaboration.cleanup_interval must be positive")
	}
	if _, err := cron.ParseStandard(c.Collaboration.CleanupSpec()); err != nil {
		return errors.Wrap(err, "invalid collaboration.cleanup_schedule")
	}
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required in production")
	}
	return nil
}

// IsProduction reports whether collabd runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// processEnvExpansion expands ${VAR} and ${VAR:-default} in string values
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || value == "" {
			continue
		}
		if strings.Contains(value, "${") && strings.Contains(value, "}") {
			if expanded := expandEnvVars(value); expanded != value {
				v.Set(key, expanded)
			}
		}
	}
}

func expandEnvVars(value string) string {
	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varRef := result[start+2 : end]
		envVar, defaultVal, _ := strings.Cut(varRef, ":-")

		envVal := os.Getenv(envVar)
		if envVal == "" {
			envVal = defaultVal
		}
		result = result[:start] + envVal + result[end+1:]
	}
	return result
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	d := collaboration.DefaultRegistryConfig()
	v.SetDefault("collaboration.heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("collaboration.missed_heartbeats", d.MissedHeartbeats)
	v.SetDefault("collaboration.inactivity_timeout", d.InactivityTimeout)
	v.SetDefault("collaboration.active_window", d.ActiveWindow)
	v.SetDefault("collaboration.change_history_limit", d.ChangeHistoryLimit)
	v.SetDefault("collaboration.chat_history_limit", d.ChatHistoryLimit)
	v.SetDefault("collaboration.status_changes", d.StatusChanges)
	v.SetDefault("collaboration.status_messages", d.StatusMessages)
	v.SetDefault("collaboration.cursor_rate.per_second", d.Cursor.PerSecond)
	v.SetDefault("collaboration.cursor_rate.burst", d.Cursor.Burst)
	v.SetDefault("collaboration.cleanup_interval", time.Minute)
	v.SetDefault("collaboration.cleanup_schedule", "")
	v.SetDefault("collaboration.debounce_window", 500*time.Millisecond)
	v.SetDefault("collaboration.merge_separator", collaboration.DefaultMergeSeparator)
	v.SetDefault("collaboration.dedup_window", 10000)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", time.Hour)
	v.SetDefault("redis.checkout_ttl", 30*time.Minute)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.migration_timeout", time.Minute)

	// No default for the secret
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "collabd")
	v.SetDefault("auth.jwt_expiration", 24*time.Hour)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.zipkin_endpoint", "")
	v.SetDefault("tracing.service_name", "collabd")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "collab")

	v.SetDefault("logging.level", "info")
}
