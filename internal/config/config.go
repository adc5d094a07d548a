package config

import (
	"customer-import/internal/pkg/apperrors"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"

	MaxBatchSize = 1000
)

type Config struct {
	Square   SquareConfig   `mapstructure:"square"`
	Import   ImportConfig   `mapstructure:"import"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Inbox    InboxConfig    `mapstructure:"inbox"`
}

type SquareConfig struct {
	Environment           string          `mapstructure:"environment"`
	AccessToken           string          `mapstructure:"accessToken"`
	SandboxAccessToken    string          `mapstructure:"sandboxAccessToken"`
	ProductionAccessToken string          `mapstructure:"productionAccessToken"`
	BaseURL               string          `mapstructure:"baseURL"`
	APIVersion            string          `mapstructure:"apiVersion"`
	Timeout               time.Duration   `mapstructure:"timeout"`
	RateLimit             RateLimitConfig `mapstructure:"rateLimit"`
	Retry                 RetryConfig     `mapstructure:"retry"`
}

type RetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"maxRetries"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
}

type ImportConfig struct {
	BatchSize          int           `mapstructure:"batchSize"`
	BatchPause         time.Duration `mapstructure:"batchPause"`
	DefaultCountryCode string        `mapstructure:"defaultCountryCode"`
	TimestampColumn    string        `mapstructure:"timestampColumn"`
	UngroupedGroupName string        `mapstructure:"ungroupedGroupName"`
	RemoteDedup        bool          `mapstructure:"remoteDedup"`
	FailureReportDir   string        `mapstructure:"failureReportDir"`
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
	Dir      string `mapstructure:"dir"`
}

type ServerConfig struct {
	Port         int             `mapstructure:"port"`
	ReadTimeout  time.Duration   `mapstructure:"readTimeout"`
	WriteTimeout time.Duration   `mapstructure:"writeTimeout"`
	IdleTimeout  time.Duration   `mapstructure:"idleTimeout"`
	MaxUploadMB  int64           `mapstructure:"maxUploadMB"`
	RateLimit    RateLimitConfig `mapstructure:"rateLimit"`
	Auth         AuthConfig      `mapstructure:"auth"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwtSecret"`
	// APIKey must be presented to POST /auth/token before a token is signed.
	APIKey string `mapstructure:"apiKey"`
}

type MetricsConfig struct {
	Path string `mapstructure:"path"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"maxConns"`
	Schema   string `mapstructure:"schema"`
}

type RabbitMQConfig struct {
	URL          string `mapstructure:"url"`
	ExchangeName string `mapstructure:"exchangeName"`
}

type InboxConfig struct {
	Dir      string        `mapstructure:"dir"`
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Token returns the access token for the configured environment. An explicit
// square.accessToken wins over the per-environment tokens.
func (c SquareConfig) Token() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	if strings.EqualFold(c.Environment, EnvironmentProduction) {
		return c.ProductionAccessToken
	}
	return c.SandboxAccessToken
}

func (c *Config) Validate() error {
	env := strings.ToLower(strings.TrimSpace(c.Square.Environment))
	if env != EnvironmentSandbox && env != EnvironmentProduction {
		return apperrors.NewSetupError(fmt.Sprintf("square environment must be %q or %q, got %q", EnvironmentSandbox, EnvironmentProduction, c.Square.Environment))
	}
	c.Square.Environment = env
	if c.Square.Token() == "" {
		return apperrors.NewSetupError(fmt.Sprintf("no access token configured for %s environment", env))
	}
	if c.Import.BatchSize <= 0 || c.Import.BatchSize > MaxBatchSize {
		return apperrors.NewSetupError(fmt.Sprintf("import batch size must be between 1 and %d, got %d", MaxBatchSize, c.Import.BatchSize))
	}
	for _, r := range c.Import.DefaultCountryCode {
		if r < '0' || r > '9' {
			return apperrors.NewSetupError(fmt.Sprintf("default country code must be digits only, got %q", c.Import.DefaultCountryCode))
		}
	}
	return nil
}

// ValidateServer runs Validate and checks the settings serve mode needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !c.Server.Auth.Enabled {
		return nil
	}
	if c.Server.Auth.JWTSecret == "" {
		return apperrors.NewSetupError("server.auth.jwtSecret is required when auth is enabled")
	}
	if c.Server.Auth.APIKey == "" {
		return apperrors.NewSetupError("server.auth.apiKey is required when auth is enabled")
	}
	return nil
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"batch-size":   "import.batchSize",
	"country-code": "import.defaultCountryCode",
	"environment":  "square.environment",
	"failure-dir":  "import.failureReportDir",
	"log-level":    "logger.level",
	"log-dir":      "logger.dir",
	"remote-dedup": "import.remoteDedup",
	"retry":        "square.retry.enabled",
	"port":         "server.port",
	"inbox":        "inbox.dir",
	"database-url": "database.url",
	"rabbitmq-url": "rabbitmq.url",
}

// LoadConfig reads config.yml from path, the environment and any flags in
// flags that were set explicitly. Flags win over everything else.
func LoadConfig(path string, flags ...*pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on process environment.")
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindLegacyEnv(v)
	if err := bindFlags(v, flags); err != nil {
		return nil, fmt.Errorf("%w: binding flags: %w", apperrors.ErrSetup, err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Println("Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("%w: reading config: %w", apperrors.ErrSetup, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding config: %w", apperrors.ErrSetup, err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("square.environment", EnvironmentSandbox)
	v.SetDefault("square.accessToken", "")
	v.SetDefault("square.sandboxAccessToken", "")
	v.SetDefault("square.productionAccessToken", "")
	v.SetDefault("square.baseURL", "")
	v.SetDefault("square.apiVersion", "2024-01-18")
	v.SetDefault("square.timeout", 30*time.Second)
	v.SetDefault("square.rateLimit.enabled", true)
	v.SetDefault("square.rateLimit.rps", 10)
	v.SetDefault("square.rateLimit.burst", 5)
	v.SetDefault("square.retry.enabled", false)
	v.SetDefault("square.retry.maxRetries", 3)
	v.SetDefault("square.retry.initialBackoff", 500*time.Millisecond)
	v.SetDefault("square.retry.maxBackoff", 10*time.Second)

	v.SetDefault("import.batchSize", 100)
	v.SetDefault("import.batchPause", 0)
	v.SetDefault("import.defaultCountryCode", "")
	v.SetDefault("import.timestampColumn", "Pick-up time (local)")
	v.SetDefault("import.ungroupedGroupName", "未知周数_客户组")
	v.SetDefault("import.remoteDedup", true)
	v.SetDefault("import.failureReportDir", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.dir", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Minute)
	v.SetDefault("server.idleTimeout", 60*time.Second)
	v.SetDefault("server.maxUploadMB", 32)
	v.SetDefault("server.rateLimit.enabled", true)
	v.SetDefault("server.rateLimit.rps", 2)
	v.SetDefault("server.rateLimit.burst", 5)
	v.SetDefault("server.auth.enabled", true)
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.auth.apiKey", "")

	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 4)
	v.SetDefault("database.schema", "")
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchangeName", "customer-import")
	v.SetDefault("inbox.dir", "")
	v.SetDefault("inbox.schedule", "*/5 * * * *")
	v.SetDefault("inbox.timeout", time.Hour)
}

// bindLegacyEnv keeps the variable names used by existing deployments working.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("square.environment", "SQUARE_ENVIRONMENT")
	_ = v.BindEnv("square.accessToken", "SQUARE_ACCESS_TOKEN")
	_ = v.BindEnv("square.sandboxAccessToken", "SQUARE_SANDBOX_ACCESS_TOKEN")
	_ = v.BindEnv("square.productionAccessToken", "SQUARE_PRODUCTION_ACCESS_TOKEN")
	_ = v.BindEnv("logger.level", "LOG_LEVEL")
	_ = v.BindEnv("server.auth.jwtSecret", "JWT_SECRET")
	_ = v.BindEnv("server.auth.apiKey", "IMPORT_API_KEY")
}

func bindFlags(v *viper.Viper, sets []*pflag.FlagSet) error {
	for _, fs := range sets {
		if fs == nil {
			continue
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
