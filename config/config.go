package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"saukidata/catalog"
)

// Duration is a time.Duration written as "45s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("config: line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Payment   PaymentConfig   `yaml:"payment"`
	Provider  ProviderConfig  `yaml:"provider"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Auth      AuthConfig      `yaml:"auth"`
	Tracing   TracingConfig   `yaml:"tracing"`
	// Plans seeds the static catalog. Empty means plans are read from Postgres.
	Plans []catalog.Plan `yaml:"plans"`
}

type HTTPConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver     string `yaml:"driver"`
	URL        string `yaml:"url"`
	SQLitePath string `yaml:"sqlite_path"`
	MaxConns   int32  `yaml:"max_conns"`
}

type PaymentConfig struct {
	BaseURL       string `yaml:"base_url"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type ProviderConfig struct {
	BaseURL  string         `yaml:"base_url"`
	APIKey   string         `yaml:"api_key"`
	ProxyURL string         `yaml:"proxy_url"`
	Timeout  Duration       `yaml:"timeout"`
	Networks map[string]int `yaml:"networks"`
}

type ReconcileConfig struct {
	ProvisionTimeout Duration `yaml:"provision_timeout"`
	SettleTimeout    Duration `yaml:"settle_timeout"`
	StuckAfter       Duration `yaml:"stuck_after"`
}

type RedisConfig struct {
	URL      string   `yaml:"url"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

type OutboxConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

type TracingConfig struct {
	ServiceName    string  `yaml:"service_name"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file or environment overrides it.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(60 * time.Second),
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Driver: "postgres", SQLitePath: "saukidata.db", MaxConns: 16},
		Payment:  PaymentConfig{BaseURL: "https://api.flutterwave.com/v3"},
		Provider: ProviderConfig{
			BaseURL: "https://amigo.ng/api",
			Timeout: Duration(45 * time.Second),
			Networks: map[string]int{
				"mtn": 1,
				"glo": 2,
			},
		},
		Reconcile: ReconcileConfig{
			ProvisionTimeout: Duration(45 * time.Second),
			SettleTimeout:    Duration(10 * time.Second),
			StuckAfter:       Duration(5 * time.Minute),
		},
		Redis:  RedisConfig{CacheTTL: Duration(5 * time.Minute)},
		Kafka:  KafkaConfig{TopicPrefix: "saukidata."},
		Outbox: OutboxConfig{PollInterval: Duration(2 * time.Second), BatchSize: 10, MaxAttempts: 5},
		Auth:   AuthConfig{TokenTTL: Duration(8 * time.Hour)},
		Tracing: TracingConfig{
			ServiceName: "saukidata",
			SampleRatio: 1,
		},
	}
}

// Load reads path (when non-empty) over the defaults and then applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}

	str(&c.HTTP.Addr, "HTTP_ADDR")
	str(&c.Log.Level, "LOG_LEVEL")
	str(&c.Log.Format, "LOG_FORMAT")
	str(&c.Database.Driver, "DATABASE_DRIVER")
	str(&c.Database.URL, "DATABASE_URL", "POSTGRES_URL")
	str(&c.Database.SQLitePath, "SQLITE_PATH")
	str(&c.Payment.BaseURL, "FLW_BASE_URL")
	str(&c.Payment.SecretKey, "FLW_SECRET_KEY")
	str(&c.Payment.WebhookSecret, "FLW_SECRET_HASH")
	str(&c.Provider.BaseURL, "AMIGO_BASE_URL")
	str(&c.Provider.APIKey, "AMIGO_API_KEY")
	str(&c.Provider.ProxyURL, "PROXY_URL", "QUOTAGUARD_URL")
	str(&c.Redis.URL, "REDIS_URL")
	str(&c.Auth.JWTSecret, "JWT_SECRET")
	str(&c.Tracing.JaegerEndpoint, "JAEGER_ENDPOINT")

	var brokers string
	str(&brokers, "KAFKA_BROKERS")
	if brokers != "" {
		c.Kafka.Brokers = c.Kafka.Brokers[:0]
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}

	var ratio string
	str(&ratio, "TRACING_SAMPLE_RATIO")
	if ratio != "" {
		f, err := strconv.ParseFloat(ratio, 64)
		if err != nil {
			return fmt.Errorf("config: TRACING_SAMPLE_RATIO: %w", err)
		}
		c.Tracing.SampleRatio = f
	}
	return nil
}

// Validate reports everything `serve` needs that is missing or inconsistent.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url (DATABASE_URL) is required for the postgres driver"))
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path is required for the sqlite driver"))
		}
		if len(c.Plans) == 0 {
			errs = append(errs, errors.New("plans must be configured for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not postgres or sqlite", c.Database.Driver))
	}

	if c.Payment.SecretKey == "" {
		errs = append(errs, errors.New("payment.secret_key (FLW_SECRET_KEY) is required"))
	}
	if c.Payment.WebhookSecret == "" {
		errs = append(errs, errors.New("payment.webhook_secret (FLW_SECRET_HASH) is required"))
	}
	if c.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api_key (AMIGO_API_KEY) is required"))
	}
	if len(c.Provider.Networks) == 0 {
		errs = append(errs, errors.New("provider.networks must map at least one network"))
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) must be at least 32 bytes"))
	}
	if c.Reconcile.ProvisionTimeout <= 0 || c.Reconcile.SettleTimeout <= 0 {
		errs = append(errs, errors.New("reconcile timeouts must be positive"))
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox.batch_size and outbox.max_attempts must be positive"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
