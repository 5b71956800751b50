package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ed-platform/ed-graphql/orm"
	"github.com/spf13/viper"
)

const EnvPrefix = "ED"

// Broker drivers
const (
	BrokerRedis  = "redis"
	BrokerKafka  = "kafka"
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

type Config struct {
	HTTP     HTTP
	Log      Log
	Broker   string
	Redis    Redis
	Kafka    Kafka
	NATS     NATS
	Bus      Capacity
	Registry Capacity
	Database orm.Config
	Auth     Auth
	Metrics  Metrics
}

type HTTP struct {
	Addr            string
	GraphiQL        bool
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

type Log struct {
	Level  string
	Format string
}

type Redis struct {
	URL string
}

type Kafka struct {
	Brokers     []string
	GroupID     string
	ClientID    string
	StartLatest bool
	UserName    string
	Password    string
}

type NATS struct {
	URL string
}

type Capacity struct {
	Capacity int
}

type Auth struct {
	JWTSecret string
	Cookie    string
}

type Metrics struct {
	Enabled bool
}

// SetDefaults registers every key with its default so env overrides are
// seen by Unmarshal-free lookups.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.graphiql", true)
	v.SetDefault("http.cors_origins", "")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("broker.driver", BrokerRedis)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("kafka.brokers", "")
	// empty: every replica gets its own group and sees every message
	v.SetDefault("kafka.group_id", "")
	v.SetDefault("kafka.client_id", "ed-graphql")
	v.SetDefault("kafka.start_latest", true)
	v.SetDefault("kafka.username", "")
	v.SetDefault("kafka.password", "")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("bus.capacity", 512)
	v.SetDefault("registry.capacity", 256)

	v.SetDefault("database.driver", string(orm.PostgresDriver))
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.password_file", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.name", "ed")
	v.SetDefault("database.ssl", false)
	v.SetDefault("database.path", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.cookie", "access_token")

	v.SetDefault("metrics.enabled", true)
}

// New returns a viper instance reading ED_* environment variables, with
// defaults set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads an optional config file then builds and validates Config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Config{
		HTTP: HTTP{
			Addr:            v.GetString("http.addr"),
			GraphiQL:        v.GetBool("http.graphiql"),
			CORSOrigins:     list(v, "http.cors_origins"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Broker: strings.ToLower(v.GetString("broker.driver")),
		Redis:  Redis{URL: v.GetString("redis.url")},
		Kafka: Kafka{
			Brokers:     list(v, "kafka.brokers"),
			GroupID:     v.GetString("kafka.group_id"),
			ClientID:    v.GetString("kafka.client_id"),
			StartLatest: v.GetBool("kafka.start_latest"),
			UserName:    v.GetString("kafka.username"),
			Password:    v.GetString("kafka.password"),
		},
		NATS:     NATS{URL: v.GetString("nats.url")},
		Bus:      Capacity{Capacity: v.GetInt("bus.capacity")},
		Registry: Capacity{Capacity: v.GetInt("registry.capacity")},
		Database: orm.Config{
			Driver: orm.Driver(strings.ToLower(v.GetString("database.driver"))),
			Postgres: orm.PostgresConfig{
				URL:      v.GetString("database.url"),
				Host:     v.GetString("database.host"),
				Port:     v.GetInt("database.port"),
				User:     v.GetString("database.user"),
				Password: v.GetString("database.password"),
				Database: v.GetString("database.name"),
				SSL:      v.GetBool("database.ssl"),

				PasswordFile:    v.GetString("database.password_file"),
				MaxOpenConns:    v.GetInt("database.max_open_conns"),
				MaxIdleConns:    v.GetInt("database.max_idle_conns"),
				ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			},
			SQLite: orm.SQLiteConfig{
				Database: v.GetString("database.name"),
				Path:     v.GetString("database.path"),
			},
		},
		Auth: Auth{
			JWTSecret: v.GetString("auth.jwt_secret"),
			Cookie:    v.GetString("auth.cookie"),
		},
		Metrics: Metrics{Enabled: v.GetBool("metrics.enabled")},
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Broker {
	case BrokerRedis, BrokerKafka, BrokerNATS, BrokerMemory:
	default:
		return fmt.Errorf("broker driver %q not supported", c.Broker)
	}

	if c.Broker == BrokerKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required for the kafka broker")
	}

	switch c.Database.Driver {
	case orm.PostgresDriver, orm.SQLiteDriver, orm.InMemoryDriver:
	default:
		return fmt.Errorf("database driver %q not supported", c.Database.Driver)
	}

	if c.Bus.Capacity <= 0 {
		return fmt.Errorf("bus.capacity must be positive, got %d", c.Bus.Capacity)
	}
	if c.Registry.Capacity <= 0 {
		return fmt.Errorf("registry.capacity must be positive, got %d", c.Registry.Capacity)
	}
	return nil
}

// list reads a comma separated string or a real list.
func list(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
