package orm

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgresConfig is the connection to the snapshot database.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSL      bool
	// URL wins over the individual fields when set.
	URL string

	// PasswordFile holds a short lived credential (an IAM token written by a
	// sidecar, a mounted secret). It is re-read for every new connection.
	PasswordFile string
	// AuthToken overrides PasswordFile.
	AuthToken func() (string, error)

	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	MaxIdleTime     time.Duration

	ConnectionTimeout time.Duration
}

// PasswordFromFile returns a token source reading path on every call.
func PasswordFromFile(path string) func() (string, error) {
	return func() (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read database password file: %w", err)
		}
		token := strings.TrimSpace(string(b))
		if token == "" {
			return "", fmt.Errorf("database password file %s is empty", path)
		}
		return token, nil
	}
}

func (c PostgresConfig) tokenSource() func() (string, error) {
	if c.AuthToken != nil {
		return c.AuthToken
	}
	if c.PasswordFile != "" {
		return PasswordFromFile(c.PasswordFile)
	}
	return nil
}

// withToken sets the connection password from token before each dial.
func withToken(token func() (string, error)) func(context.Context, *pgx.ConnConfig) error {
	return func(_ context.Context, cc *pgx.ConnConfig) error {
		password, err := token()
		if err != nil {
			return err
		}
		cc.Password = password
		return nil
	}
}

// NewPostgresConnection opens a pgx backed pool and wraps it in gorm.
func NewPostgresConnection(config PostgresConfig, logger *logrus.Entry) (*gorm.DB, error) {
	pgxConfig, err := pgx.ParseConfig(BuildPostgresConnectionString(config))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}

	trace("connecting to PostgreSQL at %s:%d/%s", pgxConfig.Host, pgxConfig.Port, pgxConfig.Database)

	var opts []stdlib.OptionOpenDB
	if token := config.tokenSource(); token != nil {
		opts = append(opts, stdlib.OptionBeforeConnect(withToken(token)))
	}
	dbConn := stdlib.OpenDB(*pgxConfig, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := dbConn.PingContext(ctx); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	setConnectionPoolSettings(dbConn, config)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: dbConn}), &gorm.Config{
		Logger: NewLogger("postgres", logger),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm.Open failed: %w", err)
	}

	return gormDB, nil
}

func setConnectionPoolSettings(db *sql.DB, config PostgresConfig) {
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)
}

func BuildPostgresConnectionString(config PostgresConfig) string {
	if config.URL != "" {
		return config.URL
	}

	sslMode := "sslmode=disable"
	if config.SSL {
		sslMode = "sslmode=require"
	}

	password := ""
	if config.Password != "" {
		password = fmt.Sprintf(" password=%s", config.Password)
	}

	timeout := config.ConnectionTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return fmt.Sprintf(
		"dbname=%s host=%s port=%d user=%s%s %s connect_timeout=%d",
		config.Database,
		config.Host,
		config.Port,
		config.User,
		password,
		sslMode,
		int(timeout.Seconds()),
	)
}
