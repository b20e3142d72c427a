package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/validator"
)

type PostgresConfig struct {
	User               string        `validate:"required"`
	Password           string        `validate:"required"`
	Host               string        `validate:"required"`
	Database           string        `validate:"required"`
	SSLMode            string        `                    mapstructure:"ssl_mode"`
	MaxIdleConnections int           `validate:"required" mapstructure:"max_idle_connections"`
	MaxOpenConnections int           `validate:"required" mapstructure:"max_open_connections"`
	ConnectionTTL      time.Duration `validate:"required" mapstructure:"connection_ttl"`
	ConnectRetries     uint64        `                    mapstructure:"connect_retries"`
	Port               int16         `validate:"required"`
}

type StoreConfig struct {
	Driver         string `mapstructure:"driver"           validate:"required,oneof=postgres memory"`
	MaxRecordBytes int    `mapstructure:"max_record_bytes" validate:"required,min=1"`
}

type QueueConfig struct {
	Driver    string `mapstructure:"driver"     validate:"required,oneof=memory redis"`
	RedisAddr string `mapstructure:"redis_addr" validate:"required_if=Driver redis"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type SlogConfig struct {
	Level int `mapstructure:"level"`
}

type GormLogConfig struct {
	Level        int  `mapstructure:"level"`
	TraceQueries bool `mapstructure:"trace_queries"`
}

type FileLogConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"  validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups"  validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
}

type LoggingConfig struct {
	Gorm    GormLogConfig `mapstructure:"gorm"`
	App     SlogConfig    `mapstructure:"app"`
	File    FileLogConfig `mapstructure:"file"`
	UseOTLP bool          `mapstructure:"use_otlp"`
}

type RateLimitConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	PerMinute int64  `mapstructure:"per_minute"`
	FailOpen  bool   `mapstructure:"fail_open"`
}

// See broadway.yaml for an example config
type Config struct {
	Postgres              *PostgresConfig  `mapstructure:"postgres"                validate:"-"`
	Store                 *StoreConfig     `mapstructure:"store"                   validate:"required"`
	Queue                 *QueueConfig     `mapstructure:"queue"                   validate:"required"`
	Logging               *LoggingConfig   `mapstructure:"logging"                 validate:"required"`
	RateLimit             *RateLimitConfig `mapstructure:"ratelimit"`
	Token                 string           `mapstructure:"token"`
	CourseConfig          string           `mapstructure:"course_config"`
	BindAddr              string           `mapstructure:"bind_addr"               validate:"required"`
	BindPort              int              `mapstructure:"bind_port"               validate:"required,min=1,max=65535"`
	HeartbeatIntervalSecs int              `mapstructure:"heartbeat_interval"      validate:"required,min=1"`
	GracefulShutdownSecs  int64            `mapstructure:"graceful_shutdown_secs"`
}

const (
	AppLogLevel                string = "logging.app.level"
	BindAddr                   string = "bind_addr"
	BindPort                   string = "bind_port"
	CourseConfig               string = "course_config"
	EnvPrefix                  string = "broadway"
	FileLogDir                 string = "logging.file.dir"
	FileLogMaxAgeDays          string = "logging.file.max_age_days"
	FileLogMaxBackups          string = "logging.file.max_backups"
	FileLogMaxSizeMB           string = "logging.file.max_size_mb"
	GormLogLevel               string = "logging.gorm.level"
	GormTraceQueries           string = "logging.gorm.trace_queries"
	GracefulShutdownSecs       string = "graceful_shutdown_secs"
	HeartbeatInterval          string = "heartbeat_interval"
	PostgresConnectRetries     string = "postgres.connect_retries"
	PostgresConnectonTTL       string = "postgres.connection_ttl"
	PostgresDatabase           string = "postgres.database"
	PostgresHost               string = "postgres.host"
	PostgresMaxIdleConnections string = "postgres.max_idle_connections"
	PostgresMaxOpenConnections string = "postgres.max_open_connections"
	PostgresPassword           string = "postgres.password"
	PostgresPort               string = "postgres.port"
	PostgresSSLMode            string = "postgres.ssl_mode"
	PostgresUser               string = "postgres.user"
	QueueDriver                string = "queue.driver"
	QueueKeyPrefix             string = "queue.key_prefix"
	QueueRedisAddr             string = "queue.redis_addr"
	RateLimitFailOpen          string = "ratelimit.fail_open"
	RateLimitPerMinute         string = "ratelimit.per_minute"
	RateLimitRedisAddr         string = "ratelimit.redis_addr"
	StoreDriver                string = "store.driver"
	StoreMaxRecordBytes        string = "store.max_record_bytes"
	Token                      string = "token"
	UseOTLP                    string = "logging.use_otlp"
)

// Command line flag name to config key
var flagKeys = map[string]string{
	"token":              Token,
	"heartbeat-interval": HeartbeatInterval,
	"course-config":      CourseConfig,
	"bind-addr":          BindAddr,
	"bind-port":          BindPort,
	"store-driver":       StoreDriver,
	"postgres-host":      PostgresHost,
	"postgres-port":      PostgresPort,
	"postgres-user":      PostgresUser,
	"postgres-database":  PostgresDatabase,
	"queue-driver":       QueueDriver,
	"redis-addr":         QueueRedisAddr,
	"log-dir":            FileLogDir,
	"log-level":          AppLogLevel,
	"log-max-backups":    FileLogMaxBackups,
}

var ErrMissingPostgres = errors.New("postgres config is required when store.driver is postgres")

// Registers the orchestrator's command line flags. Flags left unset do not override file or env config.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("token", "", "cluster token used by workers (generated if unset)")
	fs.Int("heartbeat-interval", 0, "seconds between expected worker heartbeats")
	fs.String("course-config", "", "json file of {course_id: [token, ...]} replacing all courses on startup")
	fs.String("bind-addr", "", "address to listen on")
	fs.Int("bind-port", 0, "port to listen on")
	fs.String("store-driver", "", "persistence driver (postgres, memory)")
	fs.String("postgres-host", "", "postgres host")
	fs.Int16("postgres-port", 0, "postgres port")
	fs.String("postgres-user", "", "postgres user")
	fs.String("postgres-database", "", "postgres database name")
	fs.String("queue-driver", "", "multiqueue driver (memory, redis)")
	fs.String("redis-addr", "", "redis address for the redis multiqueue")
	fs.String("log-dir", "", "directory for rotated log files (disabled if empty)")
	fs.Int("log-level", 0, "slog level (-4 debug, 0 info, 4 warn, 8 error)")
	fs.Int("log-max-backups", 0, "rotated log files to keep")
}

func GetConfig(flags *pflag.FlagSet) (*Config, error) {
	logger.Logger.Info("loading config")

	v := viper.New()

	v.SetConfigName("broadway")

	v.AddConfigPath("/etc/broadway/")
	v.AddConfigPath(".")

	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// workaround for https://github.com/spf13/viper/issues/761
	// bind env vars explicitly so they unmarshal into the nested struct
	for _, key := range []string{Token, PostgresPassword, PostgresUser, PostgresHost, QueueRedisAddr, RateLimitRedisAddr} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if flags != nil {
		for flagName, key := range flagKeys {
			f := flags.Lookup(flagName)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
			}
		}
	}

	v.SetDefault(BindAddr, "localhost")
	v.SetDefault(BindPort, 1470)
	v.SetDefault(HeartbeatInterval, 10)
	v.SetDefault(StoreDriver, "postgres")
	v.SetDefault(StoreMaxRecordBytes, 16*1024*1024)
	v.SetDefault(QueueDriver, "memory")
	v.SetDefault(QueueKeyPrefix, "broadway")
	v.SetDefault(PostgresHost, "localhost")
	v.SetDefault(PostgresPort, 5432)
	v.SetDefault(PostgresUser, "broadway")
	v.SetDefault(PostgresDatabase, "broadway")
	v.SetDefault(PostgresSSLMode, "disable")
	v.SetDefault(PostgresMaxIdleConnections, 2)
	v.SetDefault(PostgresMaxOpenConnections, 10)
	v.SetDefault(PostgresConnectonTTL, 10*time.Minute)
	v.SetDefault(PostgresConnectRetries, 5)
	v.SetDefault(GormLogLevel, int(slog.LevelWarn))
	v.SetDefault(GormTraceQueries, false)
	v.SetDefault(AppLogLevel, int(slog.LevelInfo))
	v.SetDefault(FileLogMaxSizeMB, 100)
	v.SetDefault(FileLogMaxBackups, 7)
	v.SetDefault(FileLogMaxAgeDays, 0)
	v.SetDefault(UseOTLP, false)
	v.SetDefault(RateLimitPerMinute, 0)
	v.SetDefault(RateLimitFailOpen, true)
	v.SetDefault(GracefulShutdownSecs, 30)

	err := v.ReadInConfig()
	if err != nil {
		// ignore config file not found to allow pure env config
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	err = v.Unmarshal(&config)
	if err != nil {
		return nil, err
	}

	valid := validator.Create()
	err = valid.Validate(&config)
	if err != nil {
		return nil, err
	}

	if config.Store.Driver == "postgres" {
		if config.Postgres == nil {
			return nil, ErrMissingPostgres
		}
		if err = valid.Validate(config.Postgres); err != nil {
			return nil, err
		}
	}

	if config.Token == "" {
		config.Token = uuid.NewString()
		logger.Logger.Warn("token not given, generated one", "token", config.Token)
	}

	return &config, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.Postgres.User),
		url.QueryEscape(c.Postgres.Password),
		c.Postgres.Host, c.Postgres.Port,
		url.QueryEscape(c.Postgres.Database),
		url.QueryEscape(c.Postgres.SSLMode),
	)
}

func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.BindPort))
}

func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

func (c *Config) GracefulShutdown() time.Duration {
	return time.Duration(c.GracefulShutdownSecs) * time.Second
}
