package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the collaboration server configuration, read from
// collabConfig.yaml and COLLAB_* environment variables.
type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
		LogLevel        string        `mapstructure:"logLevel"`
	} `mapstructure:"running"`
	Database struct {
		// Driver is "mysql" or "sqlite".
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		// ActivityDSN enables the gorm activity log (MySQL only).
		ActivityDSN string `mapstructure:"activityDsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		// no brokers disables the graph event stream
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Presence struct {
		IdleAfter     time.Duration `mapstructure:"idleAfter"`
		OfflineAfter  time.Duration `mapstructure:"offlineAfter"`
		CacheTTL      time.Duration `mapstructure:"cacheTTL"`
		SweepInterval time.Duration `mapstructure:"sweepInterval"`
	} `mapstructure:"presence"`
	Collab struct {
		LockTTL           time.Duration `mapstructure:"lockTTL"`
		LockSweepInterval time.Duration `mapstructure:"lockSweepInterval"`
		LogCapacity       int           `mapstructure:"logCapacity"`
		RecentOps         int           `mapstructure:"recentOps"`
		GraphIdleAfter    time.Duration `mapstructure:"graphIdleAfter"`
		// MaxInflight bounds concurrent operation submissions.
		MaxInflight int `mapstructure:"maxInflight"`
	} `mapstructure:"collab"`
	CORS struct {
		AllowOrigins []string `mapstructure:"allowOrigins"`
		// WSOrigins are Origin prefixes accepted on websocket upgrade.
		WSOrigins []string `mapstructure:"wsOrigins"`
	} `mapstructure:"cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8081)
	v.SetDefault("running.shutdownTimeout", 10*time.Second)
	v.SetDefault("running.logLevel", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:collab.db?_pragma=journal_mode(WAL)")
	v.SetDefault("database.activityDsn", "")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "graph-events")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	// env-only keys are invisible to Unmarshal without a default
	v.SetDefault("auth.path", "http://127.0.0.1:8080")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("cors.allowOrigins", []string{"*"})
	v.SetDefault("cors.wsOrigins", []string{})
	v.SetDefault("presence.idleAfter", 60*time.Second)
	v.SetDefault("presence.offlineAfter", 120*time.Second)
	v.SetDefault("presence.cacheTTL", 120*time.Second)
	v.SetDefault("presence.sweepInterval", 30*time.Second)
	v.SetDefault("collab.lockTTL", 5*time.Minute)
	v.SetDefault("collab.lockSweepInterval", 30*time.Second)
	v.SetDefault("collab.logCapacity", 1024)
	v.SetDefault("collab.recentOps", 50)
	v.SetDefault("collab.graphIdleAfter", 15*time.Minute)
	v.SetDefault("collab.maxInflight", 64)
}

// Load reads collabConfig.yaml from the given directories, or from
// ./backend/config, ./config and . when none are given. A missing file is not
// an error; defaults and environment still apply.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// works from the repo root or from backend/
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver %q: want mysql or sqlite", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("running.port %d out of range", c.Running.Port)
	}
	if len(c.Redis.Addrs) == 0 {
		return errors.New("redis.addrs is required")
	}
	if c.Presence.IdleAfter >= c.Presence.OfflineAfter {
		return errors.New("presence.idleAfter must be shorter than presence.offlineAfter")
	}
	return nil
}
