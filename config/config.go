// Package config loads the server configuration from flags with environment
// overrides.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port      int
	Root      string
	Workers   int
	MaxEvents int

	IdleTimeout     time.Duration
	MaxRequestBytes int
	StatsInterval   time.Duration

	SQLHost     string
	SQLPort     int
	SQLUser     string
	SQLPassword string
	SQLDatabase string
	SQLPoolSize int

	ModelPath string
}

// New loads configuration from flags and environment variables.
func New() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 8080, "TCP listening port (1024-65535)")
	flag.StringVar(&cfg.Root, "root", "./www", "static file root directory")
	flag.IntVar(&cfg.Workers, "workers", 8, "worker pool size")
	flag.IntVar(&cfg.MaxEvents, "max-events", 1024, "ready descriptors reported per poll")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 60*time.Second, "close connections idle this long (0 disables)")
	flag.IntVar(&cfg.MaxRequestBytes, "max-request-bytes", 1<<20, "close connections buffering more than this without a complete request (0 disables)")
	flag.DurationVar(&cfg.StatsInterval, "stats-interval", 30*time.Second, "interval between stats log lines (0 disables)")

	flag.StringVar(&cfg.SQLHost, "sql-host", "", "database host (empty disables the pool)")
	flag.IntVar(&cfg.SQLPort, "sql-port", 3306, "database port")
	flag.StringVar(&cfg.SQLUser, "sql-user", "", "database user")
	flag.StringVar(&cfg.SQLPassword, "sql-password", "", "database password")
	flag.StringVar(&cfg.SQLDatabase, "sql-database", "", "database name")
	flag.IntVar(&cfg.SQLPoolSize, "sql-pool-size", 4, "database connection pool size")

	flag.StringVar(&cfg.ModelPath, "model", "", "inference model path (empty disables the engine)")

	flag.Parse()

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("WEB_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("SQL_PASSWORD"); v != "" {
		cfg.SQLPassword = v
	}

	return cfg
}
