// Package config provides functionality for managing configuration options
// for the application using command-line flags, a JSON config file, and
// environment variables.
package config

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Options holds the configuration values for the application.
type Options struct {
	// Addr defines the server's listening address (ip:port).
	Addr string `json:"addr" env:"SERVER_ADDRESS"`

	// DatabaseDSN holds the database connection string.
	DatabaseDSN string `json:"databaseDsn" env:"DATABASE_DSN"`

	// LogLevel sets the logging verbosity.
	LogLevel string `json:"logLevel" env:"LOG_LEVEL"`

	// SessionMaxAge is how long an enrollment session may stay active
	// before the supervisor cancels it.
	SessionMaxAge time.Duration `json:"sessionMaxAge" env:"SESSION_MAX_AGE"`

	// CleanerInterval is how often the stale-session supervisor runs.
	CleanerInterval time.Duration `json:"cleanerInterval" env:"CLEANER_INTERVAL"`

	// Config is the path to the config file.
	Config string `json:"-" env:"CONFIG"`
}

// options holds the current configuration values.
var options = &Options{}

// init initializes command-line flags and sets default values.
func init() {
	flag.StringVar(&options.Addr, "a", "localhost:8080", "run on ip:port server")
	flag.StringVar(&options.DatabaseDSN, "d", "", "db address")
	flag.StringVar(&options.LogLevel, "l", "Info", "log level")
	flag.DurationVar(&options.SessionMaxAge, "session-max-age", 5*time.Minute, "cancel enrollment sessions older than this")
	flag.DurationVar(&options.CleanerInterval, "cleaner-interval", 30*time.Second, "how often to check for stale sessions")
	flag.StringVar(&options.Config, "config", "config.json", "path to config file")
	flag.StringVar(&options.Config, "c", "config.json", "path to config file (shorthand)")
}

// Parse parses the command-line flags, the optional JSON config file, and
// environment variables (highest precedence). It returns a pointer to the
// Options struct containing the parsed configuration values.
func Parse() *Options {
	flag.Parse()

	if options.Config != "" {
		if _, err := os.Stat(options.Config); err == nil {
			data, err := os.ReadFile(options.Config)
			if err != nil {
				log.Fatalf("error while reading config file: %v", err)
			}
			if err := json.Unmarshal(data, options); err != nil {
				log.Fatalf("error while parsing config file: %v", err)
			}
		}
	}

	// Environment variables override flags and file values.
	if err := env.Parse(options); err != nil {
		log.Fatalf("error while parsing environment: %v", err)
	}

	return options
}
