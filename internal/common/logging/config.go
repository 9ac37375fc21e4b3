package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config defines logging configuration.
type Config struct {
	// Log level, e.g. info, debug
	Level string
	// Either text or json
	Format string
}

// Configure applies the supplied configuration to the standard logrus logger.
func Configure(config Config) error {
	level := config.Level
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "unknown log level %q", config.Level)
	}
	switch strings.ToLower(config.Format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q. Valid formats are text and json", config.Format)
	}
	log.SetLevel(parsed)
	log.SetOutput(os.Stdout)
	return nil
}
