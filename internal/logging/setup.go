// Package logging configures the process-wide logrus logger, kept almost
// verbatim from the teacher's internal/logging/setup.go.
package logging

import (
	"sync"
	"time"

	"credpool-go/internal/config"

	log "github.com/sirupsen/logrus"
)

var logMux sync.Mutex

// Setup configures the global logrus logger using runtime configuration.
// It is idempotent and can be called multiple times; the most recent call
// wins.
func Setup(cfg *config.Config) error {
	logMux.Lock()
	defer logMux.Unlock()

	var formatter log.Formatter = &log.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	if cfg != nil && cfg.Server.Debug {
		formatter = &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		}
	}
	log.SetFormatter(formatter)

	level := log.InfoLevel
	if cfg != nil && cfg.Server.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	return nil
}
