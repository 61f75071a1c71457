package util

import (
	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/config"
)

// SetLogLevel applies the configured debug flag to the global logrus level.
// Called at startup and again on every config hot-reload.
func SetLogLevel(cfg *config.Config) {
	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	if current := log.GetLevel(); current != level {
		log.SetLevel(level)
		log.Infof("log level changed from %s to %s", current, level)
	}
}
