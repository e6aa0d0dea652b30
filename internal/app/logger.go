package app

import (
	"github.com/querydeck/querydeck/pkg/logger"
)

// ConfigureLogging initialises the global logger using the configured level.
func ConfigureLogging(level string) error {
	return logger.Init(level)
}
