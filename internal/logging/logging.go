// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup applies level and format ("json" | "text") to the standard logrus logger.
func Setup(level, format string) {
	log.SetOutput(os.Stdout)
	log.SetLevel(parseLevel(level))

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func parseLevel(level string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Component returns an entry tagged with a component name.
func Component(name string) *log.Entry {
	return log.WithField("component", name)
}
