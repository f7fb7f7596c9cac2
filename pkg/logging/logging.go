// Package logging configures the process-wide logrus logger.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jaeaeich/poiesis/pkg/config"
)

// New builds a logger for one engine process. Development environments get
// the text formatter; everything else logs JSON for collection.
func New(c config.Config, component string) *logrus.Entry {
	log := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if c.Env == config.EnvDev {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	return log.WithField("component", component)
}
