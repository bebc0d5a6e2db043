package main

import (
	"github.com/sirupsen/logrus"

	"github.com/Annas82200/mizan-triggers/internal/config"
)

func logConfigWarnings(logger logrus.FieldLogger, cfg config.Config) {
	for _, w := range config.Warnings(cfg) {
		entry := logger.WithField("severity", string(w.Severity))
		if w.Severity == config.SeverityP0 {
			entry.Warn(w.Message)
			continue
		}
		entry.Info(w.Message)
	}
}
