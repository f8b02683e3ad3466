// Package logging configures the logger of the command line tools.
package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
}

// Apply sets the level and formatter of l. Empty fields select the info
// level and the text format.
func (c Config) Apply(l *logrus.Logger) error {
	level := c.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(lvl)

	tsFormat := c.TimestampFormat
	fullTimestamp := tsFormat != ""
	if tsFormat == "" {
		tsFormat = time.RFC3339
	}

	format := strings.ToLower(c.Format)
	switch format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat:  tsFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.DisableTimestamp,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  tsFormat,
			DisableTimestamp: c.DisableTimestamp,
		})
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", format, []string{"text", "json"})
	}
	return nil
}
