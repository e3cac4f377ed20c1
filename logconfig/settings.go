package logconfig

import (
	"fmt"
	"strings"

	logger "github.com/sirupsen/logrus"
)

// This output format is used in the test (has terminal).
func ConfigDebugLogger() {
	logger.SetReportCaller(true)
	logger.SetLevel(logger.DebugLevel)
	logger.SetFormatter(&logger.TextFormatter{
		ForceColors:            true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

func ConfigInfoLogger() {
	logger.SetReportCaller(false)
	logger.SetLevel(logger.InfoLevel)
	logger.SetFormatter(&logger.TextFormatter{
		ForceColors:            true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

// This output format is used in production.
func ConfigProductionLogger() {
	logger.SetReportCaller(false)
	logger.SetLevel(logger.InfoLevel)
	logger.SetFormatter(&logger.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
}

// Configure picks a preset by name. "debug" and "info" use the terminal
// presets, "json" the production one; any other value is parsed as a
// logrus level on top of the production preset.
func Configure(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		ConfigDebugLogger()
	case "", "info":
		ConfigInfoLogger()
	case "json", "production":
		ConfigProductionLogger()
	default:
		lvl, err := logger.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		ConfigProductionLogger()
		logger.SetLevel(lvl)
	}
	return nil
}
