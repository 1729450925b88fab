// Package rlog builds the process-wide logger for reencryptord, the way
// turbo/logging.SetupLoggerCtx wires console and rotating-file handlers
// from a small config struct rather than a flag set read directly by the
// logging package itself.
package rlog

import (
	"os"

	"github.com/ledgerwatch/log/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how reencryptord logs.
type Config struct {
	// Level is one of "trace", "debug", "info", "warn", "error", "crit".
	Level string

	// JSON switches the console handler to structured JSON output, for
	// deployments that ship stdout to a log aggregator.
	JSON bool

	// FilePath, if set, also writes logs to a rotating file.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig matches console-only info-level logging.
var DefaultConfig = Config{
	Level:      "info",
	MaxSizeMB:  100,
	MaxBackups: 5,
	MaxAgeDays: 28,
}

// New builds a root logger per cfg. Grounded on
// turbo/logging.initSeparatedLogging's console+file multi-handler setup.
func New(cfg Config) (log.Logger, error) {
	lvl, err := log.LvlFromString(orDefault(cfg.Level, DefaultConfig.Level))
	if err != nil {
		return nil, err
	}

	var consoleFmt log.Format
	if cfg.JSON {
		consoleFmt = log.JSONFormat()
	} else {
		consoleFmt = log.TerminalFormatNoColor()
	}

	handlers := []log.Handler{log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, consoleFmt))}

	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefaultInt(cfg.MaxSizeMB, DefaultConfig.MaxSizeMB),
			MaxBackups: orDefaultInt(cfg.MaxBackups, DefaultConfig.MaxBackups),
			MaxAge:     orDefaultInt(cfg.MaxAgeDays, DefaultConfig.MaxAgeDays),
		}
		handlers = append(handlers, log.LvlFilterHandler(lvl, log.StreamHandler(rotator, log.JSONFormat())))
	}

	logger := log.New()
	logger.SetHandler(log.MultiHandler(handlers...))
	return logger, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
