package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/always-cache/filecache/internal/config"
)

// newLogger logs to stdout and, if a log file is configured, to a rotated
// file as well. The returned file writer is nil without a log file.
func newLogger(cfg config.LogConfig) (zerolog.Logger, *lumberjack.Logger) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	var fileWriter *lumberjack.Logger
	if cfg.File != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		logOutputs = append(logOutputs, fileWriter)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	logger := zerolog.New(multiWriter).Level(level).
		With().Timestamp().Str("version", version).Logger()
	return logger, fileWriter
}
