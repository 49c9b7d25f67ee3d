package main

import (
	"fmt"
	"os"

	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/logger"
)

// Environment fallbacks for the logger flags.
// Priority: CLI flag > env var > config file (serve only) > default.
const (
	logLevelEnvVar  = "LOG_LEVEL"
	logFileEnvVar   = "LOG_FILE"
	logFormatEnvVar = "LOG_FORMAT"

	defaultLogLevel  = "info"
	defaultLogFormat = "simple"
)

// initLoggerFromCLI initializes the logger from CLI flags and
// environment variables. The returned cleanup closes the log file when
// one was opened.
func initLoggerFromCLI(cliLevel, cliFile, cliFormat string) (func(), error) {
	level := firstNonEmpty(cliLevel, os.Getenv(logLevelEnvVar), defaultLogLevel)
	file := firstNonEmpty(cliFile, os.Getenv(logFileEnvVar))
	format := firstNonEmpty(cliFormat, os.Getenv(logFormatEnvVar), defaultLogFormat)
	return initLogger(level, file, format)
}

// applyConfigLogging re-initializes the logger from the config file
// logging section. It only applies when neither CLI flags nor
// environment variables asked for something else.
func applyConfigLogging(cli *CLI, cfg *config.Config) (func(), error) {
	if cli.LogLevel != "" || cli.LogFile != "" || cli.LogFormat != "" {
		return nil, nil
	}
	if os.Getenv(logLevelEnvVar) != "" || os.Getenv(logFileEnvVar) != "" || os.Getenv(logFormatEnvVar) != "" {
		return nil, nil
	}
	return initLogger(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Format)
}

func initLogger(levelName, file, format string) (func(), error) {
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
