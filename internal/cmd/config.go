package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/cadpilot/internal/config"
	"github.com/harrison/cadpilot/internal/engine"
	"github.com/harrison/cadpilot/internal/logger"
)

// loadConfig reads the config file, applies the persistent flags and
// rebases relative store paths onto the cadpilot home directory.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	configPath, _ := flags.GetString("config")
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(".")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// Build flag pointers for merge (only flags the user set)
	var logLevelPtr, logDirPtr *string
	if flags.Changed("log-level") {
		v, _ := flags.GetString("log-level")
		v = strings.ToLower(v)
		logLevelPtr = &v
	}
	if flags.Changed("log-dir") {
		v, _ := flags.GetString("log-dir")
		logDirPtr = &v
	}

	var maxRetriesPtr *int
	if flags.Changed("max-retries") {
		v, _ := flags.GetInt("max-retries")
		maxRetriesPtr = &v
	}

	retryDelayPtr := durationFlag(cmd, "retry-delay")

	var fallbackPtr, stopPtr *bool
	if flags.Changed("no-fallback") {
		v, _ := flags.GetBool("no-fallback")
		v = !v
		fallbackPtr = &v
	}
	if flags.Changed("continue-on-failure") {
		v, _ := flags.GetBool("continue-on-failure")
		v = !v
		stopPtr = &v
	}

	cfg.MergeWithFlags(logLevelPtr, logDirPtr, maxRetriesPtr, retryDelayPtr, fallbackPtr, stopPtr)

	home, err := config.GetHome()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cadpilot home: %w", err)
	}
	cfg.ResolvePaths(home)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func durationFlag(cmd *cobra.Command, name string) *time.Duration {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetDuration(name)
	return &v
}

// openEngine builds an engine that logs to w. With withRunLog set, plan
// events are also written to a run log under cfg.LogDir.
func openEngine(cmd *cobra.Command, cfg *config.Config, w io.Writer, withRunLog bool, opts ...engine.Option) (*engine.Engine, func(), error) {
	console := logger.NewConsoleLogger(w, cfg.LogLevel)
	loggers := []logger.Logger{console}

	var fileLog *logger.FileLogger
	if withRunLog && cfg.LogDir != "" {
		var err error
		fileLog, err = logger.NewFileLoggerWithDirAndLevel(cfg.LogDir, cfg.LogLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file logger: %w", err)
		}
		loggers = append(loggers, fileLog)
	}

	opts = append([]engine.Option{engine.WithLogger(logger.NewMultiLogger(loggers...))}, opts...)
	eng, err := engine.New(cmd.Context(), cfg, opts...)
	if err != nil {
		if fileLog != nil {
			fileLog.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		if err := eng.Close(); err != nil {
			console.LogWarn(fmt.Sprintf("closing stores: %v", err))
		}
		if fileLog != nil {
			fileLog.Close()
		}
	}
	return eng, cleanup, nil
}
