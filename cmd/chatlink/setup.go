package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rickgao/chatlink/internal/api"
	"github.com/rickgao/chatlink/internal/auth"
	"github.com/rickgao/chatlink/internal/config"
	"github.com/rickgao/chatlink/internal/version"
)

// Global flags shared by every subcommand.
var opts struct {
	configPath string
	logLevel   string
	logFormat  string
}

// loadConfig reads the config file named by --config, or the defaults when
// no file is given, and applies the logging flag overrides.
func loadConfig() (*config.ClientConfig, error) {
	var (
		cfg *config.ClientConfig
		err error
	)
	if opts.configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.LoadAndValidate(opts.configPath)
		if err != nil {
			return nil, err
		}
	}

	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		return nil, fmt.Errorf("log format must be text or json, got %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// newTokenSource wires the REST client and credentials into a token source.
func newTokenSource(cfg *config.ClientConfig, logger *slog.Logger) (*auth.TokenSource, error) {
	creds, err := auth.LoadCredentials(cfg.Auth.Username, cfg.Auth.Password, cfg.Auth.PasswordFile)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	client := api.NewClient(
		cfg.API.RestURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithUserAgent(version.UserAgent()),
	)
	return auth.NewTokenSource(*creds, client, logger), nil
}
