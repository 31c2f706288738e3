// Package cmd holds the startup sequence shared by the sheetsync commands:
// environment defaults, flags, an optional TOML file, then telemetry around
// the run loop.
package cmd

import (
	"context"
	"errors"
	"flag"
	"log"
	"strings"

	"github.com/louisbranch/sheetsync/internal/platform/config"
	"github.com/louisbranch/sheetsync/internal/platform/otel"
	"github.com/louisbranch/sheetsync/internal/platform/timeouts"
)

// Service names reported to telemetry.
const (
	ServiceRelay    = "relay"
	ServiceScenario = "scenario"
)

var (
	errConfigRequired = errors.New("config target is required")
	errFlagsRequired  = errors.New("flag parser is required")
)

// ParseConfig loads environment defaults into cfg. Call it before declaring
// flags so flag defaults show the environment values.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errConfigRequired
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errFlagsRequired
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// ParseConfigFile overlays the TOML file at path onto cfg, then parses args
// again so explicit flags keep precedence over the file. fs must already
// have been parsed once with args. An empty path leaves cfg untouched.
func ParseConfigFile[T any](cfg *T, path string, fs *flag.FlagSet, args []string) error {
	if cfg == nil {
		return errConfigRequired
	}
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := config.LoadFile(path, cfg); err != nil {
		return err
	}
	return ParseArgs(fs, args)
}

// RunWithTelemetry sets up tracing for service, runs run and flushes spans
// once it returns.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s: otel shutdown: %v", service, err)
		}
	}()
	return run(ctx)
}
