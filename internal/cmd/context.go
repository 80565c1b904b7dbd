package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/felixgeelhaar/portalsync/internal/config"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/portal"
	"github.com/felixgeelhaar/portalsync/internal/telemetry"
	"github.com/felixgeelhaar/portalsync/internal/version"
)

// CommandContext holds the persistent flags of one invocation.
type CommandContext struct {
	ConfigPath string
	LogLevel   string
	Format     string
	NoColor    bool
	Trace      bool
}

// NewCommandContext extracts command context from cobra.Command flags.
func NewCommandContext(cmd *cobra.Command) (*CommandContext, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}

	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return nil, err
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid --format %q: must be text or json", format)
	}

	noColor, err := cmd.Flags().GetBool("no-color")
	if err != nil {
		return nil, err
	}

	trace, err := cmd.Flags().GetBool("trace")
	if err != nil {
		return nil, err
	}

	return &CommandContext{
		ConfigPath: configPath,
		Trace:      trace,
		LogLevel:   logLevel,
		Format:     format,
		NoColor:    noColor || os.Getenv("NO_COLOR") != "",
	}, nil
}

// JSON reports whether machine-readable output was requested.
func (c *CommandContext) JSON() bool {
	return c.Format == "json"
}

// Config loads the configuration file and applies flag overrides.
func (c *CommandContext) Config() (*config.Config, error) {
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.Trace {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// Logger builds the process logger and installs it as the default.
func (c *CommandContext) Logger(cfg *config.Config) *log.Logger {
	lc := log.DefaultConfig()
	lc.Level = log.ParseLevel(cfg.Log.Level)
	lc.Format = log.ParseFormat(cfg.Log.Format)
	logger := log.New(lc)
	log.SetDefaultLogger(logger)
	return logger
}

// openMode selects which background loops a command needs.
type openMode int

const (
	// oneShot commands make a few calls and exit
	oneShot openMode = iota
	// live commands keep the channel and polling running
	live
)

// openPortal loads configuration and starts a portal for the command. The
// caller must Close it.
func openPortal(ctx context.Context, cmd *cobra.Command, mode openMode) (*portal.Portal, *CommandContext, error) {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := cc.Config()
	if err != nil {
		return nil, nil, err
	}
	if mode == oneShot {
		cfg.Channel.Enabled = false
		cfg.Channel.PollInterval = 0
		cfg.Cache.GCInterval = 0
	}

	logger := cc.Logger(cfg)
	if cc.Trace {
		tc := telemetry.DefaultConfig()
		tc.Enabled = true
		tc.ServiceVersion = version.GetInfo().Version
		shutdown := telemetry.Init(tc, sdktrace.WithSyncer(telemetry.NewLogExporter(logger)))
		cobra.OnFinalize(func() { _ = shutdown(context.Background()) })
	}

	p, err := portal.New(cfg, portal.Options{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	p.Start(ctx)
	return p, cc, nil
}

func defaultConfigPath() string {
	if v := os.Getenv("PORTAL_CONFIG"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".portal", "config.yaml")
	}
	return filepath.Join(dir, "portal", "config.yaml")
}
