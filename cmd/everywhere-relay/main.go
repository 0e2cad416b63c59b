// Package main is the CLI entry point for everywhere-relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/everywhere-relay/everywhere-relay/internal/config"
	"github.com/everywhere-relay/everywhere-relay/internal/service"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	app := &cli.Command{
		Name:    "everywhere-relay",
		Usage:   "Relay Garmin inReach positions from Everywhere Hub as a GeoJSON feed",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			tickCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to YAML configuration file",
			Sources: cli.EnvVars("ER_CONFIG"),
		},
		&cli.StringFlag{
			Name:  "hub-token",
			Usage: "Everywhere Hub access token (enables bulk pulls)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (trace, debug, info, warn, error, fatal, panic)",
		},
		&cli.StringFlag{
			Name:  "server-listen-address",
			Usage: "HTTP listen address (e.g. :8080)",
		},
		&cli.StringFlag{
			Name:  "state-backend",
			Usage: "State backend (memory, redis, postgres)",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Relax webhook validation and log raw bodies",
		},
	}
}

// overrides returns the flag values that take precedence over the file and
// the environment.
func overrides(cmd *cli.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		if v := cmd.String("hub-token"); v != "" {
			cfg.Hub.TokenID = v
		}
		if v := cmd.String("log-level"); v != "" {
			cfg.Log.Level = v
		}
		if v := cmd.String("server-listen-address"); v != "" {
			cfg.Server.ListenAddress = v
		}
		if v := cmd.String("state-backend"); v != "" {
			cfg.State.Backend = v
		}
		if cmd.IsSet("debug") {
			cfg.Debug = cmd.Bool("debug")
		}
	}
}

// loadConfig reads the file (or defaults and environment when no file is
// given), then applies flag overrides and validates the result.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := cmd.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
	} else {
		cfg, err = config.Parse([]byte("{}"))
		if err != nil {
			return nil, err
		}
	}

	overrides(cmd)(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger
}

// configureLogger applies the logging section of cfg. Debug mode always logs
// at debug level.
func configureLogger(logger *logrus.Logger, cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if cfg.Debug && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Serve the webhook and feed, and tick on a schedule",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := newLogger()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			configureLogger(logger, cfg)
			log := logger.WithField("app", "everywhere-relay")

			log.WithFields(logrus.Fields{
				"version": version,
				"commit":  commit,
			}).Info("starting everywhere-relay")

			svc, err := service.New(config.NewHolder(cfg), service.Options{
				ConfigPath: cmd.String("config"),
				Overrides:  overrides(cmd),
				OnReload:   func(c *config.Config) { configureLogger(logger, c) },
			}, log)
			if err != nil {
				return fmt.Errorf("initializing relay: %w", err)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return svc.Run(ctx)
		},
	}
}

func tickCommand() *cli.Command {
	return &cli.Command{
		Name:  "tick",
		Usage: "Run one scheduled tick and exit",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := newLogger()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			configureLogger(logger, cfg)
			log := logger.WithField("app", "everywhere-relay")

			svc, err := service.New(config.NewHolder(cfg), service.Options{}, log)
			if err != nil {
				return fmt.Errorf("initializing relay: %w", err)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return svc.RunOnce(ctx)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("everywhere-relay %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
