// Package main is the CLI entry point for postwatch.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/postwatch/postwatch/internal/app"
	"github.com/postwatch/postwatch/internal/config"
	"github.com/postwatch/postwatch/internal/domain"
	"github.com/postwatch/postwatch/internal/store"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cli.Command{
		Name:    "postwatch",
		Usage:   "Watch X accounts for new posts and notify observers",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			onceCommand(),
			historyCommand(),
			versionCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
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
			Sources: cli.EnvVars("PW_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (trace, debug, info, warn, error, fatal, panic)",
			Sources: cli.EnvVars("PW_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Sources: cli.EnvVars("PW_LOG_FORMAT"),
		},
		&cli.StringFlag{
			Name:    "storage-backend",
			Usage:   "State store backend (file, sqlite, redis, memory)",
			Sources: cli.EnvVars("PW_STORAGE_BACKEND"),
		},
		&cli.StringFlag{
			Name:    "storage-path",
			Usage:   "Directory (file) or database path (sqlite) for state",
			Sources: cli.EnvVars("PW_STORAGE_PATH"),
		},
	}
}

func pollFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "x-bearer-token",
			Usage:   "X API app-only bearer token",
			Sources: cli.EnvVars("PW_X_BEARER_TOKEN", "X_BEARER_TOKEN"),
		},
		&cli.StringSliceFlag{
			Name:    "account",
			Aliases: []string{"a"},
			Usage:   "Handle to monitor (repeatable)",
		},
		&cli.BoolFlag{
			Name:  "exclude-replies",
			Usage: "Drop replies for accounts given with --account",
		},
		&cli.BoolFlag{
			Name:  "exclude-retweets",
			Usage: "Drop retweets for accounts given with --account",
		},
		&cli.BoolFlag{
			Name:  "emit-on-first-run",
			Usage: "Deliver the first page of never-seen accounts instead of priming",
		},
	}
}

// loadConfig reads the file and environment, layers CLI flags on top and
// validates the result.
func loadConfig(cmd *cli.Command, validate bool) (*config.Config, error) {
	configPath := cmd.String("config")
	cfg, err := config.Parse(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", configPath, err)
	}

	// --- CLI overrides ---
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v := cmd.String("storage-backend"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := cmd.String("storage-path"); v != "" {
		cfg.Storage.Path = v
	}
	if isFlagDefined(cmd, "x-bearer-token") {
		if v := cmd.String("x-bearer-token"); v != "" {
			cfg.X.BearerToken = v
		}
		for _, h := range cmd.StringSlice("account") {
			cfg.Accounts = append(cfg.Accounts, config.AccountConfig{
				Handle:          h,
				ExcludeReplies:  cmd.Bool("exclude-replies"),
				ExcludeRetweets: cmd.Bool("exclude-retweets"),
			})
		}
		if cmd.Bool("emit-on-first-run") {
			cfg.Monitor.EmitOnFirstRun = true
		}
	}
	if isFlagDefined(cmd, "poll-interval") && cmd.IsSet("poll-interval") {
		cfg.Monitor.PollIntervalSeconds = int(cmd.Int("poll-interval"))
	}
	if isFlagDefined(cmd, "listen-address") {
		if v := cmd.String("listen-address"); v != "" {
			cfg.Server.ListenAddress = v
		}
	}

	if validate {
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func isFlagDefined(cmd *cli.Command, name string) bool {
	for _, f := range cmd.Flags {
		for _, n := range f.Names() {
			if n == name {
				return true
			}
		}
	}
	return false
}

// newLogger builds the root logger from the log section.
func newLogger(cfg config.LogConfig) *logrus.Entry {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger.WithField("app", "postwatch")
}

func runCommand() *cli.Command {
	flags := append(commonFlags(), pollFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:    "poll-interval",
			Usage:   "Seconds to sleep between polling passes",
			Value:   60,
			Sources: cli.EnvVars("PW_POLL_INTERVAL_SECONDS", "POLL_INTERVAL_SECONDS"),
		},
		&cli.StringFlag{
			Name:    "listen-address",
			Usage:   "HTTP listen address (e.g. :8080)",
			Sources: cli.EnvVars("PW_LISTEN_ADDRESS"),
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Poll accounts continuously until interrupted",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Log)

			log.WithFields(logrus.Fields{
				"version": version,
				"commit":  commit,
			}).Info("starting postwatch")

			a, err := app.New(cfg, log)
			if err != nil {
				return fmt.Errorf("initializing postwatch: %w", err)
			}

			// --- OS signal handling for graceful shutdown ---
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.Run(ctx)
		},
	}
}

// onceOutput is the JSON document printed by the once command.
type onceOutput struct {
	PassID   string                   `json:"pass_id"`
	Accepted map[string][]domain.Post `json:"accepted"`
	Failed   map[string]string        `json:"failed,omitempty"`
	Skipped  map[string]string        `json:"skipped,omitempty"`
}

func onceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Run a single polling pass and print accepted posts as JSON",
		Flags: append(commonFlags(), pollFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			cfg.Server.Enabled = false
			log := newLogger(cfg.Log)

			a, err := app.New(cfg, log)
			if err != nil {
				return fmt.Errorf("initializing postwatch: %w", err)
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.WithError(err).Error("error releasing resources")
				}
			}()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, runErr := a.RunOnce(ctx)
			out := onceOutput{
				PassID:   result.PassID,
				Accepted: result.Accepted,
				Failed:   make(map[string]string, len(result.Failed)),
				Skipped:  result.Skipped,
			}
			for h, err := range result.Failed {
				out.Failed[h] = err.Error()
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("writing result: %w", err)
			}
			return runErr
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print the stored posts of an account as JSON",
		ArgsUsage: "<handle>",
		Flags:     commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("history takes exactly one handle")
			}
			handle, err := domain.NormalizeHandle(cmd.Args().First())
			if err != nil {
				return err
			}

			// Reading history needs no API token, only the store settings.
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			st, err := store.New(store.Options{
				Backend:  cfg.Storage.Backend,
				Path:     cfg.Storage.Path,
				RedisURL: cfg.Storage.RedisURL,
				Prefix:   cfg.Storage.RedisPrefix,
			})
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			posts, err := st.Posts(ctx, handle)
			if err != nil {
				return fmt.Errorf("reading history of %s: %w", handle, err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(posts)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("postwatch %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
