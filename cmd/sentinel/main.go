package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prismai/automod/automod/settings"
	"github.com/prismai/automod/util/svcutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "sentinel",
		Usage:   "PRISMAI automod daemon (rule matching, escalation, enforcement)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"SENTINEL_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		checkSettingsCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3990",
			EnvVars: []string{"SENTINEL_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"SENTINEL_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "settings-file",
			Usage:   "path to a JSON moderation settings document (object or array of guild documents)",
			EnvVars: []string{"SENTINEL_SETTINGS_FILE"},
		},
		&cli.StringFlag{
			Name:    "settings-url",
			Usage:   "per-guild settings API URL template; '{guild}' is replaced with the guild ID",
			EnvVars: []string{"SENTINEL_SETTINGS_URL"},
		},
		&cli.DurationFlag{
			Name:    "settings-refresh",
			Usage:   "how often to reload settings from their sources",
			Value:   time.Minute,
			EnvVars: []string{"SENTINEL_SETTINGS_REFRESH"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for ledger, cooldowns, counters and caches (in-process/SQL if unset)",
			EnvVars: []string{"SENTINEL_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database for the audit log, and the violation ledger when redis is not configured",
			Value:   "sqlite://data/sentinel/sentinel.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-metadb-connections",
			EnvVars: []string{"MAX_METADB_CONNECTIONS"},
			Value:   40,
		},
		&cli.BoolFlag{
			Name:    "db-tracing",
			Usage:   "emit OpenTelemetry spans for database queries",
			EnvVars: []string{"SENTINEL_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "ingest-url",
			Usage:   "websocket URL of the message event gateway (HTTP API only if unset)",
			EnvVars: []string{"SENTINEL_INGEST_URL"},
		},
		&cli.StringFlag{
			Name:    "discord-token",
			Usage:   "Discord bot token used by the enforcement connector",
			EnvVars: []string{"DISCORD_TOKEN"},
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "log enforcement commands instead of sending them",
			EnvVars: []string{"SENTINEL_DRY_RUN"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for escalation notifications",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "number of concurrent event workers (per pool)",
			Value:   8,
			EnvVars: []string{"SENTINEL_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "max-queue",
			Usage:   "max queued events per user before new events are dropped (0 is unbounded)",
			Value:   1000,
			EnvVars: []string{"SENTINEL_MAX_QUEUE"},
		},
		&cli.Float64Flag{
			Name:    "connector-rate-limit",
			Usage:   "max enforcement calls per second to the platform (0 is unlimited)",
			Value:   20,
			EnvVars: []string{"SENTINEL_CONNECTOR_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "dispatch-timeout",
			Usage:   "deadline for each connector call",
			Value:   5 * time.Second,
			EnvVars: []string{"SENTINEL_DISPATCH_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "violation-max-age",
			Usage:   "purge violations older than this (0 keeps them forever)",
			EnvVars: []string{"SENTINEL_VIOLATION_MAX_AGE"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := svcutil.ConfigLogger(cctx, os.Stdout)

		shutdownOTEL := configOTEL("sentinel")
		defer shutdownOTEL()

		srv, err := NewServer(Config{
			Logger:             logger,
			Bind:               cctx.String("bind"),
			SettingsFile:       cctx.String("settings-file"),
			SettingsURL:        cctx.String("settings-url"),
			SettingsRefresh:    cctx.Duration("settings-refresh"),
			RedisURL:           cctx.String("redis-url"),
			DatabaseURL:        cctx.String("database-url"),
			MaxDBConnections:   cctx.Int("max-metadb-connections"),
			DBTracing:          cctx.Bool("db-tracing"),
			IngestURL:          cctx.String("ingest-url"),
			DiscordToken:       cctx.String("discord-token"),
			DryRun:             cctx.Bool("dry-run"),
			SlackWebhookURL:    cctx.String("slack-webhook-url"),
			Workers:            cctx.Int("workers"),
			MaxQueue:           cctx.Int("max-queue"),
			ConnectorRateLimit: cctx.Float64("connector-rate-limit"),
			DispatchTimeout:    cctx.Duration("dispatch-timeout"),
			ViolationMaxAge:    cctx.Duration("violation-max-age"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run automod service: %w", err)
		}
		return nil
	},
}

var checkSettingsCmd = &cli.Command{
	Name:      "check-settings",
	Usage:     "validate a settings file, and list any rules which would be skipped",
	ArgsUsage: "<file>",
	Action: func(cctx *cli.Context) error {
		svcutil.ConfigLogger(cctx, os.Stderr)
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected a single settings file path")
		}
		docs, err := settings.NewFileSource(cctx.Args().First()).Load(cctx.Context)
		if err != nil {
			return err
		}
		invalid := 0
		for i := range docs {
			snap, errs := settings.Compile(&docs[i])
			guild := snap.GuildID
			if guild == "" {
				guild = "(default)"
			}
			fmt.Printf("%s: %d rules, threshold %d -> %s\n", guild, snap.Rules.Len(), snap.Policy.Threshold, snap.Policy.Action)
			for _, err := range errs {
				fmt.Printf("  skipped: %s\n", err)
				invalid++
			}
		}
		if invalid > 0 {
			return fmt.Errorf("%d invalid settings entries", invalid)
		}
		return nil
	},
}
