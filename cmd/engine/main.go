// Inventory Engine — real-time position keeping, availability calculation,
// and short-sell controls for a securities lending desk.
//
// Architecture:
//
//	main.go               — CLI: start, replay, inspect
//	engine/engine.go      — orchestrator: wires adapters → router → shards → read models → publisher
//	ingest/               — vendor adapters, deduplication, reordering, dead letters
//	shard/                — key-hashed single-writer partitions with journal + snapshots
//	position/             — trade booking and the settlement ladder state machine
//	inventory/            — availability folds with per-market rule adjustments
//	limits/, validate/    — sell limit books and the bounded validation hot path
//	locate/               — locate request workflow (auto rules, manual review, expiry)
//	publish/              — batching publisher and the SQLite projection sink
//
// Exit codes: 0 ok, 1 bad config or usage, 2 I/O failure, 3 invariant
// violation (halted shard).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"ims-engine/internal/config"
	"ims-engine/internal/engine"
	"ims-engine/internal/events"
	"ims-engine/internal/ingest"
	"ims-engine/internal/journal"
	"ims-engine/internal/position"
	"ims-engine/internal/publish"
	"ims-engine/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "ims-engine",
		Usage: "real-time inventory management engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/engine.yaml",
				Usage:   "path to the engine config file",
				EnvVars: []string{"IMS_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			startCommand(),
			replayCommand(),
			inspectCommand(),
		},
	}
	// cli.Exit errors are handled (and exit codes applied) inside Run;
	// anything left over is a usage error.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("load config: %v", err), 1)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "run the engine until SIGINT/SIGTERM",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			eng, err := engine.New(cfg, logger)
			if err != nil {
				return cli.Exit(fmt.Sprintf("create engine: %v", err), 2)
			}
			for _, ac := range cfg.Ingest.Adapters {
				a, err := buildAdapter(ac, logger)
				if err != nil {
					return cli.Exit(fmt.Sprintf("adapter %s: %v", ac.Source, err), 2)
				}
				eng.AddAdapter(a)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = eng.Run(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				logger.Info("engine stopped")
				return nil
			case errors.Is(err, position.ErrOverflow):
				logger.Error("engine halted on invariant violation", "error", err)
				return cli.Exit("", 3)
			default:
				logger.Error("engine failed", "error", err)
				return cli.Exit("", 2)
			}
		},
	}
}

func buildAdapter(ac config.AdapterConfig, logger *slog.Logger) (ingest.Adapter, error) {
	switch ac.Kind {
	case "file":
		return ingest.NewFileAdapter(ac.Source, ac.Path)
	case "http":
		return ingest.NewHTTPAdapter(ac.Source, ac.URL, ac.Path, ac.PollInterval), nil
	case "ws":
		return ingest.NewWSAdapter(ac.Source, ac.URL, logger), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", ac.Kind)
	}
}

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "print a shard's journal as JSON lines",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "shard", Usage: "shard index", Required: true},
			&cli.Uint64Flag{Name: "from", Usage: "first journal sequence to print"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			err = journal.Replay(cfg.Journal.Dir, c.Int("shard"), c.Uint64("from"), func(seq uint64, raw []byte) error {
				env, err := events.Decode(raw)
				if err != nil {
					return fmt.Errorf("seq %d: %w", seq, err)
				}
				return enc.Encode(map[string]any{
					"seq":           seq,
					"event_id":      env.EventID,
					"type":          env.Type,
					"source":        env.Source,
					"key":           env.Key,
					"business_date": env.BusinessDate,
					"payload":       env.Payload,
				})
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("replay: %v", err), 2)
			}
			return nil
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "query the projection store",
		Subcommands: []*cli.Command{
			{
				Name:  "position",
				Usage: "show one position row",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "book", Required: true},
					&cli.StringFlag{Name: "security", Required: true},
					&cli.StringFlag{Name: "date", Required: true},
				},
				Action: withSink(func(c *cli.Context, s *publish.Sink) (any, error) {
					return s.QueryPosition(
						types.BookID(c.String("book")),
						types.SecurityID(c.String("security")),
						types.BusinessDate(c.String("date")))
				}),
			},
			{
				Name:  "inventory",
				Usage: "show the availability rows for a security",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "security", Required: true},
					&cli.StringFlag{Name: "date", Required: true},
				},
				Action: withSink(func(c *cli.Context, s *publish.Sink) (any, error) {
					return s.QueryInventory(
						types.SecurityID(c.String("security")),
						types.BusinessDate(c.String("date")))
				}),
			},
			{
				Name:  "limit",
				Usage: "show one limit row",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Value: string(types.EntityClient), Usage: "CLIENT or AGGREGATION_UNIT"},
					&cli.StringFlag{Name: "entity", Required: true},
					&cli.StringFlag{Name: "security", Required: true},
					&cli.StringFlag{Name: "date", Required: true},
				},
				Action: withSink(func(c *cli.Context, s *publish.Sink) (any, error) {
					return s.QueryLimit(types.LimitKey{
						Kind:     types.EntityKind(c.String("kind")),
						Entity:   c.String("entity"),
						Security: types.SecurityID(c.String("security")),
						Date:     types.BusinessDate(c.String("date")),
					})
				}),
			},
			{
				Name:  "locate",
				Usage: "show one locate decision",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
				},
				Action: withSink(func(c *cli.Context, s *publish.Sink) (any, error) {
					return s.QueryLocate(c.String("id"))
				}),
			},
		},
	}
}

// withSink opens the projection store read path for one query and prints the
// result as indented JSON.
func withSink(fn func(*cli.Context, *publish.Sink) (any, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		sink, err := publish.OpenSink(cfg.Publish.SinkPath, logger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open projections: %v", err), 2)
		}
		defer sink.Close()

		out, err := fn(c, sink)
		if err != nil {
			return cli.Exit(fmt.Sprintf("query: %v", err), 2)
		}
		blob, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return cli.Exit(fmt.Sprintf("encode: %v", err), 2)
		}
		fmt.Println(string(blob))
		return nil
	}
}
