// cmd/fieldsyncd/main.go
// Package main implements the fieldsync device daemon and its operator commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/app"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/config"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/photo"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/queue"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/telemetry"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "fieldsyncd",
		Usage: "Offline-first field report sync engine",
		Commands: []*cli.Command{
			runCommand(),
			enqueueCommand(),
			drainCommand(),
			statusCommand(),
			activateCommand(),
			pollCommand(),
			queueCommand(),
			openCommand(),
			doneCommand(),
			renameCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		fmt.Fprintf(os.Stderr, "fieldsyncd: %v\n", err)
		os.Exit(1)
	}
}

// withEngine loads the configuration, sets up logging and tracing, and hands fn an
// engine that is closed afterwards.
func withEngine(ctx context.Context, fn func(ctx context.Context, e *app.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "fieldsyncd", "env", cfg.Env)
	slog.SetDefault(logger)

	if cfg.Tracing {
		if _, err := telemetry.InitTracer("fieldsyncd", cfg.AppVersion); err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.ShutdownTracer(shutdownCtx)
		}()
	}

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("engine close failed", "error", err)
		}
	}()
	return fn(ctx, engine)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the scheduler, activation watcher and diagnostics listener",
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				slog.Info("engine starting", "device_id", e.Trust.Snapshot().DeviceID)
				err := e.Run(ctx)
				slog.Info("engine stopped")
				return err
			})
		},
	}
}

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "enqueue",
		Usage: "Queue a field report and try to send it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Required: true, Usage: "FIND or ISSUE"},
			&cli.IntFlag{Name: "room", Required: true, Usage: "room number"},
			&cli.StringFlag{Name: "description", Usage: "short description, up to 50 characters"},
			&cli.StringSliceFlag{Name: "photo", Required: true, Usage: "image file, repeat for up to 5 photos"},
			&cli.BoolFlag{Name: "no-send", Usage: "only queue the report"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			category, ok := model.ParseCategory(c.String("category"))
			if !ok {
				return fmt.Errorf("unknown category %q", c.String("category"))
			}
			fs := afero.NewOsFs()
			var photos []photo.Source
			for _, p := range c.StringSlice("photo") {
				photos = append(photos, photo.FileSource(fs, p))
			}
			req := queue.EnqueueRequest{
				Category:    category,
				Room:        int(c.Int("room")),
				Description: c.String("description"),
				Photos:      photos,
			}

			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				report, err := e.Queue.Enqueue(ctx, req)
				if err != nil {
					return err
				}
				if c.Bool("no-send") {
					return printJSON(report)
				}
				e.Trust.RefreshBestEffort(ctx)
				summary, err := e.Drain(ctx, 0)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"report": report, "drain": summary})
			})
		},
	}
}

func drainCommand() *cli.Command {
	return &cli.Command{
		Name:  "drain",
		Usage: "Deliver queued reports, oldest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max", Usage: "batch cap, defaults to the immediate batch"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				e.Trust.RefreshBestEffort(ctx)
				summary, err := e.Drain(ctx, int(c.Int("max")))
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Refresh and print the device trust state",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				return printJSON(e.Trust.RefreshBestEffort(ctx))
			})
		},
	}
}

func activateCommand() *cli.Command {
	return &cli.Command{
		Name:  "activate",
		Usage: "Run the challenge handshake and obtain a session",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				snap, err := e.Trust.Activate(ctx)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
}

func pollCommand() *cli.Command {
	return &cli.Command{
		Name:  "poll",
		Usage: "Check the server for reports from other devices",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				res, err := e.Delta.PollOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "List reports waiting for delivery",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 25, Usage: "maximum reports to list"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				items, err := e.Queue.Pending(ctx, int(c.Int("limit")))
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
}

func openCommand() *cli.Command {
	return &cli.Command{
		Name:  "open",
		Usage: "List open reports of a category",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Required: true, Usage: "FIND or ISSUE"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				category, _ := model.ParseCategory(c.String("category"))
				items, err := e.Reports.ListOpen(ctx, category)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
}

func doneCommand() *cli.Command {
	return &cli.Command{
		Name:  "done",
		Usage: "Mark a server report as done",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Required: true, Usage: "server report id"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				return e.Reports.MarkDone(ctx, c.String("id"))
			})
		},
	}
}

func renameCommand() *cli.Command {
	return &cli.Command{
		Name:  "rename",
		Usage: "Change the display name sent to the server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Required: true, Usage: "new display name"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withEngine(ctx, func(ctx context.Context, e *app.Engine) error {
				snap, err := e.Trust.SetDisplayName(ctx, c.String("name"))
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
