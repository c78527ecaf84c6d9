// Command cadence runs the social publishing scheduler.
//
//	cadence serve                 HTTP API, MCP endpoint and delivery workers
//	cadence preview blog twitter  print the time the engine would choose
//	cadence stale                 list overdue scheduled posts
//	cadence recycle               run one recycling sweep
//
// Configuration comes from the environment (a .env file is loaded when
// present): CADENCE_DB, PORT, LOG_LEVEL, CADENCE_CONFIG_FILE,
// CADENCE_ADMIN_USER, CADENCE_ADMIN_PASSWORD_HASH, CADENCE_RECYCLE_INTERVAL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/cadence/cadence"
	"github.com/hazyhaar/cadence/dbopen"
)

var version = "dev"

func main() {
	// A missing .env is normal in production.
	_ = godotenv.Load()

	logger := newLogger(env("LOG_LEVEL", "info"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("cadence", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "cadence",
		Short:         "Schedule and deliver social posts for published articles",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("db", env("CADENCE_DB", "db/cadence.db"), "SQLite database path")
	root.AddCommand(
		newServeCmd(logger),
		newPreviewCmd(logger),
		newStaleCmd(logger),
		newRecycleCmd(logger),
	)
	return root
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the MCP endpoint and the delivery workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, closeDB, err := openService(cmd, logger)
			if err != nil {
				return err
			}
			defer closeDB()
			defer svc.Close()

			mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "cadence", Version: version}, nil)
			svc.RegisterMCP(mcpSrv)

			r := chi.NewRouter()
			r.Mount("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
			r.Mount("/", cadence.NewHandler(svc, cadence.HandlerConfig{
				AdminUser:         env("CADENCE_ADMIN_USER", "admin"),
				AdminPasswordHash: os.Getenv("CADENCE_ADMIN_PASSWORD_HASH"),
			}))

			srv := &http.Server{
				Addr:              ":" + port,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			svc.Start(ctx)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				slog.Info("server starting", "port", port)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				slog.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			err = g.Wait()
			slog.Info("server stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&port, "port", env("PORT", "8086"), "HTTP listen port")
	return cmd
}

func newPreviewCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <content_type> <platform>",
		Short: "Print the publish time the engine would choose now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := cadence.ParsePlatform(args[1])
			if err != nil {
				return err
			}
			svc, closeDB, err := openService(cmd, logger)
			if err != nil {
				return err
			}
			defer closeDB()
			defer svc.Close()
			res, err := svc.PreviewTime(cmd.Context(), cadence.ContentType(args[0]), p)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newStaleCmd(logger *slog.Logger) *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
		requeue   bool
	)
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List scheduled posts whose time passed without delivery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeDB, err := openService(cmd, logger)
			if err != nil {
				return err
			}
			defer closeDB()
			defer svc.Close()
			if requeue {
				n, err := svc.RequeueScheduled(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "requeued %d job(s)\n", n)
			}
			posts, err := svc.StalePosts(cmd.Context(), olderThan, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, posts)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "lateness threshold (default 30m)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum posts listed")
	cmd.Flags().BoolVar(&requeue, "requeue", false, "give every scheduled post a live delivery job first")
	return cmd
}

func newRecycleCmd(logger *slog.Logger) *cobra.Command {
	var (
		limit  int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "recycle",
		Short: "Recycle eligible evergreen content once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeDB, err := openService(cmd, logger)
			if err != nil {
				return err
			}
			defer closeDB()
			defer svc.Close()
			if dryRun {
				list, err := svc.FindEligibleContent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, list)
			}
			res, err := svc.RecycleDue(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum articles recycled")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list eligible content")
	return cmd
}

// openService opens the database and builds the service from the
// environment.
func openService(cmd *cobra.Command, logger *slog.Logger) (*cadence.Service, func(), error) {
	path, _ := cmd.Flags().GetString("db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, err
	}
	cfg := &cadence.Config{}
	if file := os.Getenv("CADENCE_CONFIG_FILE"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("read %s: %w", file, err)
		}
		if cfg.SeedConfig, err = cadence.ParseConfigYAML(data); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("parse %s: %w", file, err)
		}
	}
	if v := os.Getenv("CADENCE_RECYCLE_INTERVAL"); v != "" {
		if cfg.RecycleInterval, err = time.ParseDuration(v); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("CADENCE_RECYCLE_INTERVAL: %w", err)
		}
	}
	svc, err := cadence.New(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return svc, func() { db.Close() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
