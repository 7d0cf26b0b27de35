package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/storeport/internal/bus"
	"github.com/user/storeport/internal/config"
	"github.com/user/storeport/internal/dashboard"
	"github.com/user/storeport/internal/jobs"
	"github.com/user/storeport/internal/observability"
	"github.com/user/storeport/internal/refresh"
	"github.com/user/storeport/internal/session"
	"github.com/user/storeport/internal/snapshot"
	"github.com/user/storeport/internal/stream"
	"github.com/user/storeport/pkg/client"
)

var (
	logLevel   string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "storeport",
	Short: "storeport - console for WordPress-to-Shopify conversion jobs",
	Long:  "Follows the conversion backend's job streams, keeps a local job snapshot, and serves a dashboard for it.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console daemon: job streams, fallback polling, and the dashboard server",
	RunE:  runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the job stream and print updates to the terminal",
	RunE:  runWatch,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and act on conversion jobs over the REST API",
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a backend session token",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the stored session",
	RunE:  runLogout,
}

var (
	bindAddr   string
	dataDir    string
	jobsStatus string
)

func init() {
	defaultConfig := filepath.Join(defaultHome(), "config.json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to the config file")

	serveCmd.Flags().StringVar(&bindAddr, "bind", "", "Dashboard bind address (overrides config)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")

	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (pending, processing, completed, failed, cancelled)")
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsRetryCmd, jobsCancelCmd, jobsDeleteCmd, jobsDownloadCmd)

	rootCmd.AddCommand(serveCmd, watchCmd, jobsCmd, loginCmd, logoutCmd)
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".storeport"
	}
	return filepath.Join(home, ".storeport")
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// loadSetup reads the config and opens the persisted session.
func loadSetup() (config.Config, *session.Session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if logLevel == "info" && cfg.LogLevel != "" {
		logLevel = cfg.LogLevel
		setupLogging()
	}
	sess, err := session.Load(cfg.SessionPath(), cfg.APIURL, cfg.DashboardOrigin)
	if err != nil {
		return cfg, nil, fmt.Errorf("load session: %w", err)
	}
	return cfg, sess, nil
}

func newAPIClient(cfg config.Config, sess *session.Session) *client.Client {
	opts := []client.Option{
		client.WithHTTPClient(&http.Client{Jar: sess.Jar(), Timeout: 60 * time.Second}),
	}
	if cfg.TracingEnabled {
		opts = append(opts, client.WithTracing())
	}
	return client.New(cfg.APIURL, opts...)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, sess, err := loadSetup()
	if err != nil {
		return err
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	shutdownTracer, err := observability.InitTracer(cfg.TracingEnabled, "storeport", cfg.OTLPEndpoint, slog.Default())
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	store := jobs.NewStore(slog.Default())
	events := bus.New()
	api := newAPIClient(cfg, sess)

	// Seed the store from the last-known-good snapshot so the dashboard has
	// jobs to show before the first stream sync.
	cache, err := snapshot.Open(cfg.DataDir, slog.Default())
	if err != nil {
		return err
	}
	defer cache.Close()
	if cached, savedAt, err := cache.Load(); err != nil {
		slog.Warn("snapshot load failed", "error", err)
	} else if len(cached) > 0 {
		store.ReplaceJobs(cached)
		slog.Info("seeded store from snapshot", "jobs", len(cached), "saved_at", savedAt)
	}
	if n, err := cache.Prune(7 * 24 * time.Hour); err != nil {
		slog.Warn("snapshot prune failed", "error", err)
	} else if n > 0 {
		slog.Info("pruned old snapshot jobs", "removed", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cache.Follow(ctx, store, time.Second)

	jobStream := stream.NewJobService(store, stream.JobConfig{
		Origin:        cfg.DashboardOrigin,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay(),
		BackoffFactor: cfg.BackoffFactor,
		Session:       sess,
		Bus:           events,
		Logger:        slog.Default(),
	})
	perfStream := stream.NewPerfService(store, stream.PerfConfig{
		BaseURL:       cfg.APIURL,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay(),
		BackoffFactor: cfg.BackoffFactor,
		Session:       sess,
		Bus:           events,
		Logger:        slog.Default(),
	})
	if err := jobStream.Connect(ctx); err != nil {
		slog.Warn("job stream not started", "error", err)
	}
	defer jobStream.Disconnect()
	if err := perfStream.Connect(ctx); err != nil {
		slog.Warn("performance stream not started", "error", err)
	}
	defer perfStream.Disconnect()

	refresher := refresh.New(api, store, refresh.Config{Interval: cfg.RefreshInterval()}, slog.Default())
	go refresher.Run(ctx)

	srv := dashboard.New(store, api, refresher, cfg.BindAddr, slog.Default())
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("dashboard server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("dashboard shutdown", "error", err)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, sess, err := loadSetup()
	if err != nil {
		return err
	}

	store := jobs.NewStore(slog.Default())
	events := bus.New()

	jobStream := stream.NewJobService(store, stream.JobConfig{
		Origin:        cfg.DashboardOrigin,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay(),
		BackoffFactor: cfg.BackoffFactor,
		Session:       sess,
		Bus:           events,
		Logger:        slog.Default(),
	})

	perfStream := stream.NewPerfService(store, stream.PerfConfig{
		BaseURL:       cfg.APIURL,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay(),
		BackoffFactor: cfg.BackoffFactor,
		Session:       sess,
		Bus:           events,
		Logger:        slog.Default(),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := jobStream.Connect(ctx); err != nil {
		return err
	}
	defer jobStream.Disconnect()
	if err := perfStream.Connect(ctx); err != nil {
		slog.Warn("performance stream not started", "error", err)
	}
	defer perfStream.Disconnect()

	sub := store.Subscribe()
	defer sub.Cancel()
	lifecycle := events.Subscribe(bus.TopicStreamUp, bus.TopicStreamDown, bus.TopicAuthError)
	defer lifecycle.Cancel()

	fmt.Println("watching job stream, Ctrl-C to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-lifecycle.C:
			switch m.Topic {
			case bus.TopicStreamUp:
				fmt.Println("-- stream connected")
			case bus.TopicStreamDown:
				fmt.Println("-- stream disconnected")
			case bus.TopicAuthError:
				fmt.Println("-- authentication failed, run `storeport login`")
				return nil
			}
		case change := <-sub.C:
			printChange(store, change)
		}
	}
}

func printChange(store *jobs.Store, change jobs.Change) {
	switch change.Kind {
	case jobs.ChangeInitialized:
		meta, _ := store.Snapshot()
		fmt.Printf("-- synced %d jobs\n", meta.Total)
	case jobs.ChangeRemoved:
		fmt.Printf("%s  removed\n", change.JobID)
	case jobs.ChangePerf:
		if sample, ok := store.Perf(); ok {
			fmt.Printf("-- performance: %d active, %d queued, %.0f%% errors\n",
				sample.ActiveJobs, sample.QueueDepth, sample.ErrorRate*100)
		}
	case jobs.ChangeUpserted, jobs.ChangeProgress, jobs.ChangeStatus:
		j, ok := store.Get(change.JobID)
		if !ok {
			return
		}
		line := fmt.Sprintf("%s  %-10s %3d%%", j.ID, j.Status, j.Progress)
		if j.Message != "" {
			line += "  " + j.Message
		}
		if j.ErrorMessage != "" {
			line += "  error: " + j.ErrorMessage
		}
		if change.Kind == jobs.ChangeStatus && jobs.IsTerminal(j.Status) {
			line += "  [done]"
		}
		fmt.Println(line)
	}
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, sess, err := loadSetup()
		if err != nil {
			return err
		}
		list, err := newAPIClient(cfg, sess).ListJobs(cmd.Context(), client.ListOptions{Status: jobsStatus})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tTITLE")
		for _, j := range list.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", j.ID, j.Status, j.Progress, j.Title)
		}
		return w.Flush()
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, sess, err := loadSetup()
		if err != nil {
			return err
		}
		j, err := newAPIClient(cfg, sess).GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("id:       %s\n", j.ID)
		fmt.Printf("status:   %s\n", j.Status)
		fmt.Printf("progress: %d%%\n", j.Progress)
		if j.Title != "" {
			fmt.Printf("title:    %s\n", j.Title)
		}
		if j.SourceURL != "" {
			fmt.Printf("source:   %s\n", j.SourceURL)
		}
		if j.ErrorMessage != "" {
			fmt.Printf("error:    %s\n", j.ErrorMessage)
		}
		if j.WordCount > 0 || j.ImageCount > 0 || j.ProductCount > 0 {
			fmt.Printf("counts:   %d words, %d images, %d products\n", j.WordCount, j.ImageCount, j.ProductCount)
		}
		return nil
	},
}

func jobActionCmd(use, short, doing string, action func(context.Context, *client.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sess, err := loadSetup()
			if err != nil {
				return err
			}
			if err := action(cmd.Context(), newAPIClient(cfg, sess), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", doing, args[0])
			return nil
		},
	}
}

var jobsRetryCmd = jobActionCmd("retry <job-id>", "Re-enqueue a failed job", "retried",
	func(ctx context.Context, c *client.Client, id string) error { return c.RetryJob(ctx, id) })

var jobsCancelCmd = jobActionCmd("cancel <job-id>", "Cancel a pending or processing job", "cancelled",
	func(ctx context.Context, c *client.Client, id string) error { return c.CancelJob(ctx, id) })

var jobsDeleteCmd = jobActionCmd("delete <job-id>", "Delete a job and its converted output", "deleted",
	func(ctx context.Context, c *client.Client, id string) error { return c.DeleteJob(ctx, id) })

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <job-id> [output-file]",
	Short: "Download the converted export for a completed job",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, sess, err := loadSetup()
		if err != nil {
			return err
		}
		body, contentType, err := newAPIClient(cfg, sess).Download(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer body.Close()

		out := args[0] + exportExtension(contentType)
		if len(args) == 2 {
			out = args[1]
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(f, body)
		if err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Printf("wrote %s (%d bytes)\n", out, n)
		return nil
	},
}

func exportExtension(contentType string) string {
	switch {
	case strings.Contains(contentType, "zip"):
		return ".zip"
	case strings.Contains(contentType, "csv"):
		return ".csv"
	default:
		return ".out"
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, sess, err := loadSetup()
	if err != nil {
		return err
	}
	if err := sess.SetToken(args[0]); err != nil {
		return err
	}
	if !sess.Valid() {
		fmt.Fprintln(os.Stderr, "warning: token is already expired")
	}
	fmt.Printf("session saved to %s\n", cfg.SessionPath())
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, sess, err := loadSetup()
	if err != nil {
		return err
	}
	if err := sess.Clear(); err != nil {
		return err
	}
	fmt.Printf("session cleared from %s\n", cfg.SessionPath())
	return nil
}
