package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/buildrunner/brsync/internal/config"
	"github.com/buildrunner/brsync/internal/dashboard"
	"github.com/buildrunner/brsync/internal/probe"
	"github.com/buildrunner/brsync/internal/queue"
	"github.com/buildrunner/brsync/internal/remote"
	"github.com/buildrunner/brsync/internal/store"
	"github.com/buildrunner/brsync/internal/ui"
	"github.com/buildrunner/brsync/internal/watcher"
)

var assumeOnline bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the sync daemon (foreground)",
	Long: `Start the sync daemon in foreground mode.

The daemon will:
  1. Poll the outbox and deliver due mutations to the backend
  2. Skip delivery attempts while the backend is unreachable
  3. Watch the upload drop directory (if configured)
  4. Serve the realtime dashboard (if configured)

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logger := daemonLogger(cfg)

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open local store: %w", err)
		}
		defer st.Close()

		client := remote.NewClient(cfg.BaseURL, cfg.Token, cfg.RequestTimeout)

		var connProbe probe.Probe = probe.NewHTTPProbe(client, st, 0, logger)
		if assumeOnline {
			connProbe = probe.Static(true)
		}

		engine := queue.New(st, client, connProbe, &queue.Config{
			Interval: cfg.PollInterval,
			Logger:   logger,
		})

		var dash *dashboard.Server
		if cfg.DashboardAddr != "" {
			dash = dashboard.NewServer(engine, &dashboard.Config{
				Addr:   cfg.DashboardAddr,
				Logger: logger,
			})
			if err := dash.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer dash.Stop()
			engine.SetNotifier(dash)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.UploadDir != "" {
			w, err := watcher.New(cfg.UploadDir, cfg.ProjectID, engine, &watcher.Config{
				DebounceInterval: 500 * time.Millisecond,
				Logger:           logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create upload watcher: %w", err)
			}
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("failed to start upload watcher: %w", err)
			}
			defer w.Stop()
		}

		engine.StartProcessing()
		defer engine.StopProcessing()

		fmt.Printf("%s brsync daemon running\n", ui.RenderAccent("▶"))
		fmt.Printf("   Backend: %s\n", cfg.BaseURL)
		fmt.Printf("   Outbox: %s\n", cfg.DBPath)
		if cfg.UploadDir != "" {
			fmt.Printf("   Uploads: %s\n", cfg.UploadDir)
		}
		if dash != nil {
			fmt.Printf("   Dashboard: http://%s\n", dash.GetAddr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()
		fmt.Printf("\n%s Shutting down\n", ui.RenderWarn("■"))
		return nil
	},
}

// daemonLogger builds the daemon logger, rotating on disk when a log file
// is configured.
func daemonLogger(cfg *config.Config) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	return log.New(out, "[brsync] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().BoolVar(&assumeOnline, "assume-online", false, "skip connectivity probing and always attempt delivery")
	rootCmd.AddCommand(daemonCmd)
}
