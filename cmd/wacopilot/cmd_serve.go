package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/wacopilot/internal/capture"
	"github.com/user/wacopilot/internal/config"
	"github.com/user/wacopilot/internal/notify"
	"github.com/user/wacopilot/internal/observer"
	"github.com/user/wacopilot/internal/outbox"
	"github.com/user/wacopilot/internal/page"
	"github.com/user/wacopilot/internal/scheduler"
	"github.com/user/wacopilot/internal/suggest"
	"github.com/user/wacopilot/internal/types"
	"github.com/user/wacopilot/internal/webhook"
	"github.com/user/wacopilot/internal/window"
)

const emptyPage = "<html><head></head><body></body></html>"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture daemon and local HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lock, err := acquireBootLock(cfg.DataDir)
	if err != nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			lock.Release()
		}
	}()

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Outbox
	client := remoteClient(cfg)
	queue := outbox.NewQueue(st.outbox, outbox.NewRemoteTransport(client),
		outbox.WithPolicy(retryPolicy(cfg)))

	notifications := notify.NewRegistry(nil)
	notifications.Register("log", notify.NewLogNotifier(nil))
	if cfg.Notify.Desktop {
		// Desktop popups for terminal outcomes only.
		notifications.Register("desktop", notify.NewDesktopNotifier("wacopilot"),
			outbox.EventCompleted, outbox.EventFailed)
	}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, queue, nil)
		if err != nil {
			slog.Error("failed to create telegram notifier", "error", err)
		} else {
			notifications.Register("telegram", tg, outbox.EventCompleted, outbox.EventFailed)
			go tg.Start(ctx)
		}
	}
	if cfg.NATS.URL != "" {
		nc, err := notify.NewNATSNotifier(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			slog.Error("failed to connect to nats", "url", cfg.NATS.URL, "error", err)
		} else {
			defer nc.Close()
			notifications.Register("nats", nc)
		}
	}
	unsubscribe := queue.Subscribe(notifications.Listener())
	defer unsubscribe()
	unsubscribeSync := queue.Subscribe(outbox.SyncRecorder(st.conversations, slog.Default()))
	defer unsubscribeSync()
	go notifications.Run(ctx)

	queue.Start(ctx, seconds(cfg.Queue.FlushInterval))
	defer queue.Stop()

	// Capture
	loc := time.Local
	if cfg.Capture.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Capture.Timezone); err != nil {
			return fmt.Errorf("load timezone %q: %w", cfg.Capture.Timezone, err)
		}
	}

	doc, err := page.NewDocument(emptyPage, cfg.Page.URL)
	if err != nil {
		return fmt.Errorf("create page document: %w", err)
	}

	grants := consentStore(cfg)
	pipeline := capture.New(st.messages, st.conversations, grants, nil)
	obs := observer.New(doc, observer.Options{
		TenantID:     cfg.TenantID,
		OnMessage:    pipeline.Handle,
		Location:     loc,
		SeenCapacity: cfg.Capture.SeenCapacity,
	})
	obs.Start(ctx)
	defer obs.Stop()

	if cfg.Page.WatchFile != "" {
		watcher := page.NewFileWatcher(cfg.Page.WatchFile, cfg.Page.URL, doc, nil)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch page file: %w", err)
		}
		defer watcher.Stop()
		slog.Info("watching page file", "path", cfg.Page.WatchFile)
	}

	// Scheduled maintenance
	sched := scheduler.New(nil)
	retention := time.Duration(cfg.Capture.RetentionDays) * 24 * time.Hour
	if retention > 0 {
		if err := sched.Add(scheduler.PruneJob(cfg.Capture.PruneSchedule, st.conversations, retention, time.Now, nil)); err != nil {
			return err
		}
	}
	staleAfter := time.Duration(cfg.Queue.StaleMinutes) * time.Minute
	if err := sched.Add(scheduler.RecoverJob(cfg.Queue.RecoverSchedule, queue, staleAfter)); err != nil {
		return err
	}
	// Picks up grants made through the CLI while the daemon runs.
	if err := sched.Add(scheduler.Job{
		Name:     "reload-consent",
		Schedule: "@every 30s",
		Run: func(context.Context) error {
			grants.Reload()
			return nil
		},
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// HTTP API
	suggester := suggest.New(suggest.Config{
		TenantID:      cfg.TenantID,
		Messages:      st.messages,
		Conversations: st.conversations,
		Generator:     client,
		Window:        window.New(tokenCounter(cfg)),
		TokenBudget:   cfg.Suggest.TokenBudget,
	})
	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: webhook.NewServer(webhook.Config{
			Page:          doc,
			Observer:      obs,
			Conversations: st.conversations,
			Messages:      st.messages,
			Jobs:          queue,
			Suggester:     defaultOptions(cfg, suggester),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("wacopilot started",
		"pid", os.Getpid(),
		"listen", cfg.Listen,
		"storage", cfg.Storage.Backend,
		"notifiers", notifications.Names(),
	)

	// Block on signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			return errors.New("http server stopped")
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				queue.Stop()
				obs.Stop()
				st.Close()
				lock.Release()
				released = true
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					return fmt.Errorf("re-exec: %w", err)
				}
				return nil
			}
			slog.Info("shutting down", "signal", sig)
			return nil
		}
	}
}

// optionsSuggester fills request options left empty from the config.
type optionsSuggester struct {
	cfg  *config.Config
	next webhook.Suggester
}

func defaultOptions(cfg *config.Config, next webhook.Suggester) webhook.Suggester {
	return &optionsSuggester{cfg: cfg, next: next}
}

func (s *optionsSuggester) Suggest(ctx context.Context, id types.ConversationID, opts suggest.Options) (*suggest.Result, error) {
	return s.next.Suggest(ctx, id, applyDefaults(s.cfg, opts))
}

func applyDefaults(cfg *config.Config, opts suggest.Options) suggest.Options {
	if opts.Locale == "" {
		opts.Locale = cfg.Suggest.Locale
	}
	if opts.Tone == "" {
		opts.Tone = cfg.Suggest.Tone
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = cfg.Suggest.ContextWindow
	}
	return opts
}
