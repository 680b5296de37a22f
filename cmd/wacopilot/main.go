package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/wacopilot/internal/config"
	"github.com/user/wacopilot/internal/outbox"
	"github.com/user/wacopilot/internal/window"
	"github.com/user/wacopilot/pkg/remote"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "wacopilot",
	Short:         "Capture consented chats and queue AI summaries, reports and reply suggestions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".wacopilot", "config.json"), "config file path (.json, .yaml or .yml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config, exiting on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func remoteClient(cfg *config.Config) *remote.Client {
	return remote.New(remote.Config{
		BaseURL:        cfg.Remote.BaseURL,
		Token:          cfg.Remote.Token,
		EnqueueTimeout: seconds(cfg.Remote.EnqueueTimeout),
		SuggestTimeout: seconds(cfg.Remote.SuggestTimeout),
		StatusTimeout:  seconds(cfg.Remote.StatusTimeout),
	})
}

func retryPolicy(cfg *config.Config) *outbox.RetryPolicy {
	p := outbox.DefaultRetryPolicy()
	p.MaxAttempts = cfg.Queue.MaxAttempts
	if cfg.Queue.InitialDelayMs > 0 {
		p.InitialDelay = time.Duration(cfg.Queue.InitialDelayMs) * time.Millisecond
	}
	if cfg.Queue.MaxDelaySeconds > 0 {
		p.MaxDelay = seconds(cfg.Queue.MaxDelaySeconds)
	}
	p.MaxJitter = time.Duration(cfg.Queue.MaxJitterMs) * time.Millisecond
	return p
}

// tokenCounter prefers the tiktoken encoding and falls back to an estimate
// when the encoding cannot be loaded, e.g. offline.
func tokenCounter(cfg *config.Config) window.TokenCounter {
	counter, err := window.NewTokenCounter(cfg.Suggest.Model)
	if err != nil {
		slog.Warn("tokenizer unavailable, estimating tokens", "model", cfg.Suggest.Model, "error", err)
		return window.ApproxCounter{}
	}
	return counter
}
