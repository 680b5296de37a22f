package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/wacopilot/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		w := newWizard(os.Stdin, os.Stdout)

		fmt.Println("wacopilot setup")
		fmt.Println("Press Enter to keep the value shown in brackets.")
		fmt.Println()

		cfg.TenantID = w.ask("Tenant ID", cfg.TenantID)
		cfg.Remote.BaseURL = w.ask("Copilot API base URL", cfg.Remote.BaseURL)
		cfg.Remote.Token = w.ask("Copilot API token (optional)", cfg.Remote.Token)
		cfg.Storage.Backend = w.choose("Storage backend", cfg.Storage.Backend, config.BackendFile, config.BackendSQLite)
		cfg.Notify.Desktop = w.confirm("Desktop notifications", cfg.Notify.Desktop)

		cfg.Telegram.Token = w.ask("Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			cfg.Telegram.ChatID = w.askInt64("Telegram chat ID", cfg.Telegram.ChatID)
		}
		cfg.NATS.URL = w.ask("NATS URL (optional)", cfg.NATS.URL)

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid settings: %w", err)
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		fmt.Println(`Grant capture per conversation with "wacopilot consent grant <pattern>".`)
		return nil
	},
}

// wizard reads one answer per line. An empty answer keeps the default.
type wizard struct {
	in  *bufio.Scanner
	out io.Writer
}

func newWizard(in io.Reader, out io.Writer) *wizard {
	return &wizard{in: bufio.NewScanner(in), out: out}
}

func (w *wizard) ask(label, def string) string {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", label)
	}
	if !w.in.Scan() {
		return def
	}
	if answer := strings.TrimSpace(w.in.Text()); answer != "" {
		return answer
	}
	return def
}

// choose repeats the question until the answer is one of choices. On EOF it
// returns def.
func (w *wizard) choose(label, def string, choices ...string) string {
	label = fmt.Sprintf("%s (%s)", label, strings.Join(choices, "|"))
	for {
		answer := w.ask(label, def)
		if slices.Contains(choices, answer) || w.in.Err() != nil || answer == def {
			return answer
		}
		fmt.Fprintf(w.out, "  expected one of: %s\n", strings.Join(choices, ", "))
	}
}

func (w *wizard) confirm(label string, def bool) bool {
	d := "n"
	if def {
		d = "y"
	}
	switch strings.ToLower(w.ask(label+" (y/n)", d)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	return def
}

func (w *wizard) askInt64(label string, def int64) int64 {
	d := ""
	if def != 0 {
		d = strconv.FormatInt(def, 10)
	}
	answer := w.ask(label, d)
	if answer == "" {
		return def
	}
	n, err := strconv.ParseInt(answer, 10, 64)
	if err != nil {
		fmt.Fprintf(w.out, "  not a number, keeping %d\n", def)
		return def
	}
	return n
}
