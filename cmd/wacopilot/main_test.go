package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/wacopilot/internal/config"
	"github.com/user/wacopilot/internal/suggest"
)

func TestBootLockIsExclusive(t *testing.T) {
	dir := t.TempDir()

	lock, err := acquireBootLock(dir)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := readPID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected PID %d, got %d", os.Getpid(), pid)
	}

	if _, err := acquireBootLock(dir); !errors.Is(err, errAlreadyRunning) {
		t.Fatalf("expected errAlreadyRunning, got %v", err)
	}

	lock.Release()
	if _, err := os.Stat(filepath.Join(dir, pidFile)); !os.IsNotExist(err) {
		t.Errorf("expected PID file removed, got %v", err)
	}

	again, err := acquireBootLock(dir)
	if err != nil {
		t.Fatalf("expected lock to be free after release: %v", err)
	}
	again.Release()
}

func TestReadPIDWithoutDaemon(t *testing.T) {
	if _, err := readPID(t.TempDir()); err == nil {
		t.Fatal("expected error without PID file")
	}
}

func TestReadPIDRejectsStaleFiles(t *testing.T) {
	dir := t.TempDir()
	for _, content := range []string{"not-a-pid", "-3", "4194305"} {
		if err := os.WriteFile(filepath.Join(dir, pidFile), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := readPID(dir); err == nil {
			t.Errorf("expected error for PID file %q", content)
		}
	}
}

func TestWaitForExit(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("expected own process to be alive")
	}
	if waitForExit(os.Getpid(), 30*time.Millisecond, 10*time.Millisecond) {
		t.Error("expected timeout waiting on a live process")
	}
	// Above the Linux pid_max ceiling, so never a live process.
	if !waitForExit(4194305, time.Second, 10*time.Millisecond) {
		t.Error("expected missing process to count as exited")
	}
}

func TestLifecycleCommands(t *testing.T) {
	stop, _, err := rootCmd.Find([]string{"stop"})
	if err != nil {
		t.Fatal(err)
	}
	if stop.Flags().Lookup("wait") == nil {
		t.Error("stop should accept --wait")
	}
	restart, _, err := rootCmd.Find([]string{"restart"})
	if err != nil {
		t.Fatal(err)
	}
	if restart.Flags().Lookup("wait") != nil {
		t.Error("restart should not accept --wait")
	}
}

func TestWizard(t *testing.T) {
	in := strings.NewReader("\nredis\nsqlite\ny\nabc\n")
	var out bytes.Buffer
	w := newWizard(in, &out)

	if got := w.ask("Tenant ID", "default"); got != "default" {
		t.Errorf("expected default kept, got %q", got)
	}
	if got := w.choose("Storage backend", "file", config.BackendFile, config.BackendSQLite); got != "sqlite" {
		t.Errorf("expected sqlite, got %q", got)
	}
	if !strings.Contains(out.String(), "expected one of") {
		t.Error("expected the invalid choice to be reported")
	}
	if !w.confirm("Desktop notifications", false) {
		t.Error("expected y to confirm")
	}
	if got := w.askInt64("Telegram chat ID", 42); got != 42 {
		t.Errorf("expected invalid number to keep 42, got %d", got)
	}
	// Input exhausted: defaults win.
	if got := w.ask("NATS URL", "nats://localhost:4222"); got != "nats://localhost:4222" {
		t.Errorf("expected default on EOF, got %q", got)
	}
}

func TestRenderResult(t *testing.T) {
	md := renderResult("<h1>Resumo</h1><p>Cliente pediu <strong>orçamento</strong>.</p>")
	if !strings.Contains(md, "# Resumo") {
		t.Errorf("expected markdown heading, got %q", md)
	}
	if !strings.Contains(md, "**orçamento**") {
		t.Errorf("expected bold text, got %q", md)
	}

	plain := "Resumo: 3 < 5 itens"
	if got := renderResult(plain); got != plain {
		t.Errorf("expected plain text unchanged, got %q", got)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("status 503:\n  upstream   down", 60); got != "status 503: upstream down" {
		t.Errorf("unexpected %q", got)
	}
	if got := oneLine(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("unexpected %q", got)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Suggest.Tone = "friendly"

	got := applyDefaults(cfg, suggest.Options{Tone: "formal"})
	if got.Locale != "pt-BR" {
		t.Errorf("expected config locale, got %q", got.Locale)
	}
	if got.Tone != "formal" {
		t.Errorf("expected explicit tone kept, got %q", got.Tone)
	}
	if got.ContextWindow != cfg.Suggest.ContextWindow {
		t.Errorf("expected context window %d, got %d", cfg.Suggest.ContextWindow, got.ContextWindow)
	}
}
