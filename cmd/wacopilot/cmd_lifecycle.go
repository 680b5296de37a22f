package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// lifecycleAction is one signal sent to the daemon named by the PID file.
type lifecycleAction struct {
	use   string
	short string
	sig   syscall.Signal
	verb  string
}

var (
	stopAction    = lifecycleAction{use: "stop", short: "Stop the running daemon", sig: syscall.SIGTERM, verb: "stopping"}
	restartAction = lifecycleAction{use: "restart", short: "Re-exec the running daemon with fresh config", sig: syscall.SIGHUP, verb: "restarting"}
)

func init() {
	stopCmd := newLifecycleCmd(stopAction)
	stopCmd.Flags().Duration("wait", 0, "block until the daemon exits, up to this long")
	rootCmd.AddCommand(stopCmd, newLifecycleCmd(restartAction))
}

func newLifecycleCmd(action lifecycleAction) *cobra.Command {
	return &cobra.Command{
		Use:   action.use,
		Short: action.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := signalDaemon(loadConfig().DataDir, action.sig)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wacopilot (pid %d) %s\n", pid, action.verb)

			// Only stop registers --wait.
			wait, _ := cmd.Flags().GetDuration("wait")
			if wait <= 0 {
				return nil
			}
			began := time.Now()
			if !waitForExit(pid, wait, 100*time.Millisecond) {
				return fmt.Errorf("daemon (pid %d) still running after %s", pid, wait)
			}
			fmt.Fprintf(out, "exited after %s\n", time.Since(began).Round(time.Millisecond))
			return nil
		},
	}
}

func signalDaemon(dataDir string, sig syscall.Signal) (int, error) {
	pid, err := readPID(dataDir)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate daemon %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("signal daemon %d with %s: %w", pid, sig, err)
	}
	return pid, nil
}

// processAlive reports whether pid accepts signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// waitForExit polls pid until it is gone or timeout passes.
func waitForExit(pid int, timeout, every time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(every)
	}
	return true
}
