package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFile = "wacopilot.lock"
	pidFile  = "wacopilot.pid"
)

// bootLock is an exclusive flock on <data_dir>/wacopilot.lock held for the
// lifetime of the daemon, plus the PID file written next to it.
type bootLock struct {
	file    *os.File
	pidPath string
}

var errAlreadyRunning = errors.New("another wacopilot daemon is already running")

func acquireBootLock(dataDir string) (*bootLock, error) {
	f, err := os.OpenFile(filepath.Join(dataDir, lockFile), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, errAlreadyRunning
		}
		return nil, fmt.Errorf("lock %s: %w", lockFile, err)
	}

	l := &bootLock{file: f, pidPath: filepath.Join(dataDir, pidFile)}
	if err := l.writePID(); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

func (l *bootLock) writePID() error {
	if err := os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// Release removes the PID file and drops the lock.
func (l *bootLock) Release() {
	os.Remove(l.pidPath)
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
}

// readPID returns the PID recorded in dataDir, failing when no live
// process owns it.
func readPID(dataDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, pidFile))
	switch {
	case os.IsNotExist(err):
		return 0, fmt.Errorf("no running daemon (PID file not found)")
	case err != nil:
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file content %q", strings.TrimSpace(string(data)))
	}
	if !processAlive(pid) {
		return 0, fmt.Errorf("no running daemon (process %d not found)", pid)
	}
	return pid, nil
}
