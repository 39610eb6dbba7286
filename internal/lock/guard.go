// Package lock prevents two runner processes from working the same
// project checkout on one machine. The authority is a flock on
// .steroids/runner.lock; the kernel drops it when the holder dies, so
// a crashed runner never wedges the project. A pid file next to it names
// the holder for error messages; it carries no authority.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

const (
	lockFileName = "runner.lock"
	pidFileName  = "runner.pid"
)

// AlreadyRunningError reports that another runner holds the project.
// PID is zero when the holder could not be identified.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("a runner is already active for this project (pid %d)", e.PID)
	}
	return "a runner is already active for this project"
}

// StartGuard is the per-project start lock for runner processes.
type StartGuard struct {
	dir  string
	fl   *flock.Flock
	held bool
}

// NewStartGuard builds a guard over the project's control directory
// (the .steroids dir). The directory is created on Acquire if missing.
func NewStartGuard(controlDir string) *StartGuard {
	return &StartGuard{
		dir: controlDir,
		fl:  flock.New(filepath.Join(controlDir, lockFileName)),
	}
}

// Acquire takes the lock without blocking. On contention it returns an
// *AlreadyRunningError naming the holder when the pid file identifies a
// live process.
func (g *StartGuard) Acquire() error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	locked, err := g.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire runner lock: %w", err)
	}
	if !locked {
		return &AlreadyRunningError{PID: g.holderPID()}
	}
	g.held = true
	if err := os.WriteFile(g.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		g.Release()
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release drops the lock and removes the pid file. Safe to call twice
// and safe to call on a guard that never acquired.
func (g *StartGuard) Release() {
	if !g.held {
		return
	}
	g.held = false
	_ = os.Remove(g.pidPath())
	_ = g.fl.Unlock()
}

func (g *StartGuard) pidPath() string {
	return filepath.Join(g.dir, pidFileName)
}

// holderPID reads the pid file and returns the holder's pid if that
// process still exists. A stale or garbled pid file yields zero.
func (g *StartGuard) holderPID() int {
	data, err := os.ReadFile(g.pidPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || !processExists(pid) {
		return 0
	}
	return pid
}

// processExists probes a pid with signal 0. On Unix os.FindProcess always
// succeeds, so the signal is the real check.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
