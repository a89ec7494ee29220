package singleton

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
)

// StaleAfter is how old an unrefreshed lock file may get before a new
// monitor process is allowed to take it over (spec.md §4.5's 5-minute
// stale-lock takeover).
const StaleAfter = 5 * time.Minute

// ErrAnotherMonitorRunning is returned by Acquire when a live lock is held
// by a different process.
var ErrAnotherMonitorRunning = fmt.Errorf("another monitor is running")

// MonitorLock is a single fsync'd file whose mtime marks liveness. This
// process-exclusivity check must work across the plain filesystems the
// coordinator may run on, so it avoids syscall.Flock (Linux/BSD-only) in
// favor of a portable O_EXCL create+pid+mtime scheme.
type MonitorLock struct {
	path string
	file *os.File
}

func NewMonitorLock(path string) *MonitorLock {
	return &MonitorLock{path: path}
}

// Acquire takes the lock, stealing it from a stale holder (older than
// StaleAfter) if necessary. It returns ErrAnotherMonitorRunning if a live
// holder currently owns it.
func (l *MonitorLock) Acquire() error {
	info, err := os.Stat(l.path)
	if err == nil {
		if time.Since(info.ModTime()) < StaleAfter {
			owner, _ := os.ReadFile(l.path)
			return fmt.Errorf("%w (held by %s, age %s)", ErrAnotherMonitorRunning, strings.TrimSpace(string(owner)), time.Since(info.ModTime()))
		}
		// Stale: remove it so the exclusive create below isn't blocked by
		// the old holder's file. If another process wins the takeover race
		// it recreates the file first, and our O_EXCL create below fails.
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lock file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat lock file: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w (lost exclusive-create race)", ErrAnotherMonitorRunning)
		}
		return fmt.Errorf("open lock file: %w", err)
	}

	if _, err := f.WriteString(ownerTag()); err != nil {
		f.Close()
		return fmt.Errorf("write lock owner: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync lock file: %w", err)
	}

	l.file = f
	return nil
}

// Refresh updates the lock file's mtime so a live monitor is never
// mistaken for stale mid-cycle. Call this once per monitor cycle.
func (l *MonitorLock) Refresh() error {
	now := time.Now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("refresh lock file: %w", err)
	}
	return nil
}

// Release removes the lock file, allowing immediate takeover by the next
// monitor instance.
func (l *MonitorLock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func ownerTag() string {
	id, err := machineid.ID()
	if err != nil {
		id = "unknown-machine"
	}
	return fmt.Sprintf("pid=%d machine=%s\n", os.Getpid(), id)
}
