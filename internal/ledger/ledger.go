// Package ledger persists the reboot fault record: a single "<app>/<proc>"
// line identifying the process whose fault last rebooted the system. The
// record survives the reboot; if the same process faults again with a
// reboot action while the record is present, the fault limit is reached.
// A grace timer unlinks the record after a fixed interval.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// GraceInterval is how long the record lives before the grace timer
// deletes it.
const GraceInterval = 120 * time.Second

// Timer is the handle returned by the timer factory.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn after d. Tests substitute a manual trigger.
type AfterFunc func(d time.Duration, fn func()) Timer

func stdAfter(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// Ledger reads and writes the reboot fault record file. Contention on the
// file is not expected; the advisory lock is for ergonomics only.
type Ledger struct {
	path   string
	logger *slog.Logger
	after  AfterFunc

	mu    sync.Mutex
	timer Timer
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAfterFunc overrides the grace timer factory.
func WithAfterFunc(after AfterFunc) Option {
	return func(l *Ledger) { l.after = after }
}

// New creates a ledger over the record file at path.
func New(path string, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		path:   path,
		logger: logger.With("ledger", path),
		after:  stdAfter,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Write creates or replaces the record with "<app>/<proc>". The string is
// NUL-terminated and the file is readable by the owner only.
func (l *Ledger) Write(app, proc string) error {
	lock := flock.New(l.path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("cannot lock reboot fault record: %w", err)
	}
	defer lock.Unlock()

	rec := fmt.Sprintf("%s/%s\x00", app, proc)
	if err := os.WriteFile(l.path, []byte(rec), 0o700); err != nil {
		return fmt.Errorf("cannot write reboot fault record: %w", err)
	}
	// Acquiring the lock may have created the file already; force the
	// owner-only mode either way.
	if err := os.Chmod(l.path, 0o700); err != nil {
		return fmt.Errorf("cannot set reboot fault record mode: %w", err)
	}
	return nil
}

// IsFor reports whether the record exists and names the given app/proc.
// Read errors are logged and reported as false; at worst the fault limit
// is under-enforced.
func (l *Ledger) IsFor(app, proc string) bool {
	lock := flock.New(l.path)
	if err := lock.RLock(); err != nil {
		l.logger.Error("cannot lock reboot fault record", "error", err)
		return false
	}
	defer lock.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Error("cannot read reboot fault record", "error", err)
		}
		return false
	}

	rec := strings.TrimRight(string(data), "\x00")
	return rec == app+"/"+proc
}

// StartGraceTimer arms the one-shot grace timer. On expiry the record is
// unlinked and the timer stops. Calling it again rearms.
func (l *Ledger) StartGraceTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = l.after(GraceInterval, l.expire)
}

func (l *Ledger) expire() {
	l.mu.Lock()
	l.timer = nil
	l.mu.Unlock()

	if err := l.Clear(); err != nil {
		l.logger.Error("could not delete reboot fault record; the fault limit may be reached incorrectly", "error", err)
	}
}

// StopGraceTimer cancels a pending grace timer, leaving the record as-is.
func (l *Ledger) StopGraceTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// Clear unlinks the record. A missing record is not an error.
func (l *Ledger) Clear() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot delete reboot fault record: %w", err)
	}
	return nil
}
