// Package lease provides host-local mutual exclusion for sessions. Each
// session directory holds at most one lease file recording the owning
// process and an expiry. A lease is live only while its owner process exists
// and its expiry has not passed, so a crashed holder never wedges a session:
// the next acquirer observes the stale record and reclaims it.
//
// Acquisition is atomic with respect to concurrent acquirers on the same
// host: every read-reclaim-write sequence runs under an exclusive flock on a
// guard file beside the lease, so two racing acquirers can never both
// reclaim the same stale record, and the O_EXCL create backs that up.
// Renewal and release are owner-checked under the same guard so a process
// can never release or extend a lease it lost. The kernel drops an flock
// when its holder dies, so a crashed process cannot wedge the guard.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/boxlite-ai/claudebox/internal/logging"
)

// FileName is the lease file within a session directory.
const FileName = "session.lease"

// guardFileName is the flock target that serializes lease mutations within
// a session directory. The file itself carries no state.
const guardFileName = "session.lease.guard"

// Sentinel errors returned by lease operations.
var (
	// ErrHeld is returned when the session's lease is held by a live owner.
	ErrHeld = errors.New("lease held by another process")
	// ErrNotHeld is returned when renewing a lease the caller no longer owns.
	ErrNotHeld = errors.New("lease not held")
)

// Record is the persisted lease state.
type Record struct {
	SessionID  string    `json:"session_id"`
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Stale reports whether the record's owner can no longer be trusted to hold
// the lease: its process is dead or its expiry has passed. Both signals are
// checked; liveness alone is not enough because a paused-but-alive process
// must still lose the lease once its expiry lapses.
func (r *Record) Stale(now time.Time) bool {
	return !isProcessAlive(r.PID) || now.After(r.ExpiresAt)
}

// Lease is an acquired session lease bound to the current process.
type Lease struct {
	rec    Record
	path   string
	ttl    time.Duration
	logger *logging.Logger

	mu       sync.Mutex
	released bool
}

// Acquire attempts to take the lease for a session directory. A live lease
// held by another owner fails with ErrHeld; a stale lease is reclaimed.
// The logger may be nil.
func Acquire(sessionDir, sessionID string, ttl time.Duration, logger *logging.Logger) (*Lease, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	path := filepath.Join(sessionDir, FileName)

	// Without the guard, two acquirers could both read the same stale
	// record and the slower one would remove its rival's fresh lease.
	unlock, err := lockGuard(sessionDir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := Read(path); err == nil {
		if !existing.Stale(time.Now()) {
			logger.Debug("lease acquisition refused",
				"session_id", sessionID,
				"holder_pid", existing.PID,
				"holder_host", existing.Hostname,
			)
			return nil, fmt.Errorf("%w: PID %d on %s until %s",
				ErrHeld, existing.PID, existing.Hostname, existing.ExpiresAt.Format(time.RFC3339))
		}
		// Stale lease from a dead or expired holder: reclaim it.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lease: %w", err)
		}
		logger.Warn("stale lease reclaimed",
			"session_id", sessionID,
			"old_pid", existing.PID,
			"expired_at", existing.ExpiresAt,
		)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	now := time.Now().UTC()
	rec := Record{
		SessionID:  sessionID,
		HolderID:   uuid.NewString(),
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: now,
		RenewedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}

	// O_EXCL closes the race window: of two concurrent acquirers, exactly
	// one creates the file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := Read(path); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", ErrHeld, existing.PID, existing.Hostname)
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("failed to create lease file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lease file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close lease file: %w", err)
	}

	logger.Info("lease acquired",
		"session_id", sessionID,
		"holder_id", rec.HolderID,
		"expires_at", rec.ExpiresAt,
	)

	return &Lease{rec: rec, path: path, ttl: ttl, logger: logger}, nil
}

// Record returns a copy of the lease's persisted state.
func (l *Lease) Record() Record { return l.rec }

// SessionID returns the session identity the lease protects.
func (l *Lease) SessionID() string { return l.rec.SessionID }

// Renew extends the lease expiry by the original TTL. Returns ErrNotHeld if
// the lease was lost (file removed, or reclaimed by another holder).
func (l *Lease) Renew() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return ErrNotHeld
	}

	unlock, err := lockGuard(filepath.Dir(l.path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Session directory gone; the lease went with it.
			l.released = true
			return ErrNotHeld
		}
		return err
	}
	defer unlock()

	current, err := Read(l.path)
	if err != nil {
		l.released = true
		return ErrNotHeld
	}
	if current.HolderID != l.rec.HolderID {
		l.released = true
		return ErrNotHeld
	}

	now := time.Now().UTC()
	l.rec.RenewedAt = now
	l.rec.ExpiresAt = now.Add(l.ttl)

	data, err := json.MarshalIndent(&l.rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	// Ownership verified under the guard; plain rewrite is safe.
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

// Release removes the lease file. Idempotent, and a no-op when the lease was
// already lost to another holder.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	unlock, err := lockGuard(filepath.Dir(l.path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // session directory already removed
		}
		return err
	}
	defer unlock()

	current, err := Read(l.path)
	if err != nil {
		return nil // already gone
	}
	if current.HolderID != l.rec.HolderID {
		return nil // not ours anymore
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	l.logger.Info("lease released", "session_id", l.rec.SessionID)
	return nil
}

// Read parses a lease file.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse lease file: %w", err)
	}
	return &rec, nil
}

// Inspect reports the lease record for a session directory and whether it is
// currently live. A missing or unreadable lease file reports (nil, false).
func Inspect(sessionDir string) (*Record, bool) {
	rec, err := Read(filepath.Join(sessionDir, FileName))
	if err != nil {
		return nil, false
	}
	if rec.Stale(time.Now()) {
		return rec, false
	}
	return rec, true
}

// ReclaimStale removes the lease file if its owner is stale. Returns true if
// a stale lease was removed. The logger may be nil.
func ReclaimStale(sessionDir string, logger *logging.Logger) (bool, error) {
	path := filepath.Join(sessionDir, FileName)

	unlock, err := lockGuard(sessionDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer unlock()

	rec, err := Read(path)
	if err != nil {
		return false, nil // no lease
	}
	if !rec.Stale(time.Now()) {
		return false, nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to remove stale lease: %w", err)
	}
	if logger != nil {
		logger.Warn("stale lease reclaimed",
			"session_id", rec.SessionID,
			"old_pid", rec.PID,
		)
	}
	return true, nil
}

// lockGuard takes an exclusive flock on the session's guard file, creating
// it on first use. The returned func releases the lock. Flocks die with
// their holder, so a crashed process never wedges the guard.
func lockGuard(sessionDir string) (func(), error) {
	f, err := os.OpenFile(filepath.Join(sessionDir, guardFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease guard: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock lease guard: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// isProcessAlive checks whether a process with the given PID exists, using
// signal 0 which probes without affecting the target.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
