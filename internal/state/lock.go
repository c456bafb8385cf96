package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeploy/flowdeploy/internal/logging"
)

// StaleLockAge is how long a lock may go unrefreshed before it is broken
// automatically. A lock whose holder is a live process on this host is never
// broken.
const StaleLockAge = 10 * time.Minute

// LockRefreshInterval is how often a held lock is touched to show its holder
// is still running.
var LockRefreshInterval = StaleLockAge / 4

// LockInfo is recorded in every lock so a blocked run can say who holds it.
type LockInfo struct {
	ID      string    `json:"id"`
	Who     string    `json:"who"`
	Host    string    `json:"host,omitempty"`
	PID     int       `json:"pid"`
	Created time.Time `json:"created"`
}

func newLockInfo() *LockInfo {
	who := "unknown"
	if u, err := user.Current(); err == nil {
		who = u.Username
	}
	host, _ := os.Hostname()
	if host != "" {
		who += "@" + host
	}
	return &LockInfo{
		ID:      uuid.NewString(),
		Who:     who,
		Host:    host,
		PID:     os.Getpid(),
		Created: time.Now().UTC(),
	}
}

// holderAlive reports whether the lock belongs to a process still running on
// this host. Holders on other hosts cannot be checked and report false.
func (i *LockInfo) holderAlive() bool {
	if i == nil || i.PID <= 0 || i.Host == "" {
		return false
	}
	if host, err := os.Hostname(); err != nil || host != i.Host {
		return false
	}
	return processAlive(i.PID)
}

// lockIsStale reports whether a lock last touched at modified may be broken.
func lockIsStale(info *LockInfo, modified time.Time) bool {
	return time.Since(modified) > StaleLockAge && !info.holderAlive()
}

// heartbeat refreshes a held lock in the background until stopped.
type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startHeartbeat(ctx context.Context, location string, refresh func(context.Context) error) *heartbeat {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}
	ticker := time.NewTicker(LockRefreshInterval)
	go func() {
		defer close(hb.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := refresh(ctx); err != nil && ctx.Err() == nil {
					logging.Warn("failed to refresh state lock", "lock", location, "error", err)
				}
			}
		}
	}()
	return hb
}

func (h *heartbeat) stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// errLockNotHeld is returned by a refresh when the lock has been taken over.
var errLockNotHeld = errors.New("lock is no longer held by this run")

// LockTakenError reports that a lock this run held was replaced by another
// run's lock before it was released. The other run's lock is left in place.
type LockTakenError struct {
	Location string
	Holder   *LockInfo
}

func (e *LockTakenError) Error() string {
	msg := fmt.Sprintf("state lock %s was taken over", e.Location)
	if e.Holder != nil {
		msg += " by " + e.Holder.Who
	}
	return msg + "; it was not released"
}

// LockedError reports that another run holds the state lock.
type LockedError struct {
	Location string
	Info     *LockInfo
}

func (e *LockedError) Error() string {
	msg := fmt.Sprintf("state is locked by another process (lock: %s)", e.Location)
	if e.Info != nil {
		msg += fmt.Sprintf("; held by %s since %s", e.Info.Who, e.Info.Created.Format(time.RFC3339))
	}
	return msg + ". If this is an error, remove the lock manually"
}

// Lock acquires a file lock on the state to prevent concurrent modifications.
// A lock unrefreshed for StaleLockAge is broken unless its holder is alive.
// While held, the lock file's modification time is refreshed.
func (m *Manager) Lock(ctx context.Context) error {
	lockPath := m.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if fi, err := os.Stat(lockPath); err == nil && lockIsStale(readLockInfo(lockPath), fi.ModTime()) {
		logging.Warn("breaking stale state lock", "lock", lockPath, "modified", fi.ModTime())
		os.Remove(lockPath)
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return &LockedError{Location: lockPath, Info: readLockInfo(lockPath)}
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	info := newLockInfo()
	if err := json.NewEncoder(f).Encode(info); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	m.lockID = info.ID
	m.beat = startHeartbeat(ctx, lockPath, func(context.Context) error {
		return touchLock(lockPath, info.ID)
	})
	return nil
}

func touchLock(path, id string) error {
	if held := readLockInfo(path); held == nil || held.ID != id {
		return errLockNotHeld
	}
	now := time.Now()
	return os.Chtimes(path, now, now)
}

// Unlock releases the state lock if this manager holds it. A lock that was
// taken over by another run is left in place and reported.
func (m *Manager) Unlock(ctx context.Context) error {
	m.beat.stop()
	m.beat = nil
	id := m.lockID
	if id == "" {
		return nil
	}
	m.lockID = ""

	lockPath := m.lockPath()
	raw, err := os.ReadFile(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	if held := parseLockInfo(raw); held == nil || held.ID != id {
		return &LockTakenError{Location: lockPath, Holder: held}
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (m *Manager) lockPath() string {
	return m.path + ".lock"
}

func readLockInfo(path string) *LockInfo {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return parseLockInfo(raw)
}

func parseLockInfo(raw []byte) *LockInfo {
	var info LockInfo
	if json.Unmarshal(raw, &info) != nil {
		return nil
	}
	return &info
}
