// Package lockmgr implements the mutual-exclusion file lock registry. At
// most one active lock exists per path; all operations serialize through a
// single table mutex, which also gives per-path FIFO ordering for lock
// requests.
package lockmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"coordinator/pkg/coorderr"
	"coordinator/pkg/logx"
	"coordinator/pkg/proto"
)

// Publisher delivers lock lifecycle events to subscribers. Nil publishers
// are allowed; lock correctness never depends on event delivery.
type Publisher func(ev *proto.Event)

type lockEntry struct {
	acquiredAt time.Time
	expiresAt  time.Time // zero when TTL is disabled
	holder     string
	reason     string
}

// Status is a read-only snapshot of one path's lock state.
type Status struct {
	AcquiredAt time.Time `json:"acquired_at,omitzero"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
	Path       string    `json:"path"`
	Holder     string    `json:"holder,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Locked     bool      `json:"locked"`
}

// Manager owns the lock table.
type Manager struct {
	locks   map[string]*lockEntry
	publish Publisher
	logger  *logx.Logger
	ttl     time.Duration // 0 disables expiry
	mu      sync.Mutex
}

// NewManager creates a lock manager. ttl of zero disables TTL expiry.
func NewManager(ttl time.Duration, publish Publisher) *Manager {
	return &Manager{
		locks:   make(map[string]*lockEntry),
		publish: publish,
		logger:  logx.NewLogger("lockmgr"),
		ttl:     ttl,
	}
}

func (m *Manager) emit(ev *proto.Event) {
	if m.publish != nil {
		m.publish(ev)
	}
}

// expired reports whether an entry's TTL has elapsed. Callers hold m.mu.
func (e *lockEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Lock acquires the lock on path for holder. Re-entrant acquisition by the
// same holder is a no-op success. A lock held by a different holder yields a
// LockConflict error carrying the current holder and reason.
func (m *Manager) Lock(path, holder, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockLocked(path, holder, reason)
}

func (m *Manager) lockLocked(path, holder, reason string) error {
	now := time.Now().UTC()

	if existing, ok := m.locks[path]; ok {
		if existing.expired(now) {
			m.logger.Warn("Expired lock on %s (holder %s) reclaimed", path, existing.holder)
			m.emit(proto.NewEvent(proto.EventLockExpired).
				Set(proto.KeyPath, path).
				Set(proto.KeyHolder, existing.holder))
			delete(m.locks, path)
		} else if existing.holder == holder {
			return nil
		} else {
			m.emit(proto.NewEvent(proto.EventLockConflict).
				Set(proto.KeyPath, path).
				Set(proto.KeyHolder, existing.holder))
			return coorderr.New(coorderr.KindLockConflict, "path %s is locked", path).
				WithContext("held_by", existing.holder).
				WithContext("reason", existing.reason)
		}
	}

	entry := &lockEntry{
		holder:     holder,
		reason:     reason,
		acquiredAt: now,
	}
	if m.ttl > 0 {
		entry.expiresAt = now.Add(m.ttl)
	}
	m.locks[path] = entry

	m.logger.Debug("Locked %s for %s (%s)", path, holder, reason)
	m.emit(proto.NewEvent(proto.EventLockAcquired).
		Set(proto.KeyPath, path).
		Set(proto.KeyHolder, holder).
		Set(proto.KeyReason, reason))
	return nil
}

// Unlock releases the lock on path. Only the current holder may release.
func (m *Manager) Unlock(path, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlockLocked(path, holder)
}

func (m *Manager) unlockLocked(path, holder string) error {
	existing, ok := m.locks[path]
	if !ok {
		return coorderr.New(coorderr.KindNotHeld, "path %s is not locked", path)
	}
	if existing.holder != holder {
		return coorderr.New(coorderr.KindNotHeld, "path %s is held by another holder", path).
			WithContext("held_by", existing.holder)
	}

	delete(m.locks, path)
	m.logger.Debug("Unlocked %s for %s", path, holder)
	m.emit(proto.NewEvent(proto.EventLockReleased).
		Set(proto.KeyPath, path).
		Set(proto.KeyHolder, holder))
	return nil
}

// LockAll acquires every path for holder, or none. On any conflict the
// partial acquisitions made by this call are rolled back and the conflict
// error is returned.
func (m *Manager) LockAll(paths []string, holder, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acquired := make([]string, 0, len(paths))
	for _, path := range paths {
		// Skip paths the holder already owns so rollback never drops a
		// pre-existing lock.
		if existing, ok := m.locks[path]; ok && existing.holder == holder && !existing.expired(time.Now().UTC()) {
			continue
		}
		if err := m.lockLocked(path, holder, reason); err != nil {
			for _, p := range acquired {
				_ = m.unlockLocked(p, holder)
			}
			return err
		}
		acquired = append(acquired, path)
	}
	return nil
}

// UnlockAllHeld releases every lock held by holder and returns how many were
// released.
func (m *Manager) UnlockAllHeld(holder string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for path, entry := range m.locks {
		if entry.holder == holder {
			delete(m.locks, path)
			released++
			m.emit(proto.NewEvent(proto.EventLockReleased).
				Set(proto.KeyPath, path).
				Set(proto.KeyHolder, holder))
		}
	}
	if released > 0 {
		m.logger.Debug("Released %d locks held by %s", released, holder)
	}
	return released
}

// Status returns the lock state for one path.
func (m *Manager) Status(path string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[path]
	if !ok || entry.expired(time.Now().UTC()) {
		return Status{Path: path}
	}
	return Status{
		Path:       path,
		Locked:     true,
		Holder:     entry.holder,
		Reason:     entry.reason,
		AcquiredAt: entry.acquiredAt,
		ExpiresAt:  entry.expiresAt,
	}
}

// HeldBy returns the sorted paths currently locked by holder.
func (m *Manager) HeldBy(holder string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var paths []string
	for path, entry := range m.locks {
		if entry.holder == holder {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Count returns the number of active locks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// StartSweep launches the TTL expiry sweep. Expiry is advisory cleanup for
// abandoned locks; tasks still explicitly unlock on completion.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for path, entry := range m.locks {
		if entry.expired(now) {
			m.logger.Warn("Sweeping expired lock on %s (holder %s)", path, entry.holder)
			delete(m.locks, path)
			m.emit(proto.NewEvent(proto.EventLockExpired).
				Set(proto.KeyPath, path).
				Set(proto.KeyHolder, entry.holder))
		}
	}
}
