package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/msageha/tempvoice/internal/logging"
)

const DefaultSweepInterval = 30 * time.Second

// Lock is a time-bounded exclusive claim on an external resource.
type Lock struct {
	ResourceKey string    `json:"resource_key"`
	Holder      string    `json:"holder"`
	LockedAt    time.Time `json:"locked_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Reason      string    `json:"reason,omitempty"`
}

func (l Lock) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Manager is a TTL lease registry keyed by resource. At most one live lock
// exists per key; expired entries are treated as absent by every reader and
// removed lazily on read or by the background sweep.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*Lock

	sweepInterval time.Duration
	now           func() time.Time
	logger        *logging.Logger

	stopOnce sync.Once
	startMu  sync.Mutex
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewManager(sweepInterval time.Duration, logger *logging.Logger) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Manager{
		locks:         make(map[string]*Lock),
		sweepInterval: sweepInterval,
		now:           time.Now,
		logger:        logger.With("lock"),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// SetClock replaces the time source. Must be called before the manager is shared.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start launches the periodic sweep. Calling it more than once is a no-op.
func (m *Manager) Start() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.sweepLoop()
}

// Stop halts the sweep and waits for it to exit. Safe to call repeatedly.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.startMu.Lock()
	started := m.started
	m.startMu.Unlock()
	if started {
		<-m.doneCh
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debugf("sweep removed=%d", n)
			}
		}
	}
}

// Acquire leases key to holder for d. It succeeds when the key is free,
// its lock has expired, or holder already owns it (renewal resets the expiry).
func (m *Manager) Acquire(key, holder string, d time.Duration, reason string) bool {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[key]; ok && !cur.expired(now) && cur.Holder != holder {
		m.logger.Debugf("lock_contention key=%s holder=%s requester=%s remaining=%s",
			key, cur.Holder, holder, cur.ExpiresAt.Sub(now).Round(time.Millisecond))
		return false
	}

	m.locks[key] = &Lock{
		ResourceKey: key,
		Holder:      holder,
		LockedAt:    now,
		ExpiresAt:   now.Add(d),
		Reason:      reason,
	}
	return true
}

// Release removes the lock if holder owns it. A missing lock counts as
// released; a lock owned by someone else is left untouched and false returned.
func (m *Manager) Release(key, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok {
		return true
	}
	if cur.Holder != holder {
		if cur.expired(m.now()) {
			delete(m.locks, key)
			return true
		}
		m.logger.Warnf("release_denied key=%s holder=%s requester=%s", key, cur.Holder, holder)
		return false
	}
	delete(m.locks, key)
	return true
}

// ForceRelease removes the lock regardless of holder.
func (m *Manager) ForceRelease(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if ok {
		m.logger.Infof("force_release key=%s holder=%s", key, cur.Holder)
		delete(m.locks, key)
	}
	return ok
}

// ReleaseByHolder drops every lock owned by holder and returns how many were removed.
func (m *Manager) ReleaseByHolder(holder string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, l := range m.locks {
		if l.Holder == holder {
			delete(m.locks, key)
			n++
		}
	}
	return n
}

// live returns the unexpired lock for key, deleting it if it has expired.
// Caller must hold m.mu.
func (m *Manager) live(key string) (*Lock, bool) {
	l, ok := m.locks[key]
	if !ok {
		return nil, false
	}
	if l.expired(m.now()) {
		delete(m.locks, key)
		return nil, false
	}
	return l, true
}

func (m *Manager) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok
}

// Holder returns the current holder of key, or "" if it is unlocked.
func (m *Manager) Holder(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.live(key); ok {
		return l.Holder
	}
	return ""
}

// RemainingTime returns how long the current lock on key has left, or 0.
func (m *Manager) RemainingTime(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.live(key); ok {
		return l.ExpiresAt.Sub(m.now())
	}
	return 0
}

// Sweep removes every expired lock and returns the number removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked()
}

func (m *Manager) sweepLocked() int {
	now := m.now()
	n := 0
	for key, l := range m.locks {
		if l.expired(now) {
			delete(m.locks, key)
			n++
		}
	}
	return n
}

// ActiveLocks returns a snapshot of live locks ordered by resource key.
func (m *Manager) ActiveLocks() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	out := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.locks)
}

// Clear drops all locks.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = make(map[string]*Lock)
}
