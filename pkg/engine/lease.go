package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// LeaseManager grants persisted, time-bounded leases to this process.
// A lease outlives a crash of its holder until it expires, so a restarted
// control plane cannot start a second deployment for an application whose
// pipeline may still be running elsewhere.
type LeaseManager struct {
	store  LeaseStore
	holder string
	ttl    time.Duration
	now    func() time.Time
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewLeaseManager creates a manager whose holder identity is unique to this process.
func NewLeaseManager(store LeaseStore, ttl time.Duration, tel *telemetry.Telemetry) *LeaseManager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	tel = telemetry.OrNop(tel)
	return &LeaseManager{
		store:  store,
		holder: uuid.New().String(),
		ttl:    ttl,
		now:    time.Now,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("leases"),
	}
}

// Holder returns the process identity. Each acquisition is recorded under
// this identity suffixed with a per-handle token.
func (m *LeaseManager) Holder() string {
	return m.holder
}

// TTL returns the lease duration.
func (m *LeaseManager) TTL() time.Duration {
	return m.ttl
}

// Acquire takes the lease for key and starts renewing it every TTL/3.
// It fails with LeaseHeld when another holder owns a live lease.
func (m *LeaseManager) Acquire(ctx context.Context, key string) (*LeaseHandle, error) {
	holder := m.holder + "/" + uuid.New().String()[:8]
	lease, err := m.store.AcquireLease(ctx, key, holder, m.ttl, m.now())
	if err != nil {
		m.tel.Metrics.RecordLeaseOperation("acquire", "rejected")
		return nil, err
	}
	m.tel.Metrics.RecordLeaseOperation("acquire", "ok")

	h := &LeaseHandle{
		manager: m,
		key:     key,
		holder:  holder,
		lease:   lease,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		lost:    make(chan struct{}),
	}
	go h.heartbeat()

	return h, nil
}

// Revoke removes the lease for key regardless of its holder.
func (m *LeaseManager) Revoke(ctx context.Context, key string) error {
	err := m.store.RevokeLease(ctx, key)
	if err != nil && !IsNotFound(err) {
		m.tel.Metrics.RecordLeaseOperation("revoke", "error")
		return err
	}
	m.tel.Metrics.RecordLeaseOperation("revoke", "ok")
	return nil
}

// Get returns the stored lease for key.
func (m *LeaseManager) Get(ctx context.Context, key string) (*Lease, error) {
	return m.store.GetLease(ctx, key)
}

// LeaseHandle is a lease held by this process.
type LeaseHandle struct {
	manager *LeaseManager
	key     string
	holder  string

	mu    sync.Mutex
	lease *Lease

	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
	stopOnce sync.Once
	lostOnce sync.Once
}

// Key returns the lease key.
func (h *LeaseHandle) Key() string {
	return h.key
}

// Lease returns a copy of the last known lease record.
func (h *LeaseHandle) Lease() Lease {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.lease
}

// Lost is closed when a renewal found the lease revoked or taken over.
func (h *LeaseHandle) Lost() <-chan struct{} {
	return h.lost
}

func (h *LeaseHandle) heartbeat() {
	defer close(h.done)

	interval := h.manager.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			lease, err := h.manager.store.RenewLease(ctx, h.key, h.holder, h.manager.ttl, h.manager.now())
			cancel()

			if err != nil {
				if IsConflict(err) || IsNotFound(err) {
					h.manager.tel.Metrics.RecordLeaseOperation("renew", "lost")
					h.manager.logger.WithField("lease", h.key).Warn("lease lost")
					h.lostOnce.Do(func() { close(h.lost) })
					return
				}
				// Storage hiccup: keep the old expiry and try again next tick.
				h.manager.tel.Metrics.RecordLeaseOperation("renew", "error")
				h.manager.logger.WithField("lease", h.key).WithError(err).Warn("lease renewal failed")
				continue
			}

			h.mu.Lock()
			h.lease = lease
			h.mu.Unlock()
			h.manager.tel.Metrics.RecordLeaseOperation("renew", "ok")
		}
	}
}

// Release stops renewal and removes the lease if this handle still holds it.
// A lease revoked and granted again in the meantime is left alone.
func (h *LeaseHandle) Release(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done

	err := h.manager.store.ReleaseLease(ctx, h.key, h.holder)
	if err != nil && !IsNotFound(err) && !IsConflict(err) {
		h.manager.tel.Metrics.RecordLeaseOperation("release", "error")
		return err
	}
	h.manager.tel.Metrics.RecordLeaseOperation("release", "ok")
	return nil
}
