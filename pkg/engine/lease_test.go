package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/stores"
)

func TestLeaseExclusive(t *testing.T) {
	store := stores.NewMemoryStore()
	m := engine.NewLeaseManager(store, time.Minute, nil)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "application:a1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !strings.HasPrefix(h.Lease().Holder, m.Holder()) {
		t.Errorf("holder = %q, want prefix %q", h.Lease().Holder, m.Holder())
	}

	if _, err := m.Acquire(ctx, "application:a1"); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Fatalf("second Acquire() error = %v, want LeaseHeld", err)
	}

	other := engine.NewLeaseManager(store, time.Minute, nil)
	if _, err := other.Acquire(ctx, "application:a1"); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Fatalf("Acquire() by another process error = %v, want LeaseHeld", err)
	}

	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	h2, err := other.Acquire(ctx, "application:a1")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = h2.Release(ctx)
}

func TestStaleReleaseKeepsNewLease(t *testing.T) {
	store := stores.NewMemoryStore()
	m := engine.NewLeaseManager(store, time.Minute, nil)
	ctx := context.Background()

	old, err := m.Acquire(ctx, "application:a1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := m.Revoke(ctx, "application:a1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	current, err := m.Acquire(ctx, "application:a1")
	if err != nil {
		t.Fatalf("Acquire() after revoke error = %v", err)
	}
	defer current.Release(ctx)

	if err := old.Release(ctx); err != nil {
		t.Fatalf("stale Release() error = %v", err)
	}
	lease, err := m.Get(ctx, "application:a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if lease.Holder != current.Lease().Holder {
		t.Errorf("stale release removed the current lease")
	}
}

func TestLeaseRenewal(t *testing.T) {
	store := stores.NewMemoryStore()
	m := engine.NewLeaseManager(store, 60*time.Millisecond, nil)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "application:a1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h.Release(ctx)
	first := h.Lease().ExpiresAt

	time.Sleep(150 * time.Millisecond)

	lease, err := m.Get(ctx, "application:a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if lease.Expired(time.Now()) {
		t.Error("renewed lease expired")
	}
	if !h.Lease().ExpiresAt.After(first) {
		t.Error("expiry not extended by renewal")
	}
}

func TestLeaseLostAfterRevoke(t *testing.T) {
	store := stores.NewMemoryStore()
	m := engine.NewLeaseManager(store, 30*time.Millisecond, nil)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "application:a1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h.Release(ctx)

	if err := m.Revoke(ctx, "application:a1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	select {
	case <-h.Lost():
	case <-time.After(time.Second):
		t.Fatal("Lost() not closed after the lease was revoked")
	}
}

func TestExpiredLeaseCanBeTaken(t *testing.T) {
	store := stores.NewMemoryStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	if _, err := store.AcquireLease(ctx, "application:a1", "crashed", time.Minute, past); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	m := engine.NewLeaseManager(store, time.Minute, nil)
	h, err := m.Acquire(ctx, "application:a1")
	if err != nil {
		t.Fatalf("Acquire() over an expired lease error = %v", err)
	}
	_ = h.Release(ctx)
}
