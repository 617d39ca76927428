package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/drivers/memory"
	"github.com/hoistpaas/hoist/pkg/engine"
)

func TestCertificateConfiguredOnFirstCheck(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")

	cert, err := h.engine.Certificates.CreateCertificate(context.Background(), app.ID, "WWW.Example.com.")
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	if cert.Hostname != "www.example.com" {
		t.Errorf("Hostname = %q, want normalized", cert.Hostname)
	}
	if cert.DNSStatus != engine.DNSStatusConfigured || cert.IssuedAt == nil {
		t.Errorf("certificate = %s issued=%v, want configured and issued", cert.DNSStatus, cert.IssuedAt)
	}
	if h.engine.Tasks().Active("certificate:" + cert.ID) {
		t.Error("polling started for a configured certificate")
	}
	if got := h.driver.Calls(memory.OpCreateCertificate); got != 1 {
		t.Errorf("create_certificate calls = %d, want 1", got)
	}
}

func TestCertificatePollingStopsWhenConfigured(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	const host = "shop.example.com"
	h.driver.SetDNS(host, engine.DNSStatusPending, engine.DNSStatusPending, engine.DNSStatusPending, engine.DNSStatusConfigured)

	cert, err := h.engine.Certificates.CreateCertificate(context.Background(), app.ID, host)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	if cert.DNSStatus != engine.DNSStatusPending || cert.PollingStartedAt == nil {
		t.Fatalf("certificate = %s, want pending with a polling start", cert.DNSStatus)
	}

	configured := h.waitForDNS(t, cert.ID, engine.DNSStatusConfigured)
	if configured.IssuedAt == nil || configured.LastError != "" {
		t.Errorf("configured certificate = %+v", configured)
	}

	waitFor(t, "poller to stop", func() bool { return !h.engine.Tasks().Active("certificate:" + cert.ID) })
	time.Sleep(30 * time.Millisecond)
	if got := h.driver.Calls(memory.OpCheckDNS); got != 4 {
		t.Errorf("check_dns calls = %d, want 4", got)
	}
}

func TestCertificateTimesOutAndStaysPending(t *testing.T) {
	h := newHarness(t, memory.Options{DNS: engine.DNSStatusPending}, func(cfg *engine.Config) {
		cfg.Certificates.Horizon = 40 * time.Millisecond
	})
	app := h.createApp(t, "web")
	ctx := context.Background()

	cert, err := h.engine.Certificates.CreateCertificate(ctx, app.ID, "api.example.com")
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}

	timedOut := engine.NewDNSVerificationTimedOutError("api.example.com").Error()
	var got *engine.Certificate
	waitFor(t, "verification timeout", func() bool {
		got, err = h.engine.Certificates.GetCertificate(ctx, cert.ID)
		return err == nil && got.LastError == timedOut
	})
	if got.DNSStatus != engine.DNSStatusPending || got.IssuedAt != nil {
		t.Errorf("timed out certificate = %s issued=%v, want pending", got.DNSStatus, got.IssuedAt)
	}

	waitFor(t, "poller to stop", func() bool { return !h.engine.Tasks().Active("certificate:" + cert.ID) })
	calls := h.driver.Calls(memory.OpCheckDNS)
	time.Sleep(30 * time.Millisecond)
	if h.driver.Calls(memory.OpCheckDNS) != calls {
		t.Error("DNS still polled after the horizon")
	}

	// A manual check after DNS was fixed verifies the certificate.
	h.driver.SetDNS("api.example.com", engine.DNSStatusConfigured)
	checked, err := h.engine.Certificates.CheckCertificate(ctx, cert.ID)
	if err != nil {
		t.Fatalf("CheckCertificate() error = %v", err)
	}
	if checked.DNSStatus != engine.DNSStatusConfigured || checked.LastError != "" {
		t.Errorf("CheckCertificate() = %s %q", checked.DNSStatus, checked.LastError)
	}
	if got := h.driver.Calls(memory.OpCreateCertificate); got != 1 {
		t.Errorf("create_certificate calls = %d, want 1", got)
	}
}

func TestCheckCertificateRestartsHorizon(t *testing.T) {
	h := newHarness(t, memory.Options{DNS: engine.DNSStatusPending}, func(cfg *engine.Config) {
		cfg.Certificates.Horizon = 40 * time.Millisecond
	})
	app := h.createApp(t, "web")
	ctx := context.Background()

	cert, _ := h.engine.Certificates.CreateCertificate(ctx, app.ID, "api.example.com")
	waitFor(t, "poller to stop", func() bool { return !h.engine.Tasks().Active("certificate:" + cert.ID) })

	checked, err := h.engine.Certificates.CheckCertificate(ctx, cert.ID)
	if err != nil {
		t.Fatalf("CheckCertificate() error = %v", err)
	}
	if checked.DNSStatus != engine.DNSStatusPending || checked.LastError != "" {
		t.Errorf("CheckCertificate() = %s %q, want pending with the timeout cleared", checked.DNSStatus, checked.LastError)
	}
	if !checked.PollingStartedAt.After(*cert.PollingStartedAt) {
		t.Error("polling horizon not restarted")
	}
}

func TestResetCertificate(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()
	const host = "app.example.com"

	cert, err := h.engine.Certificates.CreateCertificate(ctx, app.ID, host)
	if err != nil || cert.DNSStatus != engine.DNSStatusConfigured {
		t.Fatalf("CreateCertificate() = %v, %v", cert, err)
	}

	h.driver.SetDNS(host, engine.DNSStatusPending, engine.DNSStatusConfigured)
	reset, err := h.engine.Certificates.ResetCertificate(ctx, cert.ID)
	if err != nil {
		t.Fatalf("ResetCertificate() error = %v", err)
	}
	if reset.DNSStatus != engine.DNSStatusPending || reset.IssuedAt != nil {
		t.Errorf("ResetCertificate() = %s issued=%v", reset.DNSStatus, reset.IssuedAt)
	}

	h.waitForDNS(t, cert.ID, engine.DNSStatusConfigured)
}

func TestDeleteCertificateStopsPolling(t *testing.T) {
	h := newHarness(t, memory.Options{DNS: engine.DNSStatusPending})
	app := h.createApp(t, "web")
	ctx := context.Background()

	cert, err := h.engine.Certificates.CreateCertificate(ctx, app.ID, "old.example.com")
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	if !h.engine.Tasks().Active("certificate:" + cert.ID) {
		t.Fatal("pending certificate is not polled")
	}

	if err := h.engine.Certificates.DeleteCertificate(ctx, cert.ID); err != nil {
		t.Fatalf("DeleteCertificate() error = %v", err)
	}
	if h.engine.Tasks().Active("certificate:" + cert.ID) {
		t.Error("poller survived deletion")
	}
	if _, err := h.engine.Certificates.GetCertificate(ctx, cert.ID); !engine.IsNotFound(err) {
		t.Errorf("GetCertificate() after delete error = %v", err)
	}
	if err := h.engine.Certificates.DeleteCertificate(ctx, cert.ID); err != nil {
		t.Errorf("second DeleteCertificate() error = %v", err)
	}
	if got := h.driver.Calls(memory.OpDeleteCertificate); got != 1 {
		t.Errorf("delete_certificate calls = %d, want 1", got)
	}
}

func TestCreateCertificateRejects(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	if _, err := h.engine.Certificates.CreateCertificate(ctx, app.ID, "www.example.com"); err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}

	tests := []struct {
		name     string
		appID    string
		hostname string
		want     error
	}{
		{"duplicate hostname", app.ID, "WWW.example.com", engine.ErrResourceConflict},
		{"invalid hostname", app.ID, "not a host", engine.ErrValidation},
		{"unknown application", "missing", "api.example.com", engine.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Certificates.CreateCertificate(ctx, tt.appID, tt.hostname)
			if !errors.Is(err, tt.want) {
				t.Errorf("CreateCertificate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCertificateDriverFailureIsRecorded(t *testing.T) {
	h := newHarness(t, memory.Options{})
	app := h.createApp(t, "web")
	ctx := context.Background()

	h.driver.FailNext(memory.OpCreateCertificate, engine.NewPermanentError("acme account locked", nil))
	if _, err := h.engine.Certificates.CreateCertificate(ctx, app.ID, "www.example.com"); err == nil {
		t.Fatal("CreateCertificate() succeeded despite the driver failure")
	}

	certs, err := h.engine.Certificates.ListCertificates(ctx, app.ID)
	if err != nil || len(certs) != 1 {
		t.Fatalf("ListCertificates() = %v, %v", certs, err)
	}
	if certs[0].DNSStatus != engine.DNSStatusUnconfigured || certs[0].LastError == "" {
		t.Errorf("failed certificate = %s %q", certs[0].DNSStatus, certs[0].LastError)
	}

	checked, err := h.engine.Certificates.CheckCertificate(ctx, certs[0].ID)
	if err != nil {
		t.Fatalf("CheckCertificate() error = %v", err)
	}
	if checked.DNSStatus != engine.DNSStatusConfigured {
		t.Errorf("CheckCertificate() = %s, want configured", checked.DNSStatus)
	}
}

func TestRecoverResumesCertificatePolling(t *testing.T) {
	h := newHarness(t, memory.Options{DNS: engine.DNSStatusPending}, func(cfg *engine.Config) {
		cfg.Certificates.Horizon = time.Minute
	})
	app := h.createApp(t, "web")
	ctx := context.Background()

	now := time.Now()
	stale := now.Add(-2 * time.Minute)
	fresh := &engine.Certificate{ID: "cert-fresh", ApplicationID: app.ID, Hostname: "fresh.example.com", DNSStatus: engine.DNSStatusPending, PollingStartedAt: &now, CreatedAt: now, UpdatedAt: now}
	expired := &engine.Certificate{ID: "cert-expired", ApplicationID: app.ID, Hostname: "expired.example.com", DNSStatus: engine.DNSStatusPending, PollingStartedAt: &stale, CreatedAt: stale, UpdatedAt: stale}
	for _, c := range []*engine.Certificate{fresh, expired} {
		if err := h.store.CreateCertificate(ctx, c); err != nil {
			t.Fatalf("CreateCertificate(%s) error = %v", c.ID, err)
		}
	}
	h.driver.SetDNS("fresh.example.com", engine.DNSStatusConfigured)

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	h.waitForDNS(t, fresh.ID, engine.DNSStatusConfigured)

	got, err := h.engine.Certificates.GetCertificate(ctx, expired.ID)
	if err != nil {
		t.Fatalf("GetCertificate() error = %v", err)
	}
	if got.DNSStatus != engine.DNSStatusPending {
		t.Errorf("expired certificate = %s", got.DNSStatus)
	}
	if got.LastError != engine.NewDNSVerificationTimedOutError(got.Hostname).Error() {
		t.Errorf("LastError = %q, want the timeout", got.LastError)
	}
	if h.engine.Tasks().Active("certificate:" + expired.ID) {
		t.Error("certificate past its horizon is polled")
	}
}
