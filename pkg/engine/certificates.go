package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// CertificateConfig configures DNS verification polling.
type CertificateConfig struct {
	// Poll is the backoff between DNS checks. MaxAttempts is ignored: polling
	// is bounded by Horizon instead.
	Poll RetryPolicy `mapstructure:"poll" yaml:"poll"`

	// Horizon is how long a certificate is polled before verification times out.
	Horizon time.Duration `mapstructure:"horizon" yaml:"horizon"`
}

// DefaultCertificateConfig polls after 30s, doubling up to 15m, for 24h.
func DefaultCertificateConfig() CertificateConfig {
	return CertificateConfig{
		Poll: RetryPolicy{
			BaseDelay: 30 * time.Second,
			Factor:    2,
			MaxDelay:  15 * time.Minute,
			Jitter:    0.2,
		},
		Horizon: 24 * time.Hour,
	}
}

// CertificateManager issues certificates and drives their DNS state machine:
// unconfigured -> pending -> configured. A certificate whose DNS is not
// verified within the horizon stays pending with DnsVerificationTimedOut
// recorded until it is checked again on request.
type CertificateManager struct {
	*services
	poll    RetryPolicy
	horizon time.Duration
	logger  *telemetry.Logger
}

func newCertificateManager(svc *services, cfg CertificateConfig) *CertificateManager {
	def := DefaultCertificateConfig()
	if cfg.Poll.BaseDelay <= 0 {
		cfg.Poll = def.Poll
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	return &CertificateManager{
		services: svc,
		poll:     cfg.Poll,
		horizon:  cfg.Horizon,
		logger:   svc.tel.Logger.NewComponentLogger("certificates"),
	}
}

// CreateCertificate requests a certificate for hostname on an application,
// records it as unconfigured and performs one immediate DNS check. When DNS is
// not configured yet the certificate moves to pending and is polled in the
// background.
func (m *CertificateManager) CreateCertificate(ctx context.Context, applicationID, hostname string) (*Certificate, error) {
	hostname = NormalizeHostname(hostname)
	if err := validateHostname(hostname); err != nil {
		return nil, err
	}

	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	driver, err := m.drivers.Resolve(app.DriverID)
	if err != nil {
		return nil, err
	}
	if !driver.Metadata().Capabilities.Certificates {
		return nil, NewValidationError(fmt.Sprintf("driver %s does not manage certificates", app.DriverID))
	}
	if m.admission != nil {
		if err := m.admission.AdmitCertificate(ctx, app, hostname); err != nil {
			m.publishDenial(app.ID, hostname, "certificate", err)
			return nil, err
		}
	}

	now := m.now()
	cert := &Certificate{
		ID:            uuid.New().String(),
		ApplicationID: app.ID,
		Hostname:      hostname,
		DNSStatus:     DNSStatusUnconfigured,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateCertificate(ctx, cert); err != nil {
		return nil, err
	}
	m.logger.WithApplicationID(app.ID).WithCertificateID(cert.ID).WithField("hostname", hostname).Info("certificate created")

	return m.issue(ctx, app, driver, cert)
}

// issue makes sure the driver holds the certificate, then checks DNS once.
func (m *CertificateManager) issue(ctx context.Context, app *Application, driver Driver, cert *Certificate) (*Certificate, error) {
	ref, err := m.ensureRef(ctx, cert.ID, ResourceKindCertificate)
	if err != nil {
		return nil, err
	}

	if ref.ExternalID == "" {
		var externalID string
		_, err := m.call(ctx, driver.Metadata().Name, "create_certificate", func(ctx context.Context) error {
			id, err := driver.CreateCertificate(ctx, app, cert.Hostname, ref)
			if err != nil {
				return err
			}
			externalID = id
			return nil
		})
		if err != nil {
			m.recordError(ctx, cert, err)
			return nil, err
		}
		if err := m.store.SetExternalID(ctx, cert.ID, ResourceKindCertificate, externalID); err != nil {
			return nil, err
		}
	}

	return m.checkNow(ctx, app, driver, cert)
}

// checkNow performs one DNS check outside the polling loop and starts polling
// unless DNS is already configured.
func (m *CertificateManager) checkNow(ctx context.Context, app *Application, driver Driver, cert *Certificate) (*Certificate, error) {
	now := m.now()
	status, err := m.checkDNS(ctx, app, driver, cert.Hostname)
	if err == nil && status == DNSStatusConfigured {
		return m.markConfigured(ctx, cert, now)
	}

	u := CertificateUpdate{
		ID:               cert.ID,
		From:             cert.DNSStatus,
		To:               DNSStatusPending,
		PollingStartedAt: &now,
		LastCheckedAt:    &now,
	}
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}
	u.LastError = &lastErr

	updated, uerr := m.store.UpdateCertificate(ctx, u)
	if uerr != nil {
		return nil, uerr
	}
	if cert.DNSStatus != DNSStatusPending {
		_ = m.tel.Events.PublishCertificateStatus(app.ID, cert.ID, cert.Hostname, string(cert.DNSStatus), string(DNSStatusPending))
	}

	if err := m.startPolling(updated.ID, now); err != nil {
		return nil, err
	}
	return updated, nil
}

func (m *CertificateManager) checkDNS(ctx context.Context, app *Application, driver Driver, hostname string) (DNSStatus, error) {
	var status DNSStatus
	err := m.pool.Do(ctx, driver.Metadata().Name, "check_dns_configuration", func(ctx context.Context) error {
		s, err := driver.CheckDNSConfiguration(ctx, app, hostname)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	switch {
	case err != nil:
		m.tel.Metrics.RecordDNSPoll("error")
	default:
		m.tel.Metrics.RecordDNSPoll(string(status))
	}
	return status, err
}

func (m *CertificateManager) markConfigured(ctx context.Context, cert *Certificate, at time.Time) (*Certificate, error) {
	none := ""
	updated, err := m.store.UpdateCertificate(ctx, CertificateUpdate{
		ID:            cert.ID,
		From:          cert.DNSStatus,
		To:            DNSStatusConfigured,
		IssuedAt:      &at,
		LastCheckedAt: &at,
		LastError:     &none,
	})
	if err != nil {
		return nil, err
	}
	m.tasks.Cancel(taskPrefixCertificate + cert.ID)
	_ = m.tel.Events.PublishCertificateStatus(cert.ApplicationID, cert.ID, cert.Hostname, string(cert.DNSStatus), string(DNSStatusConfigured))
	m.logger.WithCertificateID(cert.ID).WithField("hostname", cert.Hostname).Info("certificate DNS verified")
	return updated, nil
}

func (m *CertificateManager) recordError(ctx context.Context, cert *Certificate, cause error) {
	storeCtx, cancel := detached(ctx)
	defer cancel()
	msg := cause.Error()
	_, err := m.store.UpdateCertificate(storeCtx, CertificateUpdate{
		ID:        cert.ID,
		From:      cert.DNSStatus,
		To:        cert.DNSStatus,
		LastError: &msg,
	})
	if err != nil {
		m.logger.WithCertificateID(cert.ID).WithError(err).Warn("failed to record certificate error")
	}
}

// startPolling (re)starts the polling task of a certificate for a horizon
// beginning at startedAt.
func (m *CertificateManager) startPolling(id string, startedAt time.Time) error {
	return m.tasks.Schedule(taskPrefixCertificate+id, func(ctx context.Context) {
		m.tel.Metrics.AddActivePollers(1)
		defer m.tel.Metrics.AddActivePollers(-1)
		m.pollLoop(ctx, id, startedAt)
	})
}

// pollLoop checks DNS with growing delays until it is configured, the
// certificate goes away or the horizon has passed.
func (m *CertificateManager) pollLoop(ctx context.Context, id string, startedAt time.Time) {
	deadline := startedAt.Add(m.horizon)
	logger := m.logger.WithCertificateID(id)

	for attempt := 1; ; attempt++ {
		wait := m.poll.Backoff(attempt)
		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			m.timeout(ctx, id)
			return
		}
		if wait > remaining {
			wait = remaining
		}
		if err := sleepContext(ctx, wait); err != nil {
			return
		}

		done, err := m.pollOnce(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).WithField("attempt", attempt).Debug("DNS check failed")
		}
		if done {
			return
		}
	}
}

// pollOnce performs one check. It reports true when polling should stop.
func (m *CertificateManager) pollOnce(ctx context.Context, id string) (bool, error) {
	cert, err := m.store.GetCertificate(ctx, id)
	if err != nil {
		return IsNotFound(err), err
	}
	if cert.DNSStatus != DNSStatusPending {
		return true, nil
	}
	app, err := m.store.GetApplication(ctx, cert.ApplicationID)
	if err != nil {
		return IsNotFound(err), err
	}
	driver, err := m.drivers.Resolve(app.DriverID)
	if err != nil {
		return false, err
	}

	now := m.now()
	status, checkErr := m.checkDNS(ctx, app, driver, cert.Hostname)
	if checkErr == nil && status == DNSStatusConfigured {
		if _, err := m.markConfigured(ctx, cert, now); err != nil {
			return false, err
		}
		return true, nil
	}

	// Pending or unconfigured answers leave the certificate pending.
	u := CertificateUpdate{ID: id, From: DNSStatusPending, To: DNSStatusPending, LastCheckedAt: &now}
	if checkErr != nil {
		msg := checkErr.Error()
		u.LastError = &msg
	}
	if _, err := m.store.UpdateCertificate(ctx, u); err != nil {
		return false, err
	}
	return false, checkErr
}

func (m *CertificateManager) timeout(ctx context.Context, id string) {
	cert, err := m.store.GetCertificate(ctx, id)
	if err != nil || cert.DNSStatus != DNSStatusPending {
		return
	}

	timedOut := NewDNSVerificationTimedOutError(cert.Hostname)
	msg := timedOut.Error()
	if cert.LastError == msg {
		return
	}
	if _, err := m.store.UpdateCertificate(ctx, CertificateUpdate{
		ID:        id,
		From:      DNSStatusPending,
		To:        DNSStatusPending,
		LastError: &msg,
	}); err != nil {
		m.logger.WithCertificateID(id).WithError(err).Warn("failed to record DNS verification timeout")
		return
	}

	m.tel.Metrics.RecordDNSTimeout()
	_ = m.tel.Events.Publish(telemetry.Event{
		Type:          telemetry.EventTypeCertificateDNSTimedOut,
		Source:        "certificates",
		ApplicationID: cert.ApplicationID,
		ResourceID:    id,
		Message:       fmt.Sprintf("DNS verification for %s timed out after %s", cert.Hostname, m.horizon),
		Level:         telemetry.EventLevelWarning,
		Data:          map[string]interface{}{"hostname": cert.Hostname},
	})
	m.logger.WithCertificateID(id).WithField("hostname", cert.Hostname).Warn("DNS verification timed out")
}

// CheckCertificate performs an immediate DNS check and restarts polling with
// a fresh horizon when DNS is still not configured. A certificate whose driver
// request failed is requested again first.
func (m *CertificateManager) CheckCertificate(ctx context.Context, id string) (*Certificate, error) {
	cert, err := m.store.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	if cert.DNSStatus == DNSStatusConfigured {
		return cert, nil
	}

	app, err := m.store.GetApplication(ctx, cert.ApplicationID)
	if err != nil {
		return nil, err
	}
	driver, err := m.drivers.Resolve(app.DriverID)
	if err != nil {
		return nil, err
	}
	return m.issue(ctx, app, driver, cert)
}

// ResetCertificate moves a certificate back to pending and restarts polling.
// It is the only way out of configured, used after the hostname's DNS changed.
func (m *CertificateManager) ResetCertificate(ctx context.Context, id string) (*Certificate, error) {
	cert, err := m.store.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.now()
	none := ""
	updated, err := m.store.UpdateCertificate(ctx, CertificateUpdate{
		ID:               id,
		From:             cert.DNSStatus,
		To:               DNSStatusPending,
		Reset:            true,
		ClearIssuedAt:    true,
		PollingStartedAt: &now,
		LastError:        &none,
	})
	if err != nil {
		return nil, err
	}
	if cert.DNSStatus != DNSStatusPending {
		_ = m.tel.Events.PublishCertificateStatus(cert.ApplicationID, id, cert.Hostname, string(cert.DNSStatus), string(DNSStatusPending))
	}
	m.logger.WithCertificateID(id).Info("certificate reset to pending")

	if err := m.startPolling(id, now); err != nil {
		return nil, err
	}
	return updated, nil
}

// GetCertificate returns a certificate.
func (m *CertificateManager) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	return m.store.GetCertificate(ctx, id)
}

// ListCertificates lists the certificates of an application.
func (m *CertificateManager) ListCertificates(ctx context.Context, applicationID string) ([]*Certificate, error) {
	if _, err := m.store.GetApplication(ctx, applicationID); err != nil {
		return nil, err
	}
	return m.store.ListCertificates(ctx, applicationID)
}

// DeleteCertificate stops polling and removes the certificate from the driver
// and the store. Deleting an unknown certificate succeeds.
func (m *CertificateManager) DeleteCertificate(ctx context.Context, id string) error {
	cert, err := m.store.GetCertificate(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	app, err := m.store.GetApplication(ctx, cert.ApplicationID)
	if err != nil {
		return err
	}
	return m.deleteCertificate(ctx, app, cert)
}

func (m *CertificateManager) deleteCertificate(ctx context.Context, app *Application, cert *Certificate) error {
	m.tasks.Cancel(taskPrefixCertificate + cert.ID)

	ref, err := m.store.GetExternalRef(ctx, cert.ID, ResourceKindCertificate)
	if err != nil && !IsNotFound(err) {
		return err
	}

	if ref != nil {
		driver, err := m.drivers.Resolve(app.DriverID)
		if err != nil {
			return err
		}
		_, err = m.call(ctx, driver.Metadata().Name, "delete_certificate", func(ctx context.Context) error {
			err := driver.DeleteCertificate(ctx, app, cert.Hostname, ref)
			if IsNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			m.recordError(ctx, cert, err)
			return err
		}
		if err := m.store.DeleteExternalRef(ctx, cert.ID, ResourceKindCertificate); err != nil && !IsNotFound(err) {
			return err
		}
	}

	if err := m.store.DeleteCertificate(ctx, cert.ID); err != nil && !IsNotFound(err) {
		return err
	}

	_ = m.tel.Events.Publish(telemetry.Event{
		Type:          telemetry.EventTypeCertificateDeleted,
		Source:        "certificates",
		ApplicationID: app.ID,
		ResourceID:    cert.ID,
		Message:       fmt.Sprintf("Certificate for %s deleted", cert.Hostname),
		Level:         telemetry.EventLevelInfo,
	})
	m.logger.WithCertificateID(cert.ID).WithField("hostname", cert.Hostname).Info("certificate deleted")
	return nil
}

// DeleteForApplication deletes every certificate of an application.
func (m *CertificateManager) DeleteForApplication(ctx context.Context, app *Application) error {
	certs, err := m.store.ListCertificates(ctx, app.ID)
	if err != nil {
		return err
	}
	var errs []error
	for _, cert := range certs {
		if err := m.deleteCertificate(ctx, app, cert); err != nil {
			errs = append(errs, fmt.Errorf("certificate %s: %w", cert.Hostname, err))
		}
	}
	return errors.Join(errs...)
}

// Recover restarts polling for pending certificates. Certificates whose
// horizon already passed are marked timed out.
func (m *CertificateManager) Recover(ctx context.Context) error {
	certs, err := m.store.ListCertificatesByStatus(ctx, DNSStatusPending)
	if err != nil {
		return fmt.Errorf("list pending certificates: %w", err)
	}

	var errs []error
	for _, cert := range certs {
		startedAt := cert.CreatedAt
		if cert.PollingStartedAt != nil {
			startedAt = *cert.PollingStartedAt
		}
		if !m.now().Before(startedAt.Add(m.horizon)) {
			m.timeout(ctx, cert.ID)
			continue
		}
		if err := m.startPolling(cert.ID, startedAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
