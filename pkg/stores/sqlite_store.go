package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hoistpaas/hoist/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ engine.Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in one connection.
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate
// before use, or use Open.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database with WAL journaling and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version and whether the last
// migration left the schema dirty.
func (s *SQLiteStore) MigrationVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// HealthCheck verifies the database answers.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction. The DSN makes every transaction take the
// write lock up front, so read-then-write sequences inside fn are atomic.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Applications

const applicationColumns = `id, project_id, name, driver_id, repository, branch,
	current_deployment_id, status, last_error, created_at, updated_at`

// CreateApplication inserts an application.
func (s *SQLiteStore) CreateApplication(ctx context.Context, app *engine.Application) error {
	query := `INSERT INTO applications (` + applicationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		app.ID,
		app.ProjectID,
		app.Name,
		app.DriverID,
		app.Repository,
		app.Branch,
		app.CurrentDeploymentID,
		app.Status,
		app.LastError,
		formatTime(app.CreatedAt),
		formatTime(app.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return engine.NewResourceConflictError(fmt.Sprintf("application %q already exists in project %s", app.Name, app.ProjectID), err).
			WithResource(app.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return nil
}

// GetApplication retrieves an application by ID.
func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*engine.Application, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = ?`, id)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("application", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return app, nil
}

// ListApplications lists applications ordered by name.
func (s *SQLiteStore) ListApplications(ctx context.Context, filter engine.ApplicationFilter) ([]*engine.Application, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Repository != "" {
		where = append(where, "repository = ?")
		args = append(args, filter.Repository)
	}
	if filter.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, filter.Branch)
	}

	query := `SELECT ` + applicationColumns + ` FROM applications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY project_id, name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	apps := []*engine.Application{}
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applications: %w", err)
	}
	return apps, nil
}

// UpdateApplication overwrites the mutable fields of an application.
func (s *SQLiteStore) UpdateApplication(ctx context.Context, app *engine.Application) error {
	query := `
		UPDATE applications
		SET name = ?, driver_id = ?, repository = ?, branch = ?, current_deployment_id = ?,
			status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	updatedAt := app.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	result, err := s.db.ExecContext(ctx, query,
		app.Name,
		app.DriverID,
		app.Repository,
		app.Branch,
		app.CurrentDeploymentID,
		app.Status,
		app.LastError,
		formatTime(updatedAt),
		app.ID,
	)
	if isUniqueViolation(err) {
		return engine.NewResourceConflictError(fmt.Sprintf("application %q already exists", app.Name), err)
	}
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}
	return expectOne(result, "application", app.ID)
}

// SetApplicationStatus updates status and last error, leaving a deleting
// application deleting.
func (s *SQLiteStore) SetApplicationStatus(ctx context.Context, id string, status engine.ApplicationStatus, lastError string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := applicationStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == engine.ApplicationStatusDeleting && status != engine.ApplicationStatusDeleting {
			return errApplicationDeleting(id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE applications SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			status, lastError, formatTime(now), id)
		if err != nil {
			return fmt.Errorf("failed to update application status: %w", err)
		}
		return nil
	})
}

// SetCurrentDeployment points the application at deploymentID unless it is
// being deleted.
func (s *SQLiteStore) SetCurrentDeployment(ctx context.Context, applicationID, deploymentID string, now time.Time) (string, error) {
	var previous sql.NullString
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status engine.ApplicationStatus
		err := tx.QueryRowContext(ctx,
			`SELECT current_deployment_id, status FROM applications WHERE id = ?`, applicationID,
		).Scan(&previous, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewNotFoundError("application", applicationID)
		}
		if err != nil {
			return fmt.Errorf("failed to get application: %w", err)
		}
		if status == engine.ApplicationStatusDeleting {
			return errApplicationDeleting(applicationID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE applications SET current_deployment_id = ?, updated_at = ? WHERE id = ?`,
			deploymentID, formatTime(now), applicationID)
		if err != nil {
			return fmt.Errorf("failed to set current deployment: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return previous.String, nil
}

func applicationStatusTx(ctx context.Context, tx *sql.Tx, id string) (engine.ApplicationStatus, error) {
	var status engine.ApplicationStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM applications WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", engine.NewNotFoundError("application", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get application: %w", err)
	}
	return status, nil
}

// DeleteApplication deletes an application with its deployments and certificates.
func (s *SQLiteStore) DeleteApplication(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}
	return expectOne(result, "application", id)
}

func scanApplication(sc scanner) (*engine.Application, error) {
	var (
		app                  engine.Application
		current              sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(
		&app.ID,
		&app.ProjectID,
		&app.Name,
		&app.DriverID,
		&app.Repository,
		&app.Branch,
		&current,
		&app.Status,
		&app.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if current.Valid {
		app.CurrentDeploymentID = &current.String
	}
	if app.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if app.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &app, nil
}

// Deployments

const deploymentColumns = `id, application_id, source_ref, trigger_source, status, log_cursor,
	attempts, last_error, queued_at, building_at, releasing_at, finished_at, updated_at`

// CreateDeployment inserts a queued deployment. The partial unique index on
// active deployments rejects a second one for the same application.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, dep *engine.Deployment) error {
	query := `INSERT INTO deployments (` + deploymentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		dep.ID,
		dep.ApplicationID,
		dep.SourceRef,
		dep.Trigger,
		dep.Status,
		dep.LogCursor,
		dep.Attempts,
		dep.LastError,
		formatTime(dep.QueuedAt),
		formatTimePtr(dep.BuildingAt),
		formatTimePtr(dep.ReleasingAt),
		formatTimePtr(dep.FinishedAt),
		formatTime(dep.UpdatedAt),
	)
	if isUniqueViolation(err) {
		activeID := ""
		if active, aerr := s.ActiveDeployment(ctx, dep.ApplicationID); aerr == nil {
			activeID = active.ID
		}
		return engine.NewDeploymentInProgressError(dep.ApplicationID, activeID)
	}
	if isForeignKeyViolation(err) {
		return engine.NewNotFoundError("application", dep.ApplicationID)
	}
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	return s.getDeployment(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) getDeployment(ctx context.Context, q queryer, id string) (*engine.Deployment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	dep, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return dep, nil
}

// ListDeployments lists deployments newest first.
func (s *SQLiteStore) ListDeployments(ctx context.Context, filter engine.DeploymentFilter) ([]*engine.Deployment, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ApplicationID != "" {
		where = append(where, "application_id = ?")
		args = append(args, filter.ApplicationID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY queued_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deps := []*engine.Deployment{}
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return deps, nil
}

// ActiveDeployment returns the non-terminal deployment of an application.
func (s *SQLiteStore) ActiveDeployment(ctx context.Context, applicationID string) (*engine.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE application_id = ? AND status IN ('queued', 'building', 'releasing')`

	dep, err := scanDeployment(s.db.QueryRowContext(ctx, query, applicationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("active deployment", applicationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active deployment: %w", err)
	}
	return dep, nil
}

// TransitionDeployment applies a compare-and-set status change and records it
// in the transition history.
func (s *SQLiteStore) TransitionDeployment(ctx context.Context, t engine.DeploymentTransition) (*engine.Deployment, error) {
	at := t.At
	if at.IsZero() {
		at = s.now()
	}

	var out *engine.Deployment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		dep, err := s.getDeployment(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := checkTransition(dep, t); err != nil {
			return err
		}

		applyTransition(dep, t, at)
		_, err = tx.ExecContext(ctx, `
			UPDATE deployments
			SET status = ?, last_error = ?, building_at = ?, releasing_at = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			dep.Status,
			dep.LastError,
			formatTimePtr(dep.BuildingAt),
			formatTimePtr(dep.ReleasingAt),
			formatTimePtr(dep.FinishedAt),
			formatTime(dep.UpdatedAt),
			t.ID,
			t.From,
		)
		if err != nil {
			return fmt.Errorf("failed to update deployment status: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployment_events (deployment_id, from_status, to_status, message, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			t.ID, t.From, t.To, t.Message, formatTime(at),
		)
		if err != nil {
			return fmt.Errorf("failed to record deployment event: %w", err)
		}

		out = dep
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateDeploymentProgress records the log cursor and attempt counter.
func (s *SQLiteStore) UpdateDeploymentProgress(ctx context.Context, id string, logCursor int64, attempts int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET log_cursor = MAX(log_cursor, ?), attempts = ?, updated_at = ? WHERE id = ?`,
		logCursor, attempts, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update deployment progress: %w", err)
	}
	return expectOne(result, "deployment", id)
}

// ListDeploymentEvents returns the transition history of a deployment in order.
func (s *SQLiteStore) ListDeploymentEvents(ctx context.Context, deploymentID string) ([]*engine.DeploymentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deployment_id, from_status, to_status, message, created_at
		FROM deployment_events
		WHERE deployment_id = ?
		ORDER BY id`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment events: %w", err)
	}
	defer rows.Close()

	events := []*engine.DeploymentEvent{}
	for rows.Next() {
		var (
			ev engine.DeploymentEvent
			ts string
		)
		if err := rows.Scan(&ev.ID, &ev.DeploymentID, &ev.From, &ev.To, &ev.Message, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan deployment event: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment events: %w", err)
	}
	return events, nil
}

func scanDeployment(sc scanner) (*engine.Deployment, error) {
	var (
		dep                              engine.Deployment
		queuedAt, updatedAt              string
		buildingAt, releasingAt, finishedAt sql.NullString
	)
	err := sc.Scan(
		&dep.ID,
		&dep.ApplicationID,
		&dep.SourceRef,
		&dep.Trigger,
		&dep.Status,
		&dep.LogCursor,
		&dep.Attempts,
		&dep.LastError,
		&queuedAt,
		&buildingAt,
		&releasingAt,
		&finishedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if dep.QueuedAt, err = parseTime(queuedAt); err != nil {
		return nil, err
	}
	if dep.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if dep.BuildingAt, err = parseNullTime(buildingAt); err != nil {
		return nil, err
	}
	if dep.ReleasingAt, err = parseNullTime(releasingAt); err != nil {
		return nil, err
	}
	if dep.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	return &dep, nil
}

// Certificates

const certificateColumns = `id, application_id, hostname, dns_status, issued_at, polling_started_at,
	last_checked_at, last_error, created_at, updated_at`

// CreateCertificate inserts a certificate.
func (s *SQLiteStore) CreateCertificate(ctx context.Context, cert *engine.Certificate) error {
	query := `INSERT INTO certificates (` + certificateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		cert.ID,
		cert.ApplicationID,
		cert.Hostname,
		cert.DNSStatus,
		formatTimePtr(cert.IssuedAt),
		formatTimePtr(cert.PollingStartedAt),
		formatTimePtr(cert.LastCheckedAt),
		cert.LastError,
		formatTime(cert.CreatedAt),
		formatTime(cert.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return engine.NewResourceConflictError(fmt.Sprintf("certificate for %s already exists", cert.Hostname), err).
			WithResource(cert.Hostname)
	}
	if isForeignKeyViolation(err) {
		return engine.NewNotFoundError("application", cert.ApplicationID)
	}
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	return nil
}

// GetCertificate retrieves a certificate by ID.
func (s *SQLiteStore) GetCertificate(ctx context.Context, id string) (*engine.Certificate, error) {
	return s.getCertificate(ctx, s.db, id)
}

func (s *SQLiteStore) getCertificate(ctx context.Context, q queryer, id string) (*engine.Certificate, error) {
	row := q.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = ?`, id)
	cert, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("certificate", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	return cert, nil
}

// ListCertificates lists the certificates of an application by hostname.
func (s *SQLiteStore) ListCertificates(ctx context.Context, applicationID string) ([]*engine.Certificate, error) {
	return s.listCertificates(ctx, `WHERE application_id = ? ORDER BY hostname`, applicationID)
}

// ListCertificatesByStatus lists certificates in a DNS state.
func (s *SQLiteStore) ListCertificatesByStatus(ctx context.Context, status engine.DNSStatus) ([]*engine.Certificate, error) {
	return s.listCertificates(ctx, `WHERE dns_status = ? ORDER BY created_at`, status)
}

func (s *SQLiteStore) listCertificates(ctx context.Context, clause string, arg interface{}) ([]*engine.Certificate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+certificateColumns+` FROM certificates `+clause, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	certs := []*engine.Certificate{}
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating certificates: %w", err)
	}
	return certs, nil
}

// UpdateCertificate applies a compare-and-set change of the DNS state.
func (s *SQLiteStore) UpdateCertificate(ctx context.Context, u engine.CertificateUpdate) (*engine.Certificate, error) {
	var out *engine.Certificate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cert, err := s.getCertificate(ctx, tx, u.ID)
		if err != nil {
			return err
		}
		if err := checkCertificateUpdate(cert, u); err != nil {
			return err
		}

		applyCertificateUpdate(cert, u, s.now())
		_, err = tx.ExecContext(ctx, `
			UPDATE certificates
			SET dns_status = ?, issued_at = ?, polling_started_at = ?, last_checked_at = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			cert.DNSStatus,
			formatTimePtr(cert.IssuedAt),
			formatTimePtr(cert.PollingStartedAt),
			formatTimePtr(cert.LastCheckedAt),
			cert.LastError,
			formatTime(cert.UpdatedAt),
			cert.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update certificate: %w", err)
		}
		out = cert
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteCertificate deletes a certificate.
func (s *SQLiteStore) DeleteCertificate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM certificates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete certificate: %w", err)
	}
	return expectOne(result, "certificate", id)
}

func scanCertificate(sc scanner) (*engine.Certificate, error) {
	var (
		cert                                 engine.Certificate
		issuedAt, pollingStarted, lastChecked sql.NullString
		createdAt, updatedAt                  string
	)
	err := sc.Scan(
		&cert.ID,
		&cert.ApplicationID,
		&cert.Hostname,
		&cert.DNSStatus,
		&issuedAt,
		&pollingStarted,
		&lastChecked,
		&cert.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if cert.IssuedAt, err = parseNullTime(issuedAt); err != nil {
		return nil, err
	}
	if cert.PollingStartedAt, err = parseNullTime(pollingStarted); err != nil {
		return nil, err
	}
	if cert.LastCheckedAt, err = parseNullTime(lastChecked); err != nil {
		return nil, err
	}
	if cert.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cert.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cert, nil
}

// Databases

const databaseColumns = `id, project_id, name, engine, driver_id, status, last_error, created_at, updated_at`

// CreateDatabase inserts a database.
func (s *SQLiteStore) CreateDatabase(ctx context.Context, db *engine.Database) error {
	query := `INSERT INTO databases (` + databaseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		db.ID,
		db.ProjectID,
		db.Name,
		db.Engine,
		db.DriverID,
		db.Status,
		db.LastError,
		formatTime(db.CreatedAt),
		formatTime(db.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return engine.NewResourceConflictError(fmt.Sprintf("database %q already exists in project %s", db.Name, db.ProjectID), err).
			WithResource(db.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// GetDatabase retrieves a database by ID.
func (s *SQLiteStore) GetDatabase(ctx context.Context, id string) (*engine.Database, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+databaseColumns+` FROM databases WHERE id = ?`, id)
	db, err := scanDatabase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("database", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	return db, nil
}

// ListDatabases lists the databases of a project, or all when projectID is empty.
func (s *SQLiteStore) ListDatabases(ctx context.Context, projectID string) ([]*engine.Database, error) {
	query := `SELECT ` + databaseColumns + ` FROM databases`
	var args []interface{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY project_id, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer rows.Close()

	dbs := []*engine.Database{}
	for rows.Next() {
		db, err := scanDatabase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan database: %w", err)
		}
		dbs = append(dbs, db)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating databases: %w", err)
	}
	return dbs, nil
}

// UpdateDatabaseStatus sets the status and last error of a database.
func (s *SQLiteStore) UpdateDatabaseStatus(ctx context.Context, id string, status engine.DatabaseStatus, lastError string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE databases SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update database status: %w", err)
	}
	return expectOne(result, "database", id)
}

// DeleteDatabase deletes a database record.
func (s *SQLiteStore) DeleteDatabase(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM databases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete database: %w", err)
	}
	return expectOne(result, "database", id)
}

func scanDatabase(sc scanner) (*engine.Database, error) {
	var (
		db                   engine.Database
		createdAt, updatedAt string
	)
	err := sc.Scan(&db.ID, &db.ProjectID, &db.Name, &db.Engine, &db.DriverID, &db.Status, &db.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if db.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if db.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &db, nil
}

// External references

// EnsureExternalRef inserts ref unless one exists and returns the stored one.
func (s *SQLiteStore) EnsureExternalRef(ctx context.Context, ref *engine.ExternalRef) (*engine.ExternalRef, error) {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_refs (entity_id, kind, idempotency_key, external_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, kind) DO NOTHING`,
		ref.EntityID, ref.Kind, ref.IdempotencyKey, ref.ExternalID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure external ref: %w", err)
	}
	return s.GetExternalRef(ctx, ref.EntityID, ref.Kind)
}

// GetExternalRef retrieves the external reference of an entity.
func (s *SQLiteStore) GetExternalRef(ctx context.Context, entityID string, kind engine.ResourceKind) (*engine.ExternalRef, error) {
	var (
		ref                  engine.ExternalRef
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, kind, idempotency_key, external_id, created_at, updated_at
		FROM external_refs WHERE entity_id = ? AND kind = ?`, entityID, kind).
		Scan(&ref.EntityID, &ref.Kind, &ref.IdempotencyKey, &ref.ExternalID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("external ref", string(kind)+"/"+entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get external ref: %w", err)
	}
	if ref.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ref.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ref, nil
}

// SetExternalID records the driver-side identifier of an entity.
func (s *SQLiteStore) SetExternalID(ctx context.Context, entityID string, kind engine.ResourceKind, externalID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE external_refs SET external_id = ?, updated_at = ? WHERE entity_id = ? AND kind = ?`,
		externalID, formatTime(s.now()), entityID, kind)
	if err != nil {
		return fmt.Errorf("failed to set external id: %w", err)
	}
	return expectOne(result, "external ref", string(kind)+"/"+entityID)
}

// DeleteExternalRef deletes the external reference of an entity.
func (s *SQLiteStore) DeleteExternalRef(ctx context.Context, entityID string, kind engine.ResourceKind) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM external_refs WHERE entity_id = ? AND kind = ?`, entityID, kind)
	if err != nil {
		return fmt.Errorf("failed to delete external ref: %w", err)
	}
	return expectOne(result, "external ref", string(kind)+"/"+entityID)
}

// Leases

// AcquireLease grants key to holder when it is free or expired.
func (s *SQLiteStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration, now time.Time) (*engine.Lease, error) {
	var out *engine.Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getLease(ctx, tx, key)
		if err != nil && !engine.IsNotFound(err) {
			return err
		}
		if current != nil && !current.Expired(now) {
			return engine.NewLeaseHeldError(key, current.Holder)
		}

		lease := &engine.Lease{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO leases (lease_key, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (lease_key) DO UPDATE SET holder = excluded.holder,
				acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
			key, holder, formatTime(lease.AcquiredAt), formatTime(lease.ExpiresAt))
		if err != nil {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		out = lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RenewLease extends a lease still held by holder.
func (s *SQLiteStore) RenewLease(ctx context.Context, key, holder string, ttl time.Duration, now time.Time) (*engine.Lease, error) {
	var out *engine.Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getLease(ctx, tx, key)
		if err != nil {
			if engine.IsNotFound(err) {
				return engine.NewLeaseHeldError(key, "")
			}
			return err
		}
		if current.Holder != holder {
			return engine.NewLeaseHeldError(key, current.Holder)
		}

		current.ExpiresAt = now.Add(ttl)
		_, err = tx.ExecContext(ctx, `UPDATE leases SET expires_at = ? WHERE lease_key = ? AND holder = ?`,
			formatTime(current.ExpiresAt), key, holder)
		if err != nil {
			return fmt.Errorf("failed to renew lease: %w", err)
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseLease removes the lease if holder still holds it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, holder string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE lease_key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return expectOne(result, "lease", key)
}

// RevokeLease removes the lease whoever holds it.
func (s *SQLiteStore) RevokeLease(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE lease_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return expectOne(result, "lease", key)
}

// GetLease retrieves a lease.
func (s *SQLiteStore) GetLease(ctx context.Context, key string) (*engine.Lease, error) {
	return getLease(ctx, s.db, key)
}

func getLease(ctx context.Context, q queryer, key string) (*engine.Lease, error) {
	var (
		lease                 engine.Lease
		acquiredAt, expiresAt string
	)
	err := q.QueryRowContext(ctx, `SELECT lease_key, holder, acquired_at, expires_at FROM leases WHERE lease_key = ?`, key).
		Scan(&lease.Key, &lease.Holder, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("lease", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	if lease.AcquiredAt, err = parseTime(acquiredAt); err != nil {
		return nil, err
	}
	if lease.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &lease, nil
}

// Helpers

type scanner interface {
	Scan(dest ...interface{}) error
}

func expectOne(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(kind, id)
	}
	return nil
}

func sqliteCode(err error) int {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	code := sqliteCode(err)
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isForeignKeyViolation(err error) bool {
	return err != nil && sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}
