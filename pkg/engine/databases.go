package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// CreateDatabaseInput is the input of DatabaseProvisioner.CreateDatabase.
type CreateDatabaseInput struct {
	ProjectID string         `json:"project_id" validate:"required,max=128"`
	Name      string         `json:"name" validate:"required,max=63,dnslabel"`
	Engine    DatabaseEngine `json:"engine" validate:"required,oneof=postgres mysql redis"`
	DriverID  string         `json:"driver_id" validate:"required"`
}

// DatabaseProvisioner creates and deletes managed databases through drivers.
type DatabaseProvisioner struct {
	*services
	logger *telemetry.Logger
}

func newDatabaseProvisioner(svc *services) *DatabaseProvisioner {
	return &DatabaseProvisioner{
		services: svc,
		logger:   svc.tel.Logger.NewComponentLogger("databases"),
	}
}

// CreateDatabase records a database and provisions it. A failed driver call
// leaves the database provisioning with the error recorded.
func (p *DatabaseProvisioner) CreateDatabase(ctx context.Context, in CreateDatabaseInput) (*Database, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	driver, err := p.drivers.Resolve(in.DriverID)
	if err != nil {
		return nil, err
	}
	if !driver.Metadata().Capabilities.SupportsEngine(in.Engine) {
		return nil, NewValidationError(fmt.Sprintf("driver %s does not provision %s databases", in.DriverID, in.Engine))
	}

	now := p.now()
	db := &Database{
		ID:        uuid.New().String(),
		ProjectID: in.ProjectID,
		Name:      in.Name,
		Engine:    in.Engine,
		DriverID:  in.DriverID,
		Status:    DatabaseStatusProvisioning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.admission != nil {
		if err := p.admission.AdmitDatabase(ctx, db); err != nil {
			p.publishDenial("", db.ProjectID+"/"+db.Name, "database", err)
			return nil, err
		}
	}
	if err := p.store.CreateDatabase(ctx, db); err != nil {
		return nil, err
	}

	return p.provision(ctx, driver, db)
}

// ProvisionDatabase retries the driver side of a database still provisioning.
func (p *DatabaseProvisioner) ProvisionDatabase(ctx context.Context, id string) (*Database, error) {
	db, err := p.store.GetDatabase(ctx, id)
	if err != nil {
		return nil, err
	}
	if db.Status != DatabaseStatusProvisioning {
		return db, nil
	}
	driver, err := p.drivers.Resolve(db.DriverID)
	if err != nil {
		return nil, err
	}
	return p.provision(ctx, driver, db)
}

func (p *DatabaseProvisioner) provision(ctx context.Context, driver Driver, db *Database) (*Database, error) {
	ref, err := p.ensureRef(ctx, db.ID, ResourceKindDatabase)
	if err != nil {
		return nil, err
	}

	var externalID string
	_, err = p.call(ctx, driver.Metadata().Name, "create_database", func(ctx context.Context) error {
		id, err := driver.CreateDatabase(ctx, db, ref)
		if err != nil {
			return err
		}
		externalID = id
		return nil
	})
	if err != nil {
		p.setStatus(ctx, db, DatabaseStatusProvisioning, err.Error())
		return nil, err
	}

	if err := p.store.SetExternalID(ctx, db.ID, ResourceKindDatabase, externalID); err != nil {
		return nil, err
	}
	if err := p.setStatus(ctx, db, DatabaseStatusActive, ""); err != nil {
		return nil, err
	}
	p.logger.WithDatabaseID(db.ID).WithField("engine", string(db.Engine)).Info("database provisioned")
	return db, nil
}

func (p *DatabaseProvisioner) setStatus(ctx context.Context, db *Database, status DatabaseStatus, lastError string) error {
	storeCtx, cancel := detached(ctx)
	defer cancel()

	from := db.Status
	if err := p.store.UpdateDatabaseStatus(storeCtx, db.ID, status, lastError); err != nil {
		p.logger.WithDatabaseID(db.ID).WithError(err).Warn("failed to record database status")
		return err
	}
	db.Status = status
	db.LastError = lastError
	db.UpdatedAt = p.now()

	if from != status {
		_ = p.tel.Events.Publish(telemetry.Event{
			Type:       telemetry.EventTypeDatabaseStatus,
			Source:     "databases",
			ResourceID: db.ID,
			Message:    fmt.Sprintf("Database %s moved from %s to %s", db.Name, from, status),
			Level:      telemetry.EventLevelInfo,
			Data:       map[string]interface{}{"from": string(from), "to": string(status)},
		})
	}
	return nil
}

// GetDatabase returns a database.
func (p *DatabaseProvisioner) GetDatabase(ctx context.Context, id string) (*Database, error) {
	return p.store.GetDatabase(ctx, id)
}

// ListDatabases lists the databases of a project.
func (p *DatabaseProvisioner) ListDatabases(ctx context.Context, projectID string) ([]*Database, error) {
	return p.store.ListDatabases(ctx, projectID)
}

// DeleteDatabase destroys the database through its driver and marks it
// deleted. Deleting an unknown or already deleted database succeeds.
func (p *DatabaseProvisioner) DeleteDatabase(ctx context.Context, id string) error {
	db, err := p.store.GetDatabase(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if db.Status == DatabaseStatusDeleted {
		return nil
	}

	if err := p.setStatus(ctx, db, DatabaseStatusDeleting, ""); err != nil {
		return err
	}

	ref, err := p.store.GetExternalRef(ctx, db.ID, ResourceKindDatabase)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if ref != nil {
		driver, err := p.drivers.Resolve(db.DriverID)
		if err != nil {
			_ = p.setStatus(ctx, db, DatabaseStatusDeleting, err.Error())
			return err
		}
		_, err = p.call(ctx, driver.Metadata().Name, "delete_database", func(ctx context.Context) error {
			err := driver.DeleteDatabase(ctx, db, ref)
			if IsNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			_ = p.setStatus(ctx, db, DatabaseStatusDeleting, err.Error())
			return err
		}
		if err := p.store.DeleteExternalRef(ctx, db.ID, ResourceKindDatabase); err != nil && !IsNotFound(err) {
			return err
		}
	}

	if err := p.setStatus(ctx, db, DatabaseStatusDeleted, ""); err != nil {
		return err
	}
	p.logger.WithDatabaseID(db.ID).Info("database deleted")
	return nil
}
