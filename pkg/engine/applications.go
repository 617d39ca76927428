package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// CreateApplicationInput is the input of ApplicationService.CreateApplication.
type CreateApplicationInput struct {
	ProjectID  string `json:"project_id" validate:"required,max=128"`
	Name       string `json:"name" validate:"required,max=63,dnslabel"`
	DriverID   string `json:"driver_id" validate:"required"`
	Repository string `json:"repository,omitempty" validate:"omitempty,max=200"`
	Branch     string `json:"branch,omitempty" validate:"omitempty,max=200"`
}

// ApplicationService manages applications and their driver resources.
type ApplicationService struct {
	*services
	deployments  *Orchestrator
	certificates *CertificateManager
	logger       *telemetry.Logger
}

func newApplicationService(svc *services, deployments *Orchestrator, certificates *CertificateManager) *ApplicationService {
	return &ApplicationService{
		services:     svc,
		deployments:  deployments,
		certificates: certificates,
		logger:       svc.tel.Logger.NewComponentLogger("applications"),
	}
}

// CreateApplication records an application and provisions it through its
// driver. An application whose driver call failed stays provisioning with the
// error recorded; ProvisionApplication retries it.
func (s *ApplicationService) CreateApplication(ctx context.Context, in CreateApplicationInput) (*Application, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if in.Repository != "" && in.Branch == "" {
		in.Branch = "main"
	}

	if _, err := s.drivers.Resolve(in.DriverID); err != nil {
		return nil, err
	}

	now := s.now()
	app := &Application{
		ID:         uuid.New().String(),
		ProjectID:  in.ProjectID,
		Name:       in.Name,
		DriverID:   in.DriverID,
		Repository: in.Repository,
		Branch:     in.Branch,
		Status:     ApplicationStatusProvisioning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return nil, err
	}

	_ = s.tel.Events.Publish(telemetry.Event{
		Type:          telemetry.EventTypeApplicationCreated,
		Source:        "applications",
		ApplicationID: app.ID,
		Message:       fmt.Sprintf("Application %s created", app.Name),
		Level:         telemetry.EventLevelInfo,
		Data:          map[string]interface{}{"project_id": app.ProjectID, "driver_id": app.DriverID},
	})

	return s.provision(ctx, app)
}

// ProvisionApplication retries the driver side of an application still provisioning.
func (s *ApplicationService) ProvisionApplication(ctx context.Context, id string) (*Application, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status != ApplicationStatusProvisioning {
		return app, nil
	}
	return s.provision(ctx, app)
}

func (s *ApplicationService) provision(ctx context.Context, app *Application) (*Application, error) {
	logger := s.logger.WithApplicationID(app.ID).WithDriver(app.DriverID)

	driver, err := s.drivers.Resolve(app.DriverID)
	if err != nil {
		return nil, err
	}

	ref, err := s.ensureRef(ctx, app.ID, ResourceKindApplication)
	if err != nil {
		return nil, err
	}

	var externalID string
	_, err = s.call(ctx, driver.Metadata().Name, "create_application", func(ctx context.Context) error {
		id, err := driver.CreateApplication(ctx, app, ref)
		if err != nil {
			return err
		}
		externalID = id
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("application provisioning failed")
		s.recordError(ctx, app, err)
		return nil, err
	}

	if err := s.store.SetExternalID(ctx, app.ID, ResourceKindApplication, externalID); err != nil {
		return nil, err
	}

	app.Status = ApplicationStatusActive
	app.LastError = ""
	app.UpdatedAt = s.now()
	if err := s.store.SetApplicationStatus(ctx, app.ID, app.Status, "", app.UpdatedAt); err != nil {
		return nil, err
	}
	logger.WithField("external_id", externalID).Info("application provisioned")
	return app, nil
}

func (s *ApplicationService) recordError(ctx context.Context, app *Application, cause error) {
	storeCtx, cancel := detached(ctx)
	defer cancel()
	app.LastError = cause.Error()
	app.UpdatedAt = s.now()
	if err := s.store.SetApplicationStatus(storeCtx, app.ID, app.Status, app.LastError, app.UpdatedAt); err != nil {
		s.logger.WithApplicationID(app.ID).WithError(err).Warn("failed to record application error")
	}
}

// GetApplication returns an application.
func (s *ApplicationService) GetApplication(ctx context.Context, id string) (*Application, error) {
	return s.store.GetApplication(ctx, id)
}

// ListApplications lists applications matching filter.
func (s *ApplicationService) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*Application, error) {
	return s.store.ListApplications(ctx, filter)
}

// FindByName returns the application named name in a project.
func (s *ApplicationService) FindByName(ctx context.Context, projectID, name string) (*Application, error) {
	apps, err := s.store.ListApplications(ctx, ApplicationFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if app.Name == name {
			return app, nil
		}
	}
	return nil, NewNotFoundError("application", projectID+"/"+name)
}

// SetStatus suspends or reactivates an application. Suspended applications
// accept no deployments.
func (s *ApplicationService) SetStatus(ctx context.Context, id string, status ApplicationStatus) (*Application, error) {
	if status != ApplicationStatusActive && status != ApplicationStatusSuspended {
		return nil, NewValidationError(fmt.Sprintf("status must be %s or %s", ApplicationStatusActive, ApplicationStatusSuspended))
	}
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status != ApplicationStatusActive && app.Status != ApplicationStatusSuspended {
		return nil, NewValidationError(fmt.Sprintf("application is %s", app.Status)).WithResource(id)
	}
	app.Status = status
	app.UpdatedAt = s.now()
	if err := s.store.SetApplicationStatus(ctx, app.ID, status, app.LastError, app.UpdatedAt); err != nil {
		return nil, err
	}
	return app, nil
}

// DeleteApplication cancels the application's active deployment, deletes its
// certificates and asks the driver to delete the application, once. Deleting an
// unknown application succeeds.
func (s *ApplicationService) DeleteApplication(ctx context.Context, id string) error {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	logger := s.logger.WithApplicationID(app.ID)

	if app.Status != ApplicationStatusDeleting {
		app.Status = ApplicationStatusDeleting
		app.UpdatedAt = s.now()
		if err := s.store.SetApplicationStatus(ctx, app.ID, app.Status, app.LastError, app.UpdatedAt); err != nil {
			return err
		}
	}

	if err := s.deployments.CancelForApplication(ctx, app.ID, "application deleted"); err != nil {
		return fmt.Errorf("cancel active deployment: %w", err)
	}
	s.deployments.StopApplicationLogs(app.ID)

	if err := s.certificates.DeleteForApplication(ctx, app); err != nil {
		s.recordError(ctx, app, err)
		return err
	}

	ref, err := s.store.GetExternalRef(ctx, app.ID, ResourceKindApplication)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if ref != nil {
		driver, err := s.drivers.Resolve(app.DriverID)
		if err != nil {
			s.recordError(ctx, app, err)
			return err
		}
		_, err = s.call(ctx, driver.Metadata().Name, "delete_application", func(ctx context.Context) error {
			err := driver.DeleteApplication(ctx, app, ref)
			if IsNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			logger.WithError(err).Warn("driver could not delete application")
			s.recordError(ctx, app, err)
			return err
		}
		if err := s.store.DeleteExternalRef(ctx, app.ID, ResourceKindApplication); err != nil && !IsNotFound(err) {
			return err
		}
	}

	if err := s.store.DeleteApplication(ctx, app.ID); err != nil && !IsNotFound(err) {
		return err
	}

	_ = s.tel.Events.Publish(telemetry.Event{
		Type:          telemetry.EventTypeApplicationDeleted,
		Source:        "applications",
		ApplicationID: app.ID,
		Message:       fmt.Sprintf("Application %s deleted", app.Name),
		Level:         telemetry.EventLevelInfo,
	})
	logger.Info("application deleted")
	return nil
}

func newIdempotencyKey() string {
	return uuid.New().String()
}
