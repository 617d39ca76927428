package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// Target is the control plane a manifest is applied to: the engine itself or
// a remote API.
type Target interface {
	// FindApplication returns an error satisfying engine.IsNotFound when the
	// project has no application of that name.
	FindApplication(ctx context.Context, projectID, name string) (*engine.Application, error)
	CreateApplication(ctx context.Context, in engine.CreateApplicationInput) (*engine.Application, error)
	GetDeployment(ctx context.Context, id string) (*engine.Deployment, error)
	RequestDeployment(ctx context.Context, applicationID string, req engine.DeploymentRequest) (*engine.Deployment, error)

	ListCertificates(ctx context.Context, applicationID string) ([]*engine.Certificate, error)
	CreateCertificate(ctx context.Context, applicationID, hostname string) (*engine.Certificate, error)

	ListDatabases(ctx context.Context, projectID string) ([]*engine.Database, error)
	CreateDatabase(ctx context.Context, in engine.CreateDatabaseInput) (*engine.Database, error)
}

// Action is what applying a manifest did, or would do, to one entity.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUnchanged Action = "unchanged"
	ActionDeploy    Action = "deploy"
	ActionFailed    Action = "failed"
)

// Change records the outcome for one declared entity.
type Change struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Action Action `json:"action"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TriggerManifest marks deployments requested by Apply.
const TriggerManifest = "manifest"

// Apply creates the entities of m that do not exist yet and requests the
// declared deployments. Existing entities are never modified or removed.
// With dryRun set, nothing is created and the changes that would be made are
// returned. Failures do not stop the run; they are reported per change and
// joined in the returned error.
func Apply(ctx context.Context, m *Manifest, target Target, dryRun bool) ([]Change, error) {
	a := &applier{target: target, dryRun: dryRun, project: m.Project}

	for _, app := range m.Applications {
		if err := ctx.Err(); err != nil {
			return a.changes, errors.Join(append(a.errs, err)...)
		}
		a.application(ctx, app)
	}

	if len(m.Databases) > 0 {
		a.databases(ctx, m.Databases)
	}

	return a.changes, errors.Join(a.errs...)
}

type applier struct {
	target  Target
	dryRun  bool
	project string
	changes []Change
	errs    []error
}

func (a *applier) record(kind, name string, action Action, id string) {
	a.changes = append(a.changes, Change{Kind: kind, Name: name, Action: action, ID: id})
}

func (a *applier) failed(kind, name string, err error) {
	a.changes = append(a.changes, Change{Kind: kind, Name: name, Action: ActionFailed, Error: err.Error()})
	a.errs = append(a.errs, fmt.Errorf("%s %s: %w", kind, name, err))
}

func (a *applier) application(ctx context.Context, decl Application) {
	app, err := a.target.FindApplication(ctx, a.project, decl.Name)
	switch {
	case err == nil:
		if app.DriverID != decl.Driver {
			a.failed("application", decl.Name, fmt.Errorf("exists with driver %q, manifest declares %q", app.DriverID, decl.Driver))
			return
		}
		a.record("application", decl.Name, ActionUnchanged, app.ID)
	case engine.IsNotFound(err):
		if a.dryRun {
			a.record("application", decl.Name, ActionCreate, "")
			for _, host := range decl.Hostnames {
				a.record("certificate", host, ActionCreate, "")
			}
			if decl.Deploy != "" {
				a.record("deployment", decl.Name+"@"+decl.Deploy, ActionDeploy, "")
			}
			return
		}
		app, err = a.target.CreateApplication(ctx, decl.ApplicationInput(a.project))
		if err != nil {
			a.failed("application", decl.Name, err)
			return
		}
		a.record("application", decl.Name, ActionCreate, app.ID)
	default:
		a.failed("application", decl.Name, err)
		return
	}

	a.certificates(ctx, app, decl.Hostnames)
	if decl.Deploy != "" {
		a.deploy(ctx, app, decl.Deploy)
	}
}

func (a *applier) certificates(ctx context.Context, app *engine.Application, hostnames []string) {
	if len(hostnames) == 0 {
		return
	}
	existing, err := a.target.ListCertificates(ctx, app.ID)
	if err != nil {
		a.failed("certificate", app.Name, err)
		return
	}
	byHost := make(map[string]*engine.Certificate, len(existing))
	for _, cert := range existing {
		byHost[strings.ToLower(cert.Hostname)] = cert
	}

	for _, host := range hostnames {
		if cert, ok := byHost[strings.ToLower(host)]; ok {
			a.record("certificate", host, ActionUnchanged, cert.ID)
			continue
		}
		if a.dryRun {
			a.record("certificate", host, ActionCreate, "")
			continue
		}
		cert, err := a.target.CreateCertificate(ctx, app.ID, host)
		if err != nil {
			a.failed("certificate", host, err)
			continue
		}
		a.record("certificate", host, ActionCreate, cert.ID)
	}
}

func (a *applier) deploy(ctx context.Context, app *engine.Application, sourceRef string) {
	name := app.Name + "@" + sourceRef
	if app.CurrentDeploymentID != nil {
		current, err := a.target.GetDeployment(ctx, *app.CurrentDeploymentID)
		if err != nil && !engine.IsNotFound(err) {
			a.failed("deployment", name, err)
			return
		}
		if current != nil && current.SourceRef == sourceRef {
			a.record("deployment", name, ActionUnchanged, current.ID)
			return
		}
	}
	if a.dryRun {
		a.record("deployment", name, ActionDeploy, "")
		return
	}
	dep, err := a.target.RequestDeployment(ctx, app.ID, engine.DeploymentRequest{
		SourceRef: sourceRef,
		Trigger:   TriggerManifest,
	})
	if err != nil {
		a.failed("deployment", name, err)
		return
	}
	a.record("deployment", name, ActionDeploy, dep.ID)
}

func (a *applier) databases(ctx context.Context, decls []Database) {
	existing, err := a.target.ListDatabases(ctx, a.project)
	if err != nil {
		for _, decl := range decls {
			a.failed("database", decl.Name, err)
		}
		return
	}
	byName := make(map[string]*engine.Database, len(existing))
	for _, db := range existing {
		byName[db.Name] = db
	}

	for _, decl := range decls {
		if db, ok := byName[decl.Name]; ok {
			if db.Engine != decl.Engine {
				a.failed("database", decl.Name, fmt.Errorf("exists with engine %s, manifest declares %s", db.Engine, decl.Engine))
				continue
			}
			a.record("database", decl.Name, ActionUnchanged, db.ID)
			continue
		}
		if a.dryRun {
			a.record("database", decl.Name, ActionCreate, "")
			continue
		}
		db, err := a.target.CreateDatabase(ctx, decl.DatabaseInput(a.project))
		if err != nil {
			a.failed("database", decl.Name, err)
			continue
		}
		a.record("database", decl.Name, ActionCreate, db.ID)
	}
}

// EngineTarget applies manifests directly to an engine.
func EngineTarget(e *engine.Engine) Target {
	return engineTarget{e}
}

type engineTarget struct{ e *engine.Engine }

func (t engineTarget) FindApplication(ctx context.Context, projectID, name string) (*engine.Application, error) {
	return t.e.Applications.FindByName(ctx, projectID, name)
}

func (t engineTarget) CreateApplication(ctx context.Context, in engine.CreateApplicationInput) (*engine.Application, error) {
	return t.e.Applications.CreateApplication(ctx, in)
}

func (t engineTarget) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	return t.e.Deployments.GetDeployment(ctx, id)
}

func (t engineTarget) RequestDeployment(ctx context.Context, applicationID string, req engine.DeploymentRequest) (*engine.Deployment, error) {
	return t.e.Deployments.RequestDeployment(ctx, applicationID, req)
}

func (t engineTarget) ListCertificates(ctx context.Context, applicationID string) ([]*engine.Certificate, error) {
	return t.e.Certificates.ListCertificates(ctx, applicationID)
}

func (t engineTarget) CreateCertificate(ctx context.Context, applicationID, hostname string) (*engine.Certificate, error) {
	return t.e.Certificates.CreateCertificate(ctx, applicationID, hostname)
}

func (t engineTarget) ListDatabases(ctx context.Context, projectID string) ([]*engine.Database, error) {
	return t.e.Databases.ListDatabases(ctx, projectID)
}

func (t engineTarget) CreateDatabase(ctx context.Context, in engine.CreateDatabaseInput) (*engine.Database, error) {
	return t.e.Databases.CreateDatabase(ctx, in)
}
