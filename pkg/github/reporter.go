// Package github mirrors deployment transitions of applications backed by a
// GitHub repository as GitHub deployments and deployment statuses.
package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// DefaultEnvironment is used when Config.Environment is empty.
const DefaultEnvironment = "production"

// queueSize bounds the events waiting to be reported.
const queueSize = 256

// Config configures a Reporter.
type Config struct {
	// Token is a GitHub token allowed to write deployments.
	Token string

	// BaseURL points at a GitHub Enterprise API. Empty means github.com.
	BaseURL string

	// Environment is the GitHub deployment environment.
	Environment string

	// LogURL is linked from every status. {deployment} is replaced with the
	// Hoist deployment id.
	LogURL string
}

// Store is the persistence the reporter needs. The GitHub deployment id of a
// Hoist deployment is kept as an external reference.
type Store interface {
	GetApplication(ctx context.Context, id string) (*engine.Application, error)
	GetDeployment(ctx context.Context, id string) (*engine.Deployment, error)
	engine.ExternalRefStore
}

// Reporter creates a GitHub deployment when a Hoist deployment is queued and
// adds a status for every later transition.
type Reporter struct {
	cfg    Config
	client *gh.Client
	store  Store
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	queue       chan telemetry.Event
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
}

// New creates a reporter. It does nothing until Start is called.
func New(cfg Config, store Store, tel *telemetry.Telemetry) (*Reporter, error) {
	if cfg.Token == "" {
		return nil, engine.NewValidationError("github token is required")
	}
	if store == nil {
		return nil, engine.NewValidationError("store is required")
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if cfg.Environment == "" {
		cfg.Environment = DefaultEnvironment
	}

	client, err := newClient(cfg.Token, cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	return &Reporter{
		cfg:    cfg,
		client: client,
		store:  store,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("github"),
	}, nil
}

func newClient(token, baseURL string) (*gh.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := gh.NewClient(oauth2.NewClient(context.Background(), ts))
	if baseURL == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("github base url: %w", err)
	}
	return client, nil
}

// Start subscribes to deployment events and reports them in order until Stop.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.queue = make(chan telemetry.Event, queueSize)
	queue := r.queue

	r.unsubscribe = r.tel.Events.Subscribe(func(e telemetry.Event) {
		select {
		case queue <- e:
		default:
			r.logger.WithDeploymentID(e.DeploymentID).Warn("github status dropped, queue full")
		}
	}, telemetry.FilterByType(telemetry.EventTypeDeploymentQueued, telemetry.EventTypeDeploymentStatus))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-queue:
				if err := r.Report(ctx, e); err != nil {
					r.logger.WithDeploymentID(e.DeploymentID).WithError(err).Warn("github status not reported")
				}
			}
		}
	}()
}

// Stop ends the subscription and waits for the in-flight report.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.queue == nil {
		r.mu.Unlock()
		return
	}
	r.unsubscribe()
	r.cancel()
	r.queue = nil
	r.mu.Unlock()

	r.wg.Wait()
}

// Report mirrors one deployment event. Events of applications without a
// repository are ignored.
func (r *Reporter) Report(ctx context.Context, e telemetry.Event) error {
	if e.DeploymentID == "" || e.ApplicationID == "" {
		return nil
	}
	app, err := r.store.GetApplication(ctx, e.ApplicationID)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}
	owner, repo, ok := splitRepository(app.Repository)
	if !ok {
		return nil
	}

	var status engine.DeploymentStatus
	switch e.Type {
	case telemetry.EventTypeDeploymentQueued:
		status = engine.DeploymentStatusQueued
	case telemetry.EventTypeDeploymentStatus:
		to, _ := e.Data["to"].(string)
		status = engine.DeploymentStatus(to)
	default:
		return nil
	}

	id, err := r.ensureDeployment(ctx, owner, repo, e.DeploymentID)
	if err != nil {
		return err
	}

	state, description := statusState(status)
	if detail, _ := e.Data["detail"].(string); detail != "" {
		description = detail
	}
	req := &gh.DeploymentStatusRequest{
		State:       gh.String(state),
		Description: gh.String(truncate(description, 140)),
		Environment: gh.String(r.cfg.Environment),
	}
	if r.cfg.LogURL != "" {
		req.LogURL = gh.String(strings.ReplaceAll(r.cfg.LogURL, "{deployment}", e.DeploymentID))
	}
	if _, _, err := r.client.Repositories.CreateDeploymentStatus(ctx, owner, repo, id, req); err != nil {
		return fmt.Errorf("creating deployment status: %w", err)
	}

	r.logger.WithDeploymentID(e.DeploymentID).WithField("state", state).Debug("github status reported")
	return nil
}

// ensureDeployment returns the GitHub deployment of a Hoist deployment,
// creating it on first use.
func (r *Reporter) ensureDeployment(ctx context.Context, owner, repo, deploymentID string) (int64, error) {
	ref, err := r.store.EnsureExternalRef(ctx, &engine.ExternalRef{
		EntityID:       deploymentID,
		Kind:           engine.ResourceKindGitHubDeployment,
		IdempotencyKey: "github:" + deploymentID,
	})
	if err != nil {
		return 0, err
	}
	if ref.ExternalID != "" {
		return strconv.ParseInt(ref.ExternalID, 10, 64)
	}

	dep, err := r.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return 0, err
	}
	created, _, err := r.client.Repositories.CreateDeployment(ctx, owner, repo, &gh.DeploymentRequest{
		Ref:              gh.String(dep.SourceRef),
		Task:             gh.String("deploy"),
		AutoMerge:        gh.Bool(false),
		RequiredContexts: &[]string{},
		Environment:      gh.String(r.cfg.Environment),
		Description:      gh.String("Hoist deployment " + dep.ID),
		Payload:          map[string]string{"hoist_deployment_id": dep.ID, "trigger": dep.Trigger},
	})
	if err != nil {
		return 0, fmt.Errorf("creating github deployment: %w", err)
	}

	if err := r.store.SetExternalID(ctx, deploymentID, engine.ResourceKindGitHubDeployment, strconv.FormatInt(created.GetID(), 10)); err != nil {
		return 0, err
	}
	return created.GetID(), nil
}

// statusState maps a deployment status to a GitHub deployment state.
func statusState(status engine.DeploymentStatus) (state, description string) {
	switch status {
	case engine.DeploymentStatusQueued:
		return "queued", "Deployment queued"
	case engine.DeploymentStatusBuilding:
		return "in_progress", "Building"
	case engine.DeploymentStatusReleasing:
		return "in_progress", "Releasing"
	case engine.DeploymentStatusRunning:
		return "success", "Deployment is running"
	case engine.DeploymentStatusBuildFailed:
		return "failure", "Build failed"
	case engine.DeploymentStatusFailed:
		return "failure", "Deployment failed"
	case engine.DeploymentStatusCanceled:
		return "error", "Deployment canceled"
	default:
		return "pending", string(status)
	}
}

func splitRepository(repository string) (owner, repo string, ok bool) {
	owner, repo, ok = strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", false
	}
	return owner, repo, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
