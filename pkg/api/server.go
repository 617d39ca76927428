// Package api serves the Hoist control plane over HTTP.
//
// Routes live under a base path (default /v1) and are described by an OpenAPI
// document at /openapi.json. Errors use the envelope
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "details": {...}}}
//
// Deployment logs and application updates are Server-Sent Events streams.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/logstream"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// DriverLister lists the registered driver instances.
type DriverLister interface {
	List() []engine.DriverMetadata
}

// Config for the HTTP API handler.
type Config struct {
	Engine  *engine.Engine
	Drivers DriverLister
	Logs    *logstream.Multiplexer

	Telemetry *telemetry.Telemetry

	Auth      AuthConfig
	RateLimit RateLimitConfig

	// WebhookSecret verifies GitHub push webhooks. Empty disables the route.
	WebhookSecret string

	BasePath string
	Version  string
}

type server struct {
	engine  *engine.Engine
	drivers DriverLister
	logs    *logstream.Multiplexer
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	secret  []byte
}

// New returns an HTTP handler exposing the Hoist API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if cfg.Logs == nil {
		return nil, errors.New("api: log multiplexer is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	tel := telemetry.OrNop(cfg.Telemetry)
	s := &server{
		engine:  cfg.Engine,
		drivers: cfg.Drivers,
		logs:    cfg.Logs,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("api"),
		secret:  []byte(cfg.WebhookSecret),
	}

	huma.DefaultArrayNullable = false
	installErrorEnvelope()

	webhookPath := basePath + "/webhooks/github"

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(s.requestLogger)
	router.Use(rateLimitMiddleware(cfg.RateLimit, s.logger))
	router.Use(authMiddleware(cfg.Auth,
		basePath+"/health",
		webhookPath,
		"/metrics",
		"/openapi.json",
		"/openapi.yaml",
	))

	hcfg := huma.DefaultConfig("Hoist API", version)
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, version)
	s.registerDrivers(group)
	s.registerApplications(group)
	s.registerDeployments(group)
	s.registerCertificates(group)
	s.registerDatabases(group)
	s.registerLogs(group)
	s.registerUpdates(group)

	if len(s.secret) > 0 {
		router.Post(webhookPath, s.handleGitHubWebhook)
	}
	router.Handle("/metrics", tel.Metrics.Handler())

	return router, nil
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			duration := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			s.tel.Metrics.RecordHTTPRequest(r.Method, strconv.Itoa(status), duration)
			s.logger.WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": duration.Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("http request")
		}()

		next.ServeHTTP(ww, r)
	})
}

type healthOutput struct {
	Body struct {
		Status  string `json:"status" example:"ok"`
		Version string `json:"version"`
	}
}

func registerHealth(api huma.API, version string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
		Tags:        []string{"system"},
	}, func(ctx context.Context, input *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		out.Body.Version = version
		return out, nil
	})
}

type driversOutput struct {
	Body []engine.DriverMetadata
}

func (s *server) registerDrivers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drivers",
		Method:      http.MethodGet,
		Path:        "/drivers",
		Summary:     "List registered drivers and their capabilities",
		Tags:        []string{"system"},
	}, func(ctx context.Context, input *struct{}) (*driversOutput, error) {
		out := &driversOutput{Body: []engine.DriverMetadata{}}
		if s.drivers != nil {
			out.Body = s.drivers.List()
		}
		return out, nil
	})
}

// application loads an application the caller may access.
func (s *server) application(ctx context.Context, id string) (*engine.Application, error) {
	app, err := s.engine.Applications.GetApplication(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	if err := requireProject(ctx, app.ProjectID); err != nil {
		return nil, err
	}
	return app, nil
}

func (s *server) deployment(ctx context.Context, id string) (*engine.Deployment, error) {
	dep, err := s.engine.Deployments.GetDeployment(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	if _, err := s.application(ctx, dep.ApplicationID); err != nil {
		return nil, err
	}
	return dep, nil
}

func (s *server) certificate(ctx context.Context, id string) (*engine.Certificate, error) {
	cert, err := s.engine.Certificates.GetCertificate(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	if _, err := s.application(ctx, cert.ApplicationID); err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *server) database(ctx context.Context, id string) (*engine.Database, error) {
	db, err := s.engine.Databases.GetDatabase(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	if err := requireProject(ctx, db.ProjectID); err != nil {
		return nil, err
	}
	return db, nil
}

// visible reports whether the caller may see entities of a project.
func visible(ctx context.Context, projectID string) bool {
	p, ok := PrincipalFromContext(ctx)
	return !ok || p.CanAccess(projectID)
}
