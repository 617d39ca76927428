package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hoistpaas/hoist/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Options adjust how a manifest is read.
type Options struct {
	// Project replaces the project named in the manifest.
	Project string

	// Vars are predeclared in Starlark programs.
	Vars map[string]interface{}

	// Timeout bounds Starlark evaluation.
	Timeout time.Duration
}

// Loader reads manifests from CUE, JSON or Starlark sources.
type Loader struct {
	cue      *CUEParser
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewLoader creates a manifest loader.
func NewLoader(tel *telemetry.Telemetry) (*Loader, error) {
	parser, err := NewCUEParser()
	if err != nil {
		return nil, err
	}
	return &Loader{
		cue:      parser,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   telemetry.OrNop(tel).Logger.NewComponentLogger("manifest").Zerolog(),
	}, nil
}

// Load reads the manifest at path. A .star file is executed; a directory or
// any other file is read as CUE, which accepts JSON too.
func (l *Loader) Load(ctx context.Context, path string, opts Options) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m *Manifest
	if !info.IsDir() && filepath.Ext(path) == ".star" {
		m, err = l.loadStarlark(ctx, path, opts)
	} else {
		m, err = l.cue.Parse([]string{path})
	}
	if err != nil {
		return nil, err
	}

	if opts.Project != "" {
		m.Project = opts.Project
	}
	if err := l.check(m); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("project", m.Project).
		Int("applications", len(m.Applications)).
		Int("databases", len(m.Databases)).
		Strs("sources", m.Sources).
		Msg("Manifest loaded")
	return m, nil
}

func (l *Loader) loadStarlark(ctx context.Context, path string, opts Options) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	output, err := NewStarlarkEvaluator(opts.Timeout, l.logger).Evaluate(ctx, path, src, opts.Vars)
	if err != nil {
		return nil, err
	}
	return l.cue.validateData(output, []string{path})
}

// check applies the rules the schema cannot express: required defaults,
// hostname syntax and uniqueness across entries.
func (l *Loader) check(m *Manifest) error {
	var errs Errors
	if err := l.validate.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate manifest: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fieldMessage(fe),
			})
		}
	}

	apps := make(map[string]bool, len(m.Applications))
	hosts := make(map[string]string)
	for i, app := range m.Applications {
		if apps[app.Name] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("applications[%d].name", i),
				Message: fmt.Sprintf("application %q is declared twice", app.Name),
			})
		}
		apps[app.Name] = true
		for j, host := range app.Hostnames {
			host = strings.ToLower(host)
			if owner, ok := hosts[host]; ok {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("applications[%d].hostnames[%d]", i, j),
					Message: fmt.Sprintf("hostname %q is already used by %q", host, owner),
				})
				continue
			}
			hosts[host] = app.Name
		}
	}

	dbs := make(map[string]bool, len(m.Databases))
	for i, db := range m.Databases {
		if dbs[db.Name] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("databases[%d].name", i),
				Message: fmt.Sprintf("database %q is declared twice", db.Name),
			})
		}
		dbs[db.Name] = true
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldPath turns "Manifest.Applications[0].Driver" into
// "applications[0].driver".
func fieldPath(namespace string) string {
	namespace = strings.TrimPrefix(namespace, "Manifest.")
	return strings.ToLower(namespace)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if fe.Field() == "Driver" {
			return "no driver given and the manifest has no default driver"
		}
		return "is required"
	case "fqdn":
		return fmt.Sprintf("%q is not a fully qualified domain name", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}
