package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// Manifest declares the applications and databases of one project.
type Manifest struct {
	// Project owns every entity in the manifest.
	Project string `json:"project" validate:"required,max=128"`

	// Driver is the default driver for entries that do not name one.
	Driver string `json:"driver,omitempty"`

	Applications []Application `json:"applications" validate:"dive"`
	Databases    []Database    `json:"databases" validate:"dive"`

	// Sources are the files the manifest was read from.
	Sources []string `json:"-"`
}

// Application declares an application, its certificates and optionally the
// source ref to deploy once it exists.
type Application struct {
	Name       string   `json:"name" validate:"required,max=63"`
	Driver     string   `json:"driver" validate:"required"`
	Repository string   `json:"repository,omitempty" validate:"omitempty,max=200"`
	Branch     string   `json:"branch,omitempty" validate:"omitempty,max=200"`
	Hostnames  []string `json:"hostnames,omitempty" validate:"dive,fqdn"`
	Deploy     string   `json:"deploy,omitempty"`
}

// Database declares a managed database.
type Database struct {
	Name   string                `json:"name" validate:"required,max=63"`
	Engine engine.DatabaseEngine `json:"engine" validate:"required,oneof=postgres mysql redis"`
	Driver string                `json:"driver" validate:"required"`
}

// ApplicationInput converts the declaration for the application service.
func (a Application) ApplicationInput(project string) engine.CreateApplicationInput {
	return engine.CreateApplicationInput{
		ProjectID:  project,
		Name:       a.Name,
		DriverID:   a.Driver,
		Repository: a.Repository,
		Branch:     a.Branch,
	}
}

// DatabaseInput converts the declaration for the database provisioner.
func (d Database) DatabaseInput(project string) engine.CreateDatabaseInput {
	return engine.CreateDatabaseInput{
		ProjectID: project,
		Name:      d.Name,
		Engine:    d.Engine,
		DriverID:  d.Driver,
	}
}

// ValidationError is a problem found in a manifest, located when the source
// format allows it.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// Errors collects every problem found while reading a manifest.
type Errors []ValidationError

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "\n")
}

// rawManifest accepts applications and databases either as a list or as a
// map keyed by name.
type rawManifest struct {
	Project      string          `json:"project"`
	Driver       string          `json:"driver"`
	Applications json.RawMessage `json:"applications"`
	Databases    json.RawMessage `json:"databases"`
}

// decode builds a Manifest from its JSON form and fills defaults.
func decode(data []byte, sources []string) (*Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	m := &Manifest{Project: raw.Project, Driver: raw.Driver, Sources: sources}
	if err := decodeEntries(raw.Applications, &m.Applications, func(a *Application, name string) {
		if a.Name == "" {
			a.Name = name
		}
	}); err != nil {
		return nil, fmt.Errorf("decode applications: %w", err)
	}
	if err := decodeEntries(raw.Databases, &m.Databases, func(d *Database, name string) {
		if d.Name == "" {
			d.Name = name
		}
	}); err != nil {
		return nil, fmt.Errorf("decode databases: %w", err)
	}

	for i := range m.Applications {
		if m.Applications[i].Driver == "" {
			m.Applications[i].Driver = m.Driver
		}
	}
	for i := range m.Databases {
		if m.Databases[i].Driver == "" {
			m.Databases[i].Driver = m.Driver
		}
	}
	return m, nil
}

func decodeEntries[T any](raw json.RawMessage, out *[]T, setName func(*T, string)) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(raw, out)
	}

	var byName map[string]T
	if err := json.Unmarshal(raw, &byName); err != nil {
		return err
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := byName[name]
		setName(&entry, name)
		*out = append(*out, entry)
	}
	return nil
}
