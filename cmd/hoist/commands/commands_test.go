package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/api"
	"github.com/hoistpaas/hoist/pkg/config"
	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/drivers/memory"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/logstream"
	"github.com/hoistpaas/hoist/pkg/stores"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// startServer runs the HTTP API over an in-memory engine and writes a
// configuration pointing the CLI at it.
func startServer(t *testing.T) string {
	t.Helper()

	tel := telemetry.NewNop()
	registry := drivers.NewRegistry(tel)
	if err := registry.Register(memory.New(memory.Options{Name: "local", BuildLines: []string{"compiling"}})); err != nil {
		t.Fatalf("register driver: %v", err)
	}
	logs := logstream.New(logstream.DefaultConfig(), tel)
	eng, err := engine.New(engine.Dependencies{
		Store:     stores.NewMemoryStore(),
		Drivers:   registry,
		Logs:      logs,
		Telemetry: tel,
	}, engine.DefaultConfig())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	handler, err := api.New(api.Config{Engine: eng, Drivers: registry, Logs: logs, Telemetry: tel, Version: "test"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "hoist.db")
	cfg.Client.URL = srv.URL
	path := filepath.Join(dir, config.FileName)
	if err := config.Write(path, cfg); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// run executes the CLI and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	prev := stdout
	stdout = &out
	t.Cleanup(func() { stdout = prev })

	jsonOutput = false
	cmd := newRootCommand("test", "none", "unknown")
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestApplicationAndDeployCommands(t *testing.T) {
	cfgPath := startServer(t)

	out, err := run(t, "--config", cfgPath, "--json", "apps", "create", "web", "--project", "shop", "--driver", "local")
	if err != nil {
		t.Fatalf("apps create: %v", err)
	}
	var app engine.Application
	if err := json.Unmarshal([]byte(out), &app); err != nil {
		t.Fatalf("decode application %q: %v", out, err)
	}
	if app.Name != "web" || app.DriverID != "local" {
		t.Fatalf("created application = %+v", app)
	}

	out, err = run(t, "--config", cfgPath, "apps", "list", "--project", "shop")
	if err != nil {
		t.Fatalf("apps list: %v", err)
	}
	if !strings.Contains(out, app.ID) {
		t.Errorf("apps list output missing %s:\n%s", app.ID, out)
	}

	out, err = run(t, "--config", cfgPath, "deploy", app.ID, "--ref", "v1", "--follow")
	if err != nil {
		t.Fatalf("deploy --follow: %v\n%s", err, out)
	}
	for _, want := range []string{"compiling", "running"} {
		if !strings.Contains(out, want) {
			t.Errorf("deploy output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "--config", cfgPath, "apps", "create", "web", "--project", "shop", "--driver", "local")
	if !engine.IsConflict(err) {
		t.Errorf("duplicate apps create error = %v, output %q", err, out)
	}

	if _, err := run(t, "--config", cfgPath, "apps", "delete", app.ID); err != nil {
		t.Fatalf("apps delete: %v", err)
	}
	if _, err := run(t, "--config", cfgPath, "apps", "show", app.ID); !engine.IsNotFound(err) {
		t.Errorf("apps show after delete error = %v", err)
	}
}

func TestDriversCommand(t *testing.T) {
	cfgPath := startServer(t)

	out, err := run(t, "--config", cfgPath, "drivers")
	if err != nil {
		t.Fatalf("drivers: %v", err)
	}
	if !strings.Contains(out, "local") || !strings.Contains(out, "memory") {
		t.Errorf("drivers output:\n%s", out)
	}
}

func TestParseVars(t *testing.T) {
	got := parseVars([]string{"region=eu", " replicas =3", "flag", "url=a=b"})
	want := map[string]interface{}{"region": "eu", "replicas": "3", "flag": "", "url": "a=b"}
	if len(got) != len(want) {
		t.Fatalf("parseVars() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("parseVars()[%q] = %v, want %v", k, got[k], v)
		}
	}
	if parseVars(nil) != nil {
		t.Error("parseVars(nil) should be nil")
	}
}

func TestFormatEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry logstream.Entry
		want  string
	}{
		{
			name:  "line",
			entry: logstream.Entry{Seq: 3, Kind: logstream.KindLine, Scope: engine.LogScopeBuilder, Text: "compiling"},
			want:  "compiling",
		},
		{
			name:  "failed phase",
			entry: logstream.Entry{Seq: 4, Kind: logstream.KindPhaseEnd, Result: &engine.PhaseResult{Detail: "exit 1"}},
			want:  "phase failed: exit 1",
		},
		{
			name:  "gap",
			entry: logstream.Entry{Seq: 5, Until: 9, Kind: logstream.KindUnavailable},
			want:  "entries 5-9 are no longer available",
		},
		{
			name:  "closed",
			entry: logstream.Entry{Seq: 10, Kind: logstream.KindClosed},
			want:  "--- end of log",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEntry(tt.entry); !strings.Contains(got, tt.want) {
				t.Errorf("formatEntry() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
