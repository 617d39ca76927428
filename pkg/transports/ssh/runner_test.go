package ssh

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hoistpaas/hoist/pkg/cmdutil"
)

func TestRunnerRun(t *testing.T) {
	server := newTestSSHServer(t)
	runner := NewRunner(newConnectedClient(t, server.clientConfig(t)))
	ctx := context.Background()

	tests := []struct {
		name       string
		argv       []string
		wantErr    bool
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{name: "simple echo", argv: []string{"echo", "test"}, wantStdout: "test"},
		{name: "quoted argument", argv: []string{"docker", "run", "--label", "hoist.app=my app"}, wantStdout: "command: docker run --label 'hoist.app=my app'"},
		{name: "exit with error", argv: []string{"sh", "-c", "exit 1"}, wantErr: true, wantCode: 1, wantStderr: "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := runner.Run(ctx, tt.argv)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if got := cmdutil.ExitCode(err); got != tt.wantCode {
					t.Errorf("ExitCode() = %d, want %d", got, tt.wantCode)
				}
			}
			if result.Stdout != tt.wantStdout {
				t.Errorf("Stdout = %q, want %q", result.Stdout, tt.wantStdout)
			}
			if result.Stderr != tt.wantStderr {
				t.Errorf("Stderr = %q, want %q", result.Stderr, tt.wantStderr)
			}
		})
	}

	if _, err := runner.Run(ctx, nil); err == nil {
		t.Error("Run() accepted an empty command")
	}
}

func TestRunnerStart(t *testing.T) {
	server := newTestSSHServer(t)
	runner := NewRunner(newConnectedClient(t, server.clientConfig(t)))

	proc, err := runner.Start(context.Background(), []string{"build", "web"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var lines []string
	scanner := bufio.NewScanner(proc.Output())
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if want := []string{"step 1", "step 2", "step 3"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("output = %v, want %v", lines, want)
	}
}

func TestRunnerFiles(t *testing.T) {
	server := newTestSSHServer(t)
	runner := NewRunner(newConnectedClient(t, server.clientConfig(t)))
	ctx := context.Background()

	path := filepath.ToSlash(filepath.Join(t.TempDir(), "routes", "web.example.com.conf"))
	if err := runner.WriteFile(ctx, path, []byte("reverse_proxy web:8080\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "reverse_proxy web:8080\n" {
		t.Errorf("uploaded content = %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary upload file left behind")
	}

	if err := runner.RemoveFile(ctx, path); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}
	if err := runner.RemoveFile(ctx, path); err != nil {
		t.Errorf("RemoveFile() of a missing file error = %v", err)
	}
}
