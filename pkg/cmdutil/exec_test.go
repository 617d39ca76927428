package cmdutil

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
)

func TestLocalRunnerRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX commands")
	}
	r := &LocalRunner{}
	ctx := context.Background()

	tests := []struct {
		name     string
		argv     []string
		wantErr  bool
		wantCode int
	}{
		{"successful command", []string{"echo", "hello"}, false, 0},
		{"non-zero exit", []string{"sh", "-c", "echo oops >&2; exit 3"}, true, 3},
		{"empty command", nil, true, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := r.Run(ctx, tt.argv)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantCode > 0 {
				if got := ExitCode(err); got != tt.wantCode {
					t.Errorf("ExitCode() = %d, want %d", got, tt.wantCode)
				}
				if result.Stderr != "oops" {
					t.Errorf("Stderr = %q", result.Stderr)
				}
			}
			if !tt.wantErr && result.Stdout != "hello" {
				t.Errorf("Stdout = %q, want hello", result.Stdout)
			}
		})
	}
}

func TestLocalRunnerStart(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX commands")
	}
	r := &LocalRunner{}
	proc, err := r.Start(context.Background(), []string{"sh", "-c", "echo one; echo two >&2; exit 2"})
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
	if !reflect.DeepEqual(lines, []string{"one", "two"}) {
		t.Errorf("output = %v", lines)
	}
}

func TestLocalRunnerFiles(t *testing.T) {
	r := &LocalRunner{}
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "routes", "web.conf")

	if err := r.WriteFile(ctx, path, []byte("route"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "route" {
		t.Fatalf("ReadFile() = %q, %v", data, err)
	}
	if err := r.RemoveFile(ctx, path); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}
	if err := r.RemoveFile(ctx, path); err != nil {
		t.Errorf("RemoveFile() of a missing file error = %v", err)
	}
}

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{`docker build -t app .`, []string{"docker", "build", "-t", "app", "."}, false},
		{`sh -c "echo 'a b'"`, []string{"sh", "-c", "echo 'a b'"}, false},
		{``, nil, true},
		{`echo "unterminated`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommandString(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommandString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatCommandAndSanitize(t *testing.T) {
	if got := FormatCommand([]string{"git", "commit", "-m", "my message"}); got != `git commit -m 'my message'` {
		t.Errorf("FormatCommand() = %s", got)
	}
	if got := FormatCommand(nil); got != "<empty command>" {
		t.Errorf("FormatCommand(nil) = %s", got)
	}
	if got := SanitizeOutput("token=abc123", []string{"abc123", ""}); got != "token=***REDACTED***" {
		t.Errorf("SanitizeOutput() = %s", got)
	}
}

func TestExitError(t *testing.T) {
	err := error(&ExitError{Command: "docker build", ExitCode: 1, Stderr: "no Dockerfile"})
	if ExitCode(err) != 1 {
		t.Errorf("ExitCode() = %d", ExitCode(err))
	}
	if ExitCode(errors.New("boom")) != -1 {
		t.Error("ExitCode() of a plain error is not -1")
	}
}
