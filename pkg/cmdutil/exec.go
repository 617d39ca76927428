// Package cmdutil runs commands for drivers that shell out to a container
// runtime. Commands are argument vectors, never shell strings, and are built
// from shell-quoted templates.
package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
)

// Result contains the result of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a command that ran and exited with a non-zero status.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// ExitCode returns the exit status carried by err, or -1 when err is not an ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return -1
}

// Process is a started command whose combined output is read line by line.
type Process interface {
	// Output is the merged stdout and stderr of the command.
	Output() io.Reader

	// Wait blocks until the command exits. A non-zero exit is reported as
	// an exit code, not an error.
	Wait() (exitCode int, err error)

	// Kill stops the command.
	Kill() error
}

// Runner executes commands on a host.
type Runner interface {
	Run(ctx context.Context, argv []string) (*Result, error)
	Start(ctx context.Context, argv []string) (Process, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	RemoveFile(ctx context.Context, path string) error
}

// LocalRunner executes commands on the local machine.
type LocalRunner struct {
	// Dir is the working directory of every command.
	Dir string

	// Env is appended to the process environment.
	Env []string
}

var _ Runner = (*LocalRunner)(nil)

func (r *LocalRunner) command(ctx context.Context, argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	return cmd, nil
}

// Run executes argv and waits for it. A non-zero exit returns the result
// together with an *ExitError.
func (r *LocalRunner) Run(ctx context.Context, argv []string) (*Result, error) {
	cmd, err := r.command(ctx, argv)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	result := &Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return result, &ExitError{Command: FormatCommand(argv), ExitCode: result.ExitCode, Stderr: result.Stderr}
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return result, nil
}

// Start launches argv with its stdout and stderr merged into one pipe.
func (r *LocalRunner) Start(ctx context.Context, argv []string) (Process, error) {
	cmd, err := r.command(ctx, argv)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	return &localProcess{cmd: cmd, out: pr, pw: pw}, nil
}

// WriteFile writes data to path, creating parent directories.
func (r *LocalRunner) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// RemoveFile removes path. A missing file is not an error.
func (r *LocalRunner) RemoveFile(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

type localProcess struct {
	cmd  *exec.Cmd
	out  *io.PipeReader
	pw   *io.PipeWriter
	once sync.Once
	code int
	err  error
}

func (p *localProcess) Output() io.Reader { return p.out }

func (p *localProcess) Wait() (int, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		_ = p.pw.Close()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code, p.err = -1, err
		}
	})
	return p.code, p.err
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return p.cmd.Process.Kill()
	}
	return nil
}

// ParseCommandString parses a shell-quoted command string into parts.
//
// Example:
//
//	"git commit -m \"my message\"" -> ["git", "commit", "-m", "my message"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// FormatCommand formats command parts into a readable string for logging.
func FormatCommand(argv []string) string {
	if len(argv) == 0 {
		return "<empty command>"
	}
	return shellquote.Join(argv...)
}

// SanitizeOutput removes secrets from command output before it is logged.
func SanitizeOutput(output string, secrets []string) string {
	for _, secret := range secrets {
		if secret != "" {
			output = strings.ReplaceAll(output, secret, "***REDACTED***")
		}
	}
	return output
}
