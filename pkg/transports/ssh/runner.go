package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/hoistpaas/hoist/pkg/cmdutil"
)

// Runner executes commands and writes files on the remote host. Argument
// vectors are shell-quoted before they are sent, since an SSH exec request
// carries a single command line.
type Runner struct {
	client *Client
}

var _ cmdutil.Runner = (*Runner)(nil)

// NewRunner returns a runner over client.
func NewRunner(client *Client) *Runner {
	return &Runner{client: client}
}

// Client returns the underlying connection.
func (r *Runner) Client() *Client { return r.client }

func (r *Runner) session(ctx context.Context, op string) (*ssh.Session, error) {
	conn, err := r.client.conn(ctx)
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		r.client.reset(conn)
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	return session, nil
}

// Run executes argv on the remote host and waits for it.
func (r *Runner) Run(ctx context.Context, argv []string) (*cmdutil.Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := cmdutil.FormatCommand(argv)
	start := time.Now()

	session, err := r.session(ctx, "execute")
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result := &cmdutil.Result{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, &cmdutil.ExitError{Command: cmd, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	result.ExitCode = -1
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
}

// Start launches argv with stdout and stderr merged into one stream.
func (r *Runner) Start(ctx context.Context, argv []string) (cmdutil.Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	session, err := r.session(ctx, "start")
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw
	if err := session.Start(cmdutil.FormatCommand(argv)); err != nil {
		_ = session.Close()
		_ = pw.Close()
		return nil, &TransportError{Op: "start", Err: err, IsTemporary: true}
	}

	p := &remoteProcess{session: session, out: pr, pw: pw, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill()
		case <-p.done:
		}
	}()
	return p, nil
}

// WriteFile uploads data to path over SFTP. The file is written next to its
// destination and renamed into place.
func (r *Runner) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	client, err := r.client.sftpClient(ctx)
	if err != nil {
		return err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("create directory for %s: %w", remotePath, err)}
	}

	tmp := remotePath + ".tmp"
	f, err := client.Create(tmp)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("create %s: %w", tmp, err), IsTemporary: true}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return &TransportError{Op: "upload", Err: fmt.Errorf("write %s: %w", tmp, err), IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := client.Chmod(tmp, mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("chmod %s: %w", tmp, err)}
	}
	if err := client.PosixRename(tmp, remotePath); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("rename %s: %w", tmp, err)}
	}

	log.Debug().Str("path", remotePath).Int("bytes", len(data)).Msg("file uploaded")
	return nil
}

// RemoveFile deletes path over SFTP. A missing file is not an error.
func (r *Runner) RemoveFile(ctx context.Context, remotePath string) error {
	client, err := r.client.sftpClient(ctx)
	if err != nil {
		return err
	}
	if err := client.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &TransportError{Op: "remove", Err: fmt.Errorf("remove %s: %w", remotePath, err)}
	}
	return nil
}

type remoteProcess struct {
	session *ssh.Session
	out     *io.PipeReader
	pw      *io.PipeWriter
	done    chan struct{}

	once sync.Once
	code int
	err  error
}

func (p *remoteProcess) Output() io.Reader { return p.out }

func (p *remoteProcess) Wait() (int, error) {
	p.once.Do(func() {
		err := p.session.Wait()
		_ = p.pw.Close()
		_ = p.session.Close()
		close(p.done)

		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitStatus()
		default:
			p.code, p.err = -1, &TransportError{Op: "wait", Err: err, IsTemporary: true}
		}
	})
	return p.code, p.err
}

func (p *remoteProcess) Kill() error {
	if err := p.session.Signal(ssh.SIGTERM); err != nil {
		return p.session.Close()
	}
	return nil
}
