// Package remote drives the build host over ssh/scp and interprets the
// remote toolchain's output.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/jaestefaniah27/arcompile/internal/config"
)

// Runner abstracts process execution so the ssh/scp paths are testable.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Executor runs commands on the remote build host and moves files across.
// Every call is bounded by a timeout; read-only calls and transfers are
// retried with fixed backoff, mutating calls are not.
type Executor struct {
	cfg    config.Config
	runner Runner
	log    *slog.Logger
}

func NewExecutor(cfg config.Config, log *slog.Logger) *Executor {
	return &Executor{cfg: cfg, runner: OSRunner{}, log: log}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner, log *slog.Logger) *Executor {
	e := NewExecutor(cfg, log)
	e.runner = runner
	return e
}

// Remote runs one command on the build host. No retries: mutating remote
// commands must not be repeated blindly.
func (e *Executor) Remote(ctx context.Context, command ...string) (string, error) {
	return e.run(ctx, e.cfg.CommandTimeout, false, "ssh", e.sshArgs(command)...)
}

// RemoteQuery runs a read-only command on the build host, retrying
// transient failures.
func (e *Executor) RemoteQuery(ctx context.Context, command ...string) (string, error) {
	return e.run(ctx, e.cfg.CommandTimeout, true, "ssh", e.sshArgs(command)...)
}

// RemoteLong runs a long command (compilation) under its own timeout.
// Output is returned even on failure so callers can inspect it.
func (e *Executor) RemoteLong(ctx context.Context, timeout time.Duration, command ...string) (string, error) {
	return e.run(ctx, timeout, false, "ssh", e.sshArgs(command)...)
}

// CopyTo transfers local paths into a remote directory.
func (e *Executor) CopyTo(ctx context.Context, localPaths []string, remoteDir string) error {
	args := append([]string{"-o", "BatchMode=yes", "-r"}, localPaths...)
	args = append(args, fmt.Sprintf("%s:%s/", e.cfg.RemoteHost, remoteDir))
	_, err := e.run(ctx, e.cfg.CommandTimeout, true, "scp", args...)
	return err
}

// CopyFrom transfers a remote glob into a local directory.
func (e *Executor) CopyFrom(ctx context.Context, remoteGlob, localDir string) error {
	args := []string{
		"-o", "BatchMode=yes",
		fmt.Sprintf("%s:%s", e.cfg.RemoteHost, remoteGlob),
		localDir,
	}
	_, err := e.run(ctx, e.cfg.CommandTimeout, true, "scp", args...)
	return err
}

func (e *Executor) sshArgs(command []string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(e.cfg.ConnectTimeout.Seconds())),
		e.cfg.RemoteHost,
	}
	return append(args, command...)
}

func (e *Executor) run(ctx context.Context, timeout time.Duration, retry bool, name string, args ...string) (string, error) {
	maxAttempts := 1
	if retry {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastOut string
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.log.Debug("exec", "cmd", name, "args", strings.Join(args, " "), "attempt", attempt)
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := e.runner.Run(runCtx, name, args...)
		cancel()
		if err == nil {
			return string(out), nil
		}
		lastOut, lastErr = string(out), err
		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			e.log.Debug("retrying after failure", "cmd", name, "backoff", backoff, "err", err)
			select {
			case <-ctx.Done():
				return lastOut, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastOut, fmt.Errorf("%s: %w", name, lastErr)
}
