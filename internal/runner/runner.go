// Package runner executes subprocess-backed tasks: it spawns the task's
// entrypoint, writes one protocol request to its stdin and reads one response
// from its stdout.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/dioptra/internal/config"
	"github.com/mattjoyce/dioptra/internal/log"
	"github.com/mattjoyce/dioptra/internal/plugin"
	"github.com/mattjoyce/dioptra/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a task.
	maxStderrBytes = 64 * 1024

	// DefaultTimeout applies when neither the task nor the runner sets one.
	DefaultTimeout = 10 * time.Minute

	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// IdentityPrefix prefixes the implementation identity of subprocess tasks.
	IdentityPrefix = "subprocess:"
)

// ErrTimeout is wrapped by errors for tasks killed after their timeout.
var ErrTimeout = errors.New("task timed out")

// TaskError is a failure reported by the task itself (status "error").
type TaskError struct {
	Task    string
	Message string
	Stderr  string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.Task, e.Message)
}

// Runner spawns task entrypoints.
type Runner struct {
	Timeout     time.Duration
	GracePeriod time.Duration
	logger      *slog.Logger
}

// New creates a runner. A zero timeout means DefaultTimeout.
func New(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		Timeout:     timeout,
		GracePeriod: DefaultGracePeriod,
		logger:      log.WithComponent("runner"),
	}
}

// Invoker binds a task of a directory module to this runner. The identity is
// derived from the entrypoint's content, so an unchanged entrypoint
// re-registers idempotently.
func (r *Runner) Invoker(path plugin.ModulePath, task plugin.TaskSpec) (*Invoker, error) {
	hash, err := config.ComputeBlake3Hash(task.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("identify task %s: %w", task.Name, err)
	}
	return &Invoker{
		runner:   r,
		path:     path,
		task:     task,
		identity: IdentityPrefix + hash,
	}, nil
}

// Invoker runs one subprocess task. It implements plugin.Invoker.
type Invoker struct {
	runner   *Runner
	path     plugin.ModulePath
	task     plugin.TaskSpec
	identity string
}

// Identity returns "subprocess:" followed by the BLAKE3 digest of the entrypoint.
func (i *Invoker) Identity() string { return i.identity }

// Invoke sends args to the entrypoint and returns its outputs.
func (i *Invoker) Invoke(ctx context.Context, args []any) ([]any, error) {
	if n := len(i.task.Params); n > 0 && len(args) != n {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", plugin.ErrInvalidArguments, i.task.Name, n, len(args))
	}

	timeout := i.task.Timeout
	if timeout <= 0 {
		timeout = i.runner.Timeout
	}

	id := protocol.InvocationID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	logger := log.WithTask(i.path.String()+"."+i.task.Name).With("invocation_id", id)

	req := &protocol.Request{
		Protocol:     protocol.Version,
		InvocationID: id,
		Module:       i.path.String(),
		Task:         i.task.Name,
		Args:         args,
		DeadlineAt:   time.Now().Add(timeout),
	}

	resp, stderr, err := i.runner.spawn(ctx, i.task.Entrypoint, req, timeout, logger)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %v: %s", ErrTimeout, timeout, i.task.Name)
		}
		return nil, fmt.Errorf("run task %s: %w", i.task.Name, err)
	}

	for _, entry := range resp.Logs {
		logger.Log(ctx, levelOf(entry.Level), entry.Message, "source", "task")
	}

	if resp.Status == protocol.StatusError {
		logger.Warn("task returned error", "error", resp.Error)
		return nil, &TaskError{Task: i.task.Name, Message: resp.Error, Stderr: stderr}
	}

	outputs := resp.Outputs
	if outputs == nil {
		outputs = []any{}
	}
	return outputs, nil
}

// spawn starts the entrypoint, writes the request to stdin, and reads the
// response from stdout. It returns the response, captured stderr, and any error.
func (r *Runner) spawn(
	ctx context.Context,
	entrypoint string,
	req *protocol.Request,
	timeout time.Duration,
	logger *slog.Logger,
) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Termination is managed here rather than with CommandContext so the
	// task gets SIGTERM and a grace period before SIGKILL.
	cmd := exec.Command(entrypoint)
	cmd.Dir = filepath.Dir(entrypoint)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning task", "entrypoint", entrypoint, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var stopErr error
	select {
	case <-timeoutTimer.C:
		logger.Warn("task timed out, sending SIGTERM")
		stopErr = context.DeadlineExceeded
	case <-ctx.Done():
		logger.Warn("task cancelled, sending SIGTERM")
		stopErr = ctx.Err()
	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("task exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, rawBytes, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode task response", "error", err, "stdout", string(rawBytes), "stderr", stderrStr)
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}

	r.terminate(cmd, waitErr, logger)
	return nil, truncateStderr(stderr.String()), stopErr
}

// terminate sends SIGTERM, waits for the grace period, then sends SIGKILL.
func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.GracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("task exited after SIGTERM")
	case <-grace.C:
		logger.Warn("task did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func levelOf(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
