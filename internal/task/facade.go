// Package task is the call-site API for running registered tasks by name.
package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/dioptra/internal/log"
	"github.com/mattjoyce/dioptra/internal/plugin"
	"github.com/mattjoyce/dioptra/internal/protocol"
)

// Facade resolves tasks through the registry, importing their modules on
// first use.
type Facade struct {
	registry *plugin.Registry
	importer Importer
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Facade.
type Option func(*Facade)

// WithRecorder sends an invocation record for every CallTask.
func WithRecorder(r Recorder) Option {
	return func(f *Facade) { f.recorder = r }
}

// WithLogger replaces the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// NewFacade creates a facade over reg, importing modules through imp.
func NewFacade(reg *plugin.Registry, imp Importer, opts ...Option) *Facade {
	f := &Facade{
		registry: reg,
		importer: imp,
		logger:   log.WithComponent("task"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// GetTask imports the task's module if needed and returns the function
// without calling it. Import failures are *plugin.PluginImportError; lookup
// failures match plugin.ErrUnknownPlugin or plugin.ErrUnknownPluginFunction.
func (f *Facade) GetTask(ctx context.Context, ref TaskRef) (*plugin.Function, error) {
	if err := f.importer.Import(ctx, ref.Path); err != nil {
		return nil, err
	}
	return f.registry.Get(ref.Path, ref.Name)
}

// CallTask runs the task with args. *Result arguments are replaced by their
// Value and recorded as dependencies. Errors from the task are returned
// unmodified.
func (f *Facade) CallTask(ctx context.Context, ref TaskRef, args ...any) (*Result, error) {
	fn, err := f.GetTask(ctx, ref)
	if err != nil {
		return nil, err
	}

	callArgs := make([]any, len(args))
	var deps []string
	for i, arg := range args {
		if r, ok := arg.(*Result); ok && r != nil {
			callArgs[i] = r.Value()
			deps = append(deps, r.ID)
			continue
		}
		callArgs[i] = arg
	}

	id := f.newID()
	logger := f.logger.With("task", ref.String(), "invocation_id", id)
	f.start(ctx, logger, Record{
		ID:             id,
		Ref:            ref,
		Implementation: fn.Identity(),
		Status:         StatusRunning,
		DependsOn:      deps,
		StartedAt:      f.now(),
	})

	logger.Debug("calling task", "implementation", fn.Identity(), "depends_on", deps)
	outputs, err := fn.Call(protocol.WithInvocationID(ctx, id), callArgs...)
	if err != nil {
		logger.Warn("task failed", "error", err)
		f.finish(ctx, logger, id, StatusFailed, err.Error())
		return nil, err
	}
	f.finish(ctx, logger, id, StatusSucceeded, "")

	return &Result{
		ID:        id,
		Ref:       ref,
		Identity:  fn.Identity(),
		Outputs:   outputs,
		DependsOn: deps,
		variable:  fn.Outputs == plugin.OutputsVariable,
	}, nil
}

// Recording failures are logged and never fail the task.
func (f *Facade) start(ctx context.Context, logger *slog.Logger, rec Record) {
	if f.recorder == nil {
		return
	}
	if err := f.recorder.Start(ctx, rec); err != nil {
		logger.Warn("failed to record invocation start", "error", err)
	}
}

func (f *Facade) finish(ctx context.Context, logger *slog.Logger, id string, status Status, errMsg string) {
	if f.recorder == nil {
		return
	}
	if err := f.recorder.Finish(ctx, id, status, errMsg, f.now()); err != nil {
		logger.Warn("failed to record invocation result", "error", err)
	}
}
