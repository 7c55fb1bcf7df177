package task

import (
	"context"
	"time"

	"github.com/mattjoyce/dioptra/internal/plugin"
)

//go:generate mockgen -destination=mocks/mock_task.go -package=mocks github.com/mattjoyce/dioptra/internal/task Importer,Recorder

// Importer ensures a module has been imported, at most once per process.
type Importer interface {
	Import(ctx context.Context, path plugin.ModulePath) error
}

// Status is the state of a task invocation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record describes one task invocation. Output values are never recorded.
type Record struct {
	ID             string
	Ref            TaskRef
	Implementation string
	Status         Status
	Error          string
	DependsOn      []string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Recorder receives invocation records, for the workflow engine to rebuild
// the dependency graph of a run.
type Recorder interface {
	Start(ctx context.Context, rec Record) error
	Finish(ctx context.Context, id string, status Status, errMsg string, at time.Time) error
}
