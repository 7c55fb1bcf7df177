package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/dioptra/internal/inspect"
	"github.com/mattjoyce/dioptra/internal/invocations"
	"github.com/mattjoyce/dioptra/internal/storage"
	"github.com/mattjoyce/dioptra/internal/task"
)

var errStateDisabled = errors.New("invocation log is disabled (state.disabled: true)")

func runInvocationNoun(args []string) int {
	return dispatchNoun("invocation", args, map[string]func([]string) int{
		"list": runInvocationList,
		"show": runInvocationShow,
	}, map[string]string{
		"list": "Usage: dioptra-task invocation list [--config PATH] [--limit N] [--task ns.pkg.mod.name] [--json]",
		"show": "Usage: dioptra-task invocation show [--config PATH] [--json] <invocation-id>",
	})
}

// openStore opens only the invocation log; listing history never imports
// plugins.
func openStore(ctx context.Context, configFlag string) (*invocations.Store, func() error, error) {
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return nil, nil, err
	}
	if cfg.State.Disabled {
		return nil, nil, errStateDisabled
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open invocation log: %w", err)
	}
	return invocations.New(db), db.Close, nil
}

// invocationRow is the JSON rendering of one record in "invocation list".
type invocationRow struct {
	ID             string   `json:"id"`
	Task           string   `json:"task"`
	Implementation string   `json:"implementation"`
	Status         string   `json:"status"`
	Error          string   `json:"error,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	StartedAt      string   `json:"started_at"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

func toRow(rec *task.Record) invocationRow {
	row := invocationRow{
		ID:             rec.ID,
		Task:           rec.Ref.String(),
		Implementation: rec.Implementation,
		Status:         string(rec.Status),
		Error:          rec.Error,
		DependsOn:      rec.DependsOn,
		StartedAt:      rec.StartedAt.UTC().Format(time.RFC3339),
	}
	if !rec.CompletedAt.IsZero() {
		row.CompletedAt = rec.CompletedAt.UTC().Format(time.RFC3339)
	}
	return row
}

func runInvocationList(args []string) int {
	fs := flag.NewFlagSet("invocation list", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	limit := fs.Int("limit", 50, "Maximum number of invocations to show")
	taskFilter := fs.String("task", "", "Only show invocations of this task")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeFn, err := openStore(ctx, *configFlag)
	if err != nil {
		return exitCode(err)
	}
	defer closeFn()

	var recs []*task.Record
	if *taskFilter != "" {
		ref, err := task.ParseTaskRef(*taskFilter)
		if err != nil {
			return exitCode(err)
		}
		recs, err = store.ForTask(ctx, ref.Path, ref.Name, *limit)
		if err != nil {
			return exitCode(err)
		}
	} else {
		recs, err = store.List(ctx, *limit)
		if err != nil {
			return exitCode(err)
		}
	}

	rows := make([]invocationRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, toRow(rec))
	}
	if *jsonOut {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No invocations recorded.")
		return 0
	}
	for _, r := range rows {
		fmt.Printf("%s  %-9s  %s  %s", r.ID, r.Status, r.StartedAt, r.Task)
		if len(r.DependsOn) > 0 {
			fmt.Printf("  <- %s", strings.Join(r.DependsOn, ", "))
		}
		fmt.Println()
	}
	return 0
}

func runInvocationShow(args []string) int {
	fs := flag.NewFlagSet("invocation show", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: dioptra-task invocation show <invocation-id>")
		return 1
	}

	ctx := context.Background()
	store, closeFn, err := openStore(ctx, *configFlag)
	if err != nil {
		return exitCode(err)
	}
	defer closeFn()

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, fs.Arg(0))
	} else {
		out, err = inspect.BuildReport(ctx, store, fs.Arg(0))
	}
	if err != nil {
		return exitCode(err)
	}
	fmt.Print(out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
	return 0
}
