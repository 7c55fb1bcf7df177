// Package inspect renders the lineage of a task invocation: every invocation
// whose result fed into it, dependencies first.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/dioptra/internal/task"
)

// GraphSource returns the invocations reachable from id through depends_on.
type GraphSource interface {
	Graph(ctx context.Context, id string) (map[string]*task.Record, error)
}

// Report is the structured JSON representation of a lineage report.
type Report struct {
	InvocationID string `json:"invocation_id"`
	Task         string `json:"task"`
	Status       string `json:"status"`
	Depth        int    `json:"depth"`
	Steps        []Step `json:"steps"`
}

// Step is one invocation in the lineage.
type Step struct {
	Depth          int      `json:"depth"`
	InvocationID   string   `json:"invocation_id"`
	Task           string   `json:"task"`
	Implementation string   `json:"implementation"`
	Status         string   `json:"status"`
	Error          string   `json:"error,omitempty"`
	DependsOn      []string `json:"depends_on"`
	StartedAt      string   `json:"started_at"`
	Duration       string   `json:"duration,omitempty"`
}

// BuildReport renders a terminal-friendly lineage report for an invocation.
func BuildReport(ctx context.Context, src GraphSource, id string) (string, error) {
	report, err := gatherReportData(ctx, src, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Lineage Report\n")
	fmt.Fprintf(&out, "Invocation  : %s\n", report.InvocationID)
	fmt.Fprintf(&out, "Task        : %s\n", report.Task)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Depth       : %d\n", report.Depth)
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s\n", step.Depth, step.Task)
		fmt.Fprintf(&out, "    invocation : %s\n", step.InvocationID)
		fmt.Fprintf(&out, "    impl       : %s\n", step.Implementation)
		fmt.Fprintf(&out, "    status     : %s\n", step.Status)
		if step.Error != "" {
			fmt.Fprintf(&out, "    error      : %s\n", firstLine(step.Error))
		}
		if len(step.DependsOn) == 0 {
			fmt.Fprintf(&out, "    depends_on : <none>\n")
		} else {
			fmt.Fprintf(&out, "    depends_on :\n")
			for _, dep := range step.DependsOn {
				fmt.Fprintf(&out, "      - %s\n", dep)
			}
		}
		fmt.Fprintf(&out, "    started_at : %s\n", step.StartedAt)
		fmt.Fprintf(&out, "    duration   : %s\n", renderUnset(step.Duration, "<running>"))
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON lineage report.
func BuildJSONReport(ctx context.Context, src GraphSource, id string) (string, error) {
	report, err := gatherReportData(ctx, src, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src GraphSource, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("invocation id is required")
	}

	graph, err := src.Graph(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load lineage: %w", err)
	}
	root, ok := graph[id]
	if !ok {
		return nil, fmt.Errorf("invocation %q not found", id)
	}

	depth := depths(graph)
	order := make([]*task.Record, 0, len(graph))
	for _, rec := range graph {
		order = append(order, rec)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if depth[a.ID] != depth[b.ID] {
			return depth[a.ID] < depth[b.ID]
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})

	report := &Report{
		InvocationID: root.ID,
		Task:         root.Ref.String(),
		Status:       string(root.Status),
		Depth:        depth[root.ID],
		Steps:        make([]Step, 0, len(order)),
	}
	for _, rec := range order {
		step := Step{
			Depth:          depth[rec.ID],
			InvocationID:   rec.ID,
			Task:           rec.Ref.String(),
			Implementation: rec.Implementation,
			Status:         string(rec.Status),
			Error:          rec.Error,
			DependsOn:      append([]string{}, rec.DependsOn...),
			StartedAt:      rec.StartedAt.UTC().Format(time.RFC3339Nano),
		}
		if !rec.CompletedAt.IsZero() {
			step.Duration = rec.CompletedAt.Sub(rec.StartedAt).String()
		}
		report.Steps = append(report.Steps, step)
	}
	return report, nil
}

// depths assigns each invocation the length of its longest dependency
// chain. Dependencies outside the graph count as depth 0.
func depths(graph map[string]*task.Record) map[string]int {
	out := make(map[string]int, len(graph))
	visiting := make(map[string]bool)
	var visit func(id string) int
	visit = func(id string) int {
		if d, ok := out[id]; ok {
			return d
		}
		rec, ok := graph[id]
		if !ok || visiting[id] {
			return -1
		}
		visiting[id] = true
		d := 0
		for _, dep := range rec.DependsOn {
			if dd := visit(dep) + 1; dd > d {
				d = dd
			}
		}
		visiting[id] = false
		out[id] = d
		return d
	}
	for id := range graph {
		visit(id)
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
