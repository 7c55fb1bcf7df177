package task

import "fmt"

// Result is what CallTask returns. Passing a *Result as an argument to a
// later CallTask passes its value and records the dependency.
type Result struct {
	ID        string
	Ref       TaskRef
	Identity  string
	Outputs   []any
	DependsOn []string

	variable bool
}

// Value is the single output of a fixed-output task, nil when it returned
// nothing, and a copy of all outputs otherwise.
func (r *Result) Value() any {
	if !r.variable {
		switch len(r.Outputs) {
		case 0:
			return nil
		case 1:
			return r.Outputs[0]
		}
	}
	return append([]any(nil), r.Outputs...)
}

// Output returns the i-th output.
func (r *Result) Output(i int) (any, error) {
	if i < 0 || i >= len(r.Outputs) {
		return nil, fmt.Errorf("task %s has %d outputs, no output %d", r.Ref, len(r.Outputs), i)
	}
	return r.Outputs[i], nil
}
