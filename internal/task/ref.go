package task

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/dioptra/internal/plugin"
)

// TaskRef names a task: a module path and a function name.
type TaskRef struct {
	Path plugin.ModulePath
	Name string
}

// ParseTaskRef parses "namespace.package.module.name".
func ParseTaskRef(s string) (TaskRef, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return TaskRef{}, fmt.Errorf("invalid task reference %q: want namespace.package.module.name", s)
	}
	path, err := plugin.ParseModulePath(s[:i])
	if err != nil {
		return TaskRef{}, fmt.Errorf("invalid task reference %q: %w", s, err)
	}
	ref := TaskRef{Path: path, Name: s[i+1:]}
	if ref.Name == "" {
		return TaskRef{}, fmt.Errorf("invalid task reference %q: empty function name", s)
	}
	return ref, nil
}

// NewTaskRef builds a reference from its four parts.
func NewTaskRef(namespace, pkg, module, name string) TaskRef {
	return TaskRef{Path: plugin.ModulePath{Namespace: namespace, Package: pkg, Module: module}, Name: name}
}

func (r TaskRef) String() string {
	return r.Path.String() + "." + r.Name
}
