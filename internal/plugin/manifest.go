package plugin

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SupportedManifestSpec    = "dioptra.task-module"
	SupportedManifestVersion = 1
)

// ParamType is the declared type of a subprocess task parameter.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
	ParamObject ParamType = "object"
	ParamArray  ParamType = "array"
	ParamAny    ParamType = "any"
)

var paramGoTypes = map[ParamType]reflect.Type{
	ParamInt:    reflect.TypeOf(int64(0)),
	ParamFloat:  reflect.TypeOf(float64(0)),
	ParamString: reflect.TypeOf(""),
	ParamBool:   reflect.TypeOf(false),
	ParamObject: reflect.TypeOf(map[string]any(nil)),
	ParamArray:  reflect.TypeOf([]any(nil)),
	ParamAny:    reflect.TypeOf((*any)(nil)).Elem(),
}

func (t ParamType) valid() bool {
	_, ok := paramGoTypes[t]
	return ok
}

// GoType maps the declared type onto the Go type used for Function.Params.
func (t ParamType) GoType() reflect.Type {
	return paramGoTypes[t]
}

// Param declares one positional parameter of a task.
type Param struct {
	Name string    `yaml:"name"`
	Type ParamType `yaml:"type"`
}

// Params is a list of positional parameters.
//
// Accepted formats:
//   - type list: params: [int, float]
//   - object list: params: [{name: seed, type: int}]
type Params []Param

func (p *Params) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*p = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("params must be a sequence")
	}

	out := make([]Param, 0, len(n.Content))
	for i, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Param{
				Name: fmt.Sprintf("arg%d", i),
				Type: ParamType(strings.TrimSpace(item.Value)),
			})
		case yaml.MappingNode:
			var tmp Param
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid param object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			if tmp.Name == "" {
				tmp.Name = fmt.Sprintf("arg%d", i)
			}
			if tmp.Type == "" {
				tmp.Type = ParamAny
			}
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid param entry (must be string or object)")
		}
	}

	*p = out
	return nil
}

// GoTypes returns the Go types of the declared parameters.
func (p Params) GoTypes() []reflect.Type {
	out := make([]reflect.Type, len(p))
	for i, param := range p {
		out[i] = param.Type.GoType()
	}
	return out
}

// TaskSpec declares one subprocess-backed task of a directory module.
type TaskSpec struct {
	Name        string        `yaml:"name"`
	Entrypoint  string        `yaml:"entrypoint"`
	Description string        `yaml:"description,omitempty"`
	Params      Params        `yaml:"params,omitempty"`
	Outputs     string        `yaml:"outputs,omitempty"` // fixed | variable
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// OutputKind returns the declared output arity.
func (t TaskSpec) OutputKind() Outputs {
	if t.Outputs == "variable" {
		return OutputsVariable
	}
	return OutputsFixed
}

// Manifest defines the structure of a directory module's manifest.yaml.
type Manifest struct {
	ManifestSpec    string     `yaml:"manifest_spec"`
	ManifestVersion int        `yaml:"manifest_version"`
	Protocol        int        `yaml:"protocol"`
	Description     string     `yaml:"description,omitempty"`
	Tasks           []TaskSpec `yaml:"tasks"`
	EntryPoints     []string   `yaml:"entry_points,omitempty"`
}

// DirModule is a validated plugin module found on the search path.
type DirModule struct {
	Path        ModulePath
	Dir         string // absolute module directory
	Root        string // search path entry the module was found under
	Description string
	Protocol    int
	Tasks       []TaskSpec // entrypoints resolved to absolute paths
	EntryPoints []string
}

// Task returns the task spec with the given name.
func (m *DirModule) Task(name string) (TaskSpec, bool) {
	for _, t := range m.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.ManifestSpec) == "" {
		return fmt.Errorf("manifest_spec is required")
	}
	if m.ManifestSpec != SupportedManifestSpec {
		return fmt.Errorf("unsupported manifest_spec %q (supported: %q)", m.ManifestSpec, SupportedManifestSpec)
	}
	if m.ManifestVersion == 0 {
		return fmt.Errorf("manifest_version is required")
	}
	if m.ManifestVersion != SupportedManifestVersion {
		return fmt.Errorf("unsupported manifest_version %d (supported: %d)", m.ManifestVersion, SupportedManifestVersion)
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}

	seen := make(map[string]bool, len(m.Tasks))
	for i, t := range m.Tasks {
		if t.Name == "" {
			return fmt.Errorf("tasks[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("task %q declared twice", t.Name)
		}
		seen[t.Name] = true

		if t.Entrypoint == "" {
			return fmt.Errorf("task %q: entrypoint is required", t.Name)
		}
		if strings.Contains(t.Entrypoint, "..") {
			return fmt.Errorf("task %q: entrypoint contains path traversal: %s", t.Name, t.Entrypoint)
		}
		if t.Outputs != "" && t.Outputs != "fixed" && t.Outputs != "variable" {
			return fmt.Errorf("task %q: invalid outputs %q (valid: fixed, variable)", t.Name, t.Outputs)
		}
		if t.Timeout < 0 {
			return fmt.Errorf("task %q: timeout must not be negative", t.Name)
		}
		for _, p := range t.Params {
			if !p.Type.valid() {
				return fmt.Errorf("task %q: param %q has invalid type %q", t.Name, p.Name, p.Type)
			}
		}
	}

	for _, group := range m.EntryPoints {
		if strings.TrimSpace(group) == "" {
			return fmt.Errorf("entry_points must not contain empty names")
		}
	}
	return nil
}
