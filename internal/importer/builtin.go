package importer

import (
	"context"
	"fmt"

	"github.com/mattjoyce/dioptra/internal/plugin"
)

// Module is a compiled-in plugin module. Register runs when the module is
// imported and must only register.
type Module struct {
	Path        plugin.ModulePath
	Register    func(r *Registrar) error
	EntryPoints []string
}

// Builtin loads modules from a manifest compiled into the binary.
type Builtin struct {
	modules map[plugin.ModulePath]Module
	order   []plugin.ModulePath
}

// NewBuiltin creates a loader for mods. Paths must be valid and unique.
func NewBuiltin(mods ...Module) (*Builtin, error) {
	b := &Builtin{modules: make(map[plugin.ModulePath]Module, len(mods))}
	for _, m := range mods {
		if err := m.Path.Validate(); err != nil {
			return nil, err
		}
		if m.Register == nil {
			return nil, fmt.Errorf("builtin module %s has no Register routine", m.Path)
		}
		if _, ok := b.modules[m.Path]; ok {
			return nil, fmt.Errorf("builtin module %s listed twice", m.Path)
		}
		b.modules[m.Path] = m
		b.order = append(b.order, m.Path)
	}
	return b, nil
}

// Modules returns the manifest's module paths in declaration order.
func (b *Builtin) Modules() []plugin.ModulePath {
	return append([]plugin.ModulePath(nil), b.order...)
}

// Load runs the module's Register routine.
func (b *Builtin) Load(_ context.Context, path plugin.ModulePath, r *Registrar) (bool, error) {
	m, ok := b.modules[path]
	if !ok {
		return false, nil
	}
	if err := m.Register(r); err != nil {
		return true, err
	}
	return true, nil
}

// Advertise publishes the manifest's entry points.
func (b *Builtin) Advertise(_ context.Context, reg *plugin.Registry) error {
	for _, path := range b.order {
		for _, group := range b.modules[path].EntryPoints {
			if err := reg.Advertise(group, path); err != nil {
				return fmt.Errorf("module %s: %w", path, err)
			}
		}
	}
	return nil
}
