package importer

import (
	"github.com/mattjoyce/dioptra/internal/generic"
	"github.com/mattjoyce/dioptra/internal/plugin"
)

// Registrar is handed to a module while it is imported. Everything it
// registers lands under the module's path, and is staged until the loader
// returns: a module whose import fails leaves no trace in the registry.
type Registrar struct {
	path     plugin.ModulePath
	registry *plugin.Registry
	generics *generic.Set

	funcs []*plugin.Function
	impls []stagedImpl
}

type stagedImpl struct {
	generic *generic.Generic
	impl    any
}

// newRegistrar creates a registrar for the module at path.
func newRegistrar(path plugin.ModulePath, reg *plugin.Registry, generics *generic.Set) *Registrar {
	return &Registrar{path: path, registry: reg, generics: generics}
}

// Register stages a Go func as a task of the module. Conflicts with the
// registry or with earlier staged tasks are reported here.
func (r *Registrar) Register(fn any, opts ...plugin.RegisterOption) (*plugin.Function, error) {
	f, err := plugin.NewFunction(r.path, fn, opts...)
	if err != nil {
		return nil, err
	}
	return r.stage(f)
}

// RegisterInvoker stages a task backed by a custom invoker.
func (r *Registrar) RegisterInvoker(name string, inv plugin.Invoker, opts ...plugin.RegisterOption) (*plugin.Function, error) {
	f, err := plugin.NewInvokerFunction(r.path, name, inv, opts...)
	if err != nil {
		return nil, err
	}
	return r.stage(f)
}

func (r *Registrar) stage(f *plugin.Function) (*plugin.Function, error) {
	for _, s := range r.funcs {
		if s.Name == f.Name {
			return plugin.Reconcile(s, f)
		}
	}
	existing, err := r.registry.Lookup(f)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	r.funcs = append(r.funcs, f)
	return f, nil
}

// Generic returns a previously declared generic. Use Implement, not the
// generic's Register, to contribute implementations from a module.
func (r *Registrar) Generic(name string) (*generic.Generic, error) {
	return r.generics.Lookup(name)
}

// Implement stages impl as an implementation of the named generic.
func (r *Registrar) Implement(name string, impl any) error {
	g, err := r.generics.Lookup(name)
	if err != nil {
		return err
	}
	r.impls = append(r.impls, stagedImpl{generic: g, impl: impl})
	return nil
}

// commit publishes the staged registrations. Generic implementations go
// first and are withdrawn again if anything after them fails.
func (r *Registrar) commit() error {
	var added []*generic.Implementation
	var owners []*generic.Generic
	rollback := func() {
		for i := len(added) - 1; i >= 0; i-- {
			owners[i].Unregister(added[i])
		}
	}

	for _, s := range r.impls {
		im, created, err := s.generic.Add(s.impl)
		if err != nil {
			rollback()
			return err
		}
		if created {
			added = append(added, im)
			owners = append(owners, s.generic)
		}
	}

	if _, err := r.registry.Commit(r.path, r.funcs...); err != nil {
		rollback()
		return err
	}
	return nil
}
