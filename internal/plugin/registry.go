package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/mattjoyce/dioptra/internal/log"
)

// Registry is the process-wide catalog of task functions, indexed by module
// path and name. Construct one with NewRegistry and pass it to every
// component that needs it.
//
// Registration takes the write lock and publishes a fully built *Function;
// lookups take the read lock. A registration is either visible or not, never
// partially constructed.
type Registry struct {
	mu          sync.RWMutex
	modules     map[ModulePath]map[string]*Function
	entryPoints map[string][]ModulePath
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules:     make(map[ModulePath]map[string]*Function),
		entryPoints: make(map[string][]ModulePath),
		logger:      log.WithComponent("registry"),
	}
}

// RegisterOption customises a registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	name    string
	outputs Outputs
	params  []reflect.Type
}

// WithName registers the function under an alias instead of its Go name.
func WithName(name string) RegisterOption {
	return func(o *registerOptions) { o.name = name }
}

// WithVariableOutputs marks a function whose single slice result is
// flattened into a variable number of outputs.
func WithVariableOutputs() RegisterOption {
	return func(o *registerOptions) { o.outputs = OutputsVariable }
}

// WithParams declares parameter types for Invoker-backed functions, which
// cannot be reflected.
func WithParams(params ...reflect.Type) RegisterOption {
	return func(o *registerOptions) { o.params = params }
}

// Register adds the Go func fn to the module at path. The name defaults to
// the func's Go name; func literals must be given one with WithName.
//
// Registering the same (path, name) again with the same top-level func is a
// no-op that returns the existing Function. Any other implementation under an
// existing key, including another method value or closure, fails with
// *DuplicateRegistrationError.
func (r *Registry) Register(path ModulePath, fn any, opts ...RegisterOption) (*Function, error) {
	f, err := NewFunction(path, fn, opts...)
	if err != nil {
		return nil, err
	}
	return r.commitOne(f)
}

// RegisterInvoker adds a function backed by a custom Invoker.
func (r *Registry) RegisterInvoker(path ModulePath, name string, inv Invoker, opts ...RegisterOption) (*Function, error) {
	f, err := NewInvokerFunction(path, name, inv, opts...)
	if err != nil {
		return nil, err
	}
	return r.commitOne(f)
}

// NewFunction builds the Function Register would add, without adding it.
func NewFunction(path ModulePath, fn any, opts ...RegisterOption) (*Function, error) {
	o := applyOptions(opts)

	sig, err := Inspect(fn)
	if err != nil {
		return nil, err
	}
	if o.name == "" {
		o.name = sig.ShortName()
	}
	if o.name == "" {
		return nil, fmt.Errorf("%w: func literal %s needs an explicit name", ErrInvalidFunction, sig.Symbol())
	}
	if o.outputs == OutputsVariable {
		if len(sig.Results) != 1 || (sig.Results[0].Kind() != reflect.Slice && sig.Results[0].Kind() != reflect.Array) {
			return nil, fmt.Errorf("%w: %s declares variable outputs but does not return a single slice", ErrInvalidFunction, sig.Symbol())
		}
	}

	return &Function{
		Path:     path,
		Name:     o.name,
		Params:   sig.Params,
		Variadic: sig.Variadic,
		Outputs:  o.outputs,
		invoker:  &reflectInvoker{sig: sig, variable: o.outputs == OutputsVariable},
		impl:     fn,
		shared:   sig.SharedSymbol(),
	}, nil
}

// NewInvokerFunction builds the Function RegisterInvoker would add.
func NewInvokerFunction(path ModulePath, name string, inv Invoker, opts ...RegisterOption) (*Function, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: nil invoker for %s.%s", ErrInvalidFunction, path, name)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: invoker in %s needs a name", ErrInvalidFunction, path)
	}
	o := applyOptions(opts)
	return &Function{
		Path:    path,
		Name:    name,
		Params:  o.params,
		Outputs: o.outputs,
		invoker: inv,
		impl:    inv,
	}, nil
}

func applyOptions(opts []RegisterOption) registerOptions {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Reconcile checks f against a function already holding its key. It returns
// existing when both share an implementation, nil when existing is nil, and
// *DuplicateRegistrationError otherwise.
func Reconcile(existing, f *Function) (*Function, error) {
	if existing == nil {
		return nil, nil
	}
	if existing.SameImplementation(f) {
		return existing, nil
	}
	return nil, &DuplicateRegistrationError{
		Path:      f.Path,
		Name:      f.Name,
		Existing:  existing.Identity(),
		Attempted: f.Identity(),
	}
}

// Lookup returns the function registered under f's key that f would
// duplicate, nil when the key is free, or *DuplicateRegistrationError.
func (r *Registry) Lookup(f *Function) (*Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Reconcile(r.modules[f.Path][f.Name], f)
}

func (r *Registry) commitOne(f *Function) (*Function, error) {
	out, err := r.Commit(f.Path, f)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Commit adds funcs to the module at path as one unit: either every function
// becomes visible or, on the first conflict, none does. The module is known
// afterwards even when funcs is empty, so lookups can tell an empty module
// from an unknown one. The result holds, per input, the registered Function.
func (r *Registry) Commit(path ModulePath, funcs ...*Function) ([]*Function, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.modules[path]
	pending := make(map[string]*Function, len(funcs))
	out := make([]*Function, len(funcs))
	for i, f := range funcs {
		if f.Path != path {
			return nil, fmt.Errorf("function %s committed to module %s", f.Ref(), path)
		}
		prior := existing[f.Name]
		if prior == nil {
			prior = pending[f.Name]
		}
		same, err := Reconcile(prior, f)
		if err != nil {
			return nil, err
		}
		if same != nil {
			out[i] = same
			continue
		}
		pending[f.Name] = f
		out[i] = f
	}

	if existing == nil {
		existing = make(map[string]*Function, len(pending))
		r.modules[path] = existing
	}
	for _, f := range pending {
		existing[f.Name] = f
		r.logger.Debug("registered function", "module", path.String(), "name", f.Name, "implementation", f.Identity())
	}
	return out, nil
}

// Names lists the function names registered under (pkg, module) in every
// namespace, sorted. It returns an empty slice when there are none.
func (r *Registry) Names(pkg, module string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := []string{}
	for path, funcs := range r.modules {
		if path.Package != pkg || path.Module != module {
			continue
		}
		for name := range funcs {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// NamesIn lists the function names registered under a single module path.
func (r *Registry) NamesIn(path ModulePath) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules[path]))
	for name := range r.modules[path] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether name is registered under path.
func (r *Registry) Exists(path ModulePath, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[path][name]
	return ok
}

// Get returns the registered function.
func (r *Registry) Get(path ModulePath, name string) (*Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	funcs, ok := r.modules[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, path)
	}
	f, ok := funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownPluginFunction, path, name)
	}
	return f, nil
}

// Call looks up and invokes a function. It does not import anything; the
// caller must have made sure the module is loaded.
func (r *Registry) Call(ctx context.Context, path ModulePath, name string, args ...any) ([]any, error) {
	f, err := r.Get(path, name)
	if err != nil {
		return nil, err
	}
	return f.Call(ctx, args...)
}

// Modules returns every known module path, sorted.
func (r *Registry) Modules() []ModulePath {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModulePath, 0, len(r.modules))
	for path := range r.modules {
		out = append(out, path)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Advertise publishes path under an entry-point group. Repeated
// advertisements are ignored; order of first advertisement is kept.
func (r *Registry) Advertise(group string, path ModulePath) error {
	if group == "" {
		return fmt.Errorf("entry point group is empty")
	}
	if err := path.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.entryPoints[group] {
		if p == path {
			return nil
		}
	}
	r.entryPoints[group] = append(r.entryPoints[group], path)
	return nil
}

// EntryPoints returns the modules advertised under group, in advertisement order.
func (r *Registry) EntryPoints(group string) []ModulePath {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ModulePath(nil), r.entryPoints[group]...)
}
