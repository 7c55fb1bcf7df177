// Package generic implements named operations whose implementation is chosen
// at call time from the runtime types of the leading arguments.
//
// A Generic is declared with the names of its dispatch parameters. Each
// implementation is a Go func whose first len(params) parameters (after an
// optional context.Context) form its dispatch key. Resolution prefers an
// exact type match, then the closest ancestor match, then the default
// implementation registered against all-any parameters.
//
// Ancestry in Go terms: a struct embedding the parameter type (directly or
// through pointers) is a descendant at its embedding depth, and a type
// implementing an interface parameter is a descendant one step beyond its
// deepest embedding. Among interfaces the argument satisfies, the one
// implied by fewer other registered interfaces is closer.
package generic

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/mattjoyce/dioptra/internal/log"
	"github.com/mattjoyce/dioptra/internal/plugin"
)

// EntryPointPrefix prefixes the entry-point group advertising modules that
// register implementations for a generic.
const EntryPointPrefix = "dioptra.generics."

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// Implementation is one registered implementation of a generic.
type Implementation struct {
	// Types is the dispatch key.
	Types []reflect.Type
	sig   *plugin.Signature
}

// Identity names the backing Go func.
func (i *Implementation) Identity() string {
	return i.sig.Symbol()
}

func (i *Implementation) String() string {
	return formatTypes(i.Types) + " " + i.Identity()
}

func (i *Implementation) isDefault() bool {
	for _, t := range i.Types {
		if t != anyType {
			return false
		}
	}
	return true
}

// resolution is a cached dispatch decision for one argument type tuple.
type resolution struct {
	impl    *Implementation
	promote []promoter
}

// Generic is a named dispatch point. Registration and resolution are safe for
// concurrent use.
type Generic struct {
	name   string
	params []string
	logger *slog.Logger

	mu       sync.RWMutex
	impls    []*Implementation
	fallback *Implementation
	cache    map[string]*resolution
}

// Define declares a generic with the names of its dispatch parameters. It
// panics on an empty name or no parameters.
func Define(name string, params ...string) *Generic {
	if strings.TrimSpace(name) == "" {
		panic("generic: Define with empty name")
	}
	if len(params) == 0 {
		panic(fmt.Sprintf("generic: %s defined without dispatch parameters", name))
	}
	return &Generic{
		name:   name,
		params: append([]string(nil), params...),
		logger: log.WithComponent("generic").With("generic", name),
		cache:  make(map[string]*resolution),
	}
}

// Name returns the generic's name.
func (g *Generic) Name() string { return g.name }

// Params returns the dispatch parameter names.
func (g *Generic) Params() []string { return append([]string(nil), g.params...) }

// EntryPointGroup is the group external modules advertise under to
// contribute implementations.
func (g *Generic) EntryPointGroup() string { return EntryPointPrefix + g.name }

// Register adds an implementation. The dispatch parameters may not be the
// variadic parameter of impl, since it can be omitted from a call.
// Registering the same top-level func again is a no-op. Any other func with
// an identical dispatch key, including another method value or closure,
// fails with *ConflictingRegistrationError.
func (g *Generic) Register(impl any) (*Implementation, error) {
	im, _, err := g.Add(impl)
	return im, err
}

// Add is Register that also reports whether impl was newly added rather
// than matched to an existing registration.
func (g *Generic) Add(impl any) (*Implementation, bool, error) {
	sig, err := plugin.Inspect(impl)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrInvalidImplementation, g.name, err)
	}
	n := len(g.params)
	if len(sig.Params) < n {
		return nil, false, fmt.Errorf("%w: %s needs %d dispatch parameters (%s), %s takes %d",
			ErrInvalidImplementation, g.name, n, strings.Join(g.params, ", "), sig.Symbol(), len(sig.Params))
	}
	if sig.Variadic && len(sig.Params) <= n {
		return nil, false, fmt.Errorf("%w: %s: dispatch parameter %q of %s is variadic",
			ErrInvalidImplementation, g.name, g.params[len(sig.Params)-1], sig.Symbol())
	}

	types := append([]reflect.Type(nil), sig.Params[:n]...)

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, existing := range g.impls {
		if !sameTypes(existing.Types, types) {
			continue
		}
		if !sig.SharedSymbol() && !existing.sig.SharedSymbol() && existing.Identity() == sig.Symbol() {
			return existing, false, nil
		}
		return nil, false, &ConflictingRegistrationError{
			Generic:   g.name,
			Types:     types,
			Existing:  existing.Identity(),
			Attempted: sig.Symbol(),
		}
	}

	im := &Implementation{Types: types, sig: sig}
	g.impls = append(g.impls, im)
	if im.isDefault() {
		g.fallback = im
	}
	clear(g.cache)

	g.logger.Debug("registered implementation", "types", formatTypes(types), "implementation", sig.Symbol())
	return im, true, nil
}

// Unregister withdraws im. It reports false when im is not registered.
func (g *Generic) Unregister(im *Implementation) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := slices.Index(g.impls, im)
	if i < 0 {
		return false
	}
	g.impls = slices.Delete(g.impls, i, i+1)
	if g.fallback == im {
		g.fallback = nil
	}
	clear(g.cache)
	g.logger.Debug("unregistered implementation", "types", formatTypes(im.Types), "implementation", im.Identity())
	return true
}

// Implementations returns the registered implementations in registration order.
func (g *Generic) Implementations() []*Implementation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Implementation(nil), g.impls...)
}

// Resolve returns the implementation a call with args would run.
func (g *Generic) Resolve(args ...any) (*Implementation, error) {
	r, err := g.resolve(args)
	if err != nil {
		return nil, err
	}
	return r.impl, nil
}

// Call resolves and invokes the implementation. Arguments beyond the
// dispatch parameters are passed through. Errors returned by the
// implementation are passed through unmodified.
func (g *Generic) Call(ctx context.Context, args ...any) ([]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := g.resolve(args)
	if err != nil {
		return nil, err
	}

	callArgs := make([]any, len(args))
	copy(callArgs, args)
	for i, p := range r.promote {
		v, err := p(reflect.ValueOf(args[i]))
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %q: %v", plugin.ErrInvalidArguments, g.name, g.params[i], err)
		}
		callArgs[i] = v.Interface()
	}
	return r.impl.sig.Call(ctx, callArgs, false)
}

func (g *Generic) resolve(args []any) (*resolution, error) {
	n := len(g.params)
	if len(args) < n {
		return nil, fmt.Errorf("%w: %s takes at least %d arguments (%s), got %d",
			plugin.ErrInvalidArguments, g.name, n, strings.Join(g.params, ", "), len(args))
	}

	argTypes := make([]reflect.Type, n)
	for i := range argTypes {
		if args[i] != nil {
			argTypes[i] = reflect.TypeOf(args[i])
		}
	}
	key := cacheKey(argTypes)

	g.mu.RLock()
	r, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		return r, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.cache[key]; ok {
		return r, nil
	}
	r, err := g.rank(argTypes)
	if err != nil {
		return nil, err
	}
	g.cache[key] = r
	return r, nil
}

// rank picks the candidate with the lowest summed distance; ties go to the
// earliest registration. The default implementation is only used when
// nothing else matches. Caller holds g.mu.
func (g *Generic) rank(argTypes []reflect.Type) (*resolution, error) {
	var (
		best     *resolution
		bestDist int
	)
	for _, im := range g.impls {
		if im == g.fallback {
			continue
		}
		total := 0
		promote := make([]promoter, len(argTypes))
		matched := true
		for i, at := range argTypes {
			dist, p, ok := argDistance(at, im.Types[i], g.typesAt(i))
			if !ok {
				matched = false
				break
			}
			total += dist
			promote[i] = p
		}
		if !matched {
			continue
		}
		if best == nil || total < bestDist {
			best, bestDist = &resolution{impl: im, promote: promote}, total
		}
	}
	if best != nil {
		return best, nil
	}

	if g.fallback != nil {
		promote := make([]promoter, len(argTypes))
		for i := range promote {
			promote[i] = passThrough
			if argTypes[i] == nil {
				promote[i] = func(reflect.Value) (reflect.Value, error) { return reflect.Zero(anyType), nil }
			}
		}
		return &resolution{impl: g.fallback, promote: promote}, nil
	}

	names := make([]string, len(argTypes))
	for i, t := range argTypes {
		names[i] = "nil"
		if t != nil {
			names[i] = t.String()
		}
	}
	return nil, &NoDispatchMatchError{Generic: g.name, Types: names}
}

// typesAt lists the registered dispatch types at position i. Caller holds g.mu.
func (g *Generic) typesAt(i int) []reflect.Type {
	out := make([]reflect.Type, 0, len(g.impls))
	for _, im := range g.impls {
		out = append(out, im.Types[i])
	}
	return out
}

// Discoverer imports every module advertised under an entry-point group.
type Discoverer interface {
	Discover(ctx context.Context, group string) ([]plugin.ModulePath, error)
}

// Discover imports the modules advertised under the generic's entry-point
// group, letting them register their implementations.
func (g *Generic) Discover(ctx context.Context, d Discoverer) ([]plugin.ModulePath, error) {
	mods, err := d.Discover(ctx, g.EntryPointGroup())
	if err != nil {
		return nil, fmt.Errorf("discover implementations of %s: %w", g.name, err)
	}
	return mods, nil
}

func sameTypes(a, b []reflect.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// cacheKey identifies an argument type tuple. Type descriptors are unique per
// process, so their addresses are stable keys.
func cacheKey(types []reflect.Type) string {
	var b strings.Builder
	for _, t := range types {
		if t == nil {
			b.WriteString("nil;")
			continue
		}
		fmt.Fprintf(&b, "%p;", t)
	}
	return b.String()
}
