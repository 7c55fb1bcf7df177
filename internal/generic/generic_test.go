package generic

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dioptra/internal/plugin"
)

type Base struct{ Name string }

type Derived struct {
	Base
	Extra int
}

type Deep struct{ Derived }

type Unrelated struct{}

type Model interface{ Predict(x float64) float64 }

type Trainable interface {
	Model
	Fit(xs []float64)
}

type linear struct{ w float64 }

func (l linear) Predict(x float64) float64 { return l.w * x }
func (l linear) Fit([]float64)             {}

type constant struct{}

func (constant) Predict(float64) float64 { return 1 }

func describeBase(b Base) string       { return "base:" + b.Name }
func describeDerived(d Derived) string { return "derived:" + d.Name }
func describeAny(v any) string         { return "default" }

func mustRegister(t *testing.T, g *Generic, impl any) *Implementation {
	t.Helper()
	im, err := g.Register(impl)
	require.NoError(t, err)
	return im
}

func call1(t *testing.T, g *Generic, args ...any) any {
	t.Helper()
	out, err := g.Call(context.Background(), args...)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func TestDispatchExactAndAncestor(t *testing.T) {
	g := Define("describe", "x")
	mustRegister(t, g, describeBase)
	mustRegister(t, g, describeDerived)

	assert.Equal(t, "derived:d", call1(t, g, Derived{Base: Base{Name: "d"}}))
	assert.Equal(t, "base:b", call1(t, g, Base{Name: "b"}))
	assert.Equal(t, "derived:deep", call1(t, g, Deep{Derived{Base: Base{Name: "deep"}}}), "closest ancestor wins")

	_, err := g.Call(context.Background(), Unrelated{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDispatchMatch)
	var nomatch *NoDispatchMatchError
	require.ErrorAs(t, err, &nomatch)
	assert.Equal(t, "describe", nomatch.Generic)
	assert.Equal(t, []string{"generic.Unrelated"}, nomatch.Types)
}

func TestDispatchPromotesEmbeddedValue(t *testing.T) {
	g := Define("describe", "x")
	mustRegister(t, g, describeBase)

	assert.Equal(t, "base:inner", call1(t, g, Derived{Base: Base{Name: "inner"}, Extra: 3}))
	assert.Equal(t, "base:deeper", call1(t, g, &Deep{Derived{Base: Base{Name: "deeper"}}}))
}

func TestDispatchPointerToEmbedded(t *testing.T) {
	g := Define("rename", "x")
	mustRegister(t, g, func(b *Base, name string) {
		if b != nil {
			b.Name = name
		}
	})

	d := &Derived{Base: Base{Name: "old"}}
	_, err := g.Call(context.Background(), d, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", d.Name, "implementation must receive the embedded field's address")

	_, err = g.Call(context.Background(), Derived{}, "value")
	assert.ErrorIs(t, err, ErrNoDispatchMatch, "an embedded field of a value argument is not addressable")

	_, err = g.Call(context.Background(), nil, "nil")
	assert.NoError(t, err, "nil matches a pointer parameter")
}

func TestDispatchInterfaceSpecificity(t *testing.T) {
	for _, order := range [][]any{
		{func(m Model) string { return "model" }, func(m Trainable) string { return "trainable" }},
		{func(m Trainable) string { return "trainable" }, func(m Model) string { return "model" }},
	} {
		g := Define("fit", "model")
		for _, impl := range order {
			_, err := g.Register(impl)
			require.NoError(t, err)
		}
		assert.Equal(t, "trainable", call1(t, g, linear{w: 2}))
		assert.Equal(t, "model", call1(t, g, constant{}))
	}
}

func TestDispatchTieBreakEarliestWins(t *testing.T) {
	first := func(x Base, y any) string { return "first" }
	second := func(x any, y Base) string { return "second" }

	g := Define("pair", "x", "y")
	mustRegister(t, g, first)
	mustRegister(t, g, second)
	assert.Equal(t, "first", call1(t, g, Derived{}, Derived{}))

	g = Define("pair", "x", "y")
	mustRegister(t, g, second)
	mustRegister(t, g, first)
	assert.Equal(t, "second", call1(t, g, Derived{}, Derived{}))
}

func TestDispatchDefaultImplementation(t *testing.T) {
	g := Define("describe", "x")
	mustRegister(t, g, describeBase)
	mustRegister(t, g, describeAny)

	assert.Equal(t, "default", call1(t, g, Unrelated{}))
	assert.Equal(t, "default", call1(t, g, nil))
	assert.Equal(t, "base:b", call1(t, g, Base{Name: "b"}), "default is only used when nothing else matches")
	assert.Equal(t, "base:d", call1(t, g, Derived{Base: Base{Name: "d"}}))

	impl, err := g.Resolve(42)
	require.NoError(t, err)
	assert.True(t, impl.isDefault())
}

func TestRegisterConflicts(t *testing.T) {
	g := Define("describe", "x")

	first, err := g.Register(describeBase)
	require.NoError(t, err)

	again, err := g.Register(describeBase)
	require.NoError(t, err)
	assert.Same(t, first, again, "re-registering the same func is idempotent")

	_, err = g.Register(func(b Base) string { return "other" })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflictingRegistration)
	var conflict *ConflictingRegistrationError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.Identity(), conflict.Existing)

	_, err = g.Register(describeDerived)
	assert.NoError(t, err, "distinct type tuples coexist")
	assert.Len(t, g.Implementations(), 2)
}

func TestRegisterValidation(t *testing.T) {
	g := Define("predict", "model", "data")

	tests := []struct {
		name    string
		impl    any
		wantErr bool
	}{
		{name: "not a func", impl: 3, wantErr: true},
		{name: "too few params", impl: func(m Model) {}, wantErr: true},
		{name: "variadic dispatch param", impl: func(m Model, data ...float64) {}, wantErr: true},
		{name: "context then dispatch params", impl: func(ctx context.Context, m Model, data []float64) {}},
		{name: "extra trailing params", impl: func(m Trainable, data []float64, batch int) {}},
		{name: "variadic trailing param", impl: func(m constant, data []float64, opts ...string) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Register(tt.impl)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidImplementation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCallPassesContextAndTrailingArgs(t *testing.T) {
	type key struct{}
	g := Define("scale", "model")
	mustRegister(t, g, func(ctx context.Context, m Model, x float64) (float64, string) {
		return m.Predict(x), ctx.Value(key{}).(string)
	})

	ctx := context.WithValue(context.Background(), key{}, "traced")
	out, err := g.Call(ctx, linear{w: 3}, 2.0)
	require.NoError(t, err)
	assert.Equal(t, []any{6.0, "traced"}, out)

	_, err = g.Call(ctx)
	assert.ErrorIs(t, err, plugin.ErrInvalidArguments)
}

func TestCallReturnsImplementationError(t *testing.T) {
	sentinel := errors.New("not fitted")
	g := Define("predict", "model")
	mustRegister(t, g, func(m Model) (float64, error) { return 0, sentinel })

	_, err := g.Call(context.Background(), constant{})
	assert.Same(t, sentinel, err)
}

func TestResolutionCacheInvalidatedOnRegister(t *testing.T) {
	g := Define("describe", "x")
	mustRegister(t, g, describeBase)

	assert.Equal(t, "base:", call1(t, g, Derived{}))
	mustRegister(t, g, describeDerived)
	assert.Equal(t, "derived:", call1(t, g, Derived{}))
}

func TestConcurrentCalls(t *testing.T) {
	g := Define("describe", "x")
	mustRegister(t, g, describeBase)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := g.Call(context.Background(), Deep{})
			assert.NoError(t, err)
			assert.Equal(t, []any{"base:"}, out)
		}()
	}
	wg.Wait()
}

type fakeDiscoverer struct {
	groups []string
	mods   []plugin.ModulePath
	err    error
}

func (f *fakeDiscoverer) Discover(_ context.Context, group string) ([]plugin.ModulePath, error) {
	f.groups = append(f.groups, group)
	return f.mods, f.err
}

func TestDiscover(t *testing.T) {
	g := Define("fit_estimator", "estimator", "x", "y")
	assert.Equal(t, "dioptra.generics.fit_estimator", g.EntryPointGroup())

	d := &fakeDiscoverer{mods: []plugin.ModulePath{plugin.MustParseModulePath("ext.estimators.keras")}}
	mods, err := g.Discover(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, d.mods, mods)
	assert.Equal(t, []string{"dioptra.generics.fit_estimator"}, d.groups)

	d.err = errors.New("boom")
	_, err = g.Discover(context.Background(), d)
	assert.ErrorIs(t, err, d.err)
}

func TestDefinePanics(t *testing.T) {
	assert.Panics(t, func() { Define("") })
	assert.Panics(t, func() { Define("noparams") })
}

type labeler struct{ label string }

func (l *labeler) Describe(b Base) string { return l.label + ":" + b.Name }

//go:noinline
func labelFactory(label string) func(Base) string {
	return func(b Base) string { return label + ":" + b.Name }
}

func TestRegisterRejectsMethodValuesAndClosures(t *testing.T) {
	tests := []struct {
		name          string
		first, second any
	}{
		{"method values", (&labeler{"first"}).Describe, (&labeler{"second"}).Describe},
		{"factory closures", labelFactory("first"), labelFactory("second")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Define("describe", "x")
			mustRegister(t, g, tt.first)

			_, err := g.Register(tt.second)
			var conflict *ConflictingRegistrationError
			require.ErrorAs(t, err, &conflict)
			assert.Len(t, g.Implementations(), 1)
			assert.Equal(t, "first:b", call1(t, g, Base{Name: "b"}))
		})
	}
}

func TestUnregister(t *testing.T) {
	g := Define("describe", "x")
	base := mustRegister(t, g, describeBase)
	fallback := mustRegister(t, g, describeAny)
	assert.Equal(t, "base:b", call1(t, g, Base{Name: "b"}))

	assert.True(t, g.Unregister(base))
	assert.False(t, g.Unregister(base))
	assert.Equal(t, "default", call1(t, g, Base{Name: "b"}), "cached resolution must be dropped")

	require.True(t, g.Unregister(fallback))
	_, err := g.Resolve(Base{})
	assert.Error(t, err)

	im, created, err := g.Add(describeBase)
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := g.Add(describeBase)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, im, again)
}
