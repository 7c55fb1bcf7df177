package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPath = ModulePath{Namespace: "dioptra_custom", Package: "attacks", Module: "fgm"}

func CreateAdversarialDataset(dataset string, eps float64) (string, error) {
	return fmt.Sprintf("%s@%g", dataset, eps), nil
}

func ComputeMetric(a, b float64) float64 { return a - b }

var errBoom = errors.New("boom")

func FailingTask() error { return errBoom }

func TestRegisterExistsGet(t *testing.T) {
	reg := NewRegistry()

	f, err := reg.Register(testPath, CreateAdversarialDataset)
	require.NoError(t, err)
	assert.Equal(t, "CreateAdversarialDataset", f.Name)
	assert.Equal(t, "dioptra_custom.attacks.fgm.CreateAdversarialDataset", f.Ref())
	assert.Len(t, f.Params, 2)
	assert.Equal(t, OutputsFixed, f.Outputs)

	assert.True(t, reg.Exists(testPath, "CreateAdversarialDataset"))

	got, err := reg.Get(testPath, "CreateAdversarialDataset")
	require.NoError(t, err)
	assert.Same(t, f, got)
}

func TestRegisterWithAlias(t *testing.T) {
	reg := NewRegistry()

	f, err := reg.Register(testPath, CreateAdversarialDataset, WithName("create_adversarial_dataset"))
	require.NoError(t, err)
	assert.Equal(t, "create_adversarial_dataset", f.Name)
	assert.True(t, reg.Exists(testPath, "create_adversarial_dataset"))
	assert.False(t, reg.Exists(testPath, "CreateAdversarialDataset"))
}

func TestRegisterFuncLiteralNeedsName(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Register(testPath, func() {})
	require.ErrorIs(t, err, ErrInvalidFunction)

	_, err = reg.Register(testPath, func() {}, WithName("noop"))
	require.NoError(t, err)
}

func TestRegisterRejectsNonFunc(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Register(testPath, 42, WithName("answer"))
	assert.ErrorIs(t, err, ErrInvalidFunction)

	var nilFn func()
	_, err = reg.Register(testPath, nilFn, WithName("nil"))
	assert.ErrorIs(t, err, ErrInvalidFunction)
}

func TestRegisterInvalidPath(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register(ModulePath{Namespace: "a", Package: "b"}, ComputeMetric)
	assert.Error(t, err)
}

func TestRegisterDuplicatePolicy(t *testing.T) {
	reg := NewRegistry()

	first, err := reg.Register(testPath, ComputeMetric, WithName("metric"))
	require.NoError(t, err)

	t.Run("same implementation is idempotent", func(t *testing.T) {
		again, err := reg.Register(testPath, ComputeMetric, WithName("metric"))
		require.NoError(t, err)
		assert.Same(t, first, again)
	})

	t.Run("different implementation is rejected", func(t *testing.T) {
		_, err := reg.Register(testPath, CreateAdversarialDataset, WithName("metric"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateRegistration)

		var dup *DuplicateRegistrationError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "metric", dup.Name)
		assert.Equal(t, first.Identity(), dup.Existing)

		got, err := reg.Get(testPath, "metric")
		require.NoError(t, err)
		assert.Same(t, first, got, "original registration must survive")
	})

	t.Run("same name in another module is independent", func(t *testing.T) {
		other := ModulePath{Namespace: "dioptra_custom", Package: "attacks", Module: "pgd"}
		_, err := reg.Register(other, CreateAdversarialDataset, WithName("metric"))
		assert.NoError(t, err)
	})
}

type scaler struct{ k int }

func (s scaler) Predict(x int) int { return s.k * x }

//go:noinline
func scaleBy(k int) func(int) int {
	return func(x int) int { return k * x }
}

func TestRegisterRejectsMethodValuesAndClosures(t *testing.T) {
	tests := []struct {
		name          string
		first, second any
	}{
		{"method values", scaler{k: 2}.Predict, scaler{k: 3}.Predict},
		{"factory closures", scaleBy(2), scaleBy(3)},
		{"same closure value", scaleBy(2), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			second := tt.second
			if second == nil {
				second = tt.first
			}
			reg := NewRegistry()
			first, err := reg.Register(testPath, tt.first, WithName("predict"))
			require.NoError(t, err)

			_, err = reg.Register(testPath, second, WithName("predict"))
			var dup *DuplicateRegistrationError
			require.ErrorAs(t, err, &dup)

			got, err := reg.Get(testPath, "predict")
			require.NoError(t, err)
			assert.Same(t, first, got)
			out, err := got.Call(context.Background(), 10)
			require.NoError(t, err)
			assert.Equal(t, []any{20}, out)
		})
	}
}

func TestCommitIsAllOrNothing(t *testing.T) {
	reg := NewRegistry()
	existing, err := reg.Register(testPath, ComputeMetric, WithName("metric"))
	require.NoError(t, err)

	ok, err := NewFunction(testPath, CreateAdversarialDataset, WithName("create"))
	require.NoError(t, err)
	clash, err := NewFunction(testPath, FailingTask, WithName("metric"))
	require.NoError(t, err)

	_, err = reg.Commit(testPath, ok, clash)
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
	assert.False(t, reg.Exists(testPath, "create"), "no function of a failed commit may be visible")

	other := MustParseModulePath("dioptra_custom.attacks.pgd")
	_, err = reg.Commit(other, ok)
	assert.Error(t, err, "functions are bound to their module path")
	_, err = reg.Get(other, "create")
	assert.ErrorIs(t, err, ErrUnknownPlugin)

	again, err := NewFunction(testPath, ComputeMetric, WithName("metric"))
	require.NoError(t, err)
	out, err := reg.Commit(testPath, ok, again)
	require.NoError(t, err)
	assert.Same(t, ok, out[0])
	assert.Same(t, existing, out[1], "an idempotent re-registration resolves to the registered function")

	found, err := reg.Lookup(again)
	require.NoError(t, err)
	assert.Same(t, existing, found)
	_, err = reg.Lookup(clash)
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
}

func TestNames(t *testing.T) {
	reg := NewRegistry()

	assert.Equal(t, []string{}, reg.Names("attacks", "fgm"))

	_, err := reg.Register(testPath, ComputeMetric, WithName("b_metric"))
	require.NoError(t, err)
	_, err = reg.Register(testPath, CreateAdversarialDataset, WithName("a_dataset"))
	require.NoError(t, err)
	_, err = reg.Register(ModulePath{Namespace: "dioptra_builtins", Package: "attacks", Module: "fgm"}, ComputeMetric, WithName("c_builtin"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a_dataset", "b_metric", "c_builtin"}, reg.Names("attacks", "fgm"))
	assert.Equal(t, []string{"a_dataset", "b_metric"}, reg.NamesIn(testPath))

	_, err = reg.Commit(ModulePath{Namespace: "dioptra_custom", Package: "empty", Module: "mod"})
	require.NoError(t, err)
	assert.Equal(t, []string{}, reg.Names("empty", "mod"))
}

func TestGetErrors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get(testPath, "anything")
	assert.ErrorIs(t, err, ErrUnknownPlugin)

	_, err = reg.Commit(testPath)
	require.NoError(t, err)

	_, err = reg.Get(testPath, "anything")
	assert.ErrorIs(t, err, ErrUnknownPluginFunction)
	assert.NotErrorIs(t, err, ErrUnknownPlugin)
}

func TestCall(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	_, err := reg.Register(testPath, CreateAdversarialDataset, WithName("create"))
	require.NoError(t, err)
	_, err = reg.Register(testPath, FailingTask)
	require.NoError(t, err)

	out, err := reg.Call(ctx, testPath, "create", "mnist", 0.3)
	require.NoError(t, err)
	assert.Equal(t, []any{"mnist@0.3"}, out)

	_, err = reg.Call(ctx, testPath, "FailingTask")
	assert.Same(t, errBoom, err, "callee errors must be returned unmodified")

	_, err = reg.Call(ctx, testPath, "missing")
	assert.ErrorIs(t, err, ErrUnknownPluginFunction)
}

func TestConcurrentRegistration(t *testing.T) {
	reg := NewRegistry()

	const rounds = 200
	for i := range rounds {
		path := ModulePath{Namespace: "ns", Package: "pkg", Module: fmt.Sprintf("mod%d", i)}

		start := make(chan struct{})
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, name := range []string{"first", "second"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := reg.Register(path, ComputeMetric, WithName(name))
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		require.Equal(t, []string{"first", "second"}, reg.NamesIn(path))
	}
}

func TestEntryPoints(t *testing.T) {
	reg := NewRegistry()
	group := "dioptra.generics.fit_estimator"
	a := MustParseModulePath("ext_one.estimators.keras")
	b := MustParseModulePath("ext_two.estimators.torch")

	require.NoError(t, reg.Advertise(group, a))
	require.NoError(t, reg.Advertise(group, b))
	require.NoError(t, reg.Advertise(group, a))

	assert.Equal(t, []ModulePath{a, b}, reg.EntryPoints(group))
	assert.Empty(t, reg.EntryPoints("dioptra.generics.unknown"))

	assert.Error(t, reg.Advertise("", a))
}

func TestModules(t *testing.T) {
	reg := NewRegistry()
	for _, p := range []string{"b.b.b", "a.a.a"} {
		_, err := reg.Commit(MustParseModulePath(p))
		require.NoError(t, err)
	}
	assert.Equal(t, []ModulePath{MustParseModulePath("a.a.a"), MustParseModulePath("b.b.b")}, reg.Modules())
}

func TestParseModulePath(t *testing.T) {
	tests := []struct {
		in      string
		want    ModulePath
		wantErr bool
	}{
		{in: "dioptra_builtins.random.rng", want: ModulePath{"dioptra_builtins", "random", "rng"}},
		{in: " a.b.c ", want: ModulePath{"a", "b", "c"}},
		{in: "a.b", wantErr: true},
		{in: "a.b.c.d", wantErr: true},
		{in: "a..c", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModulePath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}
