package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func TestFunctionCallInjectsContext(t *testing.T) {
	reg := NewRegistry()
	f, err := reg.Register(testPath, func(ctx context.Context, suffix string) string {
		return ctx.Value(ctxKey{}).(string) + suffix
	}, WithName("from_ctx"))
	require.NoError(t, err)
	assert.Len(t, f.Params, 1, "context parameter is not a task parameter")

	ctx := context.WithValue(context.Background(), ctxKey{}, "run-")
	out, err := f.Call(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []any{"run-42"}, out)
}

func TestFunctionCallNilContext(t *testing.T) {
	reg := NewRegistry()
	f, err := reg.Register(testPath, func(ctx context.Context) bool { return ctx != nil }, WithName("has_ctx"))
	require.NoError(t, err)

	//nolint:staticcheck // exercising the nil-context fallback
	out, err := f.Call(nil)
	require.NoError(t, err)
	assert.Equal(t, []any{true}, out)
}

func TestFunctionCallResults(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	twoOut, err := reg.Register(testPath, func(a, b int) (int, int, error) { return b, a, nil }, WithName("swap"))
	require.NoError(t, err)
	out, err := twoOut.Call(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []any{2, 1}, out)

	noOut, err := reg.Register(testPath, func() {}, WithName("noop"))
	require.NoError(t, err)
	out, err = noOut.Call(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)

	sentinel := errors.New("bad input")
	failing, err := reg.Register(testPath, func() (string, error) { return "ignored", sentinel }, WithName("fail"))
	require.NoError(t, err)
	out, err = failing.Call(ctx)
	assert.Same(t, sentinel, err)
	assert.Nil(t, out)
}

func TestFunctionVariableOutputs(t *testing.T) {
	reg := NewRegistry()

	f, err := reg.Register(testPath, func(n int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = i * i
		}
		return out
	}, WithName("squares"), WithVariableOutputs())
	require.NoError(t, err)
	assert.Equal(t, OutputsVariable, f.Outputs)

	out, err := f.Call(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 4, 9}, out)

	out, err = f.Call(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = reg.Register(testPath, func() (int, int) { return 1, 2 }, WithName("pair"), WithVariableOutputs())
	assert.ErrorIs(t, err, ErrInvalidFunction)
}

func TestFunctionArgumentConversion(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	f, err := reg.Register(testPath, func(seed int64, label string, tags []string) string {
		return label
	}, WithName("convert"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		args    []any
		wantErr bool
	}{
		{name: "exact types", args: []any{int64(1), "x", []string{"a"}}},
		{name: "int to int64", args: []any{7, "x", nil}},
		{name: "integral float from JSON", args: []any{float64(12), "x", nil}},
		{name: "fractional float", args: []any{1.5, "x", nil}, wantErr: true},
		{name: "wrong type", args: []any{int64(1), 3, nil}, wantErr: true},
		{name: "nil for non-nillable", args: []any{nil, "x", nil}, wantErr: true},
		{name: "too few", args: []any{int64(1)}, wantErr: true},
		{name: "too many", args: []any{int64(1), "x", nil, "extra"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Call(ctx, tt.args...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArguments)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFunctionOverflow(t *testing.T) {
	reg := NewRegistry()
	f, err := reg.Register(testPath, func(b int8) int8 { return b }, WithName("small"))
	require.NoError(t, err)

	_, err = f.Call(context.Background(), 300)
	assert.ErrorIs(t, err, ErrInvalidArguments)

	out, err := f.Call(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []any{int8(100)}, out)
}

func TestFunctionVariadic(t *testing.T) {
	reg := NewRegistry()
	f, err := reg.Register(testPath, func(prefix string, parts ...string) int { return len(parts) }, WithName("join"))
	require.NoError(t, err)
	assert.True(t, f.Variadic)

	out, err := f.Call(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, []any{0}, out)

	out, err = f.Call(context.Background(), "p", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []any{2}, out)

	_, err = f.Call(context.Background())
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

type fixedInvoker struct{ id string }

func (f fixedInvoker) Invoke(_ context.Context, args []any) ([]any, error) {
	return append([]any{f.id}, args...), nil
}

func (f fixedInvoker) Identity() string { return f.id }

func TestRegisterInvoker(t *testing.T) {
	reg := NewRegistry()

	f, err := reg.RegisterInvoker(testPath, "external", fixedInvoker{id: "subprocess:abc"})
	require.NoError(t, err)
	assert.Equal(t, "subprocess:abc", f.Identity())

	out, err := f.Call(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []any{"subprocess:abc", 1}, out)

	again, err := reg.RegisterInvoker(testPath, "external", fixedInvoker{id: "subprocess:abc"})
	require.NoError(t, err)
	assert.Same(t, f, again)

	_, err = reg.RegisterInvoker(testPath, "external", fixedInvoker{id: "subprocess:def"})
	assert.ErrorIs(t, err, ErrDuplicateRegistration)

	_, err = reg.RegisterInvoker(testPath, "", fixedInvoker{id: "x"})
	assert.ErrorIs(t, err, ErrInvalidFunction)
	_, err = reg.RegisterInvoker(testPath, "nil", nil)
	assert.ErrorIs(t, err, ErrInvalidFunction)
}

func TestSignatureShortName(t *testing.T) {
	sig, err := Inspect(ComputeMetric)
	require.NoError(t, err)
	assert.Equal(t, "ComputeMetric", sig.ShortName())

	sig, err = Inspect(func() {})
	require.NoError(t, err)
	assert.Equal(t, "", sig.ShortName())
}

func TestSignatureSharedSymbol(t *testing.T) {
	tests := []struct {
		name   string
		fn     any
		shared bool
	}{
		{"top-level func", ComputeMetric, false},
		{"method expression", scaler.Predict, false},
		{"method value", scaler{k: 2}.Predict, true},
		{"func literal", func() {}, true},
		{"factory closure", scaleBy(2), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := Inspect(tt.fn)
			require.NoError(t, err)
			assert.Equal(t, tt.shared, sig.SharedSymbol(), sig.Symbol())
		})
	}
}
