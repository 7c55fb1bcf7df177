package plugin

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"runtime"
	"strings"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()

	anonymousFuncName = regexp.MustCompile(`^func\d+$`)
)

// Outputs says whether a task returns a fixed number of values or a single
// slice that is flattened into a variable number of outputs.
type Outputs int

const (
	OutputsFixed Outputs = iota
	OutputsVariable
)

func (o Outputs) String() string {
	if o == OutputsVariable {
		return "variable"
	}
	return "fixed"
}

// Invoker executes a registered function. Go funcs are wrapped by a
// reflection-based invoker; other backends (subprocess tasks) provide their own.
type Invoker interface {
	Invoke(ctx context.Context, args []any) ([]any, error)
	// Identity names the backing implementation. Two registrations with the
	// same identity are the same implementation.
	Identity() string
}

// Function is a registered task. It is never mutated after registration.
type Function struct {
	Path     ModulePath
	Name     string
	Params   []reflect.Type // positional parameters, excluding a leading context.Context
	Variadic bool
	Outputs  Outputs

	invoker Invoker
	impl    any
	// shared is set when Identity does not single out one func value.
	shared bool
}

// Ref returns the dotted namespace.package.module.name reference.
func (f *Function) Ref() string {
	return f.Path.String() + "." + f.Name
}

// Identity returns the identity of the backing implementation.
func (f *Function) Identity() string {
	return f.invoker.Identity()
}

// SameImplementation reports whether f and other are backed by the same
// implementation. Method values and func literals never compare equal: every
// receiver or capture shares one linker symbol.
func (f *Function) SameImplementation(other *Function) bool {
	return !f.shared && !other.shared && f.Identity() == other.Identity()
}

// Impl returns the value the function was registered with: the Go func, or
// the Invoker for non-reflective backends.
func (f *Function) Impl() any {
	return f.impl
}

// Call invokes the function. Errors returned by the implementation are passed
// through unmodified.
func (f *Function) Call(ctx context.Context, args ...any) ([]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return f.invoker.Invoke(ctx, args)
}

// Signature is the reflected shape of a Go func used as a task or generic
// implementation.
type Signature struct {
	Params       []reflect.Type
	Results      []reflect.Type // excluding a trailing error
	TakesContext bool
	ReturnsError bool
	Variadic     bool

	value  reflect.Value
	symbol string
	shared bool
}

// Inspect reflects over fn, which must be a non-nil func.
func Inspect(fn any) (*Signature, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidFunction)
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T is not a func", ErrInvalidFunction, fn)
	}
	if v.IsNil() {
		return nil, fmt.Errorf("%w: nil %T", ErrInvalidFunction, fn)
	}

	t := v.Type()
	s := &Signature{value: v, Variadic: t.IsVariadic()}

	start := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		s.TakesContext = true
		start = 1
	}
	for i := start; i < t.NumIn(); i++ {
		s.Params = append(s.Params, t.In(i))
	}

	nOut := t.NumOut()
	if nOut > 0 && t.Out(nOut-1) == errorType {
		s.ReturnsError = true
		nOut--
	}
	for i := 0; i < nOut; i++ {
		s.Results = append(s.Results, t.Out(i))
	}

	if rf := runtime.FuncForPC(v.Pointer()); rf != nil {
		s.symbol = rf.Name()
		s.shared = sharedSymbol(s.symbol)
	} else {
		s.symbol = t.String()
		s.shared = true
	}
	return s, nil
}

// sharedSymbol reports whether a linker symbol may back more than one func
// value: a bound method ("T.M-fm") or a func literal ("F.func1").
func sharedSymbol(symbol string) bool {
	if i := strings.LastIndex(symbol, "/"); i >= 0 {
		symbol = symbol[i+1:]
	}
	if strings.HasSuffix(symbol, "-fm") {
		return true
	}
	for _, part := range strings.Split(symbol, ".") {
		if anonymousFuncName.MatchString(part) {
			return true
		}
	}
	return false
}

// Symbol is the linker name of the func, used as its implementation identity.
func (s *Signature) Symbol() string {
	return s.symbol
}

// SharedSymbol reports whether Symbol names a method value or func literal,
// so equal symbols do not imply the same implementation.
func (s *Signature) SharedSymbol() bool {
	return s.shared
}

// ShortName is the unqualified Go name of the func, or "" for func literals.
func (s *Signature) ShortName() string {
	name := s.symbol
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if anonymousFuncName.MatchString(name) {
		return ""
	}
	return name
}

func (s *Signature) paramAt(i int) reflect.Type {
	n := len(s.Params)
	if s.Variadic && i >= n-1 {
		return s.Params[n-1].Elem()
	}
	return s.Params[i]
}

// Call converts args onto the parameter types and invokes the func. When
// variable is set the single result slice is flattened into the outputs.
func (s *Signature) Call(ctx context.Context, args []any, variable bool) ([]any, error) {
	n := len(s.Params)
	if s.Variadic {
		if len(args) < n-1 {
			return nil, fmt.Errorf("%w: %s takes at least %d arguments, got %d", ErrInvalidArguments, s.symbol, n-1, len(args))
		}
	} else if len(args) != n {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidArguments, s.symbol, n, len(args))
	}

	in := make([]reflect.Value, 0, len(args)+1)
	if s.TakesContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, arg := range args {
		v, err := convertArg(arg, s.paramAt(i))
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d of %s: %v", ErrInvalidArguments, i, s.symbol, err)
		}
		in = append(in, v)
	}

	out := s.value.Call(in)
	if s.ReturnsError {
		last := out[len(out)-1]
		out = out[:len(out)-1]
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
	}

	if variable {
		seq := out[0]
		results := make([]any, seq.Len())
		for i := range results {
			results[i] = seq.Index(i).Interface()
		}
		return results, nil
	}

	results := make([]any, len(out))
	for i, o := range out {
		results[i] = o.Interface()
	}
	return results, nil
}

func convertArg(arg any, pt reflect.Type) (reflect.Value, error) {
	if arg == nil {
		if nillable(pt.Kind()) {
			return reflect.Zero(pt), nil
		}
		return reflect.Value{}, fmt.Errorf("nil is not a valid %s", pt)
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(pt) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(pt.Kind()) {
		return convertNumber(v, pt)
	}
	return reflect.Value{}, fmt.Errorf("%s is not assignable to %s", v.Type(), pt)
}

// convertNumber allows lossless numeric conversion, mainly for JSON-decoded
// float64 arguments passed to integer parameters.
func convertNumber(v reflect.Value, pt reflect.Type) (reflect.Value, error) {
	switch {
	case isFloat(v.Kind()) && (isInt(pt.Kind()) || isUint(pt.Kind())):
		f := v.Float()
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return reflect.Value{}, fmt.Errorf("%v is not an integer", f)
		}
		if isUint(pt.Kind()) && f < 0 {
			return reflect.Value{}, fmt.Errorf("%v is negative", f)
		}
	case isInt(v.Kind()) && isUint(pt.Kind()) && v.Int() < 0:
		return reflect.Value{}, fmt.Errorf("%d is negative", v.Int())
	}

	c := v.Convert(pt)
	back := c.Convert(v.Type())
	if !back.Equal(v) {
		return reflect.Value{}, fmt.Errorf("%v overflows %s", v.Interface(), pt)
	}
	return c, nil
}

func nillable(k reflect.Kind) bool {
	switch k {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isNumeric(k reflect.Kind) bool {
	return isInt(k) || isUint(k) || isFloat(k)
}

// reflectInvoker adapts a Go func to the Invoker interface.
type reflectInvoker struct {
	sig      *Signature
	variable bool
}

func (r *reflectInvoker) Invoke(ctx context.Context, args []any) ([]any, error) {
	return r.sig.Call(ctx, args, r.variable)
}

func (r *reflectInvoker) Identity() string {
	return r.sig.symbol
}
