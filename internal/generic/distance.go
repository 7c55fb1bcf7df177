package generic

import (
	"fmt"
	"reflect"
)

// maxEmbedDepth bounds the search through embedded fields.
const maxEmbedDepth = 16

// promoter turns a call argument into the value passed for one dispatch
// parameter.
type promoter func(v reflect.Value) (reflect.Value, error)

func passThrough(v reflect.Value) (reflect.Value, error) { return v, nil }

// embedded is an exported anonymous field reachable from a struct type.
type embedded struct {
	typ         reflect.Type
	path        []int
	depth       int
	addressable bool // the field is reached through at least one pointer
}

// embeddedFields lists embedded fields of t breadth-first, shallowest first.
func embeddedFields(t reflect.Type) []embedded {
	type node struct {
		typ         reflect.Type
		path        []int
		depth       int
		addressable bool
	}

	var out []embedded
	visited := map[reflect.Type]bool{}
	queue := []node{{typ: t}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		st, addr := n.typ, n.addressable
		if st.Kind() == reflect.Pointer {
			st, addr = st.Elem(), true
		}
		if st.Kind() != reflect.Struct || visited[st] || n.depth >= maxEmbedDepth {
			continue
		}
		visited[st] = true

		for i := 0; i < st.NumField(); i++ {
			f := st.Field(i)
			if !f.Anonymous || !f.IsExported() {
				continue
			}
			path := append(append([]int(nil), n.path...), i)
			e := embedded{typ: f.Type, path: path, depth: n.depth + 1, addressable: addr}
			out = append(out, e)
			queue = append(queue, node{typ: f.Type, path: path, depth: e.depth, addressable: addr})
		}
	}
	return out
}

// embedDepth is the deepest embedding level below t.
func embedDepth(t reflect.Type) int {
	depth := 0
	for _, e := range embeddedFields(t) {
		depth = max(depth, e.depth)
	}
	return depth
}

// fieldPromoter walks path from the argument to the embedded field, then
// adapts the field to want by taking its address or dereferencing it.
func fieldPromoter(path []int, field, want reflect.Type) promoter {
	return func(v reflect.Value) (reflect.Value, error) {
		for _, idx := range path {
			if v.Kind() == reflect.Pointer {
				if v.IsNil() {
					return reflect.Value{}, fmt.Errorf("nil pointer while promoting to %s", want)
				}
				v = v.Elem()
			}
			v = v.Field(idx)
		}
		switch {
		case field == want:
			return v, nil
		case reflect.PointerTo(field) == want:
			return v.Addr(), nil
		default:
			if v.IsNil() {
				return reflect.Value{}, fmt.Errorf("nil embedded %s", field)
			}
			return v.Elem(), nil
		}
	}
}

// argDistance scores how far an argument of type arg is from the dispatch
// parameter type param. A nil arg stands for an untyped nil argument.
// others are the registered types at the same position, used to rank
// interfaces: an interface loses one point for every more specific
// registered interface the argument also implements.
func argDistance(arg, param reflect.Type, others []reflect.Type) (int, promoter, bool) {
	if arg == nil {
		if nillable(param.Kind()) {
			return 1, func(reflect.Value) (reflect.Value, error) { return reflect.Zero(param), nil }, true
		}
		return 0, nil, false
	}
	if arg == param {
		return 0, passThrough, true
	}
	if param.Kind() == reflect.Interface {
		if !arg.Implements(param) {
			return 0, nil, false
		}
		dist := 1 + embedDepth(arg)
		for _, o := range others {
			if o != param && o.Kind() == reflect.Interface && arg.Implements(o) && o.Implements(param) {
				dist++
			}
		}
		return dist, passThrough, true
	}
	for _, e := range embeddedFields(arg) {
		switch {
		case e.typ == param,
			e.addressable && reflect.PointerTo(e.typ) == param,
			e.typ.Kind() == reflect.Pointer && e.typ.Elem() == param:
			return e.depth, fieldPromoter(e.path, e.typ, param), true
		}
	}
	return 0, nil, false
}

func nillable(k reflect.Kind) bool {
	switch k {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}
