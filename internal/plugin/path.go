package plugin

import (
	"fmt"
	"strings"
)

// ModulePath addresses a plugin module by its three-level namespace:
// top-level namespace, package and module.
type ModulePath struct {
	Namespace string
	Package   string
	Module    string
}

// ParseModulePath parses a dotted "namespace.package.module" string.
func ParseModulePath(s string) (ModulePath, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return ModulePath{}, fmt.Errorf("module path %q must have the form namespace.package.module", s)
	}
	p := ModulePath{Namespace: parts[0], Package: parts[1], Module: parts[2]}
	if err := p.Validate(); err != nil {
		return ModulePath{}, err
	}
	return p, nil
}

// MustParseModulePath is ParseModulePath for compile-time constants.
func MustParseModulePath(s string) ModulePath {
	p, err := ParseModulePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks that every segment is present and contains no separators.
func (p ModulePath) Validate() error {
	for _, seg := range []struct{ field, value string }{
		{"namespace", p.Namespace},
		{"package", p.Package},
		{"module", p.Module},
	} {
		if seg.value == "" {
			return fmt.Errorf("module path %q: %s is empty", p.String(), seg.field)
		}
		if strings.ContainsAny(seg.value, `./\ `) {
			return fmt.Errorf("module path %q: %s %q contains an invalid character", p.String(), seg.field, seg.value)
		}
	}
	return nil
}

func (p ModulePath) String() string {
	return p.Namespace + "." + p.Package + "." + p.Module
}
