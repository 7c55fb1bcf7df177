// Package builtins holds the task modules compiled into the binary.
package builtins

import (
	"github.com/mattjoyce/dioptra/internal/generic"
	"github.com/mattjoyce/dioptra/internal/importer"
	"github.com/mattjoyce/dioptra/internal/plugin"
)

// Manifest lists the built-in modules for importer.NewBuiltin.
func Manifest() []importer.Module {
	return []importer.Module{
		{
			Path:     plugin.MustParseModulePath(RandomPath),
			Register: registerRandom,
		},
		{
			Path:     plugin.MustParseModulePath(EstimatorGenericsPath),
			Register: registerEstimatorGenerics,
			EntryPoints: []string{
				generic.EntryPointPrefix + FitEstimator,
				generic.EntryPointPrefix + EstimatorPredict,
			},
		},
		{
			Path:     plugin.MustParseModulePath(EstimatorTasksPath),
			Register: registerEstimatorTasks,
		},
	}
}

// Generics declares the generics the built-in modules implement.
func Generics() (*generic.Set, error) {
	set := generic.NewSet()
	if err := DefineEstimatorGenerics(set); err != nil {
		return nil, err
	}
	return set, nil
}
