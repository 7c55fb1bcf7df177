package importer

import (
	"context"
	"fmt"

	"github.com/mattjoyce/dioptra/internal/log"
	"github.com/mattjoyce/dioptra/internal/plugin"
	"github.com/mattjoyce/dioptra/internal/pluginpath"
	"github.com/mattjoyce/dioptra/internal/runner"
)

// Directory loads modules described by manifest.yaml files found on a
// search path. Each task becomes a subprocess-backed function.
type Directory struct {
	Path    *pluginpath.SearchPath
	Runner  *runner.Runner
	Options plugin.LoadOptions
}

// Load finds the module under the first search path entry holding it and
// registers its tasks.
func (d *Directory) Load(_ context.Context, path plugin.ModulePath, r *Registrar) (bool, error) {
	mod, found, err := plugin.FindModule(d.Path.Entries(), path, d.Options)
	if !found || err != nil {
		return found, err
	}

	for _, task := range mod.Tasks {
		inv, err := d.Runner.Invoker(path, task)
		if err != nil {
			return true, err
		}
		opts := []plugin.RegisterOption{plugin.WithParams(task.Params.GoTypes()...)}
		if task.OutputKind() == plugin.OutputsVariable {
			opts = append(opts, plugin.WithVariableOutputs())
		}
		if _, err := r.RegisterInvoker(task.Name, inv, opts...); err != nil {
			return true, fmt.Errorf("task %s: %w", task.Name, err)
		}
	}
	return true, nil
}

// Advertise scans the search path and publishes the entry points declared
// in module manifests. Modules that fail validation are skipped with a
// warning; importing them reports the error.
func (d *Directory) Advertise(_ context.Context, reg *plugin.Registry) error {
	logger := log.WithComponent("importer")
	mods, err := plugin.DiscoverModules(d.Path.Entries(), d.Options, func(level, msg string, args ...any) {
		if level == "warn" {
			logger.Warn(msg, args...)
			return
		}
		logger.Debug(msg, args...)
	})
	if err != nil {
		return err
	}
	for _, mod := range mods {
		for _, group := range mod.EntryPoints {
			if err := reg.Advertise(group, mod.Path); err != nil {
				return fmt.Errorf("module %s: %w", mod.Path, err)
			}
		}
	}
	return nil
}
