// Package importer loads plugin modules into the registry. Each module path
// is imported at most once per process; a module's registrations are the
// only side effects of importing it.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/dioptra/internal/generic"
	"github.com/mattjoyce/dioptra/internal/log"
	"github.com/mattjoyce/dioptra/internal/plugin"
)

// Loader produces the registrations of a module. found is false when the
// loader does not know the module.
type Loader interface {
	Load(ctx context.Context, path plugin.ModulePath, r *Registrar) (found bool, err error)
}

// Advertiser is a Loader that can publish entry points without importing
// the modules behind them.
type Advertiser interface {
	Advertise(ctx context.Context, reg *plugin.Registry) error
}

// Importer tries its loaders in order for each module path.
type Importer struct {
	registry *plugin.Registry
	generics *generic.Set
	loaders  []Loader
	logger   *slog.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	loaded map[plugin.ModulePath]bool
}

// New creates an importer registering into reg and generics.
func New(reg *plugin.Registry, generics *generic.Set, loaders ...Loader) *Importer {
	return &Importer{
		registry: reg,
		generics: generics,
		loaders:  loaders,
		logger:   log.WithComponent("importer"),
		loaded:   make(map[plugin.ModulePath]bool),
	}
}

// Registry returns the registry modules are imported into.
func (im *Importer) Registry() *plugin.Registry { return im.registry }

// Generics returns the generic set handed to modules.
func (im *Importer) Generics() *generic.Set { return im.generics }

// Imported reports whether path has been imported successfully.
func (im *Importer) Imported(path plugin.ModulePath) bool {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.loaded[path]
}

// Import loads the module at path unless it was already imported.
// Concurrent first imports of the same path share one load. A failed import
// is not remembered, so a later call tries again.
//
// All failures are *plugin.PluginImportError; a module no loader knows wraps
// plugin.ErrModuleNotFound.
func (im *Importer) Import(ctx context.Context, path plugin.ModulePath) error {
	if err := path.Validate(); err != nil {
		return &plugin.PluginImportError{Path: path, Err: err}
	}
	if im.Imported(path) {
		return nil
	}

	_, err, _ := im.group.Do(path.String(), func() (any, error) {
		if im.Imported(path) {
			return nil, nil
		}
		if err := im.load(ctx, path); err != nil {
			return nil, err
		}
		im.mu.Lock()
		im.loaded[path] = true
		im.mu.Unlock()
		return nil, nil
	})
	return err
}

func (im *Importer) load(ctx context.Context, path plugin.ModulePath) error {
	logger := log.WithModule(path.String()).With("component", "importer")
	for _, l := range im.loaders {
		if err := ctx.Err(); err != nil {
			return &plugin.PluginImportError{Path: path, Err: err}
		}
		// Each loader stages into its own registrar, so nothing a failed or
		// declining loader registered becomes visible.
		r := newRegistrar(path, im.registry, im.generics)
		found, err := l.Load(ctx, path, r)
		if err == nil && found {
			err = r.commit()
		}
		if err != nil {
			logger.Error("module import failed", "error", err)
			return &plugin.PluginImportError{Path: path, Err: err}
		}
		if found {
			logger.Debug("imported module", "functions", len(im.registry.NamesIn(path)))
			return nil
		}
	}
	return &plugin.PluginImportError{Path: path, Err: plugin.ErrModuleNotFound}
}

// Advertise collects entry points from every loader that publishes them.
func (im *Importer) Advertise(ctx context.Context) error {
	for _, l := range im.loaders {
		a, ok := l.(Advertiser)
		if !ok {
			continue
		}
		if err := a.Advertise(ctx, im.registry); err != nil {
			return fmt.Errorf("collect entry points: %w", err)
		}
	}
	return nil
}

// Discover imports every module advertised under group, each exactly once,
// and returns them in advertisement order. It stops at the first failed
// import.
func (im *Importer) Discover(ctx context.Context, group string) ([]plugin.ModulePath, error) {
	if err := im.Advertise(ctx); err != nil {
		return nil, err
	}
	mods := im.registry.EntryPoints(group)
	for _, path := range mods {
		if err := im.Import(ctx, path); err != nil {
			return nil, fmt.Errorf("entry point %s: %w", group, err)
		}
	}
	im.logger.Debug("discovered entry points", "group", group, "modules", len(mods))
	return mods, nil
}
