package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/dioptra/internal/builtins"
	"github.com/mattjoyce/dioptra/internal/config"
	"github.com/mattjoyce/dioptra/internal/generic"
	"github.com/mattjoyce/dioptra/internal/importer"
	"github.com/mattjoyce/dioptra/internal/invocations"
	"github.com/mattjoyce/dioptra/internal/log"
	"github.com/mattjoyce/dioptra/internal/plugin"
	"github.com/mattjoyce/dioptra/internal/pluginpath"
	"github.com/mattjoyce/dioptra/internal/runner"
	"github.com/mattjoyce/dioptra/internal/storage"
	"github.com/mattjoyce/dioptra/internal/task"
)

// configEnv names the config file or directory when --config is not given.
const configEnv = "DIOPTRA_CONFIG"

// runtime is the wiring shared by every command that touches tasks.
type runtime struct {
	cfg        *config.Config
	registry   *plugin.Registry
	generics   *generic.Set
	builtin    *importer.Builtin
	importer   *importer.Importer
	resolver   *pluginpath.Resolver
	searchPath *pluginpath.SearchPath
	facade     *task.Facade
	store      *invocations.Store
	db         *sql.DB
}

// addConfigFlag registers the global --config flag on fs.
func addConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Config file or directory (default: $"+configEnv+")")
}

// resolveConfig picks the config location from the flag, then the
// environment. An empty result means defaults only.
func resolveConfig(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(configEnv))
}

// loadConfig loads the configuration and sets up logging from it.
func loadConfig(flagValue string) (*config.Config, string, error) {
	path := resolveConfig(flagValue)
	cfg := config.Defaults()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, path, err
		}
		cfg = loaded
	}
	log.Setup(cfg.Service.LogLevel)
	return cfg, path, nil
}

// openRuntime wires the registry, loaders, facade and invocation store.
// withState=false skips the sqlite store.
func openRuntime(ctx context.Context, configFlag string, withState bool) (*runtime, error) {
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return nil, err
	}

	set, err := builtins.Generics()
	if err != nil {
		return nil, fmt.Errorf("define generics: %w", err)
	}
	builtin, err := importer.NewBuiltin(builtins.Manifest()...)
	if err != nil {
		return nil, fmt.Errorf("built-in modules: %w", err)
	}

	searchPath := pluginpath.NewSearchPath()
	dir := &importer.Directory{
		Path:    searchPath,
		Runner:  runner.New(cfg.Plugins.TaskTimeout),
		Options: plugin.LoadOptions{VerifyChecksums: cfg.Plugins.VerifyChecksums},
	}

	reg := plugin.NewRegistry()
	imp := importer.New(reg, set, builtin, dir)

	rt := &runtime{
		cfg:        cfg,
		registry:   reg,
		generics:   set,
		builtin:    builtin,
		importer:   imp,
		resolver:   &pluginpath.Resolver{Path: searchPath, Value: cfg.PluginDirValue},
		searchPath: searchPath,
	}

	var opts []task.Option
	if withState && !cfg.State.Disabled {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("open invocation log: %w", err)
		}
		rt.db = db
		rt.store = invocations.New(db)
		opts = append(opts, task.WithRecorder(rt.store))
	}
	rt.facade = task.NewFacade(reg, imp, opts...)
	return rt, nil
}

// run executes fn with the configured plugin directories on the search path
// and every generic's implementations discovered.
func (rt *runtime) run(ctx context.Context, fn func(ctx context.Context) error) error {
	return rt.resolver.With(ctx, func(ctx context.Context) error {
		for _, name := range rt.generics.Names() {
			g, err := rt.generics.Lookup(name)
			if err != nil {
				return err
			}
			if _, err := g.Discover(ctx, rt.importer); err != nil {
				return err
			}
		}
		return fn(ctx)
	})
}

func (rt *runtime) Close() error {
	if rt.db == nil {
		return nil
	}
	return rt.db.Close()
}

// exitCode maps an error to the process exit status and prints it.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var pe *plugin.PluginImportError
	switch {
	case errors.As(err, &pe), errors.Is(err, plugin.ErrUnknownPlugin), errors.Is(err, plugin.ErrUnknownPluginFunction):
		return 2
	case errors.Is(err, invocations.ErrNotFound):
		return 3
	default:
		return 1
	}
}
