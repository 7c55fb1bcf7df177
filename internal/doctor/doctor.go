// Package doctor validates the dioptra task runtime configuration and the
// plugin directories it points at.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/dioptra/internal/config"
	"github.com/mattjoyce/dioptra/internal/plugin"
	"github.com/mattjoyce/dioptra/internal/pluginpath"
	"github.com/mattjoyce/dioptra/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Modules  int     `json:"modules"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	builtins []plugin.ModulePath
	files    []string
}

// New creates a Doctor. builtins are the compiled-in module paths, which
// shadow directory modules of the same path.
func New(cfg *config.Config, builtins []plugin.ModulePath) *Doctor {
	return &Doctor{cfg: cfg, builtins: builtins}
}

// WithConfigFiles enables .checksums integrity checks on the given files.
func (d *Doctor) WithConfigFiles(files []string) *Doctor {
	d.files = files
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	dirs := d.validatePluginDirs(r)
	d.validateModules(r, dirs)
	d.validateState(r)
	d.validateIntegrity(r)
	d.warnEnvOverride(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (r *Result) fail(category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (r *Result) warn(category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// String renders the issue as "[category] field: message".
func (i Issue) String() string {
	if i.Field == "" {
		return fmt.Sprintf("[%s] %s", i.Category, i.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Category, i.Field, i.Message)
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if strings.TrimSpace(d.cfg.Service.Name) == "" {
		r.fail("service", "service.name", "service.name is required")
	}
	switch d.cfg.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		r.fail("service", "service.log_level",
			fmt.Sprintf("log level %q is not one of debug, info, warn, error", d.cfg.Service.LogLevel))
	}
	if d.cfg.Plugins.TaskTimeout < 0 {
		r.fail("plugins", "plugins.task_timeout", "task_timeout must not be negative")
	}
}

// validatePluginDirs checks every entry of the plugin directory path list
// and returns the valid ones.
func (d *Doctor) validatePluginDirs(r *Result) []string {
	value := d.cfg.PluginDirValue()
	if strings.TrimSpace(value) == "" {
		r.warn("plugins", "plugins.dirs", "no plugin directories configured; only built-in modules are available")
		return nil
	}

	var valid []string
	for _, dir := range strings.Split(value, string(os.PathListSeparator)) {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		dirs, err := pluginpath.SplitDirs(dir)
		if err != nil {
			var pe *pluginpath.InvalidPluginDirectoryError
			if errors.As(err, &pe) {
				r.fail("plugins", "plugins.dirs", fmt.Sprintf("%s: %v", pe.Dir, pe.Err))
			} else {
				r.fail("plugins", "plugins.dirs", err.Error())
			}
			continue
		}
		valid = append(valid, dirs...)
	}
	return valid
}

func (d *Doctor) validateModules(r *Result, dirs []string) {
	if len(dirs) == 0 {
		return
	}
	opts := plugin.LoadOptions{VerifyChecksums: d.cfg.Plugins.VerifyChecksums}
	mods, err := plugin.DiscoverModules(dirs, opts, func(level, msg string, args ...any) {
		if level != "warn" {
			return
		}
		r.warn("modules", "", msg+formatArgs(args))
	})
	if err != nil {
		r.fail("modules", "plugins.dirs", err.Error())
		return
	}
	r.Modules = len(mods)

	builtin := make(map[plugin.ModulePath]bool, len(d.builtins))
	for _, p := range d.builtins {
		builtin[p] = true
	}
	for _, m := range mods {
		if builtin[m.Path] {
			r.warn("modules", "",
				fmt.Sprintf("module %s in %s is shadowed by the built-in module of the same path", m.Path, m.Dir))
		}
	}
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Disabled {
		return
	}
	if d.cfg.State.Path == "" {
		r.fail("state", "state.path", "state.path is required unless state.disabled is set")
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		r.fail("state", "state.path", err.Error())
	}
}

func (d *Doctor) validateIntegrity(r *Result) {
	if len(d.files) == 0 {
		return
	}
	res := config.VerifyIntegrity(d.files, false)
	for _, e := range res.Errors {
		r.fail("integrity", "", e)
	}
	for _, w := range res.Warnings {
		r.warn("integrity", "", w)
	}
}

func (d *Doctor) warnEnvOverride(r *Result) {
	envVar := d.cfg.Plugins.EnvVar
	if envVar == "" {
		envVar = config.DefaultPluginDirEnv
	}
	if v, ok := os.LookupEnv(envVar); ok && v != "" && d.cfg.Plugins.Dirs != "" && v != d.cfg.Plugins.Dirs {
		r.warn("plugins", "plugins.dirs",
			fmt.Sprintf("environment variable %s overrides the configured plugin directories", envVar))
	}
}

func formatArgs(args []any) string {
	var b strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder
	switch {
	case !r.Valid:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	case len(r.Warnings) > 0:
		fmt.Fprintf(&b, "Configuration valid (%d plugin module(s) found, %d warning(s))\n", r.Modules, len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration valid (%d plugin module(s) found).\n", r.Modules)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  ERROR %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  WARN  %s\n", w)
	}
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
