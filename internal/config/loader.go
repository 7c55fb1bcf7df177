package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the config file (or config.yaml inside a directory), overlays
// every file it includes, verifies them against any .checksums manifests and
// validates the result.
func Load(configPath string) (*Config, error) {
	tree, err := readTree(configPath)
	if err != nil {
		return nil, err
	}

	if res := VerifyIntegrity(tree.files, false); !res.Passed {
		return nil, fmt.Errorf("config verification failed: %s\n"+
			"If you edited these files intentionally, run: dioptra-task config lock --config %s",
			strings.Join(res.Errors, "; "), filepath.Dir(tree.files[0]))
	}

	cfg := withDefaults(tree.cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// configTree is a root config file plus its transitive includes, in the order
// they were applied.
type configTree struct {
	cfg   *Config
	files []string
}

// readTree parses the root file, then applies includes depth first. Values
// from a later file replace those already set.
func readTree(configPath string) (*configTree, error) {
	root, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	t := &configTree{cfg: &Config{}}
	seen := map[string]bool{root: true}
	includes, err := t.apply(root)
	if err != nil {
		return nil, err
	}
	if err := t.walk(includes, filepath.Dir(root), seen); err != nil {
		return nil, err
	}
	t.cfg.Include = includes
	return t, nil
}

func (t *configTree) walk(includes []string, baseDir string, seen map[string]bool) error {
	for i, ref := range includes {
		ref = interpolateEnv(ref)
		if !filepath.IsAbs(ref) {
			ref = filepath.Join(baseDir, ref)
		}
		path, err := filepath.Abs(ref)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, ref, err)
		}
		if seen[path] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, path)
		}
		seen[path] = true

		nested, err := t.apply(path)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("include[%d]: file not found: %s\nReferenced from: %s", i, path, baseDir)
		}
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, path, err)
		}
		if err := t.walk(nested, filepath.Dir(path), seen); err != nil {
			return err
		}
	}
	return nil
}

// apply decodes one file over the accumulated config and returns the
// includes that file declares.
func (t *configTree) apply(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	t.files = append(t.files, path)

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	var head struct {
		Include []string `yaml:"include"`
	}
	if err := doc.Decode(&head); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := doc.Decode(t.cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return head.Include, nil
}

// resolveConfigPath turns a file or directory argument into the absolute
// path of the root config file.
func resolveConfigPath(configPath string) (string, error) {
	path, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", path)
	}
	if !info.IsDir() {
		return path, nil
	}
	path = filepath.Join(path, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("directory provided but config.yaml not found: %s", path)
	}
	return path, nil
}

// withDefaults fills unset fields from Defaults.
func withDefaults(cfg *Config) *Config {
	d := Defaults()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&cfg.Service.Name, d.Service.Name)
	fill(&cfg.Service.LogLevel, d.Service.LogLevel)
	fill(&cfg.Plugins.EnvVar, d.Plugins.EnvVar)
	fill(&cfg.State.Path, d.State.Path)
	if cfg.Plugins.TaskTimeout == 0 {
		cfg.Plugins.TaskTimeout = d.Plugins.TaskTimeout
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with its environment value. Undefined
// variables are left untouched so validate can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		if value, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return value
		}
		return match
	})
}

var logLevels = []string{"debug", "info", "warn", "error"}

func validate(cfg *Config) error {
	valid := false
	for _, l := range logLevels {
		valid = valid || cfg.Service.LogLevel == l
	}
	if !valid {
		return fmt.Errorf("service.log_level must be one of: %s (got %q)", strings.Join(logLevels, ", "), cfg.Service.LogLevel)
	}

	if cfg.Plugins.TaskTimeout < 0 {
		return fmt.Errorf("plugins.task_timeout must not be negative")
	}
	if m := envVarPattern.FindStringSubmatch(cfg.Plugins.Dirs); m != nil {
		return fmt.Errorf("plugins.dirs: environment variable ${%s} is not set", m[1])
	}

	if !cfg.State.Disabled && cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	return nil
}
