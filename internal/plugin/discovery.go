package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/dioptra/internal/config"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

// LoadOptions controls how directory modules are validated.
type LoadOptions struct {
	// VerifyChecksums requires a .checksums manifest in every module
	// directory. Without it, a present .checksums is still verified.
	VerifyChecksums bool
}

// FindModule searches roots in order for <root>/<namespace>/<package>/<module>/manifest.yaml.
// The first root holding the module wins. found is false when no root has it.
func FindModule(roots []string, path ModulePath, opts LoadOptions) (mod *DirModule, found bool, err error) {
	if err := path.Validate(); err != nil {
		return nil, false, err
	}
	for _, root := range roots {
		dir := filepath.Join(root, path.Namespace, path.Package, path.Module)
		if _, err := os.Stat(filepath.Join(dir, manifestFilename)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, false, fmt.Errorf("failed to stat manifest in %s: %w", dir, err)
		}
		mod, err := loadModule(path, dir, root, opts)
		if err != nil {
			return nil, true, err
		}
		return mod, true, nil
	}
	return nil, false, nil
}

// DiscoverModules scans plugin roots for module manifests three levels below
// each root. Roots are processed in input order; when the same module path
// appears under several roots the first one is kept. Invalid modules are
// logged but not fatal.
func DiscoverModules(roots []string, opts LoadOptions, logger func(level, msg string, args ...any)) ([]*DirModule, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	seen := make(map[ModulePath]*DirModule)
	var out []*DirModule
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			moduleDir := filepath.Dir(p)
			rel, err := filepath.Rel(root, moduleDir)
			if err != nil {
				return nil
			}
			parts := strings.Split(rel, string(os.PathSeparator))
			if len(parts) != 3 {
				logger("warn", "manifest outside namespace/package/module layout ignored", "root", root, "path", moduleDir)
				return nil
			}
			path := ModulePath{Namespace: parts[0], Package: parts[1], Module: parts[2]}

			if existing, ok := seen[path]; ok {
				logger("warn", "duplicate module ignored (keeping first discovered)",
					"module", path.String(), "ignored_path", moduleDir, "kept_path", existing.Dir)
				return nil
			}

			mod, err := loadModule(path, moduleDir, root, opts)
			if err != nil {
				logger("warn", "failed to load module", "root", root, "path", moduleDir, "error", err.Error())
				return nil
			}
			seen[path] = mod
			out = append(out, mod)
			logger("info", "discovered module", "module", path.String(), "path", moduleDir, "tasks", len(mod.Tasks))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out, nil
}

// loadModule reads and validates a single module directory.
func loadModule(path ModulePath, moduleDir, root string, opts LoadOptions) (*DirModule, error) {
	data, err := os.ReadFile(filepath.Join(moduleDir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if manifest.Protocol != supportedProtocol {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", manifest.Protocol, supportedProtocol)
	}

	tasks := make([]TaskSpec, 0, len(manifest.Tasks))
	for _, t := range manifest.Tasks {
		entrypoint := filepath.Join(moduleDir, t.Entrypoint)
		if err := validateTrust(entrypoint, moduleDir, root); err != nil {
			return nil, fmt.Errorf("task %q: trust validation failed: %w", t.Name, err)
		}
		t.Entrypoint = entrypoint
		tasks = append(tasks, t)
	}

	if err := verifyModuleChecksums(moduleDir, tasks, opts.VerifyChecksums); err != nil {
		return nil, err
	}

	return &DirModule{
		Path:        path,
		Dir:         moduleDir,
		Root:        root,
		Description: manifest.Description,
		Protocol:    manifest.Protocol,
		Tasks:       tasks,
		EntryPoints: manifest.EntryPoints,
	}, nil
}

// verifyModuleChecksums checks the manifest and every entrypoint against the
// module's .checksums file.
func verifyModuleChecksums(moduleDir string, tasks []TaskSpec, required bool) error {
	checksums, err := config.LoadChecksums(moduleDir)
	if err != nil {
		if required {
			return fmt.Errorf("checksum verification required: %w", err)
		}
		return nil
	}

	files := []string{filepath.Join(moduleDir, manifestFilename)}
	for _, t := range tasks {
		files = append(files, t.Entrypoint)
	}
	for _, f := range files {
		rel, err := filepath.Rel(moduleDir, f)
		if err != nil {
			return fmt.Errorf("failed to relativise %s: %w", f, err)
		}
		expected, ok := checksums.Hashes[rel]
		if !ok {
			return fmt.Errorf("%s has no hash in %s", rel, filepath.Join(moduleDir, config.ChecksumsFilename))
		}
		if err := config.VerifyFileHash(f, expected); err != nil {
			return fmt.Errorf("module integrity check failed: %w", err)
		}
	}
	return nil
}

// validateTrust enforces that an entrypoint lives inside its module directory
// and plugin root, is executable, and that the module directory is not
// world-writable.
func validateTrust(entrypointPath, moduleDir, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedModuleDir, err := filepath.EvalSymlinks(moduleDir)
	if err != nil {
		return fmt.Errorf("failed to resolve module path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin root symlink %s: %w", root, err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin root %s", resolvedEntrypoint, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedModuleDir+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under module directory %s", resolvedEntrypoint, resolvedModuleDir)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedModuleDir)
	if err != nil {
		return fmt.Errorf("module directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("module directory is world-writable: %s", resolvedModuleDir)
	}
	return nil
}
