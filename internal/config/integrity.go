package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// IntegrityResult collects the outcome of checking files against the
// .checksums manifest in their directory.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// Files returns the absolute paths of the config file and every file it
// includes, sorted.
func Files(configPath string) ([]string, error) {
	tree, err := readTree(configPath)
	if err != nil {
		return nil, err
	}
	files := append([]string(nil), tree.files...)
	sort.Strings(files)
	return files, nil
}

// VerifyIntegrity checks files against the .checksums manifest of their
// directory. A directory without a manifest is a warning unless required.
func VerifyIntegrity(files []string, required bool) *IntegrityResult {
	result := &IntegrityResult{Passed: true}
	fail := func(format string, args ...any) {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	for dir, names := range groupByDir(files) {
		checksumPath := filepath.Join(dir, ChecksumsFilename)
		manifest, err := LoadChecksums(dir)
		if err != nil {
			if _, statErr := os.Stat(checksumPath); os.IsNotExist(statErr) && !required {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("no %s manifest at %s; run 'dioptra-task config lock' to enable integrity verification", ChecksumsFilename, checksumPath))
				continue
			}
			fail("%v", err)
			continue
		}

		for _, name := range names {
			path := filepath.Join(dir, name)
			expected, ok := manifest.Hashes[name]
			if !ok {
				fail("file %s not in %s", path, checksumPath)
				continue
			}
			if err := VerifyFileHash(path, expected); err != nil {
				fail("%v", err)
			}
		}
	}

	sort.Strings(result.Warnings)
	sort.Strings(result.Errors)
	return result
}

// Lock writes a .checksums manifest next to the config file and its includes.
func Lock(configPath string, dryRun bool) ([]*HashUpdateReport, error) {
	files, err := Files(configPath)
	if err != nil {
		return nil, err
	}

	groups := groupByDir(files)
	dirs := make([]string, 0, len(groups))
	for dir := range groups {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	reports := make([]*HashUpdateReport, 0, len(dirs))
	for _, dir := range dirs {
		report, err := GenerateChecksumsWithReport(dir, groups[dir], dryRun)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func groupByDir(files []string) map[string][]string {
	out := make(map[string][]string)
	for _, f := range files {
		dir := filepath.Dir(f)
		out[dir] = append(out[dir], filepath.Base(f))
	}
	for dir := range out {
		sort.Strings(out[dir])
	}
	return out
}
