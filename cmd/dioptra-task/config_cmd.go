package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/dioptra/internal/builtins"
	"github.com/mattjoyce/dioptra/internal/config"
	"github.com/mattjoyce/dioptra/internal/doctor"
	"github.com/mattjoyce/dioptra/internal/lock"
	"github.com/mattjoyce/dioptra/internal/log"
	"github.com/mattjoyce/dioptra/internal/plugin"
)

// lockWait bounds how long "config lock" waits for a concurrent run.
const lockWait = 5 * time.Second

func runConfigNoun(args []string) int {
	return dispatchNoun("config", args, map[string]func([]string) int{
		"check": runConfigCheck,
		"lock":  runConfigLock,
		"show":  runConfigShow,
		"get":   runConfigGet,
		"set":   runConfigSet,
	}, map[string]string{
		"check": "Usage: dioptra-task config check [--config PATH] [--json]\n" +
			"Validates the configuration, plugin directories, state path and .checksums integrity.",
		"lock": "Usage: dioptra-task config lock [--config PATH] [--dry-run]\n" +
			"Writes BLAKE3 hashes of the config file and its includes to .checksums.",
		"show": "Usage: dioptra-task config show [--config PATH]",
		"get":  "Usage: dioptra-task config get [--config PATH] <path>",
		"set":  "Usage: dioptra-task config set [--config PATH] <path>=<value>",
	})
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configFlag)
	if err != nil {
		res := &doctor.Result{Errors: []doctor.Issue{{Category: "config", Message: err.Error()}}}
		printCheck(res, *jsonOut)
		return 1
	}

	var builtinPaths []plugin.ModulePath
	for _, m := range builtins.Manifest() {
		builtinPaths = append(builtinPaths, m.Path)
	}
	doc := doctor.New(cfg, builtinPaths)
	if path != "" {
		files, err := config.Files(path)
		if err != nil {
			return exitCode(err)
		}
		doc = doc.WithConfigFiles(files)
	}

	res := doc.Validate()
	printCheck(res, *jsonOut)
	if !res.Valid {
		return 1
	}
	return 0
}

func printCheck(res *doctor.Result, jsonOut bool) {
	if jsonOut {
		out, err := doctor.FormatJSON(res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return
		}
		fmt.Println(out)
		return
	}
	fmt.Print(doctor.FormatHuman(res))
}

func requireConfigPath(flagValue string) (string, error) {
	path := resolveConfig(flagValue)
	if path == "" {
		return "", fmt.Errorf("no config file: pass --config or set %s", configEnv)
	}
	return path, nil
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	dryRun := fs.Bool("dry-run", false, "Show what would be written without writing")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	path, err := requireConfigPath(*configFlag)
	if err != nil {
		return exitCode(err)
	}
	files, err := config.Files(path)
	if err != nil {
		return exitCode(err)
	}

	l, err := lock.Acquire(filepath.Join(filepath.Dir(files[0]), config.ChecksumsFilename+".lock"), lockWait)
	if err != nil {
		return exitCode(fmt.Errorf("dioptra-task config lock: %w", err))
	}
	defer func() { _ = l.Release() }()
	log.WithComponent("config").Debug("holding checksums lock", "lock", l.Path())

	reports, err := config.Lock(path, *dryRun)
	if err != nil {
		return exitCode(err)
	}
	for _, r := range reports {
		verb := "Wrote"
		if !r.Written {
			verb = "Would write"
		}
		fmt.Printf("%s %s\n", verb, r.ChecksumPath)
		for _, f := range r.Files {
			fmt.Printf("  %s  %s\n", f.Hash, f.Filename)
		}
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return exitCode(err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return exitCode(fmt.Errorf("marshal config: %w", err))
	}
	fmt.Print(string(data))
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("config get", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: dioptra-task config get <path>")
		return 1
	}
	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return exitCode(err)
	}
	v, err := cfg.GetPath(fs.Arg(0))
	if err != nil {
		return exitCode(err)
	}
	switch v.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			return exitCode(err)
		}
		fmt.Print(string(data))
	default:
		fmt.Println(v)
	}
	return 0
}

func runConfigSet(args []string) int {
	fs := flag.NewFlagSet("config set", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: dioptra-task config set <path>=<value>")
		return 1
	}
	key, value, ok := strings.Cut(fs.Arg(0), "=")
	if !ok || strings.TrimSpace(key) == "" {
		fmt.Fprintln(os.Stderr, "Usage: dioptra-task config set <path>=<value>")
		return 1
	}
	path, err := requireConfigPath(*configFlag)
	if err != nil {
		return exitCode(err)
	}
	if err := config.SetPath(path, strings.TrimSpace(key), value); err != nil {
		return exitCode(err)
	}
	fmt.Printf("Set %s = %s\n", strings.TrimSpace(key), value)
	return 0
}
