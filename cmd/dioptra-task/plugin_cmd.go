package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/dioptra/internal/log"
	"github.com/mattjoyce/dioptra/internal/plugin"
)

func runPluginNoun(args []string) int {
	return dispatchNoun("plugin", args, map[string]func([]string) int{
		"list": runPluginList,
	}, map[string]string{
		"list": "Usage: dioptra-task plugin list [--config PATH] [--json]",
	})
}

func runGenericNoun(args []string) int {
	return dispatchNoun("generic", args, map[string]func([]string) int{
		"list": runGenericList,
	}, map[string]string{
		"list": "Usage: dioptra-task generic list [--config PATH] [--json]",
	})
}

// moduleInfo is one row of "plugin list".
type moduleInfo struct {
	Module string   `json:"module"`
	Source string   `json:"source"`
	Dir    string   `json:"dir,omitempty"`
	Tasks  []string `json:"tasks"`
	Error  string   `json:"error,omitempty"`
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("plugin list", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, *configFlag, false)
	if err != nil {
		return exitCode(err)
	}
	defer rt.Close()

	var mods []moduleInfo
	err = rt.run(ctx, func(ctx context.Context) error {
		builtin := make(map[plugin.ModulePath]bool)
		for _, path := range rt.builtin.Modules() {
			builtin[path] = true
			info := moduleInfo{Module: path.String(), Source: "builtin"}
			if err := rt.importer.Import(ctx, path); err != nil {
				info.Error = err.Error()
			} else {
				info.Tasks = rt.registry.NamesIn(path)
			}
			mods = append(mods, info)
		}

		logger := log.WithComponent("cli")
		opts := plugin.LoadOptions{VerifyChecksums: rt.cfg.Plugins.VerifyChecksums}
		found, err := plugin.DiscoverModules(rt.searchPath.Entries(), opts, func(level, msg string, args ...any) {
			if level == "warn" {
				logger.Warn(msg, args...)
			}
		})
		if err != nil {
			return err
		}
		for _, m := range found {
			source := "directory"
			if builtin[m.Path] {
				source = "directory (shadowed)"
			}
			info := moduleInfo{Module: m.Path.String(), Source: source, Dir: m.Dir}
			for _, t := range m.Tasks {
				info.Tasks = append(info.Tasks, t.Name)
			}
			mods = append(mods, info)
		}
		return nil
	})
	if err != nil {
		return exitCode(err)
	}

	if *jsonOut {
		return printJSON(mods)
	}
	if len(mods) == 0 {
		fmt.Println("No plugin modules found.")
		return 0
	}
	for _, m := range mods {
		line := fmt.Sprintf("%-45s %-20s %s", m.Module, m.Source, strings.Join(m.Tasks, ", "))
		if m.Error != "" {
			line += "  (error: " + m.Error + ")"
		}
		fmt.Println(strings.TrimRight(line, " "))
	}
	return 0
}

// genericInfo is one row of "generic list".
type genericInfo struct {
	Generic         string     `json:"generic"`
	Params          []string   `json:"params"`
	EntryPoint      string     `json:"entry_point"`
	Implementations []implInfo `json:"implementations"`
}

type implInfo struct {
	Types          []string `json:"types"`
	Implementation string   `json:"implementation"`
}

func runGenericList(args []string) int {
	fs := flag.NewFlagSet("generic list", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, *configFlag, false)
	if err != nil {
		return exitCode(err)
	}
	defer rt.Close()

	var out []genericInfo
	err = rt.run(ctx, func(context.Context) error {
		for _, name := range rt.generics.Names() {
			g, err := rt.generics.Lookup(name)
			if err != nil {
				return err
			}
			info := genericInfo{Generic: g.Name(), Params: g.Params(), EntryPoint: g.EntryPointGroup()}
			for _, impl := range g.Implementations() {
				types := make([]string, len(impl.Types))
				for i, t := range impl.Types {
					types[i] = t.String()
				}
				info.Implementations = append(info.Implementations, implInfo{Types: types, Implementation: impl.Identity()})
			}
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return exitCode(err)
	}

	if *jsonOut {
		return printJSON(out)
	}
	for _, g := range out {
		fmt.Printf("%s(%s)  [%s]\n", g.Generic, strings.Join(g.Params, ", "), g.EntryPoint)
		for _, impl := range g.Implementations {
			fmt.Printf("  (%s) -> %s\n", strings.Join(impl.Types, ", "), impl.Implementation)
		}
	}
	return 0
}
