package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "task":
		return runTaskNoun(args)
	case "plugin":
		return runPluginNoun(args)
	case "generic":
		return runGenericNoun(args)
	case "invocation":
		return runInvocationNoun(args)
	case "config":
		return runConfigNoun(args)

	case "call":
		return runTaskCall(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: dioptra-task version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("dioptra-task %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`dioptra-task - Run Dioptra task plugins from the command line

Usage:
  dioptra-task <noun> <action> [flags]

Resources (Nouns):
  task        Registered task functions
  plugin      Plugin modules (built-in and directory)
  generic     Type-dispatched generic functions
  invocation  Recorded task invocations and their lineage
  config      Runtime configuration and integrity

Task Commands:
  task call <ns.pkg.mod.name> [ARG...]   Run a task; ARGs are JSON values
  task show <ns.pkg.mod.name>            Show a task's signature and implementation

Plugin Commands:
  plugin list                            List importable modules

Generic Commands:
  generic list                           List generics and their implementations

Invocation Commands:
  invocation list                        Show recent invocations
  invocation show <id>                   Show an invocation and everything it depends on

Config Commands:
  config check                           Validate configuration, plugin dirs and integrity
  config lock                            Write .checksums for the config files
  config show                            Print the effective configuration
  config get <path>                      Read one value by dot path
  config set <path>=<value>              Change one value in the config file

General:
  version                                Show version information
  help                                   Show this help message

Global flags (accepted by every action):
  --config PATH   Config file or directory (default: $DIOPTRA_CONFIG)

Use 'dioptra-task <noun> help' for resource-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// dispatchNoun runs the action named by args[0] from actions.
func dispatchNoun(noun string, args []string, actions map[string]func([]string) int, help map[string]string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, noun, actions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, noun, actions)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	run, ok := actions[action]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, action)
		return 1
	}
	if hasHelpFlag(actionArgs) {
		fmt.Println(help[action])
		return 0
	}
	return run(actionArgs)
}

func printNounHelp(w *os.File, noun string, actions map[string]func([]string) int) {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "Usage: dioptra-task %s <action>\n", noun)
	fmt.Fprintf(w, "Actions: %s\n", strings.Join(names, ", "))
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
