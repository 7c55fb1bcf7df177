package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/dioptra/internal/plugin"
	"github.com/mattjoyce/dioptra/internal/task"
)

func runTaskNoun(args []string) int {
	return dispatchNoun("task", args, map[string]func([]string) int{
		"call": runTaskCall,
		"show": runTaskShow,
	}, map[string]string{
		"call": "Usage: dioptra-task task call [--config PATH] [--json] <ns.pkg.mod.name> [ARG...]\n" +
			"Each ARG is decoded as JSON; anything that is not valid JSON is passed as a string.",
		"show": "Usage: dioptra-task task show [--config PATH] [--json] <ns.pkg.mod.name>",
	})
}

// callOutput is the JSON rendering of a finished task call.
type callOutput struct {
	InvocationID   string   `json:"invocation_id"`
	Task           string   `json:"task"`
	Implementation string   `json:"implementation"`
	Outputs        []any    `json:"outputs"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

func runTaskCall(args []string) int {
	fs := flag.NewFlagSet("task call", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Print invocation metadata with the outputs")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dioptra-task task call <ns.pkg.mod.name> [ARG...]")
		return 1
	}

	ref, err := task.ParseTaskRef(fs.Arg(0))
	if err != nil {
		return exitCode(err)
	}
	callArgs := make([]any, 0, fs.NArg()-1)
	for _, raw := range fs.Args()[1:] {
		callArgs = append(callArgs, decodeArg(raw))
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, *configFlag, true)
	if err != nil {
		return exitCode(err)
	}
	defer rt.Close()

	var res *task.Result
	err = rt.run(ctx, func(ctx context.Context) error {
		var err error
		res, err = rt.facade.CallTask(ctx, ref, callArgs...)
		return err
	})
	if err != nil {
		return exitCode(err)
	}

	if *jsonOut {
		return printJSON(callOutput{
			InvocationID:   res.ID,
			Task:           res.Ref.String(),
			Implementation: res.Identity,
			Outputs:        res.Outputs,
			DependsOn:      res.DependsOn,
		})
	}
	fmt.Println(renderValue(res.Value()))
	fmt.Fprintf(os.Stderr, "invocation: %s\n", res.ID)
	return 0
}

// decodeArg turns one command-line argument into a task argument.
func decodeArg(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// renderValue prints v as JSON, falling back to Go formatting for values
// JSON cannot encode.
func renderValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// taskInfo is the JSON rendering of a registered task.
type taskInfo struct {
	Task           string   `json:"task"`
	Implementation string   `json:"implementation"`
	Params         []string `json:"params"`
	Variadic       bool     `json:"variadic,omitempty"`
	Outputs        string   `json:"outputs"`
}

func describeTask(fn *plugin.Function) taskInfo {
	params := make([]string, len(fn.Params))
	for i, p := range fn.Params {
		params[i] = p.String()
	}
	return taskInfo{
		Task:           fn.Ref(),
		Implementation: fn.Identity(),
		Params:         params,
		Variadic:       fn.Variadic,
		Outputs:        fn.Outputs.String(),
	}
}

func runTaskShow(args []string) int {
	fs := flag.NewFlagSet("task show", flag.ContinueOnError)
	configFlag := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: dioptra-task task show <ns.pkg.mod.name>")
		return 1
	}
	ref, err := task.ParseTaskRef(fs.Arg(0))
	if err != nil {
		return exitCode(err)
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, *configFlag, false)
	if err != nil {
		return exitCode(err)
	}
	defer rt.Close()

	var fn *plugin.Function
	err = rt.run(ctx, func(ctx context.Context) error {
		var err error
		fn, err = rt.facade.GetTask(ctx, ref)
		return err
	})
	if err != nil {
		return exitCode(err)
	}

	info := describeTask(fn)
	if *jsonOut {
		return printJSON(info)
	}
	params := strings.Join(info.Params, ", ")
	if info.Variadic {
		params += " (variadic)"
	}
	fmt.Printf("Task:           %s\n", info.Task)
	fmt.Printf("Implementation: %s\n", info.Implementation)
	fmt.Printf("Params:         %s\n", params)
	fmt.Printf("Outputs:        %s\n", info.Outputs)
	return 0
}
