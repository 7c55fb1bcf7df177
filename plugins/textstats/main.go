// Command textstats is a subprocess task entrypoint computing word
// statistics. It reads one protocol request on stdin and writes one
// response on stdout. See manifest.yaml for the tasks it serves.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/mattjoyce/dioptra/internal/protocol"
)

func main() {
	resp := handle()
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle() protocol.Response {
	req, err := protocol.DecodeRequest(os.Stdin)
	if err != nil {
		return errResp(fmt.Sprintf("invalid request: %v", err))
	}
	return dispatch(req)
}

func dispatch(req *protocol.Request) protocol.Response {
	switch req.Task {
	case "word_count":
		text, err := stringArg(req.Args, 0)
		if err != nil {
			return errResp(err.Error())
		}
		return okResp([]any{len(tokenize(text))}, info(fmt.Sprintf("counted words for %s", req.InvocationID)))

	case "tokenize":
		text, err := stringArg(req.Args, 0)
		if err != nil {
			return errResp(err.Error())
		}
		words := tokenize(text)
		out := make([]any, len(words))
		for i, w := range words {
			out[i] = w
		}
		return okResp(out)

	case "top_words":
		text, err := stringArg(req.Args, 0)
		if err != nil {
			return errResp(err.Error())
		}
		n, err := intArg(req.Args, 1)
		if err != nil {
			return errResp(err.Error())
		}
		if n < 0 {
			return errResp(fmt.Sprintf("n must not be negative, got %d", n))
		}
		return okResp([]any{topWords(tokenize(text), n)})

	default:
		return errResp(fmt.Sprintf("unknown task %q", req.Task))
	}
}

// tokenize lowercases text and splits it on anything that is not a letter,
// digit or apostrophe.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// topWords returns the n most frequent words, ties broken alphabetically.
func topWords(words []string, n int) []string {
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	uniq := make([]string, 0, len(counts))
	for w := range counts {
		uniq = append(uniq, w)
	}
	sort.Slice(uniq, func(i, j int) bool {
		if counts[uniq[i]] != counts[uniq[j]] {
			return counts[uniq[i]] > counts[uniq[j]]
		}
		return uniq[i] < uniq[j]
	})
	if n < len(uniq) {
		uniq = uniq[:n]
	}
	return uniq
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: want string, got %T", i, args[i])
	}
	return s, nil
}

func intArg(args []any, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch v := args[i].(type) {
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return 0, fmt.Errorf("argument %d: want integer, got %s", i, v)
		}
		return n, nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("argument %d: want integer, got %v", i, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("argument %d: want integer, got %T", i, args[i])
	}
}

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func okResp(outputs []any, logs ...protocol.LogEntry) protocol.Response {
	return protocol.Response{Status: protocol.StatusOK, Outputs: outputs, Logs: logs}
}

func errResp(message string) protocol.Response {
	return protocol.Response{Status: protocol.StatusError, Error: message}
}
