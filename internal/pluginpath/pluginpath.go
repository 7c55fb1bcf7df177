// Package pluginpath manages the ordered list of directories searched for
// plugin modules, and scoped additions to it.
//
// A SearchPath is shared mutable state of one worker process. Scopes must be
// closed in the reverse order they were entered, so one SearchPath must not
// be shared by tasks running concurrently. Give each worker its own.
package pluginpath

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/mattjoyce/dioptra/internal/log"
)

var (
	// ErrInvalidPluginDirectory is matched by *InvalidPluginDirectoryError.
	ErrInvalidPluginDirectory = errors.New("invalid plugin directory")
	// ErrScopeOrder is returned when a scope is closed while a scope entered
	// after it is still open.
	ErrScopeOrder = errors.New("plugin directory scopes closed out of order")
)

// InvalidPluginDirectoryError reports a configured directory that is missing,
// not a directory, or unreadable.
type InvalidPluginDirectoryError struct {
	Dir string
	Err error
}

func (e *InvalidPluginDirectoryError) Error() string {
	return fmt.Sprintf("plugin directory %s: %v", e.Dir, e.Err)
}

func (e *InvalidPluginDirectoryError) Unwrap() error { return e.Err }

func (e *InvalidPluginDirectoryError) Is(target error) bool {
	return target == ErrInvalidPluginDirectory
}

// SearchPath is an ordered list of plugin directories. Earlier entries
// shadow later ones.
type SearchPath struct {
	mu      sync.Mutex
	entries []string
	scopes  []*Scope
}

// NewSearchPath creates a search path holding dirs.
func NewSearchPath(dirs ...string) *SearchPath {
	return &SearchPath{entries: append([]string(nil), dirs...)}
}

// Entries returns a snapshot of the current entries.
func (p *SearchPath) Entries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.entries...)
}

// Resolver enters scopes that put the directories named by a configuration
// value at the front of a SearchPath.
type Resolver struct {
	Path *SearchPath
	// Value returns the directory list, separated by the OS path list
	// separator. It is read once per Enter.
	Value func() string
}

// Scope records the entries one Enter added.
type Scope struct {
	path   *SearchPath
	added  []string
	closed bool
}

// Enter validates the configured directories and prepends those not already
// on the path, keeping their order. An empty value yields a scope that
// changes nothing. On error the path is left untouched.
func (r *Resolver) Enter() (*Scope, error) {
	var value string
	if r.Value != nil {
		value = r.Value()
	}
	dirs, err := SplitDirs(value)
	if err != nil {
		return nil, err
	}

	p := r.Path
	p.mu.Lock()
	defer p.mu.Unlock()

	var add []string
	for _, dir := range dirs {
		if slices.Contains(p.entries, dir) || slices.Contains(add, dir) {
			continue
		}
		add = append(add, dir)
	}

	s := &Scope{path: p, added: add}
	p.entries = append(append([]string(nil), add...), p.entries...)
	p.scopes = append(p.scopes, s)

	if len(add) > 0 {
		logger().Debug("plugin directories added", "dirs", add)
	}
	return s, nil
}

// Close removes exactly the entries the scope added. Closing twice is a
// no-op. Closing while a later scope is still open returns ErrScopeOrder and
// leaves the path unchanged.
func (s *Scope) Close() error {
	if s == nil {
		return nil
	}
	p := s.path
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.closed {
		return nil
	}
	if n := len(p.scopes); n == 0 || p.scopes[n-1] != s {
		return ErrScopeOrder
	}
	p.scopes = p.scopes[:len(p.scopes)-1]
	s.closed = true

	// Entries added by this scope sit at the front, in order.
	p.entries = append([]string(nil), p.entries[len(s.added):]...)

	if len(s.added) > 0 {
		logger().Debug("plugin directories removed", "dirs", s.added)
	}
	return nil
}

// With runs fn inside a scope. The path is restored when fn returns, fails,
// panics, or ctx is cancelled while it runs. A ctx already done on entry
// leaves the path untouched.
func (r *Resolver) With(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := r.Enter()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx)
}

// SplitDirs splits a path list, trims each element, drops empty ones, makes
// them absolute and checks each is a readable directory.
func SplitDirs(value string) ([]string, error) {
	var dirs []string
	for _, raw := range filepath.SplitList(value) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		dir, err := filepath.Abs(raw)
		if err != nil {
			return nil, &InvalidPluginDirectoryError{Dir: raw, Err: err}
		}
		if err := checkDir(dir); err != nil {
			return nil, &InvalidPluginDirectoryError{Dir: dir, Err: err}
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func logger() *slog.Logger {
	return log.WithComponent("pluginpath")
}
