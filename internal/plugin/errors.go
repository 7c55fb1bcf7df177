package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPlugin means the requested module was never imported or registered.
	ErrUnknownPlugin = errors.New("unknown plugin module")
	// ErrUnknownPluginFunction means the module is known but the function is not.
	ErrUnknownPluginFunction = errors.New("unknown plugin function")
	// ErrDuplicateRegistration is matched by *DuplicateRegistrationError.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrInvalidFunction is returned when a value cannot be registered as a task.
	ErrInvalidFunction = errors.New("invalid plugin function")
	// ErrInvalidArguments is returned when call arguments do not fit a task's parameters.
	ErrInvalidArguments = errors.New("invalid task arguments")
	// ErrPluginImport is matched by *PluginImportError.
	ErrPluginImport = errors.New("plugin import failed")
	// ErrModuleNotFound is wrapped by a PluginImportError when no loader knows the module.
	ErrModuleNotFound = errors.New("module not found")
)

// DuplicateRegistrationError reports a second registration of the same
// (namespace, package, module, name) key backed by a different implementation.
type DuplicateRegistrationError struct {
	Path      ModulePath
	Name      string
	Existing  string
	Attempted string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("function %s.%s already registered by %s (attempted %s)", e.Path, e.Name, e.Existing, e.Attempted)
}

func (e *DuplicateRegistrationError) Is(target error) bool {
	return target == ErrDuplicateRegistration
}

// PluginImportError wraps whatever made the import of a module fail.
type PluginImportError struct {
	Path ModulePath
	Err  error
}

func (e *PluginImportError) Error() string {
	return fmt.Sprintf("import %s: %v", e.Path, e.Err)
}

func (e *PluginImportError) Unwrap() error {
	return e.Err
}

func (e *PluginImportError) Is(target error) bool {
	return target == ErrPluginImport
}
