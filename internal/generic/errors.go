package generic

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	// ErrConflictingRegistration is matched by *ConflictingRegistrationError.
	ErrConflictingRegistration = errors.New("conflicting generic registration")
	// ErrNoDispatchMatch is matched by *NoDispatchMatchError.
	ErrNoDispatchMatch = errors.New("no matching implementation")
	// ErrInvalidImplementation is returned when a value cannot serve as an
	// implementation of a generic.
	ErrInvalidImplementation = errors.New("invalid generic implementation")
	// ErrUnknownGeneric is returned by Set lookups for an undefined name.
	ErrUnknownGeneric = errors.New("unknown generic")
)

// ConflictingRegistrationError reports a second implementation registered
// for a dispatch type tuple that already has one.
type ConflictingRegistrationError struct {
	Generic   string
	Types     []reflect.Type
	Existing  string
	Attempted string
}

func (e *ConflictingRegistrationError) Error() string {
	return fmt.Sprintf("generic %s: %s already registered by %s (attempted %s)",
		e.Generic, formatTypes(e.Types), e.Existing, e.Attempted)
}

func (e *ConflictingRegistrationError) Is(target error) bool {
	return target == ErrConflictingRegistration
}

// NoDispatchMatchError reports a call whose argument types match no
// implementation and for which no default implementation exists.
type NoDispatchMatchError struct {
	Generic string
	Types   []string
}

func (e *NoDispatchMatchError) Error() string {
	return fmt.Sprintf("generic %s: no implementation for (%s)", e.Generic, strings.Join(e.Types, ", "))
}

func (e *NoDispatchMatchError) Is(target error) bool {
	return target == ErrNoDispatchMatch
}

func formatTypes(types []reflect.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return "(" + strings.Join(names, ", ") + ")"
}
