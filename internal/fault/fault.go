// Package fault defines the error taxonomy shared by the jail engine.
// Every error that reaches the CLI carries a stable category, the offending
// resource (if any) and the instance id, and maps to a process exit code.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Category identifies a class of failure.
type Category string

const (
	ResourceUnavailable Category = "resource-unavailable"
	PlanConflict        Category = "plan-conflict"
	RootCollision       Category = "root-collision"
	MountFailure        Category = "mount-failure"
	UnmountFailure      Category = "unmount-failure"
	InjectionFailure    Category = "injection-failure"
	LaunchFailure       Category = "launch-failure"
	NotFound            Category = "not-found"
	Internal            Category = "internal"
)

// Process exit codes.
const (
	ExitOK                  = 0
	ExitGeneric             = 1
	ExitResourceUnavailable = 2
	ExitJailCreation        = 3
)

// Error is a categorized failure.
type Error struct {
	Category Category
	Resource string // offending ResourceEntry or library, may be empty
	Instance string // instance id, may be empty
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Category))
	if e.Instance != "" {
		fmt.Fprintf(&b, " [instance %s]", e.Instance)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " [resource %s]", e.Resource)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode maps the category to the CLI exit code.
func (e *Error) ExitCode() int {
	switch e.Category {
	case ResourceUnavailable:
		return ExitResourceUnavailable
	case PlanConflict, RootCollision, MountFailure, InjectionFailure:
		return ExitJailCreation
	default:
		return ExitGeneric
	}
}

// New creates an error with a formatted message.
func New(category Category, resource, format string, args ...interface{}) *Error {
	return &Error{
		Category: category,
		Resource: resource,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a category to an underlying error.
func Wrap(err error, category Category, resource, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Category: category,
		Resource: resource,
		Message:  fmt.Sprintf(format, args...),
		Err:      err,
	}
}

// WithInstance stamps the instance id onto err if it is a *Error that does
// not carry one yet. Other errors are wrapped as Internal.
func WithInstance(err error, instanceID string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Instance == "" {
			fe.Instance = instanceID
		}
		return err
	}
	return &Error{Category: Internal, Instance: instanceID, Err: err}
}

// CategoryOf returns the category of err, or Internal if err is not a *Error.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return Internal
}

// Is reports whether err carries the given category.
func Is(err error, category Category) bool {
	if err == nil {
		return false
	}
	return CategoryOf(err) == category
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.ExitCode()
	}
	return ExitGeneric
}
