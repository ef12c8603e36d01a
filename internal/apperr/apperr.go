// ABOUTME: Typed error taxonomy shared by storage, schema, participant and message layers
// ABOUTME: Every error carries a kind, a stable machine-readable code and a detail payload

package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error so callers can react without parsing messages.
type Kind string

const (
	KindValidation Kind = "validation"
	KindStorage    Kind = "storage"
	KindPermission Kind = "permission"
	KindMigration  Kind = "migration"
)

// Error is the concrete error type returned by the courier packages.
type Error struct {
	Kind    Kind
	Code    string         // stable, e.g. "cyclic_dependency"
	Message string         // human readable explanation
	Entity  string         // affected entity id, if any
	Detail  map[string]any // free-form diagnostics
	Err     error          // underlying cause

	// ManualIntervention is set when the failure left state that cannot be
	// reverted automatically (e.g. a schema change that failed post-validation).
	ManualIntervention bool
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString("[")
	b.WriteString(e.Code)
	b.WriteString("]")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Entity != "" {
		b.WriteString(" (")
		b.WriteString(e.Entity)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same kind and code.
// An empty code on the target matches any code of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithEntity returns a copy of e naming the affected entity.
func (e *Error) WithEntity(id string) *Error {
	c := *e
	c.Entity = id
	return &c
}

// WithDetail returns a copy of e with an extra detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	c := *e
	c.Detail = make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		c.Detail[k] = v
	}
	c.Detail[key] = value
	return &c
}

// Validation builds a validation error.
func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Permission builds a permission error.
func Permission(code, format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps an underlying storage failure.
func Storage(code string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindStorage, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Migration wraps a migration failure.
func Migration(code string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindMigration, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
