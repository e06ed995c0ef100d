// Package apperr defines the error taxonomy shared by every engine component.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindAccessDenied       Kind = "access_denied"
	KindStructural         Kind = "structural_violation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindConfigurationFault Kind = "configuration_fault"
	KindInvalidInput       Kind = "invalid_input"
	KindInternal           Kind = "internal"
)

// Reason refines a structural violation.
type Reason string

const (
	ReasonNone                Reason = ""
	DuplicateGuid             Reason = "duplicate-guid"
	DuplicateName             Reason = "duplicate-name"
	DuplicatePath             Reason = "duplicate-path"
	IllegalCollectionCreation Reason = "illegal-collection-creation"
	CannotOverrideUid         Reason = "cannot-override-uid"
	CannotOverrideName        Reason = "cannot-override-name"
	CollectionNotEmpty        Reason = "collection-not-empty"
	CannotDeleteRoot          Reason = "cannot-delete-root"
	AliasCycle                Reason = "alias-cycle"
	CannotMoveInstance        Reason = "cannot-move-instance"
	InvalidOverride           Reason = "invalid-override"
	ReservedName              Reason = "reserved-name"
	BadName                   Reason = "bad-name"
	BadDestination            Reason = "bad-destination"
)

// Error is the concrete error type returned by the engine.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Path    string
	Name    string
	UID     string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != ReasonNone {
		b.WriteString(" (")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%s", e.Path)
	}
	if e.Name != "" {
		fmt.Fprintf(&b, " name=%s", e.Name)
	}
	if e.UID != "" {
		fmt.Fprintf(&b, " uid=%s", e.UID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind and, when the sentinel carries one, by reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrAccessDenied       = &Error{Kind: KindAccessDenied}
	ErrStructural         = &Error{Kind: KindStructural}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrConfigurationFault = &Error{Kind: KindConfigurationFault}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}

	ErrDuplicateGuid      = &Error{Kind: KindStructural, Reason: DuplicateGuid}
	ErrDuplicateName      = &Error{Kind: KindStructural, Reason: DuplicateName}
	ErrIllegalCreation    = &Error{Kind: KindStructural, Reason: IllegalCollectionCreation}
	ErrCannotOverrideUid  = &Error{Kind: KindStructural, Reason: CannotOverrideUid}
	ErrCannotOverrideName = &Error{Kind: KindStructural, Reason: CannotOverrideName}
	ErrNotEmpty           = &Error{Kind: KindStructural, Reason: CollectionNotEmpty}
	ErrCannotDeleteRoot   = &Error{Kind: KindStructural, Reason: CannotDeleteRoot}
	ErrAliasCycle         = &Error{Kind: KindStructural, Reason: AliasCycle}
)

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf reports the structural reason carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

func AccessDenied(path, format string, args ...any) *Error {
	return &Error{Kind: KindAccessDenied, Path: path, Message: fmt.Sprintf(format, args...)}
}

func NotFound(path, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Path: path, Message: fmt.Sprintf(format, args...)}
}

func Conflict(path, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Path: path, Message: fmt.Sprintf(format, args...)}
}

func Structural(reason Reason, path, format string, args ...any) *Error {
	return &Error{Kind: KindStructural, Reason: reason, Path: path, Message: fmt.Sprintf(format, args...)}
}

func Config(err error, format string, args ...any) *Error {
	return &Error{Kind: KindConfigurationFault, Message: fmt.Sprintf(format, args...), Err: err}
}

func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// WithName returns a copy of e carrying the resource name.
func (e *Error) WithName(name string) *Error {
	c := *e
	c.Name = name
	return &c
}

// WithUID returns a copy of e carrying the iCalendar UID.
func (e *Error) WithUID(uid string) *Error {
	c := *e
	c.UID = uid
	return &c
}
