package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every typed error below unwraps to one of these.
var (
	ErrValidation           = errors.New("validation failed")
	ErrReferentialIntegrity = errors.New("referential integrity violated")
	ErrDecomposition        = errors.New("illegal ASIL decomposition")
	ErrScope                = errors.New("target outside review scope")
	ErrStaleSnapshot        = errors.New("stale snapshot")
	ErrNotFound             = errors.New("not found")
	ErrDuplicate            = errors.New("duplicate id")
	ErrIllegalTransition    = errors.New("illegal state transition")
	ErrReadOnly             = errors.New("review is read-only")
	ErrPermission           = errors.New("participant lacks role")
	ErrFormat               = errors.New("unsupported document format")
)

// ValidationError wraps a sentinel with the offending entity field.
type ValidationError struct {
	Entity  Kind
	ID      string
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s: %s (value=%q): %v", e.Entity, e.ID, e.Field, e.Value, e.Wrapped)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError. A nil wrapped error defaults
// to ErrValidation.
func NewValidationError(entity Kind, id, field, value string, wrapped error) *ValidationError {
	if wrapped == nil {
		wrapped = ErrValidation
	}
	return &ValidationError{Entity: entity, ID: id, Field: field, Value: value, Wrapped: wrapped}
}

// Ref names one referencing record.
type Ref struct {
	Kind  Kind   `json:"kind"`
	ID    string `json:"id"`
	Field string `json:"field"`
}

func (r Ref) String() string { return fmt.Sprintf("%s %s.%s", r.Kind, r.ID, r.Field) }

// ReferentialIntegrityError reports a delete or reference that would break
// the graph. ReferencedBy lists the records still pointing at the entity.
type ReferentialIntegrityError struct {
	Entity       Kind
	ID           string
	Field        string // referencing field when Missing is set
	Missing      string // set when a reference points at an absent id
	ReferencedBy []Ref
}

func (e *ReferentialIntegrityError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("referential integrity: %s %s references missing %s", e.Entity, e.ID, e.Missing)
	}
	refs := make([]string, len(e.ReferencedBy))
	for i, r := range e.ReferencedBy {
		refs[i] = r.String()
	}
	return fmt.Sprintf("referential integrity: %s %s referenced by [%s]", e.Entity, e.ID, strings.Join(refs, ", "))
}

func (e *ReferentialIntegrityError) Unwrap() error { return ErrReferentialIntegrity }

// DecompositionError reports an ASIL pair that is not permitted for the parent.
type DecompositionError struct {
	RequirementID string
	Parent        ASIL
	Requested     [2]ASIL
	Reason        string
}

func (e *DecompositionError) Error() string {
	msg := fmt.Sprintf("decomposition: %s ASIL %s cannot split into %s+%s", e.RequirementID, e.Parent, e.Requested[0], e.Requested[1])
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *DecompositionError) Unwrap() error { return ErrDecomposition }

// ScopeError reports a comment or diff target outside a review's scope.
type ScopeError struct {
	ReviewID string
	TargetID string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("scope: %s is not in scope of review %s", e.TargetID, e.ReviewID)
}

func (e *ScopeError) Unwrap() error { return ErrScope }

// StaleSnapshotError reports a diff against a baseline that no longer exists.
type StaleSnapshotError struct {
	SnapshotID string
	Revision   uint64
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("stale snapshot: %s (revision %d) no longer exists", e.SnapshotID, e.Revision)
}

func (e *StaleSnapshotError) Unwrap() error { return ErrStaleSnapshot }

// TransitionError reports a transition a state machine rejects.
type TransitionError struct {
	Machine string
	ID      string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Machine, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// LoadError reports why a persisted document was rejected. Entity, ID and
// Field locate the offending record when known.
type LoadError struct {
	Stage   string
	Entity  Kind
	ID      string
	Field   string
	Wrapped error
}

func (e *LoadError) Error() string {
	loc := e.Field
	if e.Entity != "" {
		loc = fmt.Sprintf("%s %s.%s", e.Entity, e.ID, e.Field)
	}
	if loc == "" {
		return fmt.Sprintf("load: %s: %v", e.Stage, e.Wrapped)
	}
	return fmt.Sprintf("load: %s: %s: %v", e.Stage, loc, e.Wrapped)
}

func (e *LoadError) Unwrap() error { return e.Wrapped }

// NotFound builds an ErrNotFound wrap for a kind and id.
func NotFound(kind Kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
