// Package xerrors defines the error taxonomy surfaced by the orchestrator
// core (spec §7) plus transient/permanent classification carried over from
// the teacher's retry machinery.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a core error for callers that need to branch on it
// (e.g. the task service retrying on OptimisticLockConflict but not on
// ValidationFailed).
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindValidationFailed
	KindInvalidStateTransition
	KindOptimisticLockConflict
	KindDependencyCycle
	KindExecutionFailed
	KindSerializationError
	KindCircuitOpen
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidationFailed:
		return "validation_failed"
	case KindInvalidStateTransition:
		return "invalid_state_transition"
	case KindOptimisticLockConflict:
		return "optimistic_lock_conflict"
	case KindDependencyCycle:
		return "dependency_cycle"
	case KindExecutionFailed:
		return "execution_failed"
	case KindSerializationError:
		return "serialization_error"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the single error type the core raises. Callers branch on Kind
// via errors.As, not on string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Structured fields, populated depending on Kind.
	Entity          string
	ID              string
	From            string
	To              string
	ExpectedVersion int64
	Path            []string
	Scope           string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// NotFound builds a KindNotFound error for the given entity/id.
func NotFound(entity, id string) error {
	return &Error{
		Kind:    KindNotFound,
		Entity:  entity,
		ID:      id,
		Message: fmt.Sprintf("%s %q not found", entity, id),
	}
}

// ValidationFailed builds a KindValidationFailed error.
func ValidationFailed(reason string) error {
	return &Error{Kind: KindValidationFailed, Message: reason}
}

// InvalidStateTransition builds a KindInvalidStateTransition error.
func InvalidStateTransition(from, to string) error {
	return &Error{
		Kind:    KindInvalidStateTransition,
		From:    from,
		To:      to,
		Message: fmt.Sprintf("invalid transition %s -> %s", from, to),
	}
}

// OptimisticLockConflict builds a KindOptimisticLockConflict error.
func OptimisticLockConflict(id string, expectedVersion int64) error {
	return &Error{
		Kind:            KindOptimisticLockConflict,
		ID:              id,
		ExpectedVersion: expectedVersion,
		Message:         fmt.Sprintf("version conflict on %q, expected version %d", id, expectedVersion),
	}
}

// DependencyCycle builds a KindDependencyCycle error.
func DependencyCycle(path []string) error {
	return &Error{
		Kind:    KindDependencyCycle,
		Path:    path,
		Message: fmt.Sprintf("dependency cycle detected: %v", path),
	}
}

// ExecutionFailed wraps an adapter-level failure (subprocess/HTTP).
func ExecutionFailed(reason string, cause error) error {
	return &Error{Kind: KindExecutionFailed, Message: reason, Cause: cause}
}

// SerializationError wraps a malformed-row/invalid-enum failure.
func SerializationError(reason string, cause error) error {
	return &Error{Kind: KindSerializationError, Message: reason, Cause: cause}
}

// CircuitOpen builds a KindCircuitOpen error for the given scope.
func CircuitOpen(scope string) error {
	return &Error{
		Kind:    KindCircuitOpen,
		Scope:   scope,
		Message: fmt.Sprintf("circuit open for scope %q", scope),
	}
}

// Timeout builds a KindTimeout error.
func Timeout(kind string) error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("timeout: %s", kind)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind extracts the Kind of err, or KindUnknown if err is not an *Error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
