package chat

import "fmt"

const (
	KindValidation         = "validation"
	KindProviderSelection  = "provider_selection"
	KindModelCompatibility = "model_compatibility"
	KindToolExecution      = "tool_execution"
	KindCacheMiss          = "cache_miss"
	KindPersistence        = "persistence"
	KindInternal           = "internal"
)

// Error is the taxonomy every failure inside a turn collapses into. Kind is
// stable and machine-readable; Message is safe to show the caller.
type Error struct {
	Kind    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func statusForKind(kind string) int {
	switch kind {
	case KindValidation:
		return 400
	case KindCacheMiss:
		return 404
	case KindModelCompatibility:
		return 422
	case KindToolExecution:
		return 502
	case KindProviderSelection:
		return 503
	default:
		return 500
	}
}

func newError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Status: statusForKind(kind)}
}

func NewValidationError(message string) *Error {
	return newError(KindValidation, message)
}

func NewProviderSelectionError(message string) *Error {
	return newError(KindProviderSelection, message)
}

func NewModelCompatibilityError(message string) *Error {
	return newError(KindModelCompatibility, message)
}

func NewToolExecutionError(message string) *Error {
	return newError(KindToolExecution, message)
}

func NewPersistenceError(message string) *Error {
	return newError(KindPersistence, message)
}

func NewInternalError(message string) *Error {
	return newError(KindInternal, message)
}
