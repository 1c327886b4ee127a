package workflowerrors

import "fmt"

// PanicError is returned when a task handler panics.
type PanicError struct {
	message    string
	stacktrace string
}

func (pe *PanicError) Error() string {
	return pe.message
}

func (pe *PanicError) Stack() string {
	return pe.stacktrace
}

// NewPanicError captures the stack of the caller. Call it from the deferred function that
// recovered the panic.
func NewPanicError(recovered any) *PanicError {
	return &PanicError{
		message:    fmt.Sprintf("panic: %v", recovered),
		stacktrace: stack(2),
	}
}
