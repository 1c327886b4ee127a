package workflowerrors

import goerrors "github.com/go-errors/errors"

// stack formats the calling goroutine's frames, outermost last. skip 1 starts at the caller.
func stack(skip int) string {
	return string(goerrors.Wrap("", skip).Stack())
}
