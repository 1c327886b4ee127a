package workflowerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type lookupError struct {
	key string
}

func (e *lookupError) Error() string {
	return "no value for " + e.key
}

func Test_typeName(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "errors.New", err: errors.New("boom"), want: ""},
		{name: "fmt.Errorf wrapping", err: fmt.Errorf("calling api: %w", errors.New("boom")), want: ""},
		{name: "errors.Join", err: errors.Join(errors.New("a"), errors.New("b")), want: ""},
		{name: "persisted error", err: FromError(errors.New("boom")), want: "Error"},
		{name: "custom error", err: &lookupError{key: "amount"}, want: "lookupError"},
		{name: "panic", err: NewPanicError("boom"), want: "PanicError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, typeName(tt.err))
		})
	}
}
