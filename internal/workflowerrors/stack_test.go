package workflowerrors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_stack(t *testing.T) {
	tests := []struct {
		name       string
		skip       int
		firstFrame string
	}{
		{name: "starts at the caller", skip: 1, firstFrame: "captureStack"},
		{name: "skips the caller", skip: 2, firstFrame: "nestedCapture"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := nestedCapture(tt.skip)

			// Each frame is a location line followed by the function and its source line
			lines := strings.Split(s, "\n")
			require.Greater(t, len(lines), 1)
			require.Contains(t, lines[1], tt.firstFrame)

			require.Contains(t, s, "Test_stack.func1")
		})
	}
}

func nestedCapture(skip int) string {
	return captureStack(skip)
}

func captureStack(skip int) string {
	return stack(skip)
}
