package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tallybook/flowengine/ports"
)

func TestLLM_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "test-model", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "test-model",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "` + "```json\\n{\\\"decisionEvent\\\": \\\"APPROVE\\\", \\\"reason\\\": \\\"ok\\\"}\\n```" + `"},
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer srv.Close()

	l := New(Options{APIKey: "key", BaseURL: srv.URL + "/v1", Model: "test-model"})

	r, err := l.Complete(context.Background(), ports.CompletionRequest{Prompt: "Approve this expense?"})
	require.NoError(t, err)

	require.Equal(t, "APPROVE", r.DecisionEvent)
	require.Contains(t, r.Output, "reason")
	require.NotEmpty(t, r.Raw)
}

func TestDecisionEvent(t *testing.T) {
	require.Equal(t, "REJECT", decisionEvent(`{"decisionEvent": "REJECT"}`))
	require.Equal(t, "", decisionEvent("no json here"))
	require.Equal(t, "", decisionEvent(`{"decisionEvent": `))
	require.Equal(t, "", decisionEvent(`{"other": 1}`))
}
