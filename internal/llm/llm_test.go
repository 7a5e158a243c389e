package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCompletePrefixesPromptVersionAndReturnsRawResponse(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotPrompt = req.Prompt
		w.Write([]byte(`{"response": "[{\"trope_id\":\"t1\"}]", "done": true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	raw, err := c.Complete(context.Background(), "m", "judge this scene")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.HasPrefix(gotPrompt, PromptVersion) {
		t.Errorf("prompt sent to service = %q, want prefix %q", gotPrompt, PromptVersion)
	}
	if string(raw) != `[{"trope_id":"t1"}]` {
		t.Errorf("raw response = %s", raw)
	}
}

func TestCompleteNonOKStatusIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	_, err := c.Complete(context.Background(), "m", "prompt")
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestCompleteUnreachableService(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 0)
	_, err := c.Complete(context.Background(), "m", "prompt")
	if err == nil {
		t.Fatal("expected error for unreachable service")
	}
}
