// Package llm is the judging pipeline's JSON-mode chat-completion
// client, shaped like embedding.Client's Generate (ollama.go) plus
// internal/eval/judge.go's prompt-and-strict-parse discipline.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// PromptVersion is the literal header line every prompt carries, per
// spec.md §6: changing the prompt text bumps the version. The run
// row's params_json (runstamp.Params) does not record it.
const PromptVersion = "TROPE-MINER-PROMPT-V1"

// ErrUnavailable marks a retryable failure of the LLM service.
var ErrUnavailable = errors.New("llm service unavailable")

// Client calls an LLM HTTP service in JSON completion mode.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient builds a Client rate-limited to requestsPerMin (0 disables
// limiting), the same wrapper shape as Nox-HQ-nox/plugin/ratelimit.go.
func NewClient(baseURL string, requestsPerMin int) *Client {
	var lim *rate.Limiter
	if requestsPerMin > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(requestsPerMin)/60.0), requestsPerMin)
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		limiter: lim,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete sends model+prompt (prefixed with PromptVersion) to the LLM
// service and returns the raw JSON the model produced. Callers are
// responsible for strict-parsing it into their own schema and treating
// malformed output per spec.md §4.8/§7.
func (c *Client) Complete(ctx context.Context, model, prompt string) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	full := PromptVersion + "\n" + prompt
	body, err := json.Marshal(generateRequest{Model: model, Prompt: full, Stream: false, Format: "json"})
	if err != nil {
		return nil, fmt.Errorf("marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	return json.RawMessage(result.Response), nil
}
