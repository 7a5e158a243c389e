// Package embedding generalizes the teacher's Ollama embedding client
// (internal/embedding/ollama.go) into a model-parameterized embed()
// call with typed errors and a bounded process-local cache.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EmbedUnavailable and EmbedEmpty are typed sentinels so callers can
// tell an unreachable service from a degenerate response with
// errors.Is (spec.md §4.2).
var (
	EmbedUnavailable = &embedError{msg: "embedding service unavailable"}
	EmbedEmpty       = &embedError{msg: "embedding service returned an empty vector"}
)

type embedError struct{ msg string }

func (e *embedError) Error() string { return e.msg }

// cache is a fixed-size FIFO cache, identical in shape to the
// teacher's embeddingCache, keyed by sha256(model + "\x00" + text).
type cache struct {
	mu      sync.Mutex
	items   map[string][]float32
	order   []string
	maxSize int
}

func newCache(maxSize int) *cache {
	return &cache{
		items:   make(map[string][]float32, maxSize),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
	}
}

func (c *cache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *cache) set(key string, emb []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		if len(c.order) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.order = append(c.order, key)
	}
	c.items[key] = emb
}

// Client calls an embedding HTTP service and L2-normalizes its output.
type Client struct {
	baseURL string
	client  *http.Client
	cache   *cache
	limiter *rate.Limiter
}

// NewClient builds a Client against baseURL, rate-limited to
// requestsPerMin (0 disables limiting), in the style of
// Nox-HQ-nox/plugin/ratelimit.go's per-service rate.Limiter wrapper.
func NewClient(baseURL string, requestsPerMin int) *Client {
	var lim *rate.Limiter
	if requestsPerMin > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(requestsPerMin)/60.0), requestsPerMin)
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		cache:   newCache(4096),
		limiter: lim,
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return fmt.Sprintf("%x", h[:])
}

// Embed returns an L2-normalized embedding for text under model,
// deterministic for a fixed (model, text) pair per spec.md §4.2.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if text == "" {
		return nil, EmbedEmpty
	}

	key := cacheKey(model, text)
	if cached, ok := c.cache.get(key); ok {
		return cached, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(embeddingRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", EmbedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", EmbedUnavailable, resp.StatusCode, string(respBody))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", EmbedUnavailable, err)
	}
	if len(result.Embedding) == 0 {
		return nil, EmbedEmpty
	}

	vec := normalize(result.Embedding)
	c.cache.set(key, vec)
	return vec, nil
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(1.0 / sqrt(sumSq))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * norm
	}
	return out
}

// sqrt is a Newton-Raphson square root, the same hand-rolled idiom
// internal/eval/judge.go uses for its Pearson correlation.
func sqrt(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 40; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// CosineSimilarity computes the dot product of two L2-normalized
// vectors, matching the teacher's CosineSimilarity helper.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
