package embedding

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestEmbedNormalizesOutput(t *testing.T) {
	srv := newServer(t, `{"embedding": [3, 4, 0]}`, http.StatusOK)
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	vec, err := c.Embed(context.Background(), "m", "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	var sumSq float64
	for _, x := range vec {
		sumSq += float64(x) * float64(x)
	}
	if math.Abs(sumSq-1.0) > 1e-4 {
		t.Errorf("embedding not L2-normalized: sum of squares = %v", sumSq)
	}
}

func TestEmbedEmptyTextReturnsEmbedEmpty(t *testing.T) {
	c := NewClient("http://unused", 0)
	_, err := c.Embed(context.Background(), "m", "")
	if err != EmbedEmpty {
		t.Errorf("Embed(\"\") error = %v, want EmbedEmpty", err)
	}
}

func TestEmbedServiceUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 0)
	_, err := c.Embed(context.Background(), "m", "hello")
	if err == nil {
		t.Fatal("expected an error for unreachable service")
	}
}

func TestEmbedEmptyVectorFromServiceIsEmbedEmpty(t *testing.T) {
	srv := newServer(t, `{"embedding": []}`, http.StatusOK)
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	_, err := c.Embed(context.Background(), "m", "hello")
	if err != EmbedEmpty {
		t.Errorf("error = %v, want EmbedEmpty", err)
	}
}

func TestEmbedIsCachedByModelAndText(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"embedding": [1, 0]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	ctx := context.Background()
	if _, err := c.Embed(ctx, "m", "hello"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := c.Embed(ctx, "m", "hello"); err != nil {
		t.Fatalf("Embed (cached): %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("service called %d times, want 1 (second call should hit cache)", got)
	}

	if _, err := c.Embed(ctx, "m", "different text"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("service called %d times, want 2 after a distinct text", got)
	}
}

func TestCosineSimilarityOfNormalizedVectors(t *testing.T) {
	a := normalize([]float32{1, 0})
	b := normalize([]float32{1, 0})
	if got := CosineSimilarity(a, b); math.Abs(got-1.0) > 1e-6 {
		t.Errorf("CosineSimilarity(identical) = %v, want 1.0", got)
	}

	c := normalize([]float32{0, 1})
	if got := CosineSimilarity(a, c); math.Abs(got) > 1e-6 {
		t.Errorf("CosineSimilarity(orthogonal) = %v, want 0", got)
	}
}
