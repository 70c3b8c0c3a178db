package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/54b3r/shopai-go/internal/rag"
)

func TestOllamaEmbedder_Embed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "all-minilm" {
			t.Errorf("model = %q", req.Model)
		}
		resp := ollamaEmbedResponse{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.1, 0.2, 0.3})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	emb := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "all-minilm"})
	got, err := emb.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(got) != 2 || len(got[0]) != 3 {
		t.Errorf("unexpected embeddings: %v", got)
	}
}

func TestOllamaEmbedder_ErrorsAreUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Error: "model not found"})
	}))
	defer srv.Close()

	emb := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "all-minilm"})
	_, err := emb.Embed(context.Background(), []string{"a"})
	if !errors.Is(err, rag.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}

	down := NewOllamaEmbedder(&OllamaConfig{Host: "http://127.0.0.1:1", Model: "all-minilm"})
	if _, err := down.Embed(context.Background(), []string{"a"}); !errors.Is(err, rag.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable for unreachable host, got %v", err)
	}
}

func TestOpenAIEmbedder_ReordersByIndex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[2],"index":1},{"embedding":[1],"index":0}]}`))
	}))
	defer srv.Close()

	emb := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "text-embedding-3-small"})
	got, err := emb.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if got[0][0] != 1 || got[1][0] != 2 {
		t.Errorf("embeddings not ordered by index: %v", got)
	}
}

func TestOpenAIEmbedder_AzureHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "az-key" {
			t.Errorf("api-key header missing")
		}
		if r.URL.Path != "/openai/deployments/emb/embeddings" || r.URL.Query().Get("api-version") != "2025-04-01-preview" {
			t.Errorf("unexpected URL %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1],"index":0}]}`))
	}))
	defer srv.Close()

	emb := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:    srv.URL + "/openai",
		APIKey:     "az-key",
		Model:      "emb",
		Azure:      true,
		APIVersion: "2025-04-01-preview",
	})
	if _, err := emb.Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
}

func TestResolveBackend(t *testing.T) {
	tests := []struct {
		embedding string
		model     string
		want      string
	}{
		{"", "", "ollama"},
		{"", "gemini", "ollama"},
		{"", "openai", "openai"},
		{"azure", "gemini", "azure"},
	}
	for _, tc := range tests {
		t.Setenv("EMBEDDING_PROVIDER", tc.embedding)
		t.Setenv("MODEL_PROVIDER", tc.model)
		if got := ResolveBackend(); got != tc.want {
			t.Errorf("ResolveBackend(%q, %q) = %q, want %q", tc.embedding, tc.model, got, tc.want)
		}
	}
}

func TestDefaultDimensions(t *testing.T) {
	t.Setenv("EMBEDDING_DIMENSIONS", "")
	if got := DefaultDimensions("ollama"); got != 384 {
		t.Errorf("ollama dims = %d, want 384", got)
	}
	if got := DefaultDimensions("openai"); got != 1536 {
		t.Errorf("openai dims = %d, want 1536", got)
	}
	t.Setenv("EMBEDDING_DIMENSIONS", "768")
	if got := DefaultDimensions("ollama"); got != 768 {
		t.Errorf("override dims = %d, want 768", got)
	}
}

func TestValidateForRAG(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	if err := ValidateForRAG(slog.Default()); err == nil {
		t.Error("expected error for openai without key")
	}

	t.Setenv("EMBEDDING_PROVIDER", "bogus")
	if err := ValidateForRAG(slog.Default()); err == nil {
		t.Error("expected error for unknown provider")
	}

	t.Setenv("EMBEDDING_PROVIDER", "ollama")
	if err := ValidateForRAG(slog.Default()); err != nil {
		t.Errorf("ollama should validate: %v", err)
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()

	if !looksLikeChatModel("llama3:8b") {
		t.Error("llama3 should look like a chat model")
	}
	if looksLikeChatModel("all-minilm") {
		t.Error("all-minilm should not look like a chat model")
	}
}
