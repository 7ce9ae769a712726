package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newOpenAITestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/embeddings":
			var req struct {
				Input []string `json:"input"`
				Model string   `json:"model"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode embeddings request: %v", err)
			}
			if req.Model != "text-embedding-3-small" {
				t.Fatalf("unexpected model %q", req.Model)
			}
			data := make([]map[string]any, 0, len(req.Input))
			for i := len(req.Input) - 1; i >= 0; i-- {
				data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": []float32{float32(i), 1}})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
		case "/v1/chat/completions":
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  grounded answer "},"finish_reason":"stop"}]}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
}

func TestOpenAIEmbedTextsKeepsInputOrder(t *testing.T) {
	srv := newOpenAITestServer(t)
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "k", EmbeddingModel: "text-embedding-3-small"})
	vecs, err := client.EmbedTexts(context.Background(), []string{"a", "b", "c"}, "")
	if err != nil {
		t.Fatalf("embed texts: %v", err)
	}
	for i, v := range vecs {
		if int(v[0]) != i {
			t.Fatalf("vector %d out of order: %v", i, v)
		}
	}
}

func TestOpenAIGenerateText(t *testing.T) {
	srv := newOpenAITestServer(t)
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/v1", GenerationModel: "gpt-4o-mini"})
	text, err := client.GenerateText(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "grounded answer" {
		t.Fatalf("unexpected answer %q", text)
	}
}

func TestOpenAIRequiresModels(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{BaseURL: "http://127.0.0.1:1/v1"})
	if _, err := client.EmbedText(context.Background(), "a", ""); err == nil {
		t.Fatalf("expected error without embedding model")
	}
	if _, err := client.GenerateText(context.Background(), "", "q"); err == nil {
		t.Fatalf("expected error without generation model")
	}
}
