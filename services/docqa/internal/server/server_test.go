package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"askdocs/internal/metrics"
	"askdocs/internal/ratelimit"
	"askdocs/internal/usertoken"
	"askdocs/pkg/extract"
	"askdocs/pkg/storage"
	"askdocs/pkg/store"
	"askdocs/services/docqa/internal/app"
)

const (
	testSecret  = "test-secret"
	sampleNotes = "Cats purr when they are happy.\n\nDogs bark at the mail carrier.\n\nFish swim together in schools."
)

type axisEmbedder struct{}

func (axisEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := []float32{0.01, 0.01, 0.01}
	for i, k := range []string{"cat", "dog", "fish"} {
		if strings.Contains(lower, k) {
			vec[i] = 1
		}
	}
	return vec, nil
}

type cannedGenerator struct{}

func (cannedGenerator) GenerateAnswer(_ context.Context, _ string, contexts []string) (string, error) {
	if len(contexts) == 0 {
		return "", errors.New("no context")
	}
	return "They purr when happy.", nil
}

type testServer struct {
	*httptest.Server
	metrics *metrics.Metrics
}

type serverOptions struct {
	limiter        *ratelimit.FixedWindowLimiter
	maxUploadBytes int64
	ready          func(context.Context) error
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	a, err := app.New(app.Config{
		Store:        store.NewMemoryStore(3),
		Objects:      storage.NewMemoryStore("docs"),
		Extractor:    extract.New(extract.Options{}),
		Embedder:     axisEmbedder{},
		Generator:    cannedGenerator{},
		ChunkSize:    40,
		ChunkOverlap: 5,
		EmbeddingDim: 3,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	m := metrics.New()
	srv, err := New(Config{
		App:            a,
		TokenVerifier:  verifier,
		AskLimiter:     opts.limiter,
		Metrics:        m,
		MaxUploadBytes: opts.maxUploadBytes,
		Ready:          opts.ready,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, metrics: m}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (ts *testServer) upload(t *testing.T, token, filename, content string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return ts.do(t, http.MethodPost, "/api/documents", token, &buf, mw.FormDataContentType())
}

func (ts *testServer) ask(t *testing.T, token, question, documentID string) (*http.Response, []byte) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"question": question, "documentId": documentID})
	return ts.do(t, http.MethodPost, "/api/ask", token, bytes.NewReader(body), "application/json")
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, want, body)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp, body := ts.do(t, http.MethodGet, "/api/documents", "", nil, "")
	expectStatus(t, resp, body, http.StatusUnauthorized)
	if got := decode[errorResponse](t, body); got.Code != "AUTH_INVALID_TOKEN" || got.RequestID == "" {
		t.Fatalf("unexpected error body: %+v", got)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/documents", "not-a-jwt", nil, "")
	expectStatus(t, resp, body, http.StatusUnauthorized)
}

func TestDocumentLifecycleAndAsk(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	token := tokenFor(t, "user-1")

	resp, body := ts.upload(t, token, "notes.txt", sampleNotes)
	expectStatus(t, resp, body, http.StatusCreated)
	doc := decode[map[string]any](t, body)
	id, _ := doc["id"].(string)
	if id == "" || doc["name"] != "notes.txt" {
		t.Fatalf("unexpected upload response: %s", body)
	}
	if _, leaked := doc["storageKey"]; leaked {
		t.Fatalf("storage key must not be exposed: %s", body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/documents/"+id+"/chunks", token, nil, "")
	expectStatus(t, resp, body, http.StatusConflict)
	if got := decode[errorResponse](t, body); got.Code != "PRECONDITION_FAILED" {
		t.Fatalf("unexpected error code %q", got.Code)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/documents/"+id+"/extract", token, nil, "")
	expectStatus(t, resp, body, http.StatusOK)
	if got := decode[app.ExtractResult](t, body); !strings.HasPrefix(got.Preview, "Cats purr") {
		t.Fatalf("unexpected preview %q", got.Preview)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/documents/"+id+"/chunks", token, nil, "")
	expectStatus(t, resp, body, http.StatusOK)
	if got := decode[map[string]any](t, body); got["chunks"] != float64(3) {
		t.Fatalf("unexpected chunk response: %s", body)
	}

	resp, body = ts.ask(t, token, "Why do cats purr?", id)
	expectStatus(t, resp, body, http.StatusConflict)

	resp, body = ts.do(t, http.MethodPost, "/api/documents/"+id+"/embeddings", token, nil, "")
	expectStatus(t, resp, body, http.StatusOK)
	if got := decode[map[string]any](t, body); got["embedded"] != float64(3) {
		t.Fatalf("unexpected embeddings response: %s", body)
	}

	resp, body = ts.ask(t, token, "Why do cats purr?", id)
	expectStatus(t, resp, body, http.StatusOK)
	var answer struct {
		Answer     string `json:"answer"`
		UsedChunks []struct {
			Text  string `json:"text"`
			Label string `json:"label"`
		} `json:"usedChunks"`
		CandidateCount int `json:"candidateCount"`
	}
	if err := json.Unmarshal(body, &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Answer != "They purr when happy." || answer.CandidateCount != 3 {
		t.Fatalf("unexpected answer: %s", body)
	}
	if len(answer.UsedChunks) == 0 || answer.UsedChunks[0].Label != "Chunk 1" || !strings.Contains(answer.UsedChunks[0].Text, "Cats") {
		t.Fatalf("unexpected used chunks: %s", body)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/documents/"+id+"/download", token, nil, "")
	expectStatus(t, resp, body, http.StatusOK)
	if got := decode[map[string]string](t, body); got["filename"] != "notes.txt" || !strings.HasPrefix(got["url"], "memory://") {
		t.Fatalf("unexpected download response: %s", body)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("presigned download url must not be cacheable, Cache-Control=%q", cc)
	}

	resp, body = ts.do(t, http.MethodDelete, "/api/documents/"+id, token, nil, "")
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = ts.do(t, http.MethodGet, "/api/documents/"+id, token, nil, "")
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestOtherUsersCannotReadDocuments(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	resp, body := ts.upload(t, tokenFor(t, "user-1"), "notes.txt", sampleNotes)
	expectStatus(t, resp, body, http.StatusCreated)
	id := decode[map[string]any](t, body)["id"].(string)

	other := tokenFor(t, "user-2")
	resp, body = ts.do(t, http.MethodGet, "/api/documents/"+id, other, nil, "")
	expectStatus(t, resp, body, http.StatusForbidden)
	if got := decode[errorResponse](t, body); got.Code != "DOCUMENT_FORBIDDEN" {
		t.Fatalf("unexpected error code %q", got.Code)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/documents", other, nil, "")
	expectStatus(t, resp, body, http.StatusOK)
	if got := decode[map[string]any](t, body); got["count"] != float64(0) {
		t.Fatalf("other user should list nothing: %s", body)
	}

	resp, body = ts.ask(t, other, "Why do cats purr?", "")
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestAskValidation(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	token := tokenFor(t, "user-1")

	resp, body := ts.ask(t, token, "   ", "")
	expectStatus(t, resp, body, http.StatusBadRequest)
	if got := decode[errorResponse](t, body); got.Code != "VALIDATION_ERROR" || got.Error != "question is required" {
		t.Fatalf("unexpected error body: %+v", got)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/ask", token, strings.NewReader("{"), "application/json")
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = ts.do(t, http.MethodGet, "/api/ask", token, nil, "")
	expectStatus(t, resp, body, http.StatusMethodNotAllowed)
}

func TestUploadLimits(t *testing.T) {
	ts := newTestServer(t, serverOptions{maxUploadBytes: 64})
	token := tokenFor(t, "user-1")

	resp, body := ts.upload(t, token, "big.txt", strings.Repeat("x", 4096))
	expectStatus(t, resp, body, http.StatusRequestEntityTooLarge)

	resp, body = ts.do(t, http.MethodPost, "/api/documents", token, strings.NewReader("plain"), "text/plain")
	expectStatus(t, resp, body, http.StatusBadRequest)
}

func TestAskRateLimit(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:ask", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ts := newTestServer(t, serverOptions{limiter: limiter})
	token := tokenFor(t, "user-1")

	resp, body := ts.ask(t, token, "   ", "")
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = ts.ask(t, token, "   ", "")
	expectStatus(t, resp, body, http.StatusTooManyRequests)

	resp, body = ts.ask(t, tokenFor(t, "user-2"), "   ", "")
	expectStatus(t, resp, body, http.StatusBadRequest)
}

func TestIndexWithoutQueue(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	token := tokenFor(t, "user-1")
	resp, body := ts.upload(t, token, "notes.txt", sampleNotes)
	expectStatus(t, resp, body, http.StatusCreated)
	id := decode[map[string]any](t, body)["id"].(string)

	resp, body = ts.do(t, http.MethodPost, "/api/documents/"+id+"/index", token, nil, "")
	expectStatus(t, resp, body, http.StatusInternalServerError)
	if got := decode[errorResponse](t, body); got.Code != "CONFIGURATION_ERROR" {
		t.Fatalf("unexpected error code %q", got.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	resp, body := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	expectStatus(t, resp, body, http.StatusOK)
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}

	resp, body = ts.do(t, http.MethodGet, "/metrics", "", nil, "")
	expectStatus(t, resp, body, http.StatusOK)
	if !strings.Contains(string(body), `askdocs_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("expected healthz request in metrics, got:\n%s", body)
	}

	down := newTestServer(t, serverOptions{ready: func(context.Context) error { return errors.New("redis down") }})
	resp, body = down.do(t, http.MethodGet, "/healthz", "", nil, "")
	expectStatus(t, resp, body, http.StatusServiceUnavailable)
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/healthz":                       "/healthz",
		"/api/ask":                       "/api/ask",
		"/api/documents":                 "/api/documents",
		"/api/documents/abc":             "/api/documents/{id}",
		"/api/documents/abc/extract":     "/api/documents/{id}/extract",
		"/api/jobs/j-1":                  "/api/jobs/{id}",
		"/api/documents/abc/extract/x/y": "other",
		"/favicon.ico":                   "other",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
