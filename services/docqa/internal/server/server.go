package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"askdocs/internal/metrics"
	"askdocs/internal/ratelimit"
	"askdocs/internal/util"
	"askdocs/services/docqa/internal/app"
)

// SubjectVerifier resolves a bearer token to a user id.
type SubjectVerifier interface {
	VerifySubject(token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  SubjectVerifier
	AskLimiter     *ratelimit.FixedWindowLimiter
	Metrics        *metrics.Metrics
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
	// Ready reports dependency health for /healthz. Nil means always ready.
	Ready func(context.Context) error
}

// Server exposes HTTP endpoints for the docqa service.
type Server struct {
	app            *app.App
	tokenVerifier  SubjectVerifier
	askLimiter     *ratelimit.FixedWindowLimiter
	metrics        *metrics.Metrics
	trusted        *util.TrustedProxies
	ready          func(context.Context) error
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server: token verifier required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		askLimiter:     cfg.AskLimiter,
		metrics:        cfg.Metrics,
		trusted:        cfg.TrustedProxies,
		ready:          cfg.Ready,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("docqa", util.WithSecurityHeaders(util.WithCORS(s.withMetrics(s.mux)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/api/documents", s.withUser(s.handleDocuments))
	s.mux.Handle("/api/documents/", s.withUser(s.handleDocumentByID))
	s.mux.Handle("/api/jobs/", s.withUser(s.handleJob))

	ask := s.withUser(s.handleAsk)
	if s.askLimiter != nil {
		ask = s.askLimiter.Middleware(s.rateLimitKey, ask)
	}
	s.mux.Handle("/api/ask", ask)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", userID))
		next(w, r.WithContext(ctx), userID)
	})
}

// rateLimitKey buckets by user when the token is valid and by client ip otherwise.
func (s *Server) rateLimitKey(r *http.Request) string {
	if token, ok := bearerToken(r); ok {
		if userID, err := s.tokenVerifier.VerifySubject(token); err == nil {
			return "user:" + userID
		}
	}
	return util.ClientKey(r, s.trusted)
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, userID)
	case http.MethodGet:
		docs, err := s.app.ListDocuments(r.Context(), userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": docs,
			"count": len(docs),
		})
	default:
		methodNotAllowed(w)
	}
}

// /api/documents/{id} or /api/documents/{id}/{action}
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		s.handleDocument(w, r, userID, id)
		return
	}

	action := parts[1]
	method := http.MethodPost
	if action == "download" {
		method = http.MethodGet
	}
	if r.Method != method {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	switch action {
	case "download":
		url, filename, err := s.app.DownloadURL(ctx, userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"url":      url,
			"filename": filename,
		})
	case "extract":
		res, err := s.app.ExtractText(ctx, userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "chunks":
		n, err := s.app.ChunkDocument(ctx, userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": id, "chunks": n})
	case "embeddings":
		n, err := s.app.EmbedDocument(ctx, userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": id, "embedded": n})
	case "index":
		job, err := s.app.IndexDocument(ctx, userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, userID, id string) {
	switch r.Method {
	case http.MethodGet:
		doc, err := s.app.GetDocument(r.Context(), userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.DeleteDocument(r.Context(), userID, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	doc, err := s.app.UploadDocument(r.Context(), userID, header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		notFound(w, "not found")
		return
	}
	job, err := s.app.GetJob(r.Context(), userID, jobID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type askRequest struct {
	Question   string `json:"question"`
	DocumentID string `json:"documentId"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req askRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	answer, err := s.app.Ask(r.Context(), userID, req.Question, req.DocumentID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
