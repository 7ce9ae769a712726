package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"askdocs/internal/util"
	"askdocs/pkg/rag"
	"askdocs/pkg/store"
	"askdocs/services/docqa/internal/app"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, errorCodeForStatus(status, msg), msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps error kinds to HTTP statuses. Messages of unclassified
// errors are logged, not returned.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := rag.Message(err)
	switch {
	case status == http.StatusInternalServerError && code == "SYSTEM_INTERNAL_ERROR":
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		msg = "internal error"
	case status >= http.StatusInternalServerError:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	case errors.Is(err, store.ErrNotFound):
		msg = "not found"
	}
	writeErrorCode(w, status, code, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, rag.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "DOCUMENT_FORBIDDEN"
	case errors.Is(err, rag.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, rag.ErrPrecondition):
		return http.StatusConflict, "PRECONDITION_FAILED"
	case errors.Is(err, rag.ErrProvider):
		return http.StatusBadGateway, "PROVIDER_ERROR"
	case errors.Is(err, rag.ErrConfiguration):
		return http.StatusInternalServerError, "CONFIGURATION_ERROR"
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
	}
}

func errorCodeForStatus(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "file too large":
		return "DOCUMENT_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "DOCUMENT_FILE_REQUIRED"
	case message == "invalid form data":
		return "DOCUMENT_INVALID_UPLOAD_FORM"
	case message == "invalid json body":
		return "INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}
