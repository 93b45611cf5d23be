package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"govwatch/internal/docstore"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"cache": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["cache"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch segments[1] {
	case "updates":
		if len(segments) == 2 {
			writeJSON(w, http.StatusOK, map[string]any{
				"updates": s.service.RecentUpdates(limitParam(r)),
			})
			return
		}
		s.handleUpdateDiff(w, r, segments[2], segments[3:])
		return

	case "tags":
		if len(segments) == 2 {
			writeJSON(w, http.StatusOK, map[string]any{"tags": s.service.Tags()})
			return
		}
		prefix := strings.Join(segments[2:], "/")
		writeJSON(w, http.StatusOK, map[string]any{
			"tag":     prefix,
			"updates": s.service.TagUpdates(prefix, limitParam(r)),
		})
		return

	case "documents":
		s.handleDocuments(w, r, segments[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleUpdateDiff serves GET /api/updates/{ts}/{path...}: the diff of
// the update recorded for the document at that timestamp.
func (s *HTTPServer) handleUpdateDiff(w http.ResponseWriter, r *http.Request, tsRaw string, pathSegments []string) {
	ts, err := time.Parse(time.RFC3339, tsRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_TIMESTAMP", "Timestamp must be RFC 3339", nil)
		return
	}
	if len(pathSegments) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "Document path is required", nil)
		return
	}

	result, err := s.service.Diff(r.Context(), strings.Join(pathSegments, "/"), ts)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDocuments serves the document history and revision routes:
//
//	GET /api/documents/{path...}
//	GET /api/documents/{path...}/revisions/{rev}
func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "Document path is required", nil)
		return
	}

	// A trailing "revisions/{rev}" pair addresses one revision; the
	// document path itself never contains a "revisions" segment
	// because store paths mirror URL paths under the tracked host.
	if len(segments) >= 3 && segments[len(segments)-2] == "revisions" {
		docPath := strings.Join(segments[:len(segments)-2], "/")
		id := docstore.RevisionID(segments[len(segments)-1])
		content, err := s.service.Revision(docPath, id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"path":     docPath,
			"revision": id,
			"content":  string(content),
		})
		return
	}

	docPath := strings.Join(segments, "/")
	history, err := s.service.DocumentHistory(docPath)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      docPath,
		"revisions": history,
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,HEAD,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
