package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docflow/internal/accesstoken"
	"docflow/internal/ratelimit"
	"docflow/internal/util"
	"docflow/pkg/domain"
	"docflow/pkg/storage"
	"docflow/pkg/store"
	"docflow/services/processor/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Verifier enables bearer auth; nil serves every route without a token.
	Verifier *accesstoken.Verifier
	// Revoker rejects tokens revoked through /tokens/revoke.
	Revoker store.TokenRevoker
	// UploadLimiter caps uploads and conversions per client; nil disables it.
	UploadLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	// Files serves published outputs under /files/ when objects are kept on
	// local disk.
	Files          *storage.LocalStore
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the document processor.
type Server struct {
	app            *app.App
	verifier       *accesstoken.Verifier
	revoker        store.TokenRevoker
	limiter        *ratelimit.FixedWindowLimiter
	trusted        *util.TrustedProxies
	files          *storage.LocalStore
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.Verifier,
		revoker:        cfg.Revoker,
		limiter:        cfg.UploadLimiter,
		trusted:        cfg.TrustedProxies,
		files:          cfg.Files,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("processor", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// documents, pages, annotations, search
	s.mux.Handle("/documents", s.withAuth(accesstoken.ScopeWrite, s.handleDocuments))
	s.mux.Handle("/documents/", s.withAuth(accesstoken.ScopeWrite, s.handleDocumentByID))
	s.mux.Handle("/search", s.withAuth(accesstoken.ScopeRead, s.handleSearchAll))

	// conversion
	s.mux.Handle("/convert", s.withAuth(accesstoken.ScopeWrite, s.handleConvert))

	// batch jobs
	s.mux.Handle("/batch/jobs", s.withAuth(accesstoken.ScopeBatch, s.handleJobs))
	s.mux.Handle("/batch/jobs/", s.withAuth(accesstoken.ScopeBatch, s.handleJobByID))

	// merge queue
	s.mux.Handle("/merge/queue", s.withAuth(accesstoken.ScopeWrite, s.handleQueue))
	s.mux.Handle("/merge/queue/", s.withAuth(accesstoken.ScopeWrite, s.handleQueueAction))
	s.mux.Handle("/merge/execute", s.withAuth(accesstoken.ScopeWrite, s.handleMergeExecute))

	if s.verifier != nil && s.revoker != nil {
		s.mux.Handle("/tokens/revoke", s.withAuth(accesstoken.ScopeRead, s.handleRevoke))
	}

	if s.files != nil {
		s.mux.Handle("/files/", s.withAuth(accesstoken.ScopeRead, s.handleFile))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withAuth checks the bearer token. Safe methods only need the read scope;
// everything else needs scope.
func (s *Server) withAuth(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next(w, r)
			return
		}
		token, ok := accesstoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		need := scope
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			need = accesstoken.ScopeRead
		}
		claims, err := s.verifier.VerifyScope(token, need)
		if err != nil {
			if errors.Is(err, accesstoken.ErrScope) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if s.revoker != nil {
			revoked, err := s.revoker.IsRevoked(r.Context(), claims.ID)
			if err != nil {
				util.LoggerFromContext(r.Context()).Error("token revocation check failed", "err", err)
				writeError(w, http.StatusServiceUnavailable, "service unavailable")
				return
			}
			if revoked {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

type claimsKey struct{}

func claimsFromRequest(r *http.Request) (accesstoken.Claims, bool) {
	claims, ok := r.Context().Value(claimsKey{}).(accesstoken.Claims)
	return claims, ok
}

// handleRevoke revokes the caller's own token until it expires.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	claims, ok := claimsFromRequest(r)
	if !ok || claims.ID == "" || claims.ExpiresAt == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if err := s.revoker.Revoke(r.Context(), claims.ID, ttl); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// allowUpload applies the per-client upload limit and writes the 429 itself.
func (s *Server) allowUpload(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	decision := s.limiter.Allow(r.Context(), util.ClientIP(r, s.trusted))
	if decision.Allowed {
		return true
	}
	if secs := int(decision.RetryAfter.Seconds()); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	} else {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

// readUpload parses a multipart upload and returns the "file" part.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (io.ReadCloser, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return nil, "", false
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return nil, "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return nil, "", false
	}
	return file, header.Filename, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, errorCode(status, msg), msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps a component error onto its HTTP status and kind.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.ErrorKind(err)
	status := statusForKind(kind)
	msg := err.Error()
	if status >= http.StatusInternalServerError && kind == domain.KindInternal {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		msg = "internal error"
	} else if status >= http.StatusInternalServerError {
		slog.Warn("request failed", "path", r.URL.Path, "kind", kind, "err", err)
	}
	writeErrorCode(w, status, kind, msg)
}

func statusForKind(kind string) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidIndex, domain.KindInvalidOperation, domain.KindUnsupportedFormat, domain.KindEmptyQueue:
		return http.StatusBadRequest
	case domain.KindCorruptInput:
		return http.StatusUnprocessableEntity
	case domain.KindInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "AUTH_FORBIDDEN"
	case message == "service unavailable":
		return "SYSTEM_UNAVAILABLE"
	case message == "too many requests":
		return "RATE_LIMITED"
	case message == "file too large":
		return "FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "FILE_REQUIRED"
	case message == "invalid form data":
		return "INVALID_UPLOAD_FORM"
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
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return domain.KindNotFound
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

// splitPath trims prefix from the request path and splits the rest on "/".
func splitPath(r *http.Request, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && v
}
