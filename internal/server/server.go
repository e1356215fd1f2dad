// Package server exposes the HTTP API: JSON endpoints for the mobile app
// and a cookie-session flow for the web uploader.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"shelfscan/internal/app"
	"shelfscan/internal/ratelimit"
	"shelfscan/internal/util"
	"shelfscan/pkg/domain"
	"shelfscan/pkg/store"
)

const defaultMaxUploadBytes = 32 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App    *app.App
	Tokens *store.JWTTokenService

	// Limiters are optional; nil disables rate limiting for that route.
	RegisterLimiter *ratelimit.FixedWindowLimiter
	LoginLimiter    *ratelimit.FixedWindowLimiter

	MaxUploadBytes int64
}

// Server routes requests to the app layer.
type Server struct {
	app             *app.App
	tokens          *store.JWTTokenService
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	maxUploadBytes  int64
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:             cfg.App,
		tokens:          cfg.Tokens,
		registerLimiter: cfg.RegisterLimiter,
		loginLimiter:    cfg.LoginLimiter,
		maxUploadBytes:  maxUploadBytes,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with the standard middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	// app API (bearer tokens)
	s.mux.HandleFunc("/appregister", s.handleRegister)
	s.mux.HandleFunc("/applogin", s.handleAppLogin)
	s.mux.Handle("/me", s.authenticated(s.handleMe))
	s.mux.Handle("/appUpload", s.authenticated(s.handleAppUpload))
	s.mux.Handle("/scanHistory", s.authenticated(s.handleScanHistory))
	s.mux.Handle("/delete-scans", s.authenticated(s.handleDeleteScans))

	// web flow (session cookie)
	s.mux.HandleFunc("/login", s.handleWebLogin)
	s.mux.HandleFunc("/logout", s.handleWebLogout)
	s.mux.Handle("/upload", s.sessionAuthenticated(s.handleWebUpload))
	s.mux.Handle("/download/", s.sessionAuthenticated(s.handleDownload))
	s.mux.HandleFunc("/processed/", s.handleProcessedImage)
	s.mux.HandleFunc("/mockUpload", s.handleMockUpload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		userID, err := s.tokens.Verify(token)
		if err != nil {
			if errors.Is(err, store.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "token expired")
				return
			}
			writeError(w, http.StatusUnprocessableEntity, "invalid token")
			return
		}
		user, found, err := s.app.GetUser(userID)
		if err != nil || !found {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allow(s.registerLimiter, r) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch err := s.app.Register(req.Username, req.Password); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Registration successful",
		})
	case errors.Is(err, app.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already exists")
	case errors.Is(err, app.ErrMissingFields):
		writeError(w, http.StatusBadRequest, "Username and password are required")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleAppLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allow(s.loginLimiter, r) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, app.ErrMissingFields) {
			writeError(w, http.StatusBadRequest, "Username and password are required")
			return
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "Login successful",
		"username":     user.Username,
		"access_token": token,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user.ID})
}

func (s *Server) handleAppUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	records, _, ok := s.processMultipart(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Processing completed",
		"data":    records,
	})
}

func (s *Server) handleScanHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	scans, err := s.app.ListScans(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if scans == nil {
		scans = []domain.Scan{}
	}
	writeJSON(w, http.StatusOK, scans)
}

func (s *Server) handleDeleteScans(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req deleteScansRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	if _, err := s.app.DeleteScans(r.Context(), user.ID, req.IDs); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Scans deleted successfully"})
}

// processMultipart parses the multipart body, runs the pipeline and returns
// the structured records plus the persisted scan. On failure it writes the
// response itself and returns ok=false.
func (s *Server) processMultipart(w http.ResponseWriter, r *http.Request, user domain.User) ([]domain.BookRecord, domain.Scan, bool) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		writeError(w, http.StatusBadRequest, `Content-Type must be "multipart/form-data"`)
		return nil, domain.Scan{}, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "cannot parse multipart body")
		return nil, domain.Scan{}, false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["images"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no images provided")
		return nil, domain.Scan{}, false
	}
	uploads := make([]app.Upload, 0, len(headers))
	var open []io.Closer
	defer func() {
		for _, c := range open {
			_ = c.Close()
		}
	}()
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "cannot read uploaded file")
			return nil, domain.Scan{}, false
		}
		open = append(open, f)
		uploads = append(uploads, app.Upload{Filename: header.Filename, Content: f})
	}

	scan, err := s.app.ProcessUpload(r.Context(), user.ID, uploads)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("upload processing failed", "err", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return nil, domain.Scan{}, false
	}
	records := scan.Records
	if records == nil {
		records = []domain.BookRecord{}
	}
	return records, scan, true
}

func (s *Server) allow(limiter *ratelimit.FixedWindowLimiter, r *http.Request) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(util.ClientIP(r))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type deleteScansRequest struct {
	IDs []uint `json:"ids"`
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
