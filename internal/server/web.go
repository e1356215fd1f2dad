package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"shelfscan/internal/app"
	"shelfscan/internal/util"
	"shelfscan/pkg/domain"
)

const sessionCookieName = "session"

// sessionAuthenticated resolves the browser session cookie to a user.
func (s *Server) sessionAuthenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.sessionUser(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) sessionUser(r *http.Request) (domain.User, bool) {
	if s.app.Sessions() == nil {
		return domain.User{}, false
	}
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return domain.User{}, false
	}
	userID, found, err := s.app.Sessions().GetUserIDByToken(cookie.Value)
	if err != nil || !found {
		return domain.User{}, false
	}
	user, found, err := s.app.GetUser(userID)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

func (s *Server) handleWebLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.app.Sessions() == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions unavailable")
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
	token, err := s.app.Sessions().NewSession(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "Login successful",
		"username": user.Username,
	})
}

func (s *Server) handleWebLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" && s.app.Sessions() != nil {
		if err := s.app.Sessions().DeleteSession(cookie.Value); err != nil {
			util.LoggerFromContext(r.Context()).Warn("session delete failed", "err", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out"})
}

// handleWebUpload runs the same pipeline as the app endpoint but also
// exports a spreadsheet for download and clears the work directories, since
// browser sessions re-upload everything each time.
func (s *Server) handleWebUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	records, _, ok := s.processMultipart(w, r, user)
	if !ok {
		return
	}
	file, err := s.app.ExportSpreadsheet(user.Username, records)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("spreadsheet export failed", "err", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	defer s.app.CleanupWorkDirs(util.LoggerFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Processing completed",
		"data":    records,
		"file":    file,
	})
}

// handleDownload serves spreadsheets from the session user's own result
// folder only.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	name := r.URL.Path[len("/download/"):]
	path, ok := s.app.ResultPath(user.Username, name)
	if !ok {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="books.xlsx"`)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	http.ServeFile(w, r, path)
}

func (s *Server) handleProcessedImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	name := r.URL.Path[len("/processed/"):]
	path, ok := s.app.ProcessedPath(name)
	if !ok {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

// handleMockUpload returns canned records so client developers can build
// against the upload response shape without burning OCR or model quota.
func (s *Server) handleMockUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Processing completed",
		"data":    s.app.MockBooks(),
	})
}
