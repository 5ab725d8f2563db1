package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/refractionpoint/oidc-login/internal/messaging"
)

// ReplayPrefix marks states that already produced a message
const ReplayPrefix = "oidc:relay:state:"

type callbackPage struct {
	Title   string
	Message string
	State   string
	Nonce   string
	Failed  bool
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported")
		return
	}

	ctx := r.Context()
	query := r.URL.Query()
	state := query.Get("state")

	if state != "" {
		fresh, err := s.redisClient.SetNX(ctx, ReplayPrefix+state, time.Now().Unix(), s.cfg.ReplayTTL)
		if err != nil {
			s.logger.Error("Failed to record callback state", "error", err, "request_id", GetRequestID(ctx))
			s.renderPage(w, r, http.StatusServiceUnavailable, callbackPage{
				Title:   "Sign in unavailable",
				Message: "The sign in could not be completed. Please try again.",
				Failed:  true,
			})
			return
		}
		if !fresh {
			s.logger.Warn("Rejected replayed callback", "request_id", GetRequestID(ctx))
			s.renderPage(w, r, http.StatusBadRequest, callbackPage{
				Title:   "Link already used",
				Message: "This sign in link has already been used. Please start again from the login prompt.",
				Failed:  true,
			})
			return
		}
	}

	data := make(map[string]string, len(query))
	for k := range query {
		data[k] = query.Get(k)
	}

	msg := messaging.Message{
		Source: messaging.SourceOIDCCallback,
		Origin: s.cfg.PublicOrigin,
		Data:   data,
	}
	if err := s.channel.Publish(ctx, msg); err != nil {
		s.logger.Error("Failed to publish callback", "error", err, "request_id", GetRequestID(ctx))
		// Undelivered, so a reload of the same redirect must be accepted
		if state != "" {
			if delErr := s.redisClient.Delete(context.WithoutCancel(ctx), ReplayPrefix+state); delErr != nil {
				s.logger.Warn("Failed to release callback state", "error", delErr, "request_id", GetRequestID(ctx))
			}
		}
		s.renderPage(w, r, http.StatusBadGateway, callbackPage{
			Title:   "Sign in unavailable",
			Message: "The sign in could not be delivered to the login prompt. Please try again.",
			Failed:  true,
		})
		return
	}

	s.logger.Info("Relayed provider callback", "request_id", GetRequestID(ctx), "has_code", query.Has("code"))

	page := callbackPage{
		Title:   "Signed in",
		Message: "You can close this window and return to your terminal.",
		State:   state,
	}
	if providerErr := query.Get("error"); providerErr != "" {
		page.Title = "Sign in failed"
		page.Message = providerErr
		if desc := query.Get("error_description"); desc != "" {
			page.Message = desc
		}
		page.Failed = true
	}

	s.renderPage(w, r, http.StatusOK, page)
}

// handleWindowClosed is called by the landing page as the window goes away
func (s *Server) handleWindowClosed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is supported")
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing state parameter")
		return
	}

	if err := s.windows.Release(r.Context(), state); err != nil {
		s.logger.Error("Failed to release window", "error", err, "request_id", GetRequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "server_error", "Failed to record window closure")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.redisClient.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  "redis unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, page callbackPage) {
	page.Nonce = GetCSPNonce(r.Context())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, "callback.html", page); err != nil {
		s.logger.Error("Failed to render page", "error", err)
	}
}

// errorResponse is the JSON error body
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
