package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/giftportal/keycloak-auth/internal/keycloak"
)

// configResponse is the JSON served to SPAs asking for their Keycloak
// settings. The client is always public; the proxy never holds a secret
// either.
type configResponse struct {
	URL            string `json:"url"`
	Realm          string `json:"realm"`
	ClientID       string `json:"clientId"`
	IsPublicClient bool   `json:"isPublicClient"`
}

type exchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// handleKeycloakConfig serves the resolved identity provider settings.
func (s *Server) handleKeycloakConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		URL:            s.keycloak.URL,
		Realm:          s.keycloak.Realm,
		ClientID:       s.keycloak.ClientID,
		IsPublicClient: true,
	})
}

// handleTokenExchange relays an authorization-code exchange to Keycloak.
// Provider rejections pass through with their original status so the
// client-side transport sees the same failures it would see directly.
func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "malformed JSON body"})
		return
	}
	if req.Code == "" || req.CodeVerifier == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "code and codeVerifier are required"})
		return
	}

	ts, err := s.transport.Exchange(r.Context(), keycloak.ExchangeRequest{
		Code:         req.Code,
		CodeVerifier: req.CodeVerifier,
		RedirectURI:  req.RedirectURI,
	})
	if err != nil {
		var xErr *keycloak.ExchangeError
		if errors.As(err, &xErr) {
			slog.Warn("upstream rejected token exchange", "status", xErr.Status)
			writeJSON(w, upstreamStatus(xErr.Status), errorResponse{Error: "invalid_grant", ErrorDescription: "token exchange rejected"})
			return
		}
		slog.Error("token exchange failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "server_error", ErrorDescription: "identity provider unreachable"})
		return
	}

	writeJSON(w, http.StatusOK, ts)
}

// handleTokenRefresh relays a refresh-token exchange to Keycloak.
func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "malformed JSON body"})
		return
	}
	if req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "refreshToken is required"})
		return
	}

	ts, err := s.transport.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		var rErr *keycloak.RefreshError
		if errors.As(err, &rErr) {
			slog.Warn("upstream rejected token refresh", "status", rErr.Status)
			writeJSON(w, upstreamStatus(rErr.Status), errorResponse{Error: "invalid_grant", ErrorDescription: "token refresh rejected"})
			return
		}
		slog.Error("token refresh failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "server_error", ErrorDescription: "identity provider unreachable"})
		return
	}

	writeJSON(w, http.StatusOK, ts)
}

// healthResponse is the JSON response for the health check endpoint
type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// upstreamStatus maps an upstream HTTP status into one safe to relay.
// Unknown or transport-level failures become 502.
func upstreamStatus(status int) int {
	if status >= 400 && status < 600 {
		return status
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode response", "error", err)
	}
}
