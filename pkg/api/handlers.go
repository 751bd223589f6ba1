package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/weavy/devauth/pkg/upstream"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

type userResponse struct {
	Username   string `json:"username"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Avatar     string `json:"avatar,omitempty"`
	IsSelected bool   `json:"is_selected"`
}

type botResponse struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type healthResponse struct {
	Status       string `json:"status"`
	RosterSynced bool   `json:"roster_synced"`
}

// handleHealth reports liveness and whether the roster reached upstream.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		RosterSynced: s.rosterSynced.Load(),
	})
}

// handleListUsers returns the human users, flagging the session's one.
func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	current := resolveUsername(sessionFromContext(r.Context()), s.roster)
	humans := s.roster.Humans()

	resp := make([]userResponse, 0, len(humans))
	for _, u := range humans {
		resp = append(resp, userResponse{
			Username:   u.Username,
			Name:       u.Name,
			Email:      u.Email,
			Avatar:     u.AvatarURL,
			IsSelected: u.Username == current,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListBots returns the agent identities.
func (s *server) handleListBots(w http.ResponseWriter, _ *http.Request) {
	agents := s.roster.Agents()

	resp := make([]botResponse, 0, len(agents))
	for _, u := range agents {
		resp = append(resp, botResponse{
			Username: u.Username,
			Name:     u.Name,
			Avatar:   u.AvatarURL,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSelectUser switches the session's user. The session is
// regenerated and saved before the redirect is written.
func (s *server) handleSelectUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid form body"})

		return
	}

	username := r.PostForm.Get("username")

	if _, err := s.sessions.regenerate(
		w, r, sessionFromContext(r.Context()), username,
	); err != nil {
		s.log.WithError(err).Error("Failed to regenerate session")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	s.log.WithField("username", username).Debug("Session user selected")

	http.Redirect(w, r, "/"+url.PathEscape(username), http.StatusFound)
}

// handleToken returns an access token for the session's user. Upstream
// failures keep the upstream status and answer with an empty token.
func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	username := resolveUsername(sessionFromContext(r.Context()), s.roster)

	token, err := s.tokens.Token(r.Context(), username, refresh)
	if err != nil {
		status, ok := upstream.StatusCode(err)
		if !ok {
			status = http.StatusBadRequest
		}

		s.log.WithError(err).
			WithField("username", username).
			WithField("status", status).
			Warn("Token request failed")

		writeJSON(w, status, tokenResponse{AccessToken: ""})

		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token})
}
