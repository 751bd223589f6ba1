package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weavy/devauth/pkg/api/store"
	"github.com/weavy/devauth/pkg/config"
	"github.com/weavy/devauth/pkg/roster"
)

const sessionIDBytes = 32

type contextKey string

const sessionContextKey contextKey = "session"

// sessionManager loads, creates and regenerates cookie-bound sessions.
type sessionManager struct {
	log        logrus.FieldLogger
	store      store.Store
	cookieName string
	ttl        time.Duration
}

func newSessionManager(
	log logrus.FieldLogger,
	st store.Store,
	cfg *config.SessionConfig,
) *sessionManager {
	return &sessionManager{
		log:        log.WithField("component", "session"),
		store:      st,
		cookieName: cfg.CookieName,
		ttl:        cfg.TTL,
	}
}

// generateSessionID creates a cryptographically random session ID.
func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// middleware attaches the caller's session to the request context,
// creating and persisting a fresh anonymous one when the cookie is
// missing, unknown or expired.
func (m *sessionManager) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := m.load(r)
		if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			m.log.WithError(err).Error("Failed to load session")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}

		if session == nil {
			session, err = m.create(r.Context(), w, r, "")
			if err != nil {
				m.log.WithError(err).Error("Failed to create session")
				writeJSON(w, http.StatusInternalServerError,
					errorResponse{"internal error"})

				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *sessionManager) load(r *http.Request) (*store.Session, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, store.ErrSessionNotFound
	}

	return m.store.GetSession(r.Context(), cookie.Value)
}

// create persists a new session for user and only then sets the cookie.
func (m *sessionManager) create(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	user string,
) (*store.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	session := &store.Session{
		ID:        id,
		User:      user,
		ExpiresAt: time.Now().UTC().Add(m.ttl),
	}

	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(m.ttl.Seconds()),
	})

	return session, nil
}

// regenerate replaces old with a session under a new ID carrying user.
// The new session is saved before the cookie is issued, so a redirect
// written after regenerate returns always sees the selection.
func (m *sessionManager) regenerate(
	w http.ResponseWriter,
	r *http.Request,
	old *store.Session,
	user string,
) (*store.Session, error) {
	if old != nil {
		if err := m.store.DeleteSession(r.Context(), old.ID); err != nil {
			return nil, fmt.Errorf("destroying previous session: %w", err)
		}
	}

	return m.create(r.Context(), w, r, user)
}

// sessionFromContext extracts the session from the request context.
func sessionFromContext(ctx context.Context) *store.Session {
	session, _ := ctx.Value(sessionContextKey).(*store.Session)

	return session
}

// resolveUsername picks the active identity for a session. A missing,
// unknown or bot selection falls back to the first human in the roster.
func resolveUsername(session *store.Session, r *roster.Roster) string {
	var selected string
	if session != nil {
		selected = session.User
	}

	return r.ResolveHuman(selected).Username
}
