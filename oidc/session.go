package oidc

import (
	"encoding/gob"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

const sessionName = "paywall_auth_session"
const sessionKey = "auth_session"

// Session is the server-side authentication state bound to one browser
// through the signed session cookie.
type Session struct {
	// ProviderSessionID is the provider "sid" claim and the primary
	// revocation key. Non-empty only once authenticated.
	ProviderSessionID string
	AccessToken       string
	IDToken           string
	DisplayName       string
	Premium           bool
	// PendingState is the CSRF nonce of an in-flight authorization round
	// trip. A session with a pending state is not authenticated.
	PendingState string
}

func init() {
	// register the custom session type
	gob.Register(Session{})
}

// Authenticated reports whether the session completed a callback and holds
// an identity.
func (s *Session) Authenticated() bool {
	return s.ProviderSessionID != "" && s.PendingState == ""
}

// Reset clears every field. Used on sign-out, on a failed liveness probe
// and on backchannel logout.
func (s *Session) Reset() {
	*s = Session{}
}

// BeginPending invalidates any previously established login and parks the
// CSRF state of the new authorization round trip.
func (s *Session) BeginPending(state string) {
	s.Reset()
	s.PendingState = state
}

// CompleteLogin moves the session from pending to authenticated. All prior
// state is cleared first so nothing from an earlier identity survives.
func (s *Session) CompleteLogin(accessToken, idToken, displayName, providerSessionID string, premium bool) {
	s.Reset()
	s.AccessToken = accessToken
	s.IDToken = idToken
	s.DisplayName = displayName
	s.ProviderSessionID = providerSessionID
	s.Premium = premium
}

// currentSession loads the authentication state from the cookie session.
func currentSession(c echo.Context) (*sessions.Session, *Session, error) {
	sess, err := session.Get(sessionName, c)
	if err != nil {
		return nil, nil, err
	}
	s, ok := sess.Values[sessionKey].(Session)
	if !ok {
		s = Session{}
	}
	return sess, &s, nil
}

func saveSession(c echo.Context, sess *sessions.Session, s *Session) error {
	sess.Values[sessionKey] = *s
	return sess.Save(c.Request(), c.Response())
}
