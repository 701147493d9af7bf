package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"article-paywall/config"
	"article-paywall/store"

	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	log "github.com/sirupsen/logrus"
)

const promptNone = "none"

// OIDC drives the authentication flows against the single configured
// provider.
type OIDC struct {
	directory    *Directory
	validator    *Validator
	store        *store.SessionStore
	rule         *EntitlementRule
	oauth2Config oauth2.Config
	clientID     string
	baseUrl      string
	httpClient   *http.Client
}

// New wires the orchestrator from an already loaded directory. The
// directory is passed in explicitly so flows stay testable with substitute
// provider metadata.
func New(cfg config.OIDCProvider, baseUrl string, directory *Directory, sessions *store.SessionStore) (*OIDC, error) {
	ruleExpr := cfg.EntitlementRule
	if ruleExpr == "" {
		ruleExpr = DefaultEntitlementRule
	}
	rule, err := NewEntitlementRule(ruleExpr)
	if err != nil {
		return nil, err
	}
	return &OIDC{
		directory: directory,
		validator: NewValidator(directory.Keys, cfg.SignatureAlg),
		store:     sessions,
		rule:      rule,
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  baseUrl + "/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  directory.AuthURL,
				TokenURL: directory.TokenURL,
			},
			Scopes: []string{"openid", "profile"},
		},
		clientID:   cfg.ClientID,
		baseUrl:    baseUrl,
		httpClient: &http.Client{Timeout: httpTimeout},
	}, nil
}

// NewFromConfig discovers the provider and builds the orchestrator.
func NewFromConfig(cfg *config.Config, sessions *store.SessionStore) (*OIDC, error) {
	directory, err := LoadDirectory(context.Background(), cfg.Content.Provider.IssuerUrl)
	if err != nil {
		return nil, err
	}
	return New(cfg.Content.Provider, cfg.Content.BaseUrl, directory, sessions)
}

// redirectURI embeds the eventual return target into the callback url. The
// token exchange must present the identical value, so the raw parameter is
// reused verbatim on both legs.
func (o *OIDC) redirectURI(returnTo string) string {
	if returnTo == "" {
		return o.baseUrl + "/callback"
	}
	return fmt.Sprintf("%s/callback?return_to=%s", o.baseUrl, url.QueryEscape(returnTo))
}

// outboundContext injects the bounded http client for calls to the provider.
func (o *OIDC) outboundContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

// initiate starts an authorization round trip. Any previously established
// login is invalidated; only the fresh pending state survives.
func (o *OIDC) initiate(c echo.Context, returnTo, prompt string) error {
	sess, s, err := currentSession(c)
	if err != nil {
		return c.String(http.StatusInternalServerError, "session cannot be retrieved")
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	state := base64.URLEncoding.EncodeToString(b)

	s.BeginPending(state)
	if err := saveSession(c, sess, s); err != nil {
		return c.String(http.StatusInternalServerError, "cannot save session")
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("redirect_uri", o.redirectURI(returnTo)),
	}
	if prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", prompt))
	}
	return c.Redirect(http.StatusFound, o.oauth2Config.AuthCodeURL(state, opts...))
}

// SignInHandler begins an interactive login.
func (o *OIDC) SignInHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return o.initiate(c, c.QueryParam("return_to"), "")
	}
}

// silentErrors are provider outcomes of a failed prompt=none attempt. They
// end the attempt without surfacing an error; every other provider error is
// fatal for the request.
var silentErrors = map[string]bool{
	"interaction_required":       true,
	"login_required":             true,
	"account_selection_required": true,
	"consent_required":           true,
}

// safeReturnPath rebuilds the return target from its path alone, so the
// final redirect can never leave this site's origin.
func safeReturnPath(raw string) string {
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	p := path.Clean("/" + strings.TrimLeft(u.EscapedPath(), "/"))
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// CallbackHandler completes the authorization-code round trip: CSRF check,
// code exchange, id token validation and session establishment.
func (o *OIDC) CallbackHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		rawReturnTo := c.QueryParam("return_to")
		returnTo := safeReturnPath(rawReturnTo)

		sess, s, err := currentSession(c)
		if err != nil {
			return c.String(http.StatusInternalServerError, "session cannot be retrieved")
		}

		if errCode := c.QueryParam("error"); errCode != "" {
			if silentErrors[errCode] {
				s.Reset()
				if err := saveSession(c, sess, s); err != nil {
					return c.String(http.StatusInternalServerError, "cannot save session")
				}
				return c.Redirect(http.StatusFound, returnTo)
			}
			return c.String(http.StatusBadGateway, fmt.Sprintf(
				"provider returned error %q: %s", errCode, c.QueryParam("error_description")))
		}

		// collect and check state to prevent CSRF
		receivedState := c.QueryParam("state")
		if s.PendingState == "" || receivedState != s.PendingState {
			return c.String(http.StatusUnauthorized, "invalid or missing 'state' parameter")
		}

		code := c.QueryParam("code")
		if code == "" {
			return c.String(http.StatusBadRequest, "missing 'code' parameter")
		}

		ctx := o.outboundContext(c.Request().Context())
		oauth2Token, err := o.oauth2Config.Exchange(ctx, code,
			oauth2.SetAuthURLParam("redirect_uri", o.redirectURI(rawReturnTo)))
		if err != nil {
			return c.String(http.StatusBadGateway, fmt.Sprintf("token exchange failed: %v", err))
		}

		rawIDToken, ok := oauth2Token.Extra("id_token").(string)
		if !ok {
			return c.String(http.StatusBadGateway, "no id_token in token response")
		}

		claims, err := o.validator.Validate(rawIDToken)
		if err != nil {
			return c.String(http.StatusUnauthorized, fmt.Sprintf("id token validation failed: %v", err))
		}
		if claims.SessionID == "" {
			return c.String(http.StatusUnauthorized, "id token carries no provider session id")
		}

		premium, err := o.rule.Eval(entitlementInput(claims.Name, claims.Products))
		if err != nil {
			return c.String(http.StatusInternalServerError, "entitlement rule failed")
		}

		if err := o.store.Put(c.Request().Context(), claims.SessionID, store.SessionTTL); err != nil {
			return c.String(http.StatusInternalServerError, "cannot register provider session")
		}
		s.CompleteLogin(oauth2Token.AccessToken, rawIDToken, claims.Name, claims.SessionID, premium)
		if err := saveSession(c, sess, s); err != nil {
			return c.String(http.StatusInternalServerError, "cannot save session")
		}

		return c.Redirect(http.StatusFound, returnTo)
	}
}

// SignOutHandler destroys the session and sends the browser to the
// provider's end-session endpoint.
func (o *OIDC) SignOutHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, s, err := currentSession(c)
		if err != nil {
			return c.String(http.StatusInternalServerError, "session cannot be retrieved")
		}
		sid := s.ProviderSessionID
		idToken := s.IDToken
		s.Reset()
		if err := saveSession(c, sess, s); err != nil {
			return c.String(http.StatusInternalServerError, "cannot save session")
		}
		if sid != "" {
			if err := o.store.Delete(c.Request().Context(), sid); err != nil {
				log.WithError(err).Warn("Failed to delete provider session on sign-out")
			}
		}
		if o.directory.EndSessionURL == "" || idToken == "" {
			return c.Redirect(http.StatusFound, "/")
		}
		q := url.Values{}
		q.Set("client_id", o.clientID)
		q.Set("id_token_hint", idToken)
		q.Set("post_logout_redirect_uri", o.baseUrl+"/")
		return c.Redirect(http.StatusFound, o.directory.EndSessionURL+"?"+q.Encode())
	}
}

// LivenessMiddleware runs before any other request logic. A locally held
// session whose provider session id has disappeared from the store is
// destroyed on the spot, which is how a backchannel logout becomes
// observable on the affected browser's next request. The probe itself
// extends the inactivity window.
func (o *OIDC) LivenessMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess, s, err := currentSession(c)
			if err != nil {
				// undecodable cookie, treat the request as anonymous
				return next(c)
			}
			if s.ProviderSessionID == "" {
				return next(c)
			}
			alive, err := o.store.Touch(c.Request().Context(), s.ProviderSessionID, store.SessionTTL)
			if err != nil {
				return c.String(http.StatusInternalServerError, "session store unavailable")
			}
			if !alive {
				s.Reset()
				if err := saveSession(c, sess, s); err != nil {
					return c.String(http.StatusInternalServerError, "cannot save session")
				}
			}
			return next(c)
		}
	}
}
