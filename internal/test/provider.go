package test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// OIDCServer is a minimal OpenID Connect provider for flow tests. It serves
// discovery, key set, authorization, token, userinfo and end-session
// endpoints, and signs tokens with an ES256 key.
type OIDCServer struct {
	Server       *httptest.Server
	ClientID     string
	ClientSecret string

	key   *ecdsa.PrivateKey
	keyID string

	mu sync.Mutex
	// AuthError makes the next authorization attempt fail with the given
	// provider error code instead of issuing a code.
	AuthError string
	// claims baked into issued id tokens
	UserName     string
	UserSID      string
	UserProducts []string
	// userinfo behaviour; 0 means 200 with UserinfoName/UserinfoProducts
	UserinfoStatus   int
	UserinfoName     string
	UserinfoProducts []string
	// LastPrompt records the prompt parameter of the last authorize call.
	LastPrompt string
}

const testAuthCode = "test-auth-code"

func NewOIDCServer(t interface{ Fatal(args ...any) }) *OIDCServer {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s := &OIDCServer{
		ClientID:     "paywall-client",
		ClientSecret: "paywall-secret",
		key:          key,
		keyID:        "test-key-1",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/jwks", s.handleJWKS)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/userinfo", s.handleUserinfo)
	mux.HandleFunc("/end_session", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("signed out"))
	})

	s.Server = httptest.NewServer(mux)
	return s
}

func (s *OIDCServer) Close() {
	s.Server.Close()
}

// Issuer is the provider base url.
func (s *OIDCServer) Issuer() string {
	return s.Server.URL
}

func (s *OIDCServer) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	base := s.Server.URL
	writeJSON(w, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"userinfo_endpoint":                     base + "/userinfo",
		"jwks_uri":                              base + "/jwks",
		"end_session_endpoint":                  base + "/end_session",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"ES256"},
	})
}

func (s *OIDCServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &s.key.PublicKey,
			KeyID:     s.keyID,
			Use:       "sig",
			Algorithm: "ES256",
		}},
	})
}

func (s *OIDCServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.LastPrompt = r.URL.Query().Get("prompt")
	authError := s.AuthError
	s.mu.Unlock()

	redirectURI := r.URL.Query().Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	q := target.Query()
	if authError != "" {
		q.Set("error", authError)
		q.Set("error_description", "authorization failed")
	} else {
		q.Set("code", testAuthCode)
		q.Set("state", r.URL.Query().Get("state"))
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *OIDCServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	id, secret, ok := r.BasicAuth()
	if !ok {
		id = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if id != s.ClientID || secret != s.ClientSecret {
		http.Error(w, "bad client credentials", http.StatusUnauthorized)
		return
	}
	if r.PostFormValue("grant_type") != "authorization_code" || r.PostFormValue("code") != testAuthCode {
		http.Error(w, "bad grant", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	name, sid, products := s.UserName, s.UserSID, s.UserProducts
	s.mu.Unlock()

	now := time.Now()
	idToken, err := s.SignClaims("JWT", map[string]any{
		"iss":      s.Server.URL,
		"aud":      s.ClientID,
		"sub":      "user-1",
		"iat":      now.Unix(),
		"exp":      now.Add(time.Hour).Unix(),
		"name":     name,
		"sid":      sid,
		"products": products,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"access_token": "access-" + RandHex(8),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func (s *OIDCServer) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.UserinfoStatus
	name, products := s.UserinfoName, s.UserinfoProducts
	s.mu.Unlock()

	if r.Header.Get("Authorization") == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if status != 0 && status != http.StatusOK {
		http.Error(w, "userinfo error", status)
		return
	}
	writeJSON(w, map[string]any{
		"name":     name,
		"products": products,
	})
}

// Set updates provider behaviour between requests.
func (s *OIDCServer) Set(update func(s *OIDCServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(s)
}

// SignClaims signs the given claims with the provider key. The typ value
// lands in the protected header, so logout tokens can be minted as well.
func (s *OIDCServer) SignClaims(typ string, claims any) (string, error) {
	opts := (&jose.SignerOptions{}).WithHeader("kid", s.keyID)
	if typ != "" {
		opts = opts.WithType(jose.ContentType(typ))
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: s.key}, opts)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return sig.CompactSerialize()
}

// SignLogoutToken mints a structurally valid backchannel logout token for
// the given subject and provider session id.
func (s *OIDCServer) SignLogoutToken(sub, sid string) (string, error) {
	return s.SignClaims("logout+jwt", map[string]any{
		"iss":    s.Server.URL,
		"aud":    s.ClientID,
		"iat":    time.Now().Unix(),
		"jti":    RandHex(8),
		"sub":    sub,
		"sid":    sid,
		"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
