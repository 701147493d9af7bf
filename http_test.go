package main

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"article-paywall/config"
	itest "article-paywall/internal/test"
	"article-paywall/oidc"
	"article-paywall/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
)

type httpTestEnv struct {
	Provider *itest.OIDCServer
	Redis    *miniredis.Miniredis
	WS       *Webserver
	Client   *http.Client
	Config   *config.Config
}

func newHttpTestEnv(t *testing.T) *httpTestEnv {
	t.Helper()

	provider := itest.NewOIDCServer(t)
	t.Cleanup(provider.Close)

	m := miniredis.RunT(t)

	rmContent, contentPath, err := itest.PrepareContentFolder()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rmContent)

	sessionDir, err := os.MkdirTemp("", fmt.Sprintf("article-paywall-session-%s", itest.RandHex(8)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(sessionDir)
	})

	httpPort, err := itest.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}
	redisHost, redisPortStr, err := net.SplitHostPort(m.Addr())
	if err != nil {
		t.Fatal(err)
	}
	redisPort, err := strconv.Atoi(redisPortStr)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Settings: config.Settings{
			Host: config.SettingsHost{Address: "", Port: httpPort},
			Session: config.SettingsSession{
				Key:            "472347328478392",
				StoreDriver:    "filesystem",
				StoreDirectory: sessionDir,
			},
		},
		Content: config.ContentConfig{
			BaseUrl: fmt.Sprintf("http://localhost:%d", httpPort),
			Provider: config.OIDCProvider{
				IssuerUrl:    provider.Issuer(),
				ClientID:     provider.ClientID,
				ClientSecret: provider.ClientSecret,
			},
			Articles: []config.ArticlePage{
				{Id: "free", Dir: fmt.Sprintf("%s/free", contentPath), Url: "/articles/free"},
				{Id: "premium", Dir: fmt.Sprintf("%s/premium", contentPath), Url: "/articles/premium", Premium: true},
			},
		},
	}
	cfg.Settings.Session.Redis.Address = redisHost
	cfg.Settings.Session.Redis.Port = redisPort
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}

	liveness := store.New(store.Options{Address: m.Addr()})
	t.Cleanup(func() {
		_ = liveness.Close()
	})

	auth, err := oidc.NewFromConfig(cfg, liveness)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := NewWebserver(cfg, auth, liveness)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.StartAsync(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = ws.Close()
	})

	return &httpTestEnv{
		Provider: provider,
		Redis:    m,
		WS:       ws,
		Client:   itest.HttpClient(t),
		Config:   cfg,
	}
}

func (h *httpTestEnv) url(p string) string {
	return h.Config.Content.BaseUrl + p
}

func (h *httpTestEnv) get(t *testing.T, p string) *http.Response {
	t.Helper()
	res, err := h.Client.Get(h.url(p))
	if err != nil {
		t.Fatal(err)
	}
	return res
}

// login drives a full interactive round trip for the given identity; the
// session cookie lands in the env client's jar.
func (h *httpTestEnv) login(t *testing.T, name, sid string, products []string) {
	t.Helper()
	h.Provider.Set(func(s *itest.OIDCServer) {
		s.AuthError = ""
		s.UserName = name
		s.UserSID = sid
		s.UserProducts = products
		s.UserinfoName = name
		s.UserinfoProducts = products
	})
	res := h.get(t, "/sign_in?return_to=/articles/free/article.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	itest.AssertBodyString(t, res, "article=free")
}

// ------ TESTS ------

func TestFreeArticleWithoutLogin(t *testing.T) {
	env := newHttpTestEnv(t)

	res := env.get(t, "/articles/free/article.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	itest.AssertBodyString(t, res, "article=free")
}

func TestPremiumLoginFlow(t *testing.T) {
	env := newHttpTestEnv(t)
	env.Provider.Set(func(s *itest.OIDCServer) {
		s.UserName = "Ada Lovelace"
		s.UserSID = "abc"
		s.UserProducts = []string{"premium"}
	})

	// the first request bounces through sign-in, provider and callback and
	// must land back on the article
	res := env.get(t, "/articles/premium/article.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	itest.AssertBodyString(t, res, "article=premium")

	// the provider session got registered with a ttl
	assert.Equal(t, true, env.Redis.Exists("liveness:abc"))
	if env.Redis.TTL("liveness:abc") <= 0 {
		t.Fatal("liveness key has no ttl")
	}

	// a second request serves directly from the established session
	res = env.get(t, "/articles/premium/article.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	itest.AssertBodyString(t, res, "article=premium")
}

func TestSignInReturnTarget(t *testing.T) {
	env := newHttpTestEnv(t)
	env.Provider.Set(func(s *itest.OIDCServer) {
		s.UserSID = "abc"
		s.UserProducts = []string{"premium"}
	})

	res := env.get(t, "/sign_in?return_to=/articles/premium/article.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	itest.AssertBodyString(t, res, "article=premium")
}

func TestCallbackStateMismatch(t *testing.T) {
	env := newHttpTestEnv(t)
	nr := itest.NoRedirectClient(env.Client)

	// park a pending state in the session
	res, err := nr.Get(env.url("/sign_in?return_to=/articles/free/article.txt"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusFound, res.StatusCode)

	// present a different state on the callback
	res, err = nr.Get(env.url("/callback?code=test-auth-code&state=forged&return_to=/articles/free/article.txt"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCallbackWithoutPendingState(t *testing.T) {
	env := newHttpTestEnv(t)
	nr := itest.NoRedirectClient(env.Client)

	res, err := nr.Get(env.url("/callback?code=test-auth-code&state=anything"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestSilentFailureRedirectsWithoutSession(t *testing.T) {
	env := newHttpTestEnv(t)
	env.Provider.Set(func(s *itest.OIDCServer) {
		s.AuthError = "login_required"
	})

	// the failed silent attempt ends on the return target, not on an error
	res := env.get(t, "/sign_in?return_to=/articles/free/article.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	itest.AssertBodyString(t, res, "article=free")

	// no session was established
	nr := itest.NoRedirectClient(env.Client)
	res, err := nr.Get(env.url("/articles/premium/article.txt"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, true, strings.Contains(res.Header.Get("Location"), "/authorize"))
}

func TestProviderErrorIsSurfaced(t *testing.T) {
	env := newHttpTestEnv(t)
	env.Provider.Set(func(s *itest.OIDCServer) {
		s.AuthError = "server_error"
	})

	res := env.get(t, "/sign_in?return_to=/articles/free/article.txt")
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestNonPremiumUserGets403(t *testing.T) {
	env := newHttpTestEnv(t)
	env.login(t, "Grace Hopper", "sid-basic", []string{"basic"})

	res := env.get(t, "/articles/premium/article.txt")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestEntitlementUpgradeViaUserinfo(t *testing.T) {
	env := newHttpTestEnv(t)
	env.login(t, "Grace Hopper", "sid-upgrade", []string{"basic"})

	res := env.get(t, "/articles/premium/article.txt")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	// the subscription was upgraded at the provider after login
	env.Provider.Set(func(s *itest.OIDCServer) {
		s.UserinfoProducts = []string{"basic", "premium"}
	})
	res = env.get(t, "/articles/premium/article.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	itest.AssertBodyString(t, res, "article=premium")
}

func TestUserinfoTransientFailureKeepsStaleEntitlement(t *testing.T) {
	env := newHttpTestEnv(t)
	env.login(t, "Grace Hopper", "sid-transient", []string{"basic"})

	env.Provider.Set(func(s *itest.OIDCServer) {
		s.UserinfoStatus = http.StatusInternalServerError
	})
	res := env.get(t, "/articles/premium/article.txt")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestUserinfoUnauthorizedTriggersSilentReauth(t *testing.T) {
	env := newHttpTestEnv(t)
	env.login(t, "Grace Hopper", "sid-expired", []string{"basic"})

	env.Provider.Set(func(s *itest.OIDCServer) {
		s.UserinfoStatus = http.StatusUnauthorized
	})
	nr := itest.NoRedirectClient(env.Client)
	res, err := nr.Get(env.url("/articles/premium/article.txt"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusFound, res.StatusCode)
	location := res.Header.Get("Location")
	assert.Equal(t, true, strings.Contains(location, "prompt=none"))
	assert.Equal(t, true, strings.Contains(location, "/authorize"))
}

func TestReauthParamForcesSilentRoundTrip(t *testing.T) {
	env := newHttpTestEnv(t)
	env.login(t, "Ada Lovelace", "sid-reauth", []string{"premium"})

	nr := itest.NoRedirectClient(env.Client)
	res, err := nr.Get(env.url("/articles/premium/article.txt?reauth=true"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusFound, res.StatusCode)

	location, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "none", location.Query().Get("prompt"))
	// the reauth trigger must not survive into the return target
	redirectURI := location.Query().Get("redirect_uri")
	assert.Equal(t, false, strings.Contains(redirectURI, "reauth"))

	// the full silent round trip lands back on the article
	res = env.get(t, "/articles/premium/article.txt?reauth=true")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	itest.AssertBodyString(t, res, "article=premium")
}

func TestSignOut(t *testing.T) {
	env := newHttpTestEnv(t)
	env.login(t, "Ada Lovelace", "sid-out", []string{"premium"})

	nr := itest.NoRedirectClient(env.Client)
	res, err := nr.Post(env.url("/sign_out"), "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusFound, res.StatusCode)
	location := res.Header.Get("Location")
	assert.Equal(t, true, strings.Contains(location, "/end_session"))
	assert.Equal(t, true, strings.Contains(location, "id_token_hint"))
	assert.Equal(t, true, strings.Contains(location, "client_id"))

	assert.Equal(t, false, env.Redis.Exists("liveness:sid-out"))

	// the browser session is gone as well
	res, err = nr.Get(env.url("/articles/premium/article.txt"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, true, strings.Contains(res.Header.Get("Location"), "/authorize"))
}

func TestBackchannelLogoutEndToEnd(t *testing.T) {
	env := newHttpTestEnv(t)
	env.login(t, "Ada Lovelace", "abc", []string{"premium"})

	res := env.get(t, "/articles/premium/article.txt")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	token, err := env.Provider.SignLogoutToken("user-1", "abc")
	if err != nil {
		t.Fatal(err)
	}
	res, err = env.Client.PostForm(env.url("/backchannel_logout"), url.Values{"logout_token": {token}})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, false, env.Redis.Exists("liveness:abc"))

	// the next request from the affected browser finds the session revoked
	nr := itest.NoRedirectClient(env.Client)
	res, err = nr.Get(env.url("/articles/premium/article.txt"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, true, strings.Contains(res.Header.Get("Location"), "/authorize"))
}

func TestBackchannelLogoutRejectsIDTokenShape(t *testing.T) {
	env := newHttpTestEnv(t)
	env.login(t, "Ada Lovelace", "abc", []string{"premium"})

	// structurally identical, but typed as a regular JWT
	token, err := env.Provider.SignClaims("JWT", map[string]any{
		"iss":    env.Provider.Issuer(),
		"aud":    env.Provider.ClientID,
		"iat":    time.Now().Unix(),
		"sub":    "user-1",
		"sid":    "abc",
		"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Client.PostForm(env.url("/backchannel_logout"), url.Values{"logout_token": {token}})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, true, env.Redis.Exists("liveness:abc"))
}

func TestNewLoginInvalidatesOldSession(t *testing.T) {
	env := newHttpTestEnv(t)
	env.login(t, "Old User", "sid-old", []string{"premium"})
	env.login(t, "New User", "sid-new", []string{"basic"})

	// the new identity is not premium, regardless of the old one
	res := env.get(t, "/articles/premium/article.txt")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, true, env.Redis.Exists("liveness:sid-new"))
}
