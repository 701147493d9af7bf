package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	log "github.com/sirupsen/logrus"
)

// ErrUserinfoUnauthorized marks an expired access token at the userinfo
// endpoint.
var ErrUserinfoUnauthorized = errors.New("userinfo rejected the access token")

// userinfoRecord is the typed subset of the userinfo response the gate
// cares about.
type userinfoRecord struct {
	Name     string   `json:"name"`
	Products []string `json:"products"`
}

// fetchUserinfo calls the provider's userinfo endpoint with the session's
// bearer token.
func (o *OIDC) fetchUserinfo(c echo.Context, accessToken string) (*userinfoRecord, error) {
	req, err := http.NewRequestWithContext(c.Request().Context(), http.MethodGet, o.directory.UserinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	res, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode == http.StatusUnauthorized {
		return nil, ErrUserinfoUnauthorized
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned status %d", res.StatusCode)
	}
	var record userinfoRecord
	if err := json.NewDecoder(res.Body).Decode(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

// currentTarget rebuilds the request path and query, optionally dropping
// the reauth trigger before it becomes the eventual return target.
func currentTarget(c echo.Context, stripReauth bool) string {
	u := *c.Request().URL
	if stripReauth {
		q := u.Query()
		q.Del("reauth")
		u.RawQuery = q.Encode()
	}
	target := u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}

// RequirePremium gates premium articles. Unauthenticated visitors go
// through an interactive login; authenticated ones without the premium
// entitlement get an opportunistic re-check against userinfo, so upgrades
// made after the session was established are picked up. The refresh may
// flip the entitlement in either direction; only an explicit 401 forces a
// silent re-authentication, all other refresh failures keep the stale
// entitlement.
func (o *OIDC) RequirePremium() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess, s, err := currentSession(c)
			if err != nil {
				return o.initiate(c, currentTarget(c, true), "")
			}
			if !s.Authenticated() {
				return o.initiate(c, currentTarget(c, true), "")
			}
			if c.QueryParam("reauth") == "true" {
				return o.initiate(c, currentTarget(c, true), promptNone)
			}
			if !s.Premium {
				record, err := o.fetchUserinfo(c, s.AccessToken)
				switch {
				case errors.Is(err, ErrUserinfoUnauthorized):
					// access token expired, refresh without interaction
					return o.initiate(c, currentTarget(c, true), promptNone)
				case err != nil:
					log.WithError(err).Warn("Entitlement refresh failed, keeping stale entitlement")
				default:
					premium, evalErr := o.rule.Eval(entitlementInput(record.Name, record.Products))
					if evalErr != nil {
						return c.String(http.StatusInternalServerError, "entitlement rule failed")
					}
					s.DisplayName = record.Name
					s.Premium = premium
					if err := saveSession(c, sess, s); err != nil {
						return c.String(http.StatusInternalServerError, "cannot save session")
					}
				}
			}
			if !s.Premium {
				return c.String(http.StatusForbidden, "A premium subscription is required to read this article.")
			}
			return next(c)
		}
	}
}
