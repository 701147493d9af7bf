package oidc

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	log "github.com/sirupsen/logrus"
)

// logoutEventKey is the standardized backchannel-logout member of the
// "events" claim.
const logoutEventKey = "http://schemas.openid.net/event/backchannel-logout"

// logoutTokenType distinguishes logout tokens from id tokens, which have an
// otherwise compatible shape.
const logoutTokenType = "logout+jwt"

// iatWindow is the replay bound on logout tokens: iat must fall inside a
// five minute window ending now.
const iatWindow = 5 * time.Minute

// BackchannelLogoutHandler validates provider-pushed logout tokens and
// revokes the matching provider session. It responds 204 on success and 400
// with an invalid_request body when any check fails; nothing is mutated on
// failure.
func (o *OIDC) BackchannelLogoutHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := o.validateLogoutToken(c.FormValue("logout_token"))
		if err != nil {
			log.WithError(err).Info("Rejected backchannel logout token")
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		}
		if err := o.store.Delete(c.Request().Context(), claims.SessionID); err != nil {
			return c.String(http.StatusInternalServerError, "cannot revoke provider session")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func (o *OIDC) validateLogoutToken(raw string) (*TokenClaims, error) {
	claims, err := o.validator.Validate(raw)
	if err != nil {
		return nil, err
	}
	if claims.HeaderType != logoutTokenType {
		return nil, fmt.Errorf("unexpected token type %q", claims.HeaderType)
	}
	if claims.Issuer != o.directory.Issuer {
		return nil, fmt.Errorf("issuer %q does not match the provider", claims.Issuer)
	}
	if !claims.HasAudience(o.clientID) {
		return nil, errors.New("token is not addressed to this relying party")
	}
	if claims.IssuedAt == nil {
		return nil, errors.New("missing iat claim")
	}
	iat := claimTime(*claims.IssuedAt)
	now := time.Now()
	if iat.After(now) {
		return nil, errors.New("iat is in the future")
	}
	if now.Sub(iat) > iatWindow {
		return nil, errors.New("iat is outside the replay window")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing sub claim")
	}
	if claims.SessionID == "" {
		return nil, errors.New("missing sid claim")
	}
	if _, ok := claims.Events[logoutEventKey]; !ok {
		return nil, errors.New("events claim lacks the backchannel logout event")
	}
	if claims.Nonce != nil {
		return nil, errors.New("logout token must not carry a nonce")
	}
	return claims, nil
}
