package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	ErrNoEligibleKey    = errors.New("no eligible key validated the token signature")
	ErrTokenExpired     = errors.New("token is expired")
	ErrTokenNotYetValid = errors.New("token is not valid yet")
)

// audience decodes the aud claim, which may be a single string or an array.
type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = audience(many)
	return nil
}

// TokenClaims is the typed claim set of a verified token. Dynamic claim
// maps never leave this package.
type TokenClaims struct {
	Issuer    string                     `json:"iss"`
	Subject   string                     `json:"sub"`
	Audience  audience                   `json:"aud"`
	Expiry    *float64                   `json:"exp"`
	NotBefore *float64                   `json:"nbf"`
	IssuedAt  *float64                   `json:"iat"`
	Name      string                     `json:"name"`
	SessionID string                     `json:"sid"`
	Products  []string                   `json:"products"`
	Events    map[string]json.RawMessage `json:"events"`
	// Nonce stays raw so presence and absence can be told apart.
	Nonce json.RawMessage `json:"nonce"`

	// HeaderType is the "typ" value of the verified protected header.
	HeaderType string `json:"-"`
}

func (c *TokenClaims) HasAudience(aud string) bool {
	for _, a := range c.Audience {
		if a == aud {
			return true
		}
	}
	return false
}

// Validator verifies token signatures against the provider key set with a
// single allow-listed algorithm.
type Validator struct {
	keys jose.JSONWebKeySet
	alg  jose.SignatureAlgorithm
}

func NewValidator(keys jose.JSONWebKeySet, alg string) *Validator {
	return &Validator{keys: keys, alg: jose.SignatureAlgorithm(alg)}
}

// eligibleKeys filters the key set on every validation, so validation
// semantics follow the set as fetched rather than a cached subset.
func (v *Validator) eligibleKeys() []jose.JSONWebKey {
	var keys []jose.JSONWebKey
	for _, k := range v.keys.Keys {
		if k.Use != "sig" {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != string(v.alg) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// Validate verifies the token signature against the eligible keys and the
// temporal claims where present, and returns the typed claim set. There is
// no fallback to unverified decoding.
func (v *Validator) Validate(raw string) (*TokenClaims, error) {
	sig, err := jose.ParseSigned(raw, []jose.SignatureAlgorithm{v.alg})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var payload []byte
	for _, key := range v.eligibleKeys() {
		payload, err = sig.Verify(key)
		if err == nil {
			break
		}
	}
	if payload == nil {
		return nil, ErrNoEligibleKey
	}

	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("decoding claims: %w", err)
	}
	if typ, ok := sig.Signatures[0].Header.ExtraHeaders[jose.HeaderType].(string); ok {
		claims.HeaderType = typ
	}

	now := time.Now()
	if claims.Expiry != nil && now.After(claimTime(*claims.Expiry)) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Before(claimTime(*claims.NotBefore)) {
		return nil, ErrTokenNotYetValid
	}
	return &claims, nil
}

func claimTime(seconds float64) time.Time {
	return time.Unix(int64(seconds), 0)
}
