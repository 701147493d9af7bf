package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"

	log "github.com/sirupsen/logrus"
)

// httpTimeout bounds every outbound call to the provider.
const httpTimeout = 10 * time.Second

// Directory is the provider metadata and signature key set, fetched once at
// process start and immutable afterwards.
type Directory struct {
	Issuer        string
	AuthURL       string
	TokenURL      string
	UserinfoURL   string
	EndSessionURL string
	JWKSURL       string
	Keys          jose.JSONWebKeySet
}

type providerMetadata struct {
	UserinfoEndpoint   string `json:"userinfo_endpoint"`
	EndSessionEndpoint string `json:"end_session_endpoint"`
	JWKSURL            string `json:"jwks_uri"`
}

// LoadDirectory runs OIDC discovery against the issuer and fetches the
// published key set.
func LoadDirectory(ctx context.Context, issuerURL string) (*Directory, error) {
	client := &http.Client{Timeout: httpTimeout}
	ctx = gooidc.ClientContext(ctx, client)

	provider, err := gooidc.NewProvider(ctx, issuerURL)
	if err != nil {
		log.WithField("issuer", issuerURL).WithError(err).Error("Failed to run OIDC discovery.")
		return nil, err
	}
	var meta providerMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("decoding provider metadata: %w", err)
	}

	d := &Directory{
		Issuer:        issuerURL,
		AuthURL:       provider.Endpoint().AuthURL,
		TokenURL:      provider.Endpoint().TokenURL,
		UserinfoURL:   meta.UserinfoEndpoint,
		EndSessionURL: meta.EndSessionEndpoint,
		JWKSURL:       meta.JWKSURL,
	}
	if err := d.checkTrustDomain(); err != nil {
		return nil, err
	}
	if err := d.fetchKeys(ctx, client); err != nil {
		return nil, err
	}
	log.WithField("issuer", d.Issuer).Info("Provider directory loaded")
	return d, nil
}

// checkTrustDomain verifies that every advertised endpoint is an absolute
// url on the issuer's host.
func (d *Directory) checkTrustDomain() error {
	issuer, err := url.Parse(d.Issuer)
	if err != nil || issuer.Host == "" {
		return fmt.Errorf("issuer %q is not an absolute url", d.Issuer)
	}
	endpoints := []string{d.AuthURL, d.TokenURL, d.UserinfoURL, d.EndSessionURL, d.JWKSURL}
	for _, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			return fmt.Errorf("endpoint %q is not an absolute url", endpoint)
		}
		if u.Host != issuer.Host {
			return fmt.Errorf("endpoint %q is outside the provider trust domain %q", endpoint, issuer.Host)
		}
	}
	return nil
}

func (d *Directory) fetchKeys(ctx context.Context, client *http.Client) error {
	if d.JWKSURL == "" {
		return fmt.Errorf("provider %q publishes no jwks_uri", d.Issuer)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.JWKSURL, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		log.WithField("url", d.JWKSURL).WithError(err).Error("Failed to fetch provider key set.")
		return err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			log.WithField("url", d.JWKSURL).WithError(err).Warn("Failed to close body!")
		}
	}(res.Body)
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("key set fetch returned status %d", res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(&d.Keys); err != nil {
		return fmt.Errorf("decoding key set: %w", err)
	}
	return nil
}
