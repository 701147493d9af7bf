package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type ContentConfig struct {
	// BaseUrl is the public base url of this site, used to build the
	// callback and post-logout redirect targets.
	BaseUrl  string        `yaml:"base_url" validate:"required,url"`
	Provider OIDCProvider  `yaml:"provider" validate:"required"`
	Articles []ArticlePage `yaml:"articles" validate:"dive,required"`
}

type OIDCProvider struct {
	IssuerUrl    string `yaml:"issuer_url" validate:"required,url"`
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
	// SignatureAlg is the only accepted id/logout token signature algorithm.
	SignatureAlg string `yaml:"signature_alg" validate:"omitempty,oneof=ES256 ES384 ES512 RS256"`
	// EntitlementRule is a tengo expression over the "user" map
	// ({name, products}) deciding premium access. Empty selects the
	// built-in premium-products rule.
	EntitlementRule string `yaml:"entitlement_rule"`
}

type ArticlePage struct {
	Id      string `yaml:"id" validate:"alphanum"`
	Dir     string `yaml:"dir" validate:"dir"`
	Url     string `yaml:"url" validate:"required,uri"`
	Premium bool   `yaml:"premium"`
}

func (c *ContentConfig) Validate(validate *validator.Validate) error {
	err := validateStruct(validate, c)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

func (c *ContentConfig) Resolve() error {
	c.BaseUrl = strings.TrimRight(c.BaseUrl, "/")
	c.Provider.IssuerUrl = strings.TrimRight(c.Provider.IssuerUrl, "/")
	if c.Provider.SignatureAlg == "" {
		c.Provider.SignatureAlg = "ES256"
	}
	return nil
}

func loadContentConfig(path string) (*ContentConfig, error) {
	var contentCfg ContentConfig
	err := loadConfigFromFile(path, &contentCfg)
	if err != nil {
		return nil, err
	}
	return &contentCfg, nil
}

func loadConfigFromFile(path string, contentCfg *ContentConfig) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(file, contentCfg)
}
