package config

import (
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"

	log "github.com/sirupsen/logrus"
)

// Config is the main configuration struct containing settings and content config
type Config struct {
	// contains the main settings for the webserver
	Settings Settings
	// contains the configuration for the provider and the articles
	Content ContentConfig
}

// loadConfig loads the configuration from environment variables and config file
func loadConfig() (*Config, error) {
	cfg := new(Config)
	// first load settings from env
	settings, err := loadSettingsFromEnv()
	if err != nil {
		help, errHelp := cleanenv.GetDescription(&cfg, nil)
		if errHelp != nil {
			log.WithError(err).WithError(errHelp).Error("can not get help text")
		} else {
			log.WithError(err).Fatal(help)
		}
		return nil, err
	}
	cfg.Settings = settings
	// then load content config from file
	contentCfg, err := loadContentConfig(settings.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Content = *contentCfg
	return cfg, nil
}

// LoadAndProcessConfig loads, validates and resolves the configuration.
// Missing required values (session key, provider issuer url, client
// credentials) are fatal.
func LoadAndProcessConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("error loading config")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	err = cfg.Validate(validate)
	if err != nil {
		log.WithError(err).Fatal("configuration is not valid")
	}
	log.Info("Config read and validated successfully")

	err = cfg.Resolve()
	if err != nil {
		log.WithError(err).Error("Error resolving config")
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate(validate *validator.Validate) error {
	err := validateStruct(validate, &c.Settings.Session)
	if err != nil {
		return err
	}
	return c.Content.Validate(validate)
}

func (c *Config) Resolve() error {
	return c.Content.Resolve()
}
