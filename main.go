package main

import (
	"os"

	"article-paywall/config"
	"article-paywall/oidc"
	"article-paywall/store"

	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.DebugLevel)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

func main() {
	log.Info("initializing Article-Paywall")

	cfg, err := config.LoadAndProcessConfig()
	if err != nil {
		log.Fatal(err)
	}

	log.Fatal(StartServer(cfg))
}

func StartServer(cfg *config.Config) error {
	liveness := store.New(store.Options{
		Address:  cfg.Settings.GetRedisAddress(),
		Username: cfg.Settings.Session.Redis.Username,
		Password: cfg.Settings.Session.Redis.Password,
		DB:       cfg.Settings.Session.Redis.DB,
		PoolSize: cfg.Settings.Session.Redis.PoolSize,
	})

	auth, err := oidc.NewFromConfig(cfg, liveness)
	if err != nil {
		return err
	}

	ws, err := NewWebserver(cfg, auth, liveness)
	if err != nil {
		return err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			log.Fatal(err)
		}
		if err := liveness.Close(); err != nil {
			log.Fatal(err)
		}
	}()
	return ws.Start()
}
