package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"article-paywall/config"
	"article-paywall/oidc"
	"article-paywall/store"

	"github.com/boj/redistore"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"

	log "github.com/sirupsen/logrus"
)

type Webserver struct {
	e   *echo.Echo
	cfg *config.Config

	fsStore    *sessions.FilesystemStore
	redisStore *redistore.RediStore
	liveness   *store.SessionStore
}

// NewWebserver creates the Echo instance, the session store and registers
// all middleware, auth endpoints and article pages.
func NewWebserver(cfg *config.Config, auth *oidc.OIDC, liveness *store.SessionStore) (*Webserver, error) {
	ws := &Webserver{
		e:        echo.New(),
		cfg:      cfg,
		liveness: liveness,
	}
	err := ws.createSessionStore()
	if err != nil {
		log.WithError(err).Error("Error creating session store")
		return nil, err
	}
	log.Info("Session-Store initialized")

	cookieStore, err := ws.getStore()
	if err != nil {
		log.WithError(err).Error("Error getting session store")
		return nil, err
	}
	ws.e.Use(session.Middleware(cookieStore))
	// liveness runs before any other request logic
	ws.e.Use(auth.LivenessMiddleware())

	ws.e.GET("/sign_in", auth.SignInHandler())
	ws.e.GET("/callback", auth.CallbackHandler())
	ws.e.POST("/sign_out", auth.SignOutHandler())
	ws.e.POST("/backchannel_logout", auth.BackchannelLogoutHandler())
	log.Debug("Auth endpoints registered")

	// register all articles
	for _, page := range cfg.Content.Articles {
		createArticlePage(ws.e, auth, page)
	}

	// hide some stuff
	ws.e.HideBanner = true
	ws.e.HidePort = true

	return ws, nil
}

// Start the webserver with the Address and Port specified in the config.
func (w *Webserver) Start() error {
	address := w.cfg.Settings.GetWSAddress()
	log.Info(fmt.Sprintf("Listening on %s", address))
	return w.e.Start(address)
}

// StartAsync starts the webserver in the background and returns once the
// listener accepts connections.
func (w *Webserver) StartAsync() error {
	go func() {
		err := w.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("webserver stopped")
		}
	}()
	dialAddr := fmt.Sprintf("localhost:%d", w.cfg.Settings.Host.Port)
	for i := 0; i < 100; i++ {
		conn, err := net.Dial("tcp", dialAddr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("webserver did not start in time")
}

func (w *Webserver) Close() error {
	if w.redisStore != nil {
		if err := w.redisStore.Close(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.e.Shutdown(ctx)
}

// getStore return the existing store or an error, if no store exists.
func (w *Webserver) getStore() (sessions.Store, error) {
	if w.redisStore != nil {
		return w.redisStore, nil
	} else if w.fsStore != nil {
		return w.fsStore, nil
	}
	return nil, errors.New("no session store available")
}

// createSessionStore build the session store from config and set it into the object.
func (w *Webserver) createSessionStore() error {
	cfg := w.cfg.Settings.Session
	if cfg.StoreDriver == "redis" {
		rs, err := redistore.NewRediStore(
			cfg.Redis.PoolSize, "tcp",
			w.cfg.Settings.GetRedisAddress(),
			cfg.Redis.Username, cfg.Redis.Password,
			[]byte(cfg.Key),
		)
		if err != nil || rs == nil {
			log.WithError(err).Error("Error creating redis session store")
			return err
		}
		rs.Options.MaxAge = 60 * 60 * 24 // 1 day
		w.redisStore = rs
		return nil
	} else if cfg.StoreDriver == "filesystem" {
		err := os.MkdirAll(cfg.StoreDirectory, 0700)
		if err != nil {
			log.WithError(err).Error("Error creating filesystem session store")
			return err
		}

		key := []byte(cfg.Key)
		fs := sessions.NewFilesystemStore(cfg.StoreDirectory, key)
		fs.Options.MaxAge = 60 * 60 * 24 // 1 day
		w.fsStore = fs
		return nil
	}
	log.Error("Invalid session store driver: ", cfg.StoreDriver)
	return errors.New("invalid session store driver")
}

func createArticlePage(e *echo.Echo, auth *oidc.OIDC, page config.ArticlePage) *echo.Group {
	log.WithFields(log.Fields{
		"id":      page.Id,
		"dir":     page.Dir,
		"url":     page.Url,
		"premium": page.Premium,
	}).Info("Registering article page")

	baseUrl := page.Url
	// remove trailing slash if present
	if baseUrl[len(baseUrl)-1] == '/' {
		baseUrl = baseUrl[:len(baseUrl)-1]
	}
	group := e.Group(baseUrl)

	// attach the premium gate if configured
	if page.Premium {
		group.Use(auth.RequirePremium())
	}

	group.Static("/", page.Dir)

	return group
}
