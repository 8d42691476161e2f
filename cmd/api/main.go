package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/config"
	"github.com/zhouzirui/live-support/backend/internal/handler"
	"github.com/zhouzirui/live-support/backend/internal/model/agent"
	"github.com/zhouzirui/live-support/backend/internal/service/ai"
	"github.com/zhouzirui/live-support/backend/internal/service/chat"
	"github.com/zhouzirui/live-support/backend/internal/store"
	"github.com/zhouzirui/live-support/backend/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("failed to configure logging")
	}
	if envErr != nil {
		log.WithError(envErr).Debug("no .env file, using system environment variables only")
	}

	st, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open chat store")
	}
	defer st.Close()

	agents := agent.NewMemoryStore(agent.Seed())
	profile, ok := agents.FindByID(cfg.Chat.Agent)
	if !ok {
		log.WithField("agent", cfg.Chat.Agent).Fatal("unknown CHAT_AGENT")
	}

	factory := chat.FactoryConfig{Store: st, Logger: log, Profile: profile}
	if cfg.Chat.Responder {
		factory.Responder = &chat.ResponderConfig{
			MinDelay: cfg.Chat.MinDelay,
			MaxDelay: cfg.Chat.MaxDelay,
			Source:   newReplySource(ctx, profile, cfg.AI, log),
		}
	} else {
		log.Info("simulated responder disabled by configuration")
	}

	hub := chat.NewHub(factory.Build(), cfg.Chat.IdleTTL, log)
	defer hub.Close()

	if !cfg.Admin.Enabled() {
		log.Warn("ADMIN_CODE not set, admin routes are disabled")
	}

	router := handler.NewRouter(handler.Dependencies{
		Store:          st,
		Hub:            hub,
		Agents:         agents,
		ActiveAgent:    profile.ID,
		AdminCode:      cfg.Admin.Code,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SecureCookie:   cfg.Chat.CookieSecure,
		Logger:         log,
	})

	startServer(ctx, cfg.Server, router, log)
}

func openStore(ctx context.Context, cfg config.StoreConfig, log logrus.FieldLogger) (store.Store, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		st, err := store.NewPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		log.Info("using postgres chat store")
		return st, nil
	case config.StoreMemory:
		log.Info("using in-memory chat store")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// newReplySource returns the model-backed source, or nil to use canned replies only.
func newReplySource(ctx context.Context, profile agent.Profile, cfg config.AIConfig, log logrus.FieldLogger) chat.ReplySource {
	if !cfg.Enabled() {
		log.Info("Ark 凭证未配置，模拟客服使用预设回复")
		return nil
	}
	svc, err := ai.NewService(ctx, profile, cfg, log)
	if err != nil {
		log.WithError(err).Warn("failed to initialize AI service, continuing with canned replies")
		return nil
	}
	log.Info("AI reply service initialized")
	return svc
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log logrus.FieldLogger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.WithField("addr", addr).Info("live support backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.WithError(err).Fatal("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
