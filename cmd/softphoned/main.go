package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"softphoned/internal/broadcast"
	"softphoned/internal/config"
	"softphoned/internal/httpapi"
	"softphoned/internal/phoneconfig"
	"softphoned/internal/softphone"
	"softphoned/internal/vault"
	"softphoned/pkg/logger"
	"softphoned/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	store, err := phoneconfig.NewPostgresStore(db)
	if err != nil {
		log.Error("config store init failed", "err", err)
		os.Exit(1)
	}
	if err := store.EnsureSchema(rootCtx); err != nil {
		log.Error("config store schema failed", "err", err)
		os.Exit(1)
	}

	secrets, err := vault.NewPostgresVault(db)
	if err != nil {
		log.Error("vault init failed", "err", err)
		os.Exit(1)
	}
	if err := secrets.EnsureSchema(rootCtx); err != nil {
		log.Error("vault schema failed", "err", err)
		os.Exit(1)
	}

	// Every state change goes to the in-process hub; with Redis configured it
	// is mirrored to pub/sub for detached observers.
	hub := broadcast.NewHub()
	bc := broadcast.Broadcaster(hub)
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		pub := broadcast.NewRedisPublisher(rdb, broadcast.DefaultChannel, log)
		defer pub.Close()
		bc = broadcast.Fanout(hub, pub)
	}

	phone, err := softphone.New(rootCtx, softphone.Options{
		Store:       store,
		Vault:       secrets,
		Broadcaster: bc,
		Logger:      log,
		IdleDecay:   cfg.SIP.IdleDecay,
	})
	if err != nil {
		log.Error("softphone init failed", "err", err)
		os.Exit(1)
	}
	phone.Boot(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	httpapi.Register(r, httpapi.Handlers{Phone: phone, Hub: hub})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("softphoned listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	phone.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
