package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"partyquiz/internal/config"
	"partyquiz/internal/httpapi"
	"partyquiz/internal/registry"
	"partyquiz/internal/sequencer"
	"partyquiz/internal/session"
	"partyquiz/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if dsn := cfg.DSN(); dsn != "" {
		pg, err := store.Open(dsn, log)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		st = pg
	} else {
		log.Warn("no database configured, running on the in-memory store")
		st = store.NewMemory()
	}

	reg := registry.New(log)
	seq := sequencer.New(reg, nil, sequencer.Config{
		ReadyTimeout: cfg.ReadyTimeout,
		SettleDelay:  cfg.SettleDelay,
		StatusDelay:  cfg.StatusDelay,
	}, log)

	hub := session.NewHub(ctx, session.Deps{
		Registry:  reg,
		Sequencer: seq,
		Store:     st,
		Config: session.Config{
			Countdown:    cfg.Countdown,
			QuestionTime: cfg.QuestionTime,
			IdleTimeout:  cfg.IdleTimeout,
		},
		Log: log,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.SetupRoutes(hub, reg, st, log),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		hub.Inbox() <- session.ShutdownHub{}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
