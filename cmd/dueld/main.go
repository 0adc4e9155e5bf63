// Command dueld runs the card-duel service: websocket transport in front of
// the duel engine, Redis for live state, Postgres for gold and archives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stormfell-games/duelsrv/internal/config"
	"github.com/stormfell-games/duelsrv/internal/database"
	"github.com/stormfell-games/duelsrv/internal/duel"
	"github.com/stormfell-games/duelsrv/internal/store"
	"github.com/stormfell-games/duelsrv/internal/timer"
	"github.com/stormfell-games/duelsrv/internal/transport"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration error")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("redis unreachable")
	}
	defer redisClient.Close()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("postgres unreachable")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool, log); err != nil {
		log.WithError(err).Fatal("migration failed")
	}

	hub := transport.NewHub([]byte(cfg.JWTSecret), log)
	machine := duel.NewMachine(duel.Options{
		Store:    store.NewRedis(redisClient, log),
		Timers:   timer.New(log),
		Rewards:  database.NewLedger(pool, log),
		Stats:    database.NewStats(pool),
		Archiver: database.NewArchive(pool),
		Rules:    cfg.Rules(),
		Log:      log,
		Send:     hub.Send,
	})
	hub.Bind(machine)

	// Timer handles died with the previous process; rebuild them from the
	// persisted deadlines before accepting traffic.
	if n, err := machine.RecoverActive(ctx); err != nil {
		log.WithError(err).Fatal("duel recovery sweep failed")
	} else {
		log.WithField("count", n).Info("duel recovery sweep complete")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/duels", transport.CreateDuelHandler(machine, log))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.WithField("addr", cfg.Addr).Info("duel service listening")

	select {
	case err := <-errc:
		log.WithError(err).Fatal("server stopped")
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
}
