package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/colorific/internal/config"
	"github.com/suPer8Hu/colorific/internal/db"
	"github.com/suPer8Hu/colorific/internal/httpapi"
	"github.com/suPer8Hu/colorific/internal/httpapi/handlers"
	"github.com/suPer8Hu/colorific/internal/httpapi/middleware"
	"github.com/suPer8Hu/colorific/internal/notify"
	"github.com/suPer8Hu/colorific/internal/queue"
	"github.com/suPer8Hu/colorific/internal/store/rabbitmq"
	"github.com/suPer8Hu/colorific/internal/store/redisstore"
	"github.com/suPer8Hu/colorific/internal/worker"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := queue.Migrate(gdb); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// redis and rabbit are optional: without them there is no rate limit,
	// no live events and no wake-ups (cron still drains the queue)
	var (
		limiter   middleware.Limiter
		publisher notify.Publisher
		kicker    queue.Kicker
		hub       *notify.Hub
	)
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		log.Printf("redis unavailable addr=%s err=%v", cfg.RedisAddr, err)
		_ = rds.Close()
	} else {
		defer rds.Close()
		limiter, publisher = rds, rds
		hub = notify.NewHub()
		go func() {
			if err := hub.Run(ctx, rds); err != nil {
				log.Printf("event hub stopped: %v", err)
			}
		}()
	}
	cancel()

	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Printf("rabbit unavailable, kicks disabled: %v", err)
	} else {
		defer pub.Close()
		kicker = pub
	}

	gen, err := worker.NewGenerator(cfg)
	if err != nil {
		log.Fatalf("generator: %v", err)
	}

	repo := queue.NewRepo(gdb, queue.WithClaimTimeout(cfg.ClaimTimeout))
	svc := queue.NewService(repo, kicker)
	d := worker.NewDispatcher(repo, gen, worker.ConfigFrom(cfg, "api-"+uuid.NewString()[:8]), worker.WithPublisher(publisher))

	h := handlers.NewHandler(cfg, svc, d, hub)
	r := httpapi.NewRouter(h, limiter)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server started addr=%s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown failed: %v", err)
	}
	log.Printf("server exited")
}
