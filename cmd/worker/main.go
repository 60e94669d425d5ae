package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/suPer8Hu/colorific/internal/config"
	"github.com/suPer8Hu/colorific/internal/db"
	"github.com/suPer8Hu/colorific/internal/notify"
	"github.com/suPer8Hu/colorific/internal/queue"
	"github.com/suPer8Hu/colorific/internal/store/rabbitmq"
	"github.com/suPer8Hu/colorific/internal/store/redisstore"
	"github.com/suPer8Hu/colorific/internal/worker"
)

// runner lets one batch run at a time; triggers arriving mid-batch are
// dropped since the running batch drains whatever they announced.
type runner struct {
	mu sync.Mutex
	d  *worker.Dispatcher
}

func (r *runner) run(ctx context.Context, trigger string) {
	if !r.mu.TryLock() {
		return
	}
	defer r.mu.Unlock()

	start := time.Now()
	sum, err := r.d.ProcessQueue(ctx)
	if err != nil {
		log.Printf("[worker] batch failed trigger=%s cost=%s err=%v", trigger, time.Since(start), err)
		return
	}
	if sum.Processed > 0 {
		log.Printf("[worker] batch trigger=%s processed=%d succeeded=%d retried=%d failed=%d cost=%s",
			trigger, sum.Processed, sum.Succeeded, sum.Retried, sum.Failed, time.Since(start))
	}
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := queue.Migrate(gdb); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var publisher notify.Publisher
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		log.Printf("redis unavailable, events disabled: %v", err)
		_ = rds.Close()
	} else {
		defer rds.Close()
		publisher = rds
	}
	cancel()

	gen, err := worker.NewGenerator(cfg)
	if err != nil {
		log.Fatalf("generator: %v", err)
	}

	workerID := "worker-" + uuid.NewString()[:8]
	repo := queue.NewRepo(gdb, queue.WithClaimTimeout(cfg.ClaimTimeout))
	r := &runner{d: worker.NewDispatcher(repo, gen, worker.ConfigFrom(cfg, workerID), worker.WithPublisher(publisher))}

	c := cron.New()
	if _, err := c.AddFunc(cfg.WorkerCronSpec, func() { r.run(ctx, "cron") }); err != nil {
		log.Fatalf("cron spec %q: %v", cfg.WorkerCronSpec, err)
	}
	c.Start()

	var wg sync.WaitGroup
	if consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Printf("rabbit unavailable, relying on cron: %v", err)
	} else {
		defer consumer.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := consumer.Run(ctx, func(ctx context.Context, m rabbitmq.KickMessage) {
				r.run(ctx, "kick:"+m.Reason)
			})
			if err != nil {
				log.Printf("rabbit consumer stopped: %v", err)
			}
		}()
	}

	log.Printf("worker started id=%s cron=%q concurrency=%d batch=%d", workerID, cfg.WorkerCronSpec, cfg.WorkerConcurrency, cfg.BatchSize)

	// drain anything left from before a restart
	go r.run(ctx, "startup")

	<-ctx.Done()
	log.Printf("worker shutting down")
	<-c.Stop().Done()
	wg.Wait()
}
