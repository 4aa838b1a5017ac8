package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"video-pipeline/internal/api"
	"video-pipeline/internal/config"
	"video-pipeline/internal/delivery"
	"video-pipeline/internal/media"
	"video-pipeline/internal/payment"
	"video-pipeline/internal/pipeline"
	"video-pipeline/internal/quota"
	"video-pipeline/internal/ratelimit"
	"video-pipeline/internal/storage"
	"video-pipeline/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var (
		users    quota.Store
		payLog   quota.PaymentLog
		closeFns []func()
	)
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		users, payLog = st, st
		closeFns = append(closeFns, st.Close)
	} else {
		log.Printf("no POSTGRES_DSN set, using in-memory user store")
		mem := store.NewMemory()
		users, payLog = mem, mem
	}

	var limiter *ratelimit.SubmitLimiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewSubmitLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		closeFns = append(closeFns, func() { _ = redisClient.Close() })
	}

	area, err := storage.New(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("storage area: %v", err)
	}

	deliverer, err := delivery.FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("delivery: %v", err)
	}

	var thumbs pipeline.Thumbnailer
	if cfg.ThumbnailEnabled {
		thumbs = media.NewThumbnailer(cfg.FFmpegPath, cfg.ThumbnailWidth)
	}

	ledger := quota.NewLedger(users, payLog)
	coord := pipeline.New(
		cfg,
		area,
		media.NewProber(cfg.FFprobePath),
		media.NewEngine(cfg.FFmpegPath, media.PresetFromConfig(cfg)),
		ledger,
		deliverer,
		thumbs,
	)
	go coord.RunSweeper(ctx)

	payments := payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentShopID, cfg.PaymentSecretKey)

	server := api.New(cfg, coord, ledger, payments, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("pipeline api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	for _, fn := range closeFns {
		fn()
	}
}
