package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"gitea.jw6.us/james/teamcal/internal/cache"
	"gitea.jw6.us/james/teamcal/internal/calendar"
	"gitea.jw6.us/james/teamcal/internal/calendar/google"
	"gitea.jw6.us/james/teamcal/internal/calendar/graph"
	"gitea.jw6.us/james/teamcal/internal/config"
	httpserver "gitea.jw6.us/james/teamcal/internal/http"
	"gitea.jw6.us/james/teamcal/internal/scheduler"
	"gitea.jw6.us/james/teamcal/internal/secret"
	"gitea.jw6.us/james/teamcal/internal/store"
)

func main() {
	log.Println("Starting TeamCal server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	sharedCache := cache.NewRedis(redisClient)

	cipher, err := secret.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("failed to initialize token cipher: %v", err)
	}

	stor := store.New(pool)

	graphClient, err := graph.New(graph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Location:     cfg.Timezone,
		Timeout:      cfg.Upstream.Timeout,
		ChunkSize:    cfg.Upstream.ChunkSize,
	})
	if err != nil {
		log.Fatalf("failed to initialize graph client: %v", err)
	}

	googleSvc, err := google.NewService(ctx, google.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Location:     cfg.Timezone,
		EventsTTL:    cfg.Cache.GoogleEventsTTL,
		Timeout:      cfg.Upstream.Timeout,
	}, stor.ExternalAccounts, stor.OauthStates, cipher, sharedCache)
	if err != nil {
		log.Fatalf("failed to initialize google service: %v", err)
	}

	aggregator := calendar.NewAggregator(graphClient, sharedCache, cfg.Cache.UserTTL)
	directory := calendar.NewStoreDirectory(stor.Users)
	coordinator := calendar.NewCoordinator(aggregator, directory, sharedCache,
		cfg.Cache.StalenessWindow, cfg.Cache.LockTTL, cfg.Cache.AggregateTTL)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(coordinator, cfg.Scheduler.Interval, cfg.Scheduler.WindowDays, cfg.Timezone)
		go sched.Run(ctx)
	}

	// Abandoned OAuth attempts leave expired state rows behind; sweep them.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := stor.OauthStates.PurgeExpired(ctx); err != nil {
					log.Printf("[WARN] oauth state purge failed: %v", err)
				}
			}
		}
	}()

	calendarHandler := httpserver.NewCalendarHandler(coordinator, graphClient, cfg.Timezone)
	googleHandler := httpserver.NewGoogleHandler(googleSvc, cfg.Google.SuccessURL, cfg.Google.ErrorURL, cfg.Timezone)
	r := httpserver.NewRouter(cfg, stor, calendarHandler, googleHandler)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
