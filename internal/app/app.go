package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/watchtogether/server/internal/cache/bucket"
	"github.com/watchtogether/server/internal/cache/memory"
	"github.com/watchtogether/server/internal/controller"
	"github.com/watchtogether/server/internal/repository/connection/inmemory"
	redisrepo "github.com/watchtogether/server/internal/repository/redis"
	"github.com/watchtogether/server/internal/service/prefetch"
	"github.com/watchtogether/server/internal/service/proxy"
	"github.com/watchtogether/server/internal/service/resolver"
	"github.com/watchtogether/server/internal/service/room"
	"github.com/watchtogether/server/internal/service/user"
	"github.com/watchtogether/server/pkg/coalescer"
	"github.com/watchtogether/server/pkg/ctxlogger"
	"github.com/watchtogether/server/pkg/redisclient"
)

const (
	memCacheMaxItemFraction = 0.25

	bucketSize           = 10 << 20
	minDiskFree          = 500 << 20
	maxCacheableFileSize = 50 << 20
	diskCacheTTL         = 30 * time.Minute

	formatCacheTTL = 2 * time.Hour
	emptyRoomTTL   = 5 * time.Minute

	coalesceWaitTimeout = 60 * time.Second
	coalesceRetention   = 5 * time.Second

	heartbeatInterval     = 5 * time.Second
	cleanupInterval       = 60 * time.Second
	cacheSweepInterval    = 120 * time.Second
	prefetchSweepInterval = 60 * time.Second
)

type AppConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	LogLevel        string `json:"log_level"`
	RedisHost       string `json:"redis_host"`
	RedisPort       int    `json:"redis_port"`
	RedisPassword   string `json:"-"`
	CacheDir        string `json:"cache_dir"`
	DiskCacheSizeMB int    `json:"disk_cache_size_mb"`
	MemCacheSizeMB  int    `json:"mem_cache_size_mb"`
	ResolverURL     string `json:"resolver_url"`
}

func (cfg *AppConfig) Validate() error {
	if cfg.DiskCacheSizeMB < 1 {
		return fmt.Errorf("disk cache size must be greater than 0")
	}
	if cfg.MemCacheSizeMB < 1 {
		return fmt.Errorf("memory cache size must be greater than 0")
	}
	if cfg.CacheDir == "" {
		return fmt.Errorf("cache dir must be set")
	}
	return nil
}

func Run(ctx context.Context, cfg *AppConfig) error {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		log.Fatal(err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}),
	}
	logger := slog.New(&h)

	rc, err := redisclient.New(&redisclient.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer rc.Close()

	repo := redisrepo.NewRepo(rc)
	connRepo := inmemory.NewRepo()

	memCache := memory.New(int64(cfg.MemCacheSizeMB)<<20, memCacheMaxItemFraction)
	bucketCache, err := bucket.New(bucket.Config{
		Dir:                  cfg.CacheDir,
		BucketSize:           bucketSize,
		MaxCacheSize:         int64(cfg.DiskCacheSizeMB) << 20,
		TTL:                  diskCacheTTL,
		MinDiskFree:          minDiskFree,
		MaxCacheableFileSize: maxCacheableFileSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create bucket cache: %w", err)
	}

	// One pooled client for all upstream media fetches. No overall timeout:
	// segment streams can legitimately run for minutes.
	upstreamClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	resolverClient := &http.Client{Timeout: 60 * time.Second}

	prefetchService := prefetch.NewService(prefetch.Config{}, memCache, bucketCache, upstreamClient, logger)
	co := coalescer.New(coalesceWaitTimeout, coalesceRetention)
	proxyService := proxy.NewService(proxy.Config{}, memCache, bucketCache, prefetchService, co, upstreamClient, logger)
	resolverService := resolver.NewService(repo, repo, resolverClient, cfg.ResolverURL, formatCacheTTL, logger)
	roomService := room.NewService(room.Config{EmptyRoomTTL: emptyRoomTTL}, repo, connRepo, logger)
	userService := user.NewService(repo, logger)

	if err := roomService.LoadPersisted(ctx); err != nil {
		logger.WarnContext(ctx, "failed to load persisted rooms", "error", err)
	}

	ctrl := controller.NewController(roomService, proxyService, resolverService, userService, prefetchService, logger)
	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: ctrl.Mux()}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	var wg sync.WaitGroup

	runLoop := func(interval time.Duration, body func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C:
					func() {
						defer func() {
							if r := recover(); r != nil {
								logger.ErrorContext(loopCtx, "background loop panicked", "panic", r)
							}
						}()
						body(loopCtx)
					}()
				}
			}
		}()
	}

	runLoop(heartbeatInterval, func(ctx context.Context) {
		for _, update := range roomService.HeartbeatTick(ctx) {
			out := &controller.Output{
				Type: "heartbeat",
				Payload: map[string]any{
					"timestamp":   update.Timestamp,
					"server_time": time.Now().UnixMilli(),
					"is_playing":  true,
				},
			}
			ctrl.Broadcast(ctx, update.Conns, out)
		}
	})
	runLoop(cleanupInterval, roomService.CleanupTick)
	runLoop(cacheSweepInterval, func(context.Context) { bucketCache.Sweep() })
	runLoop(prefetchSweepInterval, func(context.Context) { prefetchService.Sweep() })

	serverCtx, serverStopCtx := context.WithCancel(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	// drain the loops before shared clients go away
	stopLoops()
	wg.Wait()
	upstreamClient.CloseIdleConnections()

	return nil
}
