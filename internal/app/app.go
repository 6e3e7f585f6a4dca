// Package app はアプリケーションの初期化・依存ワイヤリング・起動を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/podsync/internal/cache"
	"github.com/hitoshi/podsync/internal/config"
	"github.com/hitoshi/podsync/internal/coordinator"
	"github.com/hitoshi/podsync/internal/dispatch"
	"github.com/hitoshi/podsync/internal/feed"
	"github.com/hitoshi/podsync/internal/handler"
	"github.com/hitoshi/podsync/internal/logger"
	"github.com/hitoshi/podsync/internal/metrics"
	"github.com/hitoshi/podsync/internal/middleware"
	"github.com/hitoshi/podsync/internal/security"
	"github.com/hitoshi/podsync/internal/store"
	"github.com/hitoshi/podsync/internal/worker/refresh"
	"github.com/hitoshi/podsync/internal/worker/sweep"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("cache_path", cfg.CachePath),
	)

	switch cmd {
	case CommandSweep:
		return runSweep(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーとバックグラウンドワーカーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. ディスクキャッシュ層のオープン
	// 失敗してもエンジンはメモリ層のみで動作を継続する
	var diskTier *cache.DiskTier
	if d, err := cache.OpenDiskTier(cfg.CachePath); err != nil {
		log.Warn("ディスクキャッシュを開けないためメモリ層のみで動作します",
			slog.String("path", cfg.CachePath),
			slog.String("error", err.Error()),
		)
	} else {
		diskTier = d
		defer diskTier.Close()
	}

	// 3. キャッシュ・ストアの初期化
	feedCache, err := cache.New(diskTier, cache.Config{
		MemoryCap:  cfg.CacheMemoryCap,
		HotTTL:     cfg.CacheHotTTL,
		Retention:  cfg.CacheRetention,
		EvictRatio: cfg.PressureEvictPct,
	}, collector, log)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	episodeStore := store.NewEpisodeStore(log, cfg.StoreCapacity)

	// 4. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 5. イベントディスパッチャーの初期化
	dispatcher := dispatch.NewDispatcher(log)
	defer dispatcher.Close()

	// 6. コーディネーターの初期化
	coord := coordinator.New(
		episodeStore, feedCache, dispatcher, ssrfGuard, sanitizer, collector, log,
		coordinator.Config{
			MaxConcurrent: cfg.FetchMaxConcurrent,
			MaxRetries:    cfg.RetryMax,
			MaxBodySize:   cfg.FetchMaxSize,
			RatePerSec:    cfg.FetchRatePerSec,
			BatchSize:     cfg.BatchSize,
			BatchInterval: cfg.BatchInterval,
		},
	)

	// 7. 購読サービスの初期化
	detector := feed.NewDetector(ssrfGuard)
	feedService := feed.NewService(episodeStore, detector, ssrfGuard, coord, feedCache, log)

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:              log,
		RateLimiter:         rateLimiter,
		SubscriptionService: feedService,
		FeedReader:          episodeStore,
		Coordinator:         coord,
		EpisodeStore:        episodeStore,
		Gatherer:            registry,
	})

	// 9. バックグラウンドワーカーの起動
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	scheduler := refresh.NewScheduler(episodeStore, coord, log, cfg.RefreshInterval)
	go scheduler.Start(workerCtx)

	maintenance := sweep.NewJob(feedCache, episodeStore, log, cfg.CacheSweepEvery)
	go maintenance.Start(workerCtx)

	// SIGUSR1をメモリ圧迫の通知として扱い、キャッシュの割合追い出しを実行する
	pressure := make(chan os.Signal, 1)
	signal.Notify(pressure, syscall.SIGUSR1)
	go watchMemoryPressure(workerCtx, pressure, feedCache, log)

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	cancelWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// memoryReliever はメモリ圧迫時にキャッシュを縮退させるインターフェース。
type memoryReliever interface {
	PressureEvict() int
}

// watchMemoryPressure はメモリ圧迫シグナルを待ち受け、受信ごとに
// キャッシュの割合追い出しを実行する。コンテキストのキャンセルで停止する。
func watchMemoryPressure(ctx context.Context, sig <-chan os.Signal, cache memoryReliever, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sig:
			if !ok {
				return
			}
			evicted := cache.PressureEvict()
			log.Info("メモリ圧迫シグナルを受信しました",
				slog.Int("evicted_entries", evicted),
			)
		}
	}
}

// runSweep はディスクキャッシュの一括メンテナンスを実行する。
// 保持期間を超過したエントリをプルーニングして終了する一発実行モード。
func runSweep(cfg *config.Config) error {
	log := slog.Default()

	diskTier, err := cache.OpenDiskTier(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("failed to open disk cache: %w", err)
	}
	defer diskTier.Close()

	feedCache, err := cache.New(diskTier, cache.Config{
		MemoryCap:  cfg.CacheMemoryCap,
		HotTTL:     cfg.CacheHotTTL,
		Retention:  cfg.CacheRetention,
		EvictRatio: cfg.PressureEvictPct,
	}, &metrics.Nop{}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	pruned, err := feedCache.SweepExpired()
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	log.Info("ディスクキャッシュのメンテナンスが完了しました",
		slog.Int("pruned", pruned),
		slog.Duration("retention", cfg.CacheRetention),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
