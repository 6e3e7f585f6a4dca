package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/podsync/internal/metrics"
	"github.com/hitoshi/podsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// 購読・フィード
	SubscriptionService SubscriptionService
	FeedReader          FeedReader
	Coordinator         FetchCoordinator

	// エピソード
	EpisodeStore EpisodeStore

	// メトリクス（nil可。nilの場合/metricsは提供しない）
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → RateLimitMiddleware(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	feedHandler := NewFeedHandler(deps.SubscriptionService, deps.FeedReader, deps.Coordinator, deps.Logger)
	episodeHandler := NewEpisodeHandler(deps.EpisodeStore, deps.Logger)

	// --- 運用ルート（レート制限の外） ---

	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- APIルート ---
	// ミドルウェアスタック: RateLimit(General)
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Route("/api/feeds", func(r chi.Router) {
			// POST /api/feeds - 購読登録（登録専用レート制限を追加）
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.SubscribeMiddleware()).Post("/", feedHandler.Subscribe)
			} else {
				r.Post("/", feedHandler.Subscribe)
			}
			r.Get("/", feedHandler.ListFeeds)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", feedHandler.GetFeed)
				r.Delete("/", feedHandler.Unsubscribe)

				// 手動更新の発行とキャンセル
				r.Post("/refresh", feedHandler.Refresh)
				r.Delete("/refresh", feedHandler.CancelRefresh)

				// GET /api/feeds/{id}/episodes - エピソード一覧
				r.Get("/episodes", episodeHandler.ListEpisodes)
			})
		})

		// エピソード再生状態
		r.Route("/api/episodes/{id}", func(r chi.Router) {
			r.Put("/state", episodeHandler.UpdatePlaybackState)
		})
	})

	return r
}

// handleHealth はヘルスチェックエンドポイント。
// GET /health
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
