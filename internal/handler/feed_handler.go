// Package handler は同期エンジンのHTTP APIハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/podsync/internal/coordinator"
	"github.com/hitoshi/podsync/internal/model"
)

// SubscriptionService は購読登録・解除のサービスインターフェース。
type SubscriptionService interface {
	// Subscribe はURLから番組フィードを検出し購読登録する。
	Subscribe(ctx context.Context, inputURL string) (model.Feed, error)
	// Unsubscribe は購読を解除する。
	Unsubscribe(feedID string) error
}

// FeedReader はフィード読み取りのストアインターフェース。
type FeedReader interface {
	Feed(feedID string) (model.Feed, bool)
	Feeds() []model.Feed
}

// FetchCoordinator はフェッチ要求発行のインターフェース。
type FetchCoordinator interface {
	Request(req model.FetchRequest, onBatch coordinator.BatchFunc, onComplete coordinator.CompleteFunc) *coordinator.Handle
	Cancel(identity model.FetchIdentity) bool
}

// FeedHandler はフィード管理のHTTPハンドラー。
type FeedHandler struct {
	service SubscriptionService
	reader  FeedReader
	coord   FetchCoordinator
	logger  *slog.Logger
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(service SubscriptionService, reader FeedReader, coord FetchCoordinator, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{
		service: service,
		reader:  reader,
		coord:   coord,
		logger:  logger,
	}
}

// subscribeRequest は購読登録リクエストのボディ。
type subscribeRequest struct {
	URL string `json:"url"`
}

// feedResponse はフィード情報のAPIレスポンス。
type feedResponse struct {
	ID           string `json:"id"`
	SourceURL    string `json:"source_url"`
	SiteURL      string `json:"site_url"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	Description  string `json:"description"`
	ArtworkURL   string `json:"artwork_url"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

// refreshResponse はフェッチ要求発行のAPIレスポンス。
type refreshResponse struct {
	FeedID       string `json:"feed_id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	EpisodeCount int    `json:"episode_count,omitempty"`
}

// errorResponse は統一エラーフォーマットのレスポンス。
type errorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Subscribe は購読登録を処理する。
// POST /api/feeds
func (h *FeedHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, &model.SyncError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if req.URL == "" {
		writeErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("URLが空です"))
		return
	}

	feed, err := h.service.Subscribe(r.Context(), req.URL)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	// 購読直後にバックグラウンドで初回同期を開始する
	if h.coord != nil {
		h.coord.Request(model.FetchRequest{
			Identity:  model.FetchIdentity{FeedID: feed.ID, Kind: model.FetchKindBackground},
			SourceURL: feed.SourceURL,
		}, nil, nil)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toFeedResponse(feed))
}

// ListFeeds は購読中の全フィードを返す。
// GET /api/feeds
func (h *FeedHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := h.reader.Feeds()
	resp := make([]feedResponse, 0, len(feeds))
	for _, f := range feeds {
		resp = append(resp, toFeedResponse(f))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetFeed はフィード詳細を取得する。
// GET /api/feeds/:id
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	feed, ok := h.reader.Feed(feedID)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(feedID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toFeedResponse(feed))
}

// Unsubscribe は購読を解除する。
// DELETE /api/feeds/:id
func (h *FeedHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	if err := h.service.Unsubscribe(feedID); err != nil {
		h.handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Refresh はフィードの手動更新を要求する。
// POST /api/feeds/:id/refresh
//
// デフォルトでは202を即時返し、同期はバックグラウンドで進行する。
// ?wait=true の場合は完了までブロックして結果を返す。
func (h *FeedHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	feed, ok := h.reader.Feed(feedID)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(feedID))
		return
	}

	identity := model.FetchIdentity{FeedID: feedID, Kind: model.FetchKindUser}
	req := model.FetchRequest{Identity: identity, SourceURL: feed.SourceURL}

	if r.URL.Query().Get("wait") != "true" {
		h.coord.Request(req, nil, nil)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(refreshResponse{
			FeedID: feedID,
			Kind:   string(identity.Kind),
			Status: "started",
		})
		return
	}

	// 同期待機: 完了コールバックをチャネルで受ける
	type result struct {
		episodes []model.Episode
		err      error
	}
	done := make(chan result, 1)
	h.coord.Request(req, nil, func(episodes []model.Episode, err error) {
		done <- result{episodes: episodes, err: err}
	})

	select {
	case res := <-done:
		if res.err != nil {
			// キャンセルは失敗ではない。マージ済みの部分結果は保持されている
			if errors.Is(res.err, context.Canceled) {
				writeRefreshResponse(w, feedID, identity, "cancelled", len(res.episodes))
				return
			}
			h.handleServiceError(w, res.err)
			return
		}
		writeRefreshResponse(w, feedID, identity, "completed", len(res.episodes))
	case <-r.Context().Done():
		// クライアント切断時はフェッチをキャンセルし、中断として明示的に応答する
		h.coord.Cancel(identity)
		writeRefreshResponse(w, feedID, identity, "cancelled", 0)
	}
}

// writeRefreshResponse はフェッチ要求の状態レスポンスを書き込む。
func writeRefreshResponse(w http.ResponseWriter, feedID string, identity model.FetchIdentity, status string, episodeCount int) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(refreshResponse{
		FeedID:       feedID,
		Kind:         string(identity.Kind),
		Status:       status,
		EpisodeCount: episodeCount,
	})
}

// CancelRefresh はin-flightの手動更新をキャンセルする。
// DELETE /api/feeds/:id/refresh
func (h *FeedHandler) CancelRefresh(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	identity := model.FetchIdentity{FeedID: feedID, Kind: model.FetchKindUser}
	cancelled := h.coord.Cancel(identity)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"feed_id":   feedID,
		"cancelled": cancelled,
	})
}

// --- ヘルパー関数 ---

// toFeedResponse はmodel.FeedからAPIレスポンスに変換する。
func toFeedResponse(feed model.Feed) feedResponse {
	resp := feedResponse{
		ID:          feed.ID,
		SourceURL:   feed.SourceURL,
		SiteURL:     feed.SiteURL,
		Title:       feed.Title,
		Author:      feed.Author,
		Description: feed.Description,
		ArtworkURL:  feed.ArtworkURL,
	}
	if !feed.LastSyncedAt.IsZero() {
		resp.LastSyncedAt = feed.LastSyncedAt.Format(time.RFC3339)
	}
	return resp
}

// writeErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeErrorResponse(w http.ResponseWriter, statusCode int, syncErr *model.SyncError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse{
		Code:     syncErr.Code,
		Message:  syncErr.Message,
		Category: syncErr.Category,
		Action:   syncErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func (h *FeedHandler) handleServiceError(w http.ResponseWriter, err error) {
	handleServiceError(w, err, h.logger)
}

func handleServiceError(w http.ResponseWriter, err error, logger *slog.Logger) {
	var syncErr *model.SyncError
	if errors.As(err, &syncErr) {
		writeErrorResponse(w, mapErrorToHTTPStatus(syncErr), syncErr)
		return
	}

	// SyncError以外のエラーは内部サーバーエラーとして扱う
	logger.Error("internal server error", slog.String("error", err.Error()))
	writeErrorResponse(w, http.StatusInternalServerError, &model.SyncError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapErrorToHTTPStatus はSyncErrorコードからHTTPステータスコードにマッピングする。
func mapErrorToHTTPStatus(syncErr *model.SyncError) int {
	switch syncErr.Code {
	case model.ErrCodeInvalidURL:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeFeedNotFound, model.ErrCodeEpisodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeFeedNotDetected, model.ErrCodeMalformedDocument:
		return http.StatusUnprocessableEntity
	case model.ErrCodeFetchFailed, model.ErrCodeNetworkUnavailable:
		return http.StatusBadGateway
	case model.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
