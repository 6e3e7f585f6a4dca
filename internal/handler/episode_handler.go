package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/podsync/internal/model"
)

// EpisodeStore はエピソードハンドラーが必要とするストアインターフェース。
type EpisodeStore interface {
	Feed(feedID string) (model.Feed, bool)
	Read(feedID string) []model.Episode
	SetPlaybackState(episodeID string, positionSeconds int, played bool) error
}

// EpisodeHandler はエピソード一覧・再生状態のHTTPハンドラー。
type EpisodeHandler struct {
	store  EpisodeStore
	logger *slog.Logger
}

// NewEpisodeHandler はEpisodeHandlerを生成する。
func NewEpisodeHandler(store EpisodeStore, logger *slog.Logger) *EpisodeHandler {
	return &EpisodeHandler{
		store:  store,
		logger: logger,
	}
}

// episodeResponse はエピソード情報のAPIレスポンス。
type episodeResponse struct {
	ID               string `json:"id"`
	FeedID           string `json:"feed_id"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	AudioURL         string `json:"audio_url"`
	ArtworkURL       string `json:"artwork_url,omitempty"`
	PublishedAt      string `json:"published_at,omitempty"`
	DurationSeconds  int    `json:"duration_seconds"`
	PlaybackPosition int    `json:"playback_position"`
	Played           bool   `json:"played"`
}

// playbackStateRequest は再生状態更新リクエストのボディ。
type playbackStateRequest struct {
	PositionSeconds int  `json:"position_seconds"`
	Played          bool `json:"played"`
}

// ListEpisodes はフィードのエピソード一覧を返す。
// 一覧は公開日時の降順（日付なしは末尾）で返される。
// GET /api/feeds/:id/episodes
func (h *EpisodeHandler) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	if _, ok := h.store.Feed(feedID); !ok {
		writeErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(feedID))
		return
	}

	episodes := h.store.Read(feedID)
	resp := make([]episodeResponse, 0, len(episodes))
	for _, ep := range episodes {
		resp = append(resp, toEpisodeResponse(ep))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// UpdatePlaybackState はエピソードの再生位置・既読状態を更新する。
// PUT /api/episodes/:id/state
func (h *EpisodeHandler) UpdatePlaybackState(w http.ResponseWriter, r *http.Request) {
	episodeID := chi.URLParam(r, "id")

	var req playbackStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, &model.SyncError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if req.PositionSeconds < 0 {
		writeErrorResponse(w, http.StatusBadRequest, &model.SyncError{
			Code:     "INVALID_REQUEST",
			Message:  "再生位置は0以上である必要があります。",
			Category: "validation",
			Action:   "position_secondsの値を確認してください。",
		})
		return
	}

	if err := h.store.SetPlaybackState(episodeID, req.PositionSeconds, req.Played); err != nil {
		handleServiceError(w, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// toEpisodeResponse はmodel.EpisodeからAPIレスポンスに変換する。
func toEpisodeResponse(ep model.Episode) episodeResponse {
	resp := episodeResponse{
		ID:               ep.ID,
		FeedID:           ep.FeedID,
		Title:            ep.Title,
		Description:      ep.Description,
		AudioURL:         ep.AudioURL,
		ArtworkURL:       ep.ArtworkURL,
		DurationSeconds:  ep.DurationSeconds,
		PlaybackPosition: ep.PlaybackPosition,
		Played:           ep.Played,
	}
	if ep.PublishedAt != nil {
		resp.PublishedAt = ep.PublishedAt.Format(time.RFC3339)
	}
	return resp
}
