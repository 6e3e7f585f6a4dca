package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/podsync/internal/model"
	"github.com/hitoshi/podsync/internal/store"
)

// previewTimeout は購読時プレビューフェッチのタイムアウト。
const previewTimeout = 10 * time.Second

// previewMaxBodySize はプレビューフェッチの最大ボディサイズ。
const previewMaxBodySize = 5 * 1024 * 1024

// FeedDetector はフィード検出のインターフェース。
// テスタビリティのためDetectorを抽象化する。
type FeedDetector interface {
	DetectFeedURL(ctx context.Context, inputURL string) (string, error)
}

// Canceller は購読解除時にin-flightフェッチを中断するインターフェース。
type Canceller interface {
	CancelFeed(feedID string)
}

// Invalidator は購読解除時にキャッシュを破棄するインターフェース。
type Invalidator interface {
	Invalidate(key string)
}

// Service は番組の購読登録・解除のサービス層。
// フロー: フィード検出 → プレビューパース → ストア登録。
type Service struct {
	store       *store.EpisodeStore
	detector    FeedDetector
	ssrfGuard   SSRFValidator
	canceller   Canceller
	invalidator Invalidator
	logger      *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// cancellerとinvalidatorはnil可（解除時の後始末が不要な構成用）。
func NewService(
	st *store.EpisodeStore,
	detector FeedDetector,
	ssrfGuard SSRFValidator,
	canceller Canceller,
	invalidator Invalidator,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:       st,
		detector:    detector,
		ssrfGuard:   ssrfGuard,
		canceller:   canceller,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Subscribe はURLから番組フィードを検出し購読登録する。
// 既に同一フィードを購読済みの場合は既存の番組を返す（冪等）。
// プレビューパースの失敗は致命的ではなく、タイトル未設定のまま登録され、
// 初回同期のメタデータで補完される。
func (s *Service) Subscribe(ctx context.Context, inputURL string) (model.Feed, error) {
	// 1. フィードURL検出
	feedURL, err := s.detector.DetectFeedURL(ctx, inputURL)
	if err != nil {
		return model.Feed{}, err
	}

	// 2. 既存購読の重複チェック（フィードIDはURLから決定的に導出される）
	feedID := model.FeedID(feedURL)
	if existing, ok := s.store.Feed(feedID); ok {
		s.logger.Info("既に購読済みのフィードです",
			slog.String("feed_id", feedID),
			slog.String("feed_url", feedURL),
		)
		return existing, nil
	}

	// 3. プレビューパース（タイトル・作者・アートワークの先行取得）
	now := time.Now()
	feed := model.Feed{
		ID:        feedID,
		SourceURL: feedURL,
		Title:     feedURL, // 初期タイトルはフィードURL（パース時に更新される）
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.applyPreview(ctx, &feed)

	// 4. ストアへ登録
	s.store.UpsertFeed(feed)

	s.logger.Info("フィードを購読登録しました",
		slog.String("feed_id", feedID),
		slog.String("feed_url", feedURL),
		slog.String("title", feed.Title),
	)
	return feed, nil
}

// Unsubscribe は購読を解除する。
// in-flightフェッチの中断、ストアからの削除、キャッシュの破棄を行う。
func (s *Service) Unsubscribe(feedID string) error {
	if _, ok := s.store.Feed(feedID); !ok {
		return model.NewFeedNotFoundError(feedID)
	}

	if s.canceller != nil {
		s.canceller.CancelFeed(feedID)
	}
	s.store.Remove(feedID)
	if s.invalidator != nil {
		s.invalidator.Invalidate(feedID)
	}

	s.logger.Info("フィードの購読を解除しました",
		slog.String("feed_id", feedID),
	)
	return nil
}

// applyPreview はフィードを1回フェッチしてメタデータを先行取得する。
// 失敗してもエラーにしない。エピソード本体の取り込みはコーディネーター側の
// ストリーミングパースに任せ、ここではドキュメント全体パースで番組情報だけ得る。
func (s *Service) applyPreview(ctx context.Context, feed *model.Feed) {
	body, err := s.fetchPreviewBody(ctx, feed.SourceURL)
	if err != nil {
		s.logger.Warn("プレビューフェッチに失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer body.Close()

	parsed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		s.logger.Warn("プレビューパースに失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if parsed.Title != "" {
		feed.Title = parsed.Title
	}
	feed.Description = parsed.Description
	feed.SiteURL = parsed.Link
	if parsed.Image != nil {
		feed.ArtworkURL = parsed.Image.URL
	}
	if len(parsed.Authors) > 0 && parsed.Authors[0] != nil {
		feed.Author = parsed.Authors[0].Name
	}
	if itunes := parsed.ITunesExt; itunes != nil {
		if itunes.Author != "" {
			feed.Author = itunes.Author
		}
		if feed.ArtworkURL == "" && itunes.Image != "" {
			feed.ArtworkURL = itunes.Image
		}
	}
}

// fetchPreviewBody はプレビュー用にフィードを1回フェッチする。
func (s *Service) fetchPreviewBody(ctx context.Context, feedURL string) (io.ReadCloser, error) {
	var client *http.Client
	if s.ssrfGuard != nil {
		client = s.ssrfGuard.NewSafeClient(previewTimeout, previewMaxBodySize)
	} else {
		client = &http.Client{Timeout: previewTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", "Podsync/1.0 Podcast Sync Engine")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewNetworkUnavailableError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, model.NewFetchFailedError(resp.StatusCode)
	}

	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, previewMaxBodySize), resp.Body}, nil
}
