// Package refresh は購読中フィードの定期バックグラウンド更新を提供する。
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/podsync/internal/coordinator"
	"github.com/hitoshi/podsync/internal/model"
)

// FeedLister は更新対象フィードの取得インターフェース。
type FeedLister interface {
	Feeds() []model.Feed
}

// Requester はフェッチ要求発行のインターフェース。
type Requester interface {
	Request(req model.FetchRequest, onBatch coordinator.BatchFunc, onComplete coordinator.CompleteFunc) *coordinator.Handle
}

// Scheduler は購読中フィードの定期更新を行う。
// ティッカー駆動で全フィードにbackground-refreshフェッチを発行する。
// 並列数とレートの制御はコーディネーター側が行うため、
// スケジューラは発行と完了待ちだけを担当する。
type Scheduler struct {
	lister    FeedLister
	requester Requester
	logger    *slog.Logger
	interval  time.Duration
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// intervalが0以下の場合はデフォルト値30分を使用する。
func NewScheduler(lister FeedLister, requester Requester, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Scheduler{
		lister:    lister,
		requester: requester,
		logger:    logger,
		interval:  interval,
	}
}

// Start はティッカー駆動でスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("バックグラウンド更新スケジューラを開始しました",
		slog.Duration("interval", s.interval),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("バックグラウンド更新スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は購読中の全フィードにbackground-refreshフェッチを発行し、
// 全フィードの完了を待つ。更新が不要なフィード（freshキャッシュ）は
// コーディネーター側でネットワークI/Oなしに即時完了する。
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()

	feeds := s.lister.Feeds()
	if len(feeds) == 0 {
		s.logger.Info("更新対象のフィードはありません")
		return
	}

	s.logger.Info("更新サイクルを開始します",
		slog.Int("feed_count", len(feeds)),
	)

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0

	for _, feed := range feeds {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		f := feed
		s.requester.Request(model.FetchRequest{
			Identity:  model.FetchIdentity{FeedID: f.ID, Kind: model.FetchKindBackground},
			SourceURL: f.SourceURL,
		}, nil, func(episodes []model.Episode, err error) {
			defer wg.Done()
			if err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				s.logger.Warn("フィードの更新に失敗しました",
					slog.String("feed_id", f.ID),
					slog.String("error", err.Error()),
				)
			}
		})
	}

	wg.Wait()

	s.logger.Info("更新サイクルが完了しました",
		slog.Int("feed_count", len(feeds)),
		slog.Int("failures", failures),
		slog.Duration("elapsed", time.Since(start)),
	)
}
