// Package sweep はキャッシュとストアの定期メンテナンスジョブを提供する。
// 保持期間を超過したディスクキャッシュエントリのプルーニングと、
// ストア容量超過分の追い出しを定期バッチで実行する。
package sweep

import (
	"context"
	"log/slog"
	"time"
)

// CacheSweeper は期限切れキャッシュエントリの削除インターフェース。
type CacheSweeper interface {
	SweepExpired() (int, error)
}

// StoreEvictor はストア容量超過分の追い出しインターフェース。
type StoreEvictor interface {
	EvictIfOverCapacity() int
}

// Job はキャッシュ・ストアの定期メンテナンスジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type Job struct {
	sweeper  CacheSweeper
	evictor  StoreEvictor
	logger   *slog.Logger
	interval time.Duration
}

// NewJob は新しいJobを生成する。
// intervalが0以下の場合はデフォルト値1時間を使用する。
func NewJob(sweeper CacheSweeper, evictor StoreEvictor, logger *slog.Logger, interval time.Duration) *Job {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Job{
		sweeper:  sweeper,
		evictor:  evictor,
		logger:   logger,
		interval: interval,
	}
}

// Start はティッカー駆動でジョブを起動する。
// 起動直後に1回実行し、以降はinterval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("メンテナンスジョブを開始しました",
		slog.Duration("interval", j.interval),
	)

	// 起動直後に1回実行
	j.RunOnce()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("メンテナンスジョブを停止しました")
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce はメンテナンスを1回実行する。
func (j *Job) RunOnce() {
	start := time.Now()

	pruned := 0
	if j.sweeper != nil {
		n, err := j.sweeper.SweepExpired()
		if err != nil {
			j.logger.Error("期限切れキャッシュのプルーニングに失敗しました",
				slog.String("error", err.Error()),
			)
		} else {
			pruned = n
		}
	}

	evicted := 0
	if j.evictor != nil {
		evicted = j.evictor.EvictIfOverCapacity()
	}

	j.logger.Info("メンテナンスジョブが完了しました",
		slog.Int("pruned_cache_entries", pruned),
		slog.Int("evicted_episodes", evicted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}
