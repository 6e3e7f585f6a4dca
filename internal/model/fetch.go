// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// FetchKind はフェッチ要求の種別を表す。
// 種別ごとにタイムアウトと優先度が異なる。
type FetchKind string

const (
	// FetchKindUser はユーザー操作起点のフェッチ。
	FetchKindUser FetchKind = "user-initiated"
	// FetchKindBackground はバックグラウンド更新のフェッチ。
	FetchKindBackground FetchKind = "background-refresh"
	// FetchKindSilent はUI通知を伴わないサイレント更新のフェッチ。
	FetchKindSilent FetchKind = "silent-refresh"
	// FetchKindRevalidate はキャッシュ再検証のフェッチ。
	FetchKindRevalidate FetchKind = "cache-revalidate"
)

// Timeout は種別ごとのフェッチタイムアウトを返す。
func (k FetchKind) Timeout() time.Duration {
	switch k {
	case FetchKindUser:
		return 30 * time.Second
	case FetchKindBackground:
		return 15 * time.Second
	case FetchKindSilent:
		return 10 * time.Second
	case FetchKindRevalidate:
		return 5 * time.Second
	default:
		return 15 * time.Second
	}
}

// FetchIdentity はフェッチ要求の重複排除キーを表す。
// 同一identityのライブな要求は同時に1つしか存在しない。
type FetchIdentity struct {
	FeedID string
	Kind   FetchKind
}

// Key はディスパッチャーおよび重複排除マップで使用する文字列キーを返す。
func (i FetchIdentity) Key() string {
	return fmt.Sprintf("%s:%s", i.FeedID, i.Kind)
}

// FetchRequest はコーディネーターへのフェッチ要求を表す。
type FetchRequest struct {
	Identity  FetchIdentity
	SourceURL string
}

// FetchEventKind はフェッチライフサイクルイベントの種別を表す。
type FetchEventKind string

const (
	// FetchEventStarted はフェッチ開始イベント。
	FetchEventStarted FetchEventKind = "started"
	// FetchEventBatch はエピソードバッチ到着イベント。
	FetchEventBatch FetchEventKind = "batchAvailable"
	// FetchEventCompleted はフェッチ完了イベント。
	FetchEventCompleted FetchEventKind = "completed"
	// FetchEventFailed はフェッチ失敗イベント。
	FetchEventFailed FetchEventKind = "failed"
	// FetchEventCancelled はフェッチキャンセルイベント。
	FetchEventCancelled FetchEventKind = "cancelled"
)

// FetchEvent はディスパッチャー経由で配信されるライフサイクルイベントを表す。
// ペイロードはイベント種別に応じてEpisodes/Err/FinalCountのいずれかが設定される。
type FetchEvent struct {
	Kind       FetchEventKind
	Identity   FetchIdentity
	Episodes   []Episode
	Err        error
	FinalCount int
	Stale      bool // キャッシュのTTL超過分を暫定配信した場合にtrue
}
