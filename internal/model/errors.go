// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// SyncError は同期エンジンの統一エラーフォーマットを表す。
// 消費者に表示する原因カテゴリと対処方法を含む。
type SyncError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: network, parse, storage, validation
	Action   string // 消費者向け対処方法
	Cause    error  // 元のエラー（存在する場合）
}

// Error はerrorインターフェースを実装する。
func (e *SyncError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap はラップされた元のエラーを返す。
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeNetworkUnavailable = "NETWORK_UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeMalformedDocument  = "MALFORMED_DOCUMENT"
	ErrCodeMalformedItem      = "MALFORMED_ITEM"
	ErrCodeStorageWriteFailed = "STORAGE_WRITE_FAILED"
	ErrCodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeFeedNotDetected    = "FEED_NOT_DETECTED"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeFeedNotFound       = "FEED_NOT_FOUND"
	ErrCodeEpisodeNotFound    = "EPISODE_NOT_FOUND"
)

// NewNetworkUnavailableError はネットワーク到達不能エラーを生成する。
func NewNetworkUnavailableError(cause error) *SyncError {
	return &SyncError{
		Code:     ErrCodeNetworkUnavailable,
		Message:  "フィードの取得に失敗しました。ネットワークに接続できません。",
		Category: "network",
		Action:   "ネットワーク接続を確認し、しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewTimeoutError はフェッチタイムアウトエラーを生成する。
func NewTimeoutError(cause error) *SyncError {
	return &SyncError{
		Code:     ErrCodeTimeout,
		Message:  "フィードの取得がタイムアウトしました。",
		Category: "network",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewMalformedDocumentError は回復不能なパース失敗エラーを生成する。
func NewMalformedDocumentError(cause error) *SyncError {
	return &SyncError{
		Code:     ErrCodeMalformedDocument,
		Message:  "フィードの解析に失敗しました。",
		Category: "parse",
		Action:   "有効なRSS/Atomフィードかどうか確認してください。",
		Cause:    cause,
	}
}

// NewMalformedItemError はアイテム単位の回復可能なパース失敗エラーを生成する。
// このエラーはアイテムをスキップしてパースを継続するために使用され、
// 終端エラーとしては扱われない。
func NewMalformedItemError(title string) *SyncError {
	return &SyncError{
		Code:     ErrCodeMalformedItem,
		Message:  fmt.Sprintf("音声URLを持たないアイテムをスキップしました: %s", title),
		Category: "parse",
		Action:   "",
	}
}

// NewStorageWriteFailedError はディスクキャッシュ書き込み失敗エラーを生成する。
func NewStorageWriteFailedError(cause error) *SyncError {
	return &SyncError{
		Code:     ErrCodeStorageWriteFailed,
		Message:  "キャッシュへの書き込みに失敗しました。",
		Category: "storage",
		Action:   "ディスク空き容量を確認してください。",
		Cause:    cause,
	}
}

// NewFetchFailedError はリトライ対象外のHTTPステータスによるフェッチ失敗エラーを生成する。
func NewFetchFailedError(statusCode int) *SyncError {
	return &SyncError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("フィードの取得に失敗しました（HTTPステータス %d）。", statusCode),
		Category: "network",
		Action:   "フィードのURLが正しいか確認してください。",
	}
}

// NewFeedNotDetectedError はフィード未検出エラーを生成する。
func NewFeedNotDetectedError(url string) *SyncError {
	return &SyncError{
		Code:     ErrCodeFeedNotDetected,
		Message:  fmt.Sprintf("指定されたURLからRSS/Atomフィードを検出できませんでした: %s", url),
		Category: "validation",
		Action:   "フィードのURLを直接入力するか、番組ページのURLを確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *SyncError {
	return &SyncError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *SyncError {
	return &SyncError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。",
	}
}

// NewFeedNotFoundError はフィード未検出エラーを生成する。
func NewFeedNotFoundError(feedID string) *SyncError {
	return &SyncError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %s", feedID),
		Category: "validation",
		Action:   "フィードIDを確認してください。",
	}
}

// NewEpisodeNotFoundError はエピソード未検出エラーを生成する。
func NewEpisodeNotFoundError(episodeID string) *SyncError {
	return &SyncError{
		Code:     ErrCodeEpisodeNotFound,
		Message:  fmt.Sprintf("指定されたエピソードが見つかりません: %s", episodeID),
		Category: "validation",
		Action:   "エピソードIDを確認してください。",
	}
}

// ErrorCode はエラーからSyncErrorのコードを取り出す。
// SyncErrorでない場合は空文字列を返す。
func ErrorCode(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
