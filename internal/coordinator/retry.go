package coordinator

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/hitoshi/podsync/internal/model"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（2xx）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultRetry はリトライが必要なステータス（429/5xx）。
	FetchResultRetry
	// FetchResultFatal はリトライ対象外の失敗ステータス（その他の4xxなど）。
	FetchResultFatal
)

// retryDelays はリトライ前の待機時間。n回目のリトライの前にretryDelays[n-1]待つ。
var retryDelays = []time.Duration{0, 1 * time.Second, 3 * time.Second}

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
// 429および5xxのみリトライ対象。4xxはリトライしない。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 429:
		return FetchResultRetry
	case statusCode >= 500:
		return FetchResultRetry
	default:
		return FetchResultFatal
	}
}

// RetryDelay はattempt回目（1始まり）のリトライ前の待機時間を返す。
// 定義された回数を超えるattemptには最後の遅延を返す。
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > len(retryDelays) {
		return retryDelays[len(retryDelays)-1]
	}
	return retryDelays[attempt-1]
}

// IsTimeout はエラーがタイムアウト起因かを判定する。
// タイムアウトはリトライ対象、その他のネットワークエラーは終端として扱う。
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	return false
}

// ClassifyTransportError はHTTPトランスポートのエラーをSyncErrorに変換する。
// コンテキストのキャンセルはそのまま返す（フェッチイベントとしてはcancelled扱い）。
func ClassifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if IsTimeout(err) {
		return model.NewTimeoutError(err)
	}
	return model.NewNetworkUnavailableError(err)
}
