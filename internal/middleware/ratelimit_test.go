package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func requestFrom(remoteAddr, method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remoteAddr
	return req
}

// --- GeneralMiddleware (API全般) のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2, // 2 req/sec
		GeneralBurst:    5, // バースト5
		SubscribeRate:   1,
		SubscribeBurst:  10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg, newTestLogger())
	defer rl.Stop()

	mw := rl.GeneralMiddleware()

	handlerCallCount := 0
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1:51000", http.MethodGet, "/api/feeds"))

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1, // 1 req/sec
		GeneralBurst:    2, // バースト2
		SubscribeRate:   1,
		SubscribeBurst:  10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg, newTestLogger())
	defer rl.Stop()

	mw := rl.GeneralMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// バースト分（2回）は通る
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.2:51000", http.MethodGet, "/api/feeds"))

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	// 3回目はレート制限に引っかかる
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2:51000", http.MethodGet, "/api/feeds"))

	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterHeader(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1, // 1 req/sec
		GeneralBurst:    1, // バースト1
		SubscribeRate:   1,
		SubscribeBurst:  10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg, newTestLogger())
	defer rl.Stop()

	mw := rl.GeneralMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 1回目は通る
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.3:51000", http.MethodGet, "/api/feeds"))

	// 2回目は429になる
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestFrom("10.0.0.3:51000", http.MethodGet, "/api/feeds"))

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	retryAfter := w2.Result().Header.Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("expected Retry-After header to be present")
	}

	// Retry-Afterは数値（秒）であること
	retrySeconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		t.Errorf("Retry-After header should be a number, got %q", retryAfter)
	}
	if retrySeconds < 1 {
		t.Errorf("Retry-After = %d, should be at least 1", retrySeconds)
	}
}

func TestRateLimitMiddleware_IsolatesClientRateLimits(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1, // 1 req/sec
		GeneralBurst:    1, // バースト1
		SubscribeRate:   1,
		SubscribeBurst:  10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg, newTestLogger())
	defer rl.Stop()

	mw := rl.GeneralMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// クライアントAの1回目は通る
	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, requestFrom("10.0.1.1:51000", http.MethodGet, "/api/feeds"))

	if wA.Result().StatusCode != http.StatusOK {
		t.Errorf("client-A first request: status = %d, want %d", wA.Result().StatusCode, http.StatusOK)
	}

	// クライアントAの2回目は429
	wA2 := httptest.NewRecorder()
	handler.ServeHTTP(wA2, requestFrom("10.0.1.1:51000", http.MethodGet, "/api/feeds"))

	if wA2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("client-A second request: status = %d, want %d", wA2.Result().StatusCode, http.StatusTooManyRequests)
	}

	// クライアントBの1回目は通る（クライアントAのレートに影響されない）
	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, requestFrom("10.0.1.2:51000", http.MethodGet, "/api/feeds"))

	if wB.Result().StatusCode != http.StatusOK {
		t.Errorf("client-B first request: status = %d, want %d", wB.Result().StatusCode, http.StatusOK)
	}
}

// --- SubscribeMiddleware のテスト ---

func TestSubscribeRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     100, // 高い値（制限に引っかからないように）
		GeneralBurst:    200,
		SubscribeRate:   1, // 1 req/sec
		SubscribeBurst:  1, // バースト1
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg, newTestLogger())
	defer rl.Stop()

	mw := rl.SubscribeMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 1回目は通る
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, requestFrom("10.0.2.1:51000", http.MethodPost, "/api/feeds"))

	if w1.Result().StatusCode != http.StatusOK {
		t.Errorf("request 1: status = %d, want %d", w1.Result().StatusCode, http.StatusOK)
	}

	// 2回目は429
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestFrom("10.0.2.1:51000", http.MethodPost, "/api/feeds"))

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("request 2: status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	if w2.Result().Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header to be present")
	}
}

func TestSubscribeRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SubscribeRate:   1,
		SubscribeBurst:  1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg, newTestLogger())
	defer rl.Stop()

	generalMW := rl.GeneralMiddleware()
	subscribeMW := rl.SubscribeMiddleware()

	// General MWでリクエスト（バーストを消費）
	generalHandler := generalMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w1 := httptest.NewRecorder()
	generalHandler.ServeHTTP(w1, requestFrom("10.0.3.1:51000", http.MethodGet, "/api/feeds"))

	// General limitは使い果たした。Subscribe limitはまだ使える
	subscribeHandler := subscribeMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w2 := httptest.NewRecorder()
	subscribeHandler.ServeHTTP(w2, requestFrom("10.0.3.1:51000", http.MethodPost, "/api/feeds"))

	if w2.Result().StatusCode != http.StatusOK {
		t.Errorf("subscribe should still be allowed: status = %d, want %d",
			w2.Result().StatusCode, http.StatusOK)
	}
}

// --- 429レスポンスフォーマットのテスト ---

func TestRateLimitMiddleware_429ResponseIsJSON(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SubscribeRate:   1,
		SubscribeBurst:  10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg, newTestLogger())
	defer rl.Stop()

	mw := rl.GeneralMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// バースト消費
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.4.1:51000", http.MethodGet, "/api/feeds"))

	// 429レスポンス
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestFrom("10.0.4.1:51000", http.MethodGet, "/api/feeds"))

	resp := w2.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want %q", contentType, "application/json")
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body["code"] == "" {
		t.Error("expected 'code' field in error response")
	}
	if body["message"] == "" {
		t.Error("expected 'message' field in error response")
	}
	if body["category"] == "" {
		t.Error("expected 'category' field in error response")
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		SubscribeRate:   1,
		SubscribeBurst:  10,
		CleanupInterval: 50 * time.Millisecond, // テスト用に短く
	}

	rl := NewRateLimiter(cfg, newTestLogger())
	defer rl.Stop()

	mw := rl.GeneralMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// リクエストを発行してエントリを作成
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.5.1:51000", http.MethodGet, "/api/feeds"))

	// エントリが存在することを確認
	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// エントリのTTLはCleanupIntervalの2倍（50ms * 2 = 100ms）。
	// 200ms待てばクリーンアップが実行され削除されるはず
	time.Sleep(200 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

// --- クライアントIP抽出のテスト ---

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{remoteAddr: "10.0.0.1:51000", want: "10.0.0.1"},
		{remoteAddr: "[2001:db8::1]:51000", want: "2001:db8::1"},
		{remoteAddr: "10.0.0.1", want: "10.0.0.1"}, // ポートなしはそのまま
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := extractClientIP(req); got != tt.want {
			t.Errorf("extractClientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", float64(cfg.GeneralRate))
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.SubscribeRate == 0 {
		t.Error("SubscribeRate should not be 0")
	}
	if cfg.SubscribeBurst != 10 {
		t.Errorf("SubscribeBurst = %d, want 10", cfg.SubscribeBurst)
	}
}
