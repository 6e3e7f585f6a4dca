package refresh

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/podsync/internal/coordinator"
	"github.com/hitoshi/podsync/internal/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

// mockLister は固定のフィード一覧を返す。
type mockLister struct {
	feeds []model.Feed
}

func (l *mockLister) Feeds() []model.Feed {
	return l.feeds
}

// mockRequester は発行された要求を記録し、即時に完了を返す。
type mockRequester struct {
	mu       sync.Mutex
	requests []model.FetchRequest
	errs     map[string]error // feedID -> 完了エラー
}

func (r *mockRequester) Request(req model.FetchRequest, onBatch coordinator.BatchFunc, onComplete coordinator.CompleteFunc) *coordinator.Handle {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	err := r.errs[req.Identity.FeedID]
	r.mu.Unlock()

	if onComplete != nil {
		go onComplete(nil, err)
	}
	return &coordinator.Handle{Identity: req.Identity}
}

func (r *mockRequester) requestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func testFeeds() []model.Feed {
	return []model.Feed{
		{ID: "feed1", SourceURL: "https://example.com/feed1.xml"},
		{ID: "feed2", SourceURL: "https://example.com/feed2.xml"},
		{ID: "feed3", SourceURL: "https://example.com/feed3.xml"},
	}
}

func TestRunOnce_IssuesBackgroundFetchForAllFeeds(t *testing.T) {
	lister := &mockLister{feeds: testFeeds()}
	requester := &mockRequester{}
	s := NewScheduler(lister, requester, newTestLogger(), time.Hour)

	s.RunOnce(context.Background())

	if got := requester.requestCount(); got != 3 {
		t.Fatalf("フェッチ要求数 = %d, want 3", got)
	}
	for _, req := range requester.requests {
		if req.Identity.Kind != model.FetchKindBackground {
			t.Errorf("フェッチ種別 = %v, want background-refresh", req.Identity.Kind)
		}
		if req.SourceURL == "" {
			t.Error("SourceURLが設定されるべき")
		}
	}
}

func TestRunOnce_NoFeeds(t *testing.T) {
	requester := &mockRequester{}
	s := NewScheduler(&mockLister{}, requester, newTestLogger(), time.Hour)

	s.RunOnce(context.Background())

	if got := requester.requestCount(); got != 0 {
		t.Errorf("フィードなしでは要求は発行されない, got %d", got)
	}
}

func TestRunOnce_WaitsForCompletionAndCountsFailures(t *testing.T) {
	lister := &mockLister{feeds: testFeeds()}
	requester := &mockRequester{
		errs: map[string]error{"feed2": errors.New("fetch failed")},
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := NewScheduler(lister, requester, logger, time.Hour)

	// RunOnceは全フィードの完了を待ってから戻る。
	// 失敗したフィードは警告ログに記録される
	s.RunOnce(context.Background())

	if !bytes.Contains(buf.Bytes(), []byte("フィードの更新に失敗しました")) {
		t.Error("失敗したフィードが警告ログに記録されるべき")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"failures":1`)) {
		t.Errorf("完了ログに失敗件数が含まれるべき: %s", buf.String())
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	requester := &mockRequester{}
	s := NewScheduler(&mockLister{}, requester, newTestLogger(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("コンテキストキャンセルでStartが停止すべき")
	}
}

func TestNewScheduler_DefaultInterval(t *testing.T) {
	s := NewScheduler(&mockLister{}, &mockRequester{}, newTestLogger(), 0)
	if s.interval != 30*time.Minute {
		t.Errorf("interval = %v, want 30m（デフォルト）", s.interval)
	}
}
