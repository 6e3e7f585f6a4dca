package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/podsync/internal/model"
)

// blockingGuard はすべてのURLをブロックするSSRF検証スタブ。
type blockingGuard struct{}

func (g *blockingGuard) ValidateURL(rawURL string) error {
	return errors.New("blocked")
}

func (g *blockingGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>テスト番組</title></channel></rss>`

const atomBody = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"><title>テスト番組</title></feed>`

func TestIsDirectFeed(t *testing.T) {
	d := NewDetector(nil)

	tests := []struct {
		name        string
		contentType string
		body        string
		want        bool
	}{
		{name: "RSS固有Content-Type", contentType: "application/rss+xml", want: true},
		{name: "Atom固有Content-Type", contentType: "application/atom+xml; charset=utf-8", want: true},
		{name: "汎用XMLでRSSボディ", contentType: "text/xml", body: rssBody, want: true},
		{name: "汎用XMLでAtomボディ", contentType: "application/xml; charset=utf-8", body: atomBody, want: true},
		{name: "汎用XMLでHTMLボディ", contentType: "text/xml", body: "<html><body>hello</body></html>", want: false},
		{name: "汎用XMLで空ボディ", contentType: "text/xml", want: false},
		{name: "HTML", contentType: "text/html; charset=utf-8", body: "<html></html>", want: false},
		{name: "JSON", contentType: "application/json", body: "{}", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsDirectFeed(tt.contentType, []byte(tt.body)); got != tt.want {
				t.Errorf("IsDirectFeed(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestParseFeedLinksFromHTML(t *testing.T) {
	d := NewDetector(nil)

	htmlBody := `<html><head>
<link rel="stylesheet" href="/style.css">
<link rel="alternate" type="application/rss+xml" title="RSSフィード" href="/feed.xml">
<link rel="alternate" type="application/atom+xml" href="https://other.example.com/atom.xml">
<link rel="alternate" type="text/html" href="/mobile">
</head><body>
<link rel="alternate" type="application/rss+xml" href="/body-feed.xml">
</body></html>`

	candidates := d.ParseFeedLinksFromHTML([]byte(htmlBody), "https://podcast.example.com/show")

	if len(candidates) != 2 {
		t.Fatalf("候補数 = %d, want 2（head内のフィードリンクのみ）: %+v", len(candidates), candidates)
	}
	if candidates[0].URL != "https://podcast.example.com/feed.xml" {
		t.Errorf("相対URLが解決されるべき: %q", candidates[0].URL)
	}
	if candidates[0].FeedType != FeedTypeRSS || candidates[0].Title != "RSSフィード" {
		t.Errorf("候補[0] = %+v", candidates[0])
	}
	if candidates[1].URL != "https://other.example.com/atom.xml" || candidates[1].FeedType != FeedTypeAtom {
		t.Errorf("候補[1] = %+v", candidates[1])
	}
}

func TestSelectBestFeed(t *testing.T) {
	d := NewDetector(nil)
	inputURL := "https://podcast.example.com/show"

	t.Run("候補なし", func(t *testing.T) {
		if got := d.SelectBestFeed(nil, inputURL); got != nil {
			t.Errorf("候補なしはnilを返すべき, got %+v", got)
		}
	})

	t.Run("同一ホスト優先", func(t *testing.T) {
		got := d.SelectBestFeed([]FeedCandidate{
			{URL: "https://cdn.example.net/feed.xml", FeedType: FeedTypeRSS},
			{URL: "https://podcast.example.com/atom.xml", FeedType: FeedTypeAtom},
		}, inputURL)
		if got.URL != "https://podcast.example.com/atom.xml" {
			t.Errorf("同一ホストの候補が優先されるべき, got %q", got.URL)
		}
	})

	t.Run("RSS優先", func(t *testing.T) {
		got := d.SelectBestFeed([]FeedCandidate{
			{URL: "https://podcast.example.com/atom.xml", FeedType: FeedTypeAtom},
			{URL: "https://podcast.example.com/feed.xml", FeedType: FeedTypeRSS},
		}, inputURL)
		if got.FeedType != FeedTypeRSS {
			t.Errorf("同一ホスト同士ではRSSが優先されるべき, got %+v", got)
		}
	})

	t.Run("同スコアは先頭優先", func(t *testing.T) {
		got := d.SelectBestFeed([]FeedCandidate{
			{URL: "https://podcast.example.com/feed1.xml", FeedType: FeedTypeRSS},
			{URL: "https://podcast.example.com/feed2.xml", FeedType: FeedTypeRSS},
		}, inputURL)
		if got.URL != "https://podcast.example.com/feed1.xml" {
			t.Errorf("同スコアは先頭の候補を返すべき, got %q", got.URL)
		}
	})
}

func TestDetectFeedURL_DirectFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssBody))
	}))
	defer server.Close()

	d := NewDetector(nil)
	got, err := d.DetectFeedURL(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("DetectFeedURLが失敗した: %v", err)
	}
	if got != server.URL {
		t.Errorf("フィード直指定はそのURLを返すべき: got %q", got)
	}
}

func TestDetectFeedURL_HTMLWithFeedLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/show", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><link rel="alternate" type="application/rss+xml" href="/feed.xml"></head><body></body></html>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	d := NewDetector(nil)
	got, err := d.DetectFeedURL(context.Background(), server.URL+"/show")
	if err != nil {
		t.Fatalf("DetectFeedURLが失敗した: %v", err)
	}
	if got != server.URL+"/feed.xml" {
		t.Errorf("headのフィードリンクが検出されるべき: got %q", got)
	}
}

func TestDetectFeedURL_Errors(t *testing.T) {
	t.Run("空URL", func(t *testing.T) {
		d := NewDetector(nil)
		_, err := d.DetectFeedURL(context.Background(), "")
		if model.ErrorCode(err) != model.ErrCodeInvalidURL {
			t.Errorf("ErrorCode = %q, want INVALID_URL", model.ErrorCode(err))
		}
	})

	t.Run("SSRFブロック", func(t *testing.T) {
		d := NewDetector(&blockingGuard{})
		_, err := d.DetectFeedURL(context.Background(), "http://169.254.169.254/feed")
		if model.ErrorCode(err) != model.ErrCodeSSRFBlocked {
			t.Errorf("ErrorCode = %q, want SSRF_BLOCKED", model.ErrorCode(err))
		}
	})

	t.Run("HTTPエラーステータス", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		d := NewDetector(nil)
		_, err := d.DetectFeedURL(context.Background(), server.URL)
		if model.ErrorCode(err) != model.ErrCodeFetchFailed {
			t.Errorf("ErrorCode = %q, want FETCH_FAILED", model.ErrorCode(err))
		}
	})

	t.Run("フィードリンクのないHTML", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><head><title>番組ページ</title></head><body></body></html>`))
		}))
		defer server.Close()

		d := NewDetector(nil)
		_, err := d.DetectFeedURL(context.Background(), server.URL)
		if model.ErrorCode(err) != model.ErrCodeFeedNotDetected {
			t.Errorf("ErrorCode = %q, want FEED_NOT_DETECTED", model.ErrorCode(err))
		}
	})

	t.Run("HTMLでもフィードでもない", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		d := NewDetector(nil)
		_, err := d.DetectFeedURL(context.Background(), server.URL)
		if model.ErrorCode(err) != model.ErrCodeFeedNotDetected {
			t.Errorf("ErrorCode = %q, want FEED_NOT_DETECTED", model.ErrorCode(err))
		}
	})
}
