// Package model はドメインモデルを定義する。
package model

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Feed は購読中のポッドキャスト番組を表す。
// EpisodeStoreが唯一の所有者であり、更新はマージ操作経由でのみ行われる。
type Feed struct {
	ID           string
	Title        string
	Author       string
	Description  string
	SourceURL    string
	ArtworkURL   string
	SiteURL      string
	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FeedMetadata はパーサーがフィード先頭部から抽出した番組メタデータを表す。
// アイテムのバッチングとは独立して、認識され次第emitされる。
type FeedMetadata struct {
	Title       string
	Author      string
	Description string
	ArtworkURL  string
	SiteURL     string
}

// ApplyMetadata はパース済みメタデータをフィードに反映する。
// 空フィールドは既存の値を維持する。
func (f *Feed) ApplyMetadata(meta FeedMetadata) {
	if meta.Title != "" {
		f.Title = meta.Title
	}
	if meta.Author != "" {
		f.Author = meta.Author
	}
	if meta.Description != "" {
		f.Description = meta.Description
	}
	if meta.ArtworkURL != "" {
		f.ArtworkURL = meta.ArtworkURL
	}
	if meta.SiteURL != "" {
		f.SiteURL = meta.SiteURL
	}
	f.UpdatedAt = time.Now()
}

// FeedID はフィードURLから安定したフィードIDを導出する。
// SHA-256ハッシュの先頭16文字を使用し、同一URLは常に同一IDになる。
func FeedID(sourceURL string) string {
	hash := sha256.Sum256([]byte(sourceURL))
	return fmt.Sprintf("%x", hash)[:16]
}
