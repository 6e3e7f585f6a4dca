// Package model はドメインモデルを定義する。
package model

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Episode はポッドキャストの1エピソードを表す。
// AudioURLが空のエピソードは無効であり、マージ時に拒否される。
type Episode struct {
	ID               string
	FeedID           string
	Title            string
	Description      string // サニタイズ済みHTML
	AudioURL         string
	ArtworkURL       string
	PublishedAt      *time.Time
	DurationSeconds  int
	PlaybackPosition int
	Played           bool
}

// ParsedEpisode はパーサーが抽出した未保存のエピソードデータを表す。
// GuidOrIDが空のフィードに対しては、マージ時に(title, feedID)による
// フォールバック同一性判定が適用される。
type ParsedEpisode struct {
	GuidOrID        string
	Title           string
	Description     string // 未サニタイズHTML
	AudioURL        string
	ArtworkURL      string
	PublishedAt     *time.Time
	DurationSeconds int
}

// Valid はエピソードとして保存可能かを判定する。
// AudioURLを持たないアイテムは無効（MalformedItem相当）。
func (p ParsedEpisode) Valid() bool {
	return p.AudioURL != ""
}

// EpisodeID はエピソードの安定IDを決定する。
// 同一性判定にはパーサーネイティブのGUIDを最優先し、欠落時はタイトルで代替する。
// GUIDはフィード内でのみ一意とみなす。連番GUID（"1"等）を使う配信元が
// 実在するため、常にフィードIDと併せてハッシュし、フィード横断の衝突を防ぐ。
func EpisodeID(feedID string, p ParsedEpisode) string {
	discriminator := "g|" + p.GuidOrID
	if p.GuidOrID == "" {
		discriminator = "t|" + p.Title
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", feedID, discriminator)))
	return fmt.Sprintf("%x", hash)[:16]
}

// ChangeSet はマージ操作が生成した差分を表す。
// 下流の最小更新に使用される。
type ChangeSet struct {
	Added   int
	Updated int
	Removed int
}

// Empty は差分が空かどうかを返す。
func (c ChangeSet) Empty() bool {
	return c.Added == 0 && c.Updated == 0 && c.Removed == 0
}
