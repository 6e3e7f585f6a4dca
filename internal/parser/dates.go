package parser

import (
	"strconv"
	"strings"
	"time"
)

// dateLayouts はフィードで実際に観測される日時フォーマット。
// RSSはRFC 822系、AtomはRFC 3339系だが、秒欠落やゾーン表記の揺れが多い。
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDate は日時文字列をパースする。どのフォーマットにも一致しない場合はnilを返す。
// 日付不明のエピソードはソート時に日付付きエピソードの後ろに置かれる。
func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

// parseDuration はitunes:duration形式の再生時間を秒数に変換する。
// "HH:MM:SS"、"MM:SS"、秒数の整数表記を受け付ける。不明な形式は0を返す。
func parseDuration(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}

	if !strings.Contains(raw, ":") {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec < 0 {
			return 0
		}
		return sec
	}

	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}
