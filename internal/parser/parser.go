// Package parser はRSS/Atomフィードのストリーミングパースを提供する。
// XMLプルパーサー（goxpp）によりドキュメント全体をメモリに保持せず、
// 構造的に完成したアイテムを認識し次第バッチングポリシーに渡す。
package parser

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	xpp "github.com/mmcdole/goxpp"
	"golang.org/x/net/html/charset"

	"github.com/hitoshi/podsync/internal/model"
)

// ItemBatchFunc はフラッシュされたエピソードバッチを受け取るコールバック。
type ItemBatchFunc func(batch []model.ParsedEpisode)

// MetadataFunc はフィードメタデータを受け取るコールバック。
// アイテムのバッチングとは独立して、認識され次第1回呼び出される。
type MetadataFunc func(meta model.FeedMetadata)

// StreamParser はフィードバイト列のインクリメンタルパースを行う。
// アイテム単位の失敗（音声URL欠落など）はアイテムをスキップして継続し、
// ルートドキュメントの構造異常は終端エラーとして返す。
type StreamParser struct {
	batchSize     int
	batchInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// NewStreamParser はStreamParserの新しいインスタンスを生成する。
// batchSizeが0以下の場合は5、batchIntervalが0以下の場合は500msを使用する。
func NewStreamParser(logger *slog.Logger, batchSize int, batchInterval time.Duration) *StreamParser {
	return newStreamParserWithClock(logger, batchSize, batchInterval, clock.New())
}

// newStreamParserWithClock はテスト用にモッククロックを注入できるコンストラクタ。
func newStreamParserWithClock(logger *slog.Logger, batchSize int, batchInterval time.Duration, clk clock.Clock) *StreamParser {
	if batchSize <= 0 {
		batchSize = 5
	}
	if batchInterval <= 0 {
		batchInterval = 500 * time.Millisecond
	}
	return &StreamParser{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		clock:         clk,
		logger:        logger,
	}
}

// Parse はフィードバイト列をインクリメンタルにパースする。
// 戻り値は有効なアイテムの総数と終端エラー。
// アイテムの出力順はパース順であり、時系列順は保証しない（最終的な順序付けはストアの責務）。
// コンテキストのキャンセルはアイテム境界で検査される。
func (s *StreamParser) Parse(ctx context.Context, r io.Reader, onBatch ItemBatchFunc, onMetadata MetadataFunc) (int, error) {
	p := xpp.NewXMLPullParser(r, false, charset.NewReaderLabel)

	root, err := findRoot(p)
	if err != nil {
		return 0, model.NewMalformedDocumentError(err)
	}

	b := newBatcher(s.batchSize, s.batchInterval, s.clock, onBatch)

	var count int
	switch root {
	case "rss":
		count, err = s.parseRSS(ctx, p, b, onMetadata)
	case "feed":
		count, err = s.parseAtom(ctx, p, b, onMetadata)
	case "rdf":
		count, err = s.parseRDF(ctx, p, b, onMetadata)
	default:
		return 0, model.NewMalformedDocumentError(nil)
	}
	if err != nil {
		// キャンセルは呼び出し元の判断事項であり、パースエラーとしない
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		return count, model.NewMalformedDocumentError(err)
	}

	b.finish()
	return count, nil
}

// findRoot は最初のStartTagまで読み進め、ルート要素のローカル名を返す。
func findRoot(p *xpp.XMLPullParser) (string, error) {
	for {
		event, err := p.Next()
		if err != nil {
			return "", err
		}
		if event == xpp.StartTag {
			return strings.ToLower(p.Name), nil
		}
		if event == xpp.EndDocument {
			return "", io.ErrUnexpectedEOF
		}
	}
}

// nextTag は次のStartTag/EndTag/EndDocumentまで読み進める。
// テキストやコメントなどの中間イベントはスキップする。
func nextTag(p *xpp.XMLPullParser) (xpp.XMLEventType, error) {
	for {
		event, err := p.Next()
		if err != nil {
			return event, err
		}
		switch event {
		case xpp.StartTag, xpp.EndTag, xpp.EndDocument:
			return event, nil
		}
	}
}

// elementText は現在のStartTagのテキスト内容を読み取り、要素の終端まで消費する。
func elementText(p *xpp.XMLPullParser) (string, error) {
	text, err := p.NextText()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// parseRSS は<rss>ルートをパースする。<channel>を探してアイテムを処理する。
func (s *StreamParser) parseRSS(ctx context.Context, p *xpp.XMLPullParser, b *batcher, onMetadata MetadataFunc) (int, error) {
	for {
		event, err := nextTag(p)
		if err != nil {
			return 0, err
		}
		if event == xpp.EndTag || event == xpp.EndDocument {
			return 0, nil
		}
		if strings.ToLower(p.Name) == "channel" {
			return s.parseChannel(ctx, p, b, onMetadata)
		}
		if err := p.Skip(); err != nil {
			return 0, err
		}
	}
}

// parseRDF はRSS 1.0（RDF）ルートをパースする。
// RDFでは<channel>と<item>がルート直下に並ぶため、channelとitemの両方を処理する。
func (s *StreamParser) parseRDF(ctx context.Context, p *xpp.XMLPullParser, b *batcher, onMetadata MetadataFunc) (int, error) {
	var meta model.FeedMetadata
	metaSent := false
	count := 0

	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		event, err := nextTag(p)
		if err != nil {
			return count, err
		}
		if event == xpp.EndTag || event == xpp.EndDocument {
			break
		}

		switch strings.ToLower(p.Name) {
		case "channel":
			if err := s.parseChannelHeader(p, &meta); err != nil {
				return count, err
			}
		case "item":
			if !metaSent {
				onMetadata(meta)
				metaSent = true
			}
			ok, itemErr := s.parseItem(p, b)
			if itemErr != nil {
				return count, itemErr
			}
			if ok {
				count++
			}
		default:
			if err := p.Skip(); err != nil {
				return count, err
			}
		}
	}

	if !metaSent {
		onMetadata(meta)
	}
	return count, nil
}

// parseChannel は<channel>要素をパースする。
// チャンネルヘッダのメタデータは最初のアイテムに到達した時点でemitする。
// アイテムを持たないフィードではチャンネル終端でemitする。
func (s *StreamParser) parseChannel(ctx context.Context, p *xpp.XMLPullParser, b *batcher, onMetadata MetadataFunc) (int, error) {
	var meta model.FeedMetadata
	metaSent := false
	count := 0

	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		event, err := nextTag(p)
		if err != nil {
			return count, err
		}
		if event == xpp.EndTag || event == xpp.EndDocument {
			break
		}

		name := strings.ToLower(p.Name)
		switch name {
		case "item":
			if !metaSent {
				onMetadata(meta)
				metaSent = true
			}
			ok, itemErr := s.parseItem(p, b)
			if itemErr != nil {
				return count, itemErr
			}
			if ok {
				count++
			}
		case "title":
			if meta.Title == "" {
				meta.Title, err = elementText(p)
			} else {
				err = p.Skip()
			}
		case "description", "subtitle", "summary":
			if meta.Description == "" {
				meta.Description, err = elementText(p)
			} else {
				err = p.Skip()
			}
		case "author", "managingeditor", "owner":
			if name == "owner" {
				// itunes:owner は<itunes:name>子要素を持つ
				var ownerName string
				ownerName, err = childText(p, "name")
				if meta.Author == "" {
					meta.Author = ownerName
				}
			} else if meta.Author == "" {
				meta.Author, err = elementText(p)
			} else {
				err = p.Skip()
			}
		case "image":
			// itunes:image はhref属性、RSS標準の<image>は<url>子要素
			if href := p.Attribute("href"); href != "" {
				meta.ArtworkURL = href
				err = p.Skip()
			} else {
				var imgURL string
				imgURL, err = childText(p, "url")
				if meta.ArtworkURL == "" {
					meta.ArtworkURL = imgURL
				}
			}
		case "link":
			if meta.SiteURL == "" {
				meta.SiteURL, err = elementText(p)
			} else {
				err = p.Skip()
			}
		default:
			err = p.Skip()
		}
		if err != nil {
			return count, err
		}
	}

	if !metaSent {
		onMetadata(meta)
	}
	return count, nil
}

// parseChannelHeader はRDFの<channel>要素からメタデータのみを抽出する。
func (s *StreamParser) parseChannelHeader(p *xpp.XMLPullParser, meta *model.FeedMetadata) error {
	for {
		event, err := nextTag(p)
		if err != nil {
			return err
		}
		if event == xpp.EndTag || event == xpp.EndDocument {
			return nil
		}

		switch strings.ToLower(p.Name) {
		case "title":
			meta.Title, err = elementText(p)
		case "description":
			meta.Description, err = elementText(p)
		case "link":
			meta.SiteURL, err = elementText(p)
		default:
			err = p.Skip()
		}
		if err != nil {
			return err
		}
	}
}

// childText は現在の要素の子要素から指定ローカル名のテキストを探し、
// 要素の終端まで消費して返す。
func childText(p *xpp.XMLPullParser, name string) (string, error) {
	var result string
	for {
		event, err := nextTag(p)
		if err != nil {
			return result, err
		}
		if event == xpp.EndTag || event == xpp.EndDocument {
			return result, nil
		}
		if strings.ToLower(p.Name) == name && result == "" {
			result, err = elementText(p)
		} else {
			err = p.Skip()
		}
		if err != nil {
			return result, err
		}
	}
}

// parseItem は<item>要素を1件パースしてバッチャーに渡す。
// 音声URLを持たないアイテムはスキップされfalseを返す（パースは継続）。
// XMLレベルの読み取りエラーはストリーム全体の異常であり、終端エラーとして返す。
func (s *StreamParser) parseItem(p *xpp.XMLPullParser, b *batcher) (bool, error) {
	var ep model.ParsedEpisode
	var content string

	for {
		event, err := nextTag(p)
		if err != nil {
			return false, err
		}
		if event == xpp.EndTag || event == xpp.EndDocument {
			break
		}

		name := strings.ToLower(p.Name)
		switch name {
		case "guid":
			ep.GuidOrID, err = elementText(p)
		case "title":
			if ep.Title == "" {
				ep.Title, err = elementText(p)
			} else {
				err = p.Skip()
			}
		case "description", "summary":
			if ep.Description == "" {
				ep.Description, err = elementText(p)
			} else {
				err = p.Skip()
			}
		case "encoded":
			// content:encoded はdescriptionより詳細な本文
			content, err = elementText(p)
		case "enclosure":
			enclosureURL := p.Attribute("url")
			enclosureType := p.Attribute("type")
			if ep.AudioURL == "" || strings.HasPrefix(enclosureType, "audio/") {
				ep.AudioURL = enclosureURL
			}
			err = p.Skip()
		case "pubdate", "date":
			var raw string
			raw, err = elementText(p)
			if err == nil {
				ep.PublishedAt = parseDate(raw)
			}
		case "duration":
			var raw string
			raw, err = elementText(p)
			if err == nil {
				ep.DurationSeconds = parseDuration(raw)
			}
		case "image":
			if href := p.Attribute("href"); href != "" {
				ep.ArtworkURL = href
			}
			err = p.Skip()
		default:
			err = p.Skip()
		}
		if err != nil {
			return false, err
		}
	}

	if content != "" {
		ep.Description = content
	}

	if !ep.Valid() {
		s.logger.Warn("音声URLを持たないアイテムをスキップしました",
			slog.String("title", ep.Title),
		)
		return false, nil
	}

	b.add(ep)
	return true, nil
}

// parseAtom は<feed>ルート（Atom）をパースする。
func (s *StreamParser) parseAtom(ctx context.Context, p *xpp.XMLPullParser, b *batcher, onMetadata MetadataFunc) (int, error) {
	var meta model.FeedMetadata
	metaSent := false
	count := 0

	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		event, err := nextTag(p)
		if err != nil {
			return count, err
		}
		if event == xpp.EndTag || event == xpp.EndDocument {
			break
		}

		name := strings.ToLower(p.Name)
		switch name {
		case "entry":
			if !metaSent {
				onMetadata(meta)
				metaSent = true
			}
			ok, entryErr := s.parseEntry(p, b)
			if entryErr != nil {
				return count, entryErr
			}
			if ok {
				count++
			}
		case "title":
			if meta.Title == "" {
				meta.Title, err = elementText(p)
			} else {
				err = p.Skip()
			}
		case "subtitle":
			meta.Description, err = elementText(p)
		case "author":
			var authorName string
			authorName, err = childText(p, "name")
			if meta.Author == "" {
				meta.Author = authorName
			}
		case "icon", "logo":
			if meta.ArtworkURL == "" {
				meta.ArtworkURL, err = elementText(p)
			} else {
				err = p.Skip()
			}
		case "link":
			rel := p.Attribute("rel")
			if (rel == "" || rel == "alternate") && meta.SiteURL == "" {
				meta.SiteURL = p.Attribute("href")
			}
			err = p.Skip()
		default:
			err = p.Skip()
		}
		if err != nil {
			return count, err
		}
	}

	if !metaSent {
		onMetadata(meta)
	}
	return count, nil
}

// parseEntry はAtomの<entry>要素を1件パースしてバッチャーに渡す。
// rel="enclosure"のlinkを音声URLとして扱う。
func (s *StreamParser) parseEntry(p *xpp.XMLPullParser, b *batcher) (bool, error) {
	var ep model.ParsedEpisode

	for {
		event, err := nextTag(p)
		if err != nil {
			return false, err
		}
		if event == xpp.EndTag || event == xpp.EndDocument {
			break
		}

		name := strings.ToLower(p.Name)
		switch name {
		case "id":
			ep.GuidOrID, err = elementText(p)
		case "title":
			if ep.Title == "" {
				ep.Title, err = elementText(p)
			} else {
				err = p.Skip()
			}
		case "summary", "content":
			if ep.Description == "" {
				ep.Description, err = elementText(p)
			} else {
				err = p.Skip()
			}
		case "link":
			rel := p.Attribute("rel")
			linkType := p.Attribute("type")
			if rel == "enclosure" && (linkType == "" || strings.HasPrefix(linkType, "audio/")) {
				ep.AudioURL = p.Attribute("href")
			}
			err = p.Skip()
		case "published", "updated":
			var raw string
			raw, err = elementText(p)
			if err == nil && (ep.PublishedAt == nil || name == "published") {
				ep.PublishedAt = parseDate(raw)
			}
		default:
			err = p.Skip()
		}
		if err != nil {
			return false, err
		}
	}

	if !ep.Valid() {
		s.logger.Warn("音声URLを持たないエントリをスキップしました",
			slog.String("title", ep.Title),
		)
		return false, nil
	}

	b.add(ep)
	return true, nil
}
