// Package store はフィードとエピソードの唯一の権威的コレクションを提供する。
// 多数の同時リーダーまたは1つの排他ライターというreader/writer規律で保護され、
// マージはリーダーから見て常にアトミックに完了する。
// このパッケージのロックの内側で他のロックを取得してはならない。
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/podsync/internal/model"
)

// EpisodeStore はフィードとエピソードのスレッドセーフなインメモリストア。
// エピソードIDの一意性、公開日降順のソート、容量上限の追い出しを保証する。
type EpisodeStore struct {
	mu       sync.RWMutex
	feeds    map[string]*model.Feed
	episodes map[string]*storedEpisode // episodeID -> entry
	byFeed   map[string][]string       // feedID -> episodeID（ソート済み）
	capacity int
	seq      uint64
	logger   *slog.Logger
}

// storedEpisode はエピソードと挿入順序を保持する内部エントリ。
// 容量追い出しは公開日ではなく挿入順（seq昇順）で行う。
type storedEpisode struct {
	episode model.Episode
	seq     uint64
}

// NewEpisodeStore はEpisodeStoreの新しいインスタンスを生成する。
// capacityが0以下の場合はデフォルト値5000を使用する。
func NewEpisodeStore(logger *slog.Logger, capacity int) *EpisodeStore {
	if capacity <= 0 {
		capacity = 5000
	}
	return &EpisodeStore{
		feeds:    make(map[string]*model.Feed),
		episodes: make(map[string]*storedEpisode),
		byFeed:   make(map[string][]string),
		capacity: capacity,
		logger:   logger,
	}
}

// UpsertFeed はフィードを登録または更新する。
// 既存フィードの場合はメタデータのみ反映し、購読時刻は維持する。
func (s *EpisodeStore) UpsertFeed(feed model.Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.feeds[feed.ID]; ok {
		existing.ApplyMetadata(model.FeedMetadata{
			Title:       feed.Title,
			Author:      feed.Author,
			Description: feed.Description,
			ArtworkURL:  feed.ArtworkURL,
			SiteURL:     feed.SiteURL,
		})
		return
	}

	now := time.Now()
	feed.CreatedAt = now
	feed.UpdatedAt = now
	s.feeds[feed.ID] = &feed
}

// ApplyMetadata はパース済みメタデータをフィードに反映する。
func (s *EpisodeStore) ApplyMetadata(feedID string, meta model.FeedMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if feed, ok := s.feeds[feedID]; ok {
		feed.ApplyMetadata(meta)
	}
}

// Feed はフィードを1件取得する。
func (s *EpisodeStore) Feed(feedID string) (model.Feed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feed, ok := s.feeds[feedID]
	if !ok {
		return model.Feed{}, false
	}
	return *feed, true
}

// Feeds は全フィードのスナップショットを返す。
func (s *EpisodeStore) Feeds() []model.Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feeds := make([]model.Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		feeds = append(feeds, *feed)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].Title < feeds[j].Title
	})
	return feeds
}

// Read はフィードのエピソード一覧のスナップショットを返す。
// 多数のリーダーが同時に呼び出せる。マージ中の部分的な状態は決して観測されない。
func (s *EpisodeStore) Read(feedID string) []model.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byFeed[feedID]
	episodes := make([]model.Episode, 0, len(ids))
	for _, id := range ids {
		if entry, ok := s.episodes[id]; ok {
			episodes = append(episodes, entry.episode)
		}
	}
	return episodes
}

// Merge はパース済みバッチをフィードにマージし、差分を返す。
// 同一性判定はエピソードIDによる。IDはフィードIDで名前空間化されているため
// （model.EpisodeID参照）、別フィードが同じGUID文字列を配信しても衝突しない。
// サニタイズは呼び出し側の責務（排他区間を短く保つため、ロック内では行わない）。
// マージ後はフィードのエピソード一覧を公開日降順に再ソートし、
// 同じ排他区間内で容量追い出しを実行する。
func (s *EpisodeStore) Merge(feedID string, batch []model.ParsedEpisode) model.ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cs model.ChangeSet

	feed, ok := s.feeds[feedID]
	if !ok {
		// フィード参照を持たないエピソードは保存しない
		s.logger.Warn("未登録フィードへのマージを拒否しました",
			slog.String("feed_id", feedID),
		)
		return cs
	}

	for _, parsed := range batch {
		if !parsed.Valid() {
			continue
		}

		id := model.EpisodeID(feedID, parsed)

		if entry, exists := s.episodes[id]; exists {
			// 既存エピソードを上書き更新。再生状態は維持する。
			ep := &entry.episode
			changed := ep.Title != parsed.Title ||
				ep.Description != parsed.Description ||
				ep.AudioURL != parsed.AudioURL
			ep.Title = parsed.Title
			ep.Description = parsed.Description
			ep.AudioURL = parsed.AudioURL
			if parsed.ArtworkURL != "" {
				ep.ArtworkURL = parsed.ArtworkURL
			}
			if parsed.PublishedAt != nil {
				ep.PublishedAt = parsed.PublishedAt
			}
			if parsed.DurationSeconds > 0 {
				ep.DurationSeconds = parsed.DurationSeconds
			}
			if changed {
				cs.Updated++
			}
			continue
		}

		s.seq++
		s.episodes[id] = &storedEpisode{
			episode: model.Episode{
				ID:              id,
				FeedID:          feedID,
				Title:           parsed.Title,
				Description:     parsed.Description,
				AudioURL:        parsed.AudioURL,
				ArtworkURL:      parsed.ArtworkURL,
				PublishedAt:     parsed.PublishedAt,
				DurationSeconds: parsed.DurationSeconds,
			},
			seq: s.seq,
		}
		s.byFeed[feedID] = append(s.byFeed[feedID], id)
		cs.Added++
	}

	s.sortFeedLocked(feedID)
	feed.LastSyncedAt = time.Now()

	cs.Removed = s.evictLocked()

	return cs
}

// Remove はフィードとその全エピソードを削除する。購読解除時に使用する。
func (s *EpisodeStore) Remove(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byFeed[feedID] {
		delete(s.episodes, id)
	}
	delete(s.byFeed, feedID)
	delete(s.feeds, feedID)
}

// EpisodeCount は全フィード横断の常駐エピソード数を返す。
func (s *EpisodeStore) EpisodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.episodes)
}

// SetPlaybackState はエピソードの再生位置と再生済みフラグを更新する。
func (s *EpisodeStore) SetPlaybackState(episodeID string, positionSeconds int, played bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.episodes[episodeID]
	if !ok {
		return model.NewEpisodeNotFoundError(episodeID)
	}
	entry.episode.PlaybackPosition = positionSeconds
	entry.episode.Played = played
	return nil
}

// EvictIfOverCapacity は常駐エピソード数が容量を超えている場合に
// 挿入が古い順にエピソードを追い出す。追い出した件数を返す。
// 通常はMergeが同一排他区間内で自動的に実行する。
func (s *EpisodeStore) EvictIfOverCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked()
}

// evictLocked は容量超過分を挿入順（公開日順ではない）に追い出す。
// 排他ロック保持中に呼び出すこと。
func (s *EpisodeStore) evictLocked() int {
	over := len(s.episodes) - s.capacity
	if over <= 0 {
		return 0
	}

	// seq昇順 = 挿入が古い順
	type victim struct {
		id  string
		seq uint64
	}
	victims := make([]victim, 0, len(s.episodes))
	for id, entry := range s.episodes {
		victims = append(victims, victim{id: id, seq: entry.seq})
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].seq < victims[j].seq
	})

	evicted := 0
	touched := make(map[string]bool)
	for _, v := range victims[:over] {
		entry := s.episodes[v.id]
		delete(s.episodes, v.id)
		touched[entry.episode.FeedID] = true
		evicted++
	}

	// 追い出し対象を含むフィードのID一覧を詰め直す
	for feedID := range touched {
		ids := s.byFeed[feedID]
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := s.episodes[id]; ok {
				kept = append(kept, id)
			}
		}
		s.byFeed[feedID] = kept
	}

	s.logger.Info("容量上限によりエピソードを追い出しました",
		slog.Int("evicted", evicted),
		slog.Int("capacity", s.capacity),
	)

	return evicted
}

// sortFeedLocked はフィードのエピソード一覧を公開日降順に並べ替える。
// 日付不明のエピソードは日付付きの後ろに置き、同日はタイトルで安定化する。
// 排他ロック保持中に呼び出すこと。
func (s *EpisodeStore) sortFeedLocked(feedID string) {
	ids := s.byFeed[feedID]
	sort.SliceStable(ids, func(i, j int) bool {
		a := s.episodes[ids[i]].episode
		b := s.episodes[ids[j]].episode

		switch {
		case a.PublishedAt == nil && b.PublishedAt == nil:
			return a.Title < b.Title
		case a.PublishedAt == nil:
			return false
		case b.PublishedAt == nil:
			return true
		case a.PublishedAt.Equal(*b.PublishedAt):
			return a.Title < b.Title
		default:
			return a.PublishedAt.After(*b.PublishedAt)
		}
	})
}
