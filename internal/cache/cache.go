// Package cache はパース済みエピソードバッチとフィードメタデータの
// 2層キャッシュ（有界メモリ + 永続ディスク）を提供する。
// ホットTTLを超過したエントリはnilではなくstaleフラグ付きで返され、
// stale-while-revalidateセマンティクスを可能にする。
package cache

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hitoshi/podsync/internal/metrics"
	"github.com/hitoshi/podsync/internal/model"
)

// Entry はキャッシュされた1フィード分のエピソードバッチとメタデータを表す。
// ETag/LastModifiedは条件付きGETの再検証に使用される。
type Entry struct {
	Key          string
	Metadata     model.FeedMetadata
	Episodes     []model.Episode
	ETag         string
	LastModified string
	InsertedAt   time.Time
	SizeBytes    int64
}

// Config はキャッシュ層の設定パラメータ。
type Config struct {
	// MemoryCap はメモリ層の最大エントリ数（デフォルト: 128）。
	MemoryCap int
	// HotTTL はエントリがfreshとみなされる期間（デフォルト: 15分）。
	HotTTL time.Duration
	// Retention はディスク層の保持期間。超過エントリはプルーニングされる（デフォルト: 7日）。
	Retention time.Duration
	// EvictRatio はメモリ圧迫シグナル時に追い出すエントリの割合（デフォルト: 0.5）。
	EvictRatio float64
}

// DefaultConfig はデフォルトのキャッシュ設定を返す。
func DefaultConfig() Config {
	return Config{
		MemoryCap:  128,
		HotTTL:     15 * time.Minute,
		Retention:  7 * 24 * time.Hour,
		EvictRatio: 0.5,
	}
}

// Cache は2層キャッシュの実装。
// メモリ層はLRUの有界マップ、ディスク層はTTL付きのsqliteテーブル。
// メモリ層のロックはLRU実装内部に閉じており、他のロックと入れ子にならない。
type Cache struct {
	mem     *lru.Cache[string, *Entry]
	disk    *DiskTier
	config  Config
	clock   clock.Clock
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// New はCacheの新しいインスタンスを生成する。diskはnil可（メモリ層のみで動作）。
func New(disk *DiskTier, config Config, collector metrics.MetricsCollector, logger *slog.Logger) (*Cache, error) {
	return newWithClock(disk, config, collector, logger, clock.New())
}

// newWithClock はテスト用にモッククロックを注入できるコンストラクタ。
func newWithClock(disk *DiskTier, config Config, collector metrics.MetricsCollector, logger *slog.Logger, clk clock.Clock) (*Cache, error) {
	if config.MemoryCap <= 0 {
		config.MemoryCap = 128
	}
	if config.HotTTL <= 0 {
		config.HotTTL = 15 * time.Minute
	}
	if config.Retention <= 0 {
		config.Retention = 7 * 24 * time.Hour
	}
	if config.EvictRatio <= 0 || config.EvictRatio > 1 {
		config.EvictRatio = 0.5
	}

	mem, err := lru.New[string, *Entry](config.MemoryCap)
	if err != nil {
		return nil, err
	}

	return &Cache{
		mem:     mem,
		disk:    disk,
		config:  config,
		clock:   clk,
		metrics: collector,
		logger:  logger,
	}, nil
}

// Get はエントリを取得する。戻り値のstaleはホットTTL超過を示す。
// TTL超過エントリは決してfreshとしては返されない。メモリ層ミス時は
// ディスク層から読み出してメモリ層を再充填する。
// 保持期間を超過したエントリは読み取り時点でプルーニングされ、ミスとして扱う。
func (c *Cache) Get(key string) (entry *Entry, stale bool) {
	if e, ok := c.mem.Get(key); ok {
		if c.isExpired(e) {
			c.pruneExpired(key)
			c.metrics.RecordCacheMiss()
			return nil, false
		}
		stale = c.isStale(e)
		c.metrics.RecordCacheHit(stale)
		return e, stale
	}

	if c.disk == nil {
		c.metrics.RecordCacheMiss()
		return nil, false
	}

	e, err := c.disk.Get(key)
	if err != nil {
		c.logger.Error("ディスクキャッシュの読み取りに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		c.metrics.RecordCacheMiss()
		return nil, false
	}
	if e == nil {
		c.metrics.RecordCacheMiss()
		return nil, false
	}
	if c.isExpired(e) {
		c.pruneExpired(key)
		c.metrics.RecordCacheMiss()
		return nil, false
	}

	// ディスクヒット: メモリ層を再充填する
	c.mem.Add(key, e)
	stale = c.isStale(e)
	c.metrics.RecordCacheHit(stale)
	return e, stale
}

// Put はエントリを両層に書き込む。InsertedAtは現在時刻で上書きされる。
// ディスク書き込み失敗はStorageWriteFailureとして返すが、メモリ層への
// 書き込みは成立しているため呼び出し側はフェッチ自体を失敗扱いにしなくてよい。
func (c *Cache) Put(entry *Entry) error {
	entry.InsertedAt = c.clock.Now()
	c.mem.Add(entry.Key, entry)

	if c.disk == nil {
		return nil
	}
	if err := c.disk.Put(entry); err != nil {
		c.logger.Error("ディスクキャッシュへの書き込みに失敗しました",
			slog.String("key", entry.Key),
			slog.String("error", err.Error()),
		)
		return model.NewStorageWriteFailedError(err)
	}
	return nil
}

// Invalidate はエントリを両層から削除する。購読解除時に使用する。
func (c *Cache) Invalidate(key string) {
	c.mem.Remove(key)
	if c.disk != nil {
		if err := c.disk.Delete(key); err != nil {
			c.logger.Error("ディスクキャッシュの削除に失敗しました",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// PressureEvict はメモリ圧迫シグナルに応答し、設定された割合の
// エントリをLRU順に追い出す。ディスク層には影響しない。
// 追い出した件数を返す。
func (c *Cache) PressureEvict() int {
	target := int(float64(c.mem.Len()) * c.config.EvictRatio)
	evicted := 0
	for i := 0; i < target; i++ {
		if _, _, ok := c.mem.RemoveOldest(); !ok {
			break
		}
		evicted++
	}

	c.metrics.RecordEviction("memory", evicted)
	c.logger.Info("メモリ圧迫によりキャッシュエントリを追い出しました",
		slog.Int("evicted", evicted),
		slog.Int("remaining", c.mem.Len()),
	)
	return evicted
}

// SweepExpired は保持期間を超過したディスクエントリを一括削除する。
// 起動時および定期スイープから呼び出される。
func (c *Cache) SweepExpired() (int, error) {
	if c.disk == nil {
		return 0, nil
	}
	pruned, err := c.disk.Sweep(c.clock.Now().Add(-c.config.Retention))
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		c.metrics.RecordEviction("disk", pruned)
	}
	return pruned, nil
}

// MemoryLen はメモリ層の現在のエントリ数を返す。
func (c *Cache) MemoryLen() int {
	return c.mem.Len()
}

// isStale はエントリがホットTTLを超過しているかを判定する。
func (c *Cache) isStale(e *Entry) bool {
	return c.clock.Now().Sub(e.InsertedAt) > c.config.HotTTL
}

// isExpired はエントリが保持期間を超過しているかを判定する。
func (c *Cache) isExpired(e *Entry) bool {
	return c.clock.Now().Sub(e.InsertedAt) > c.config.Retention
}

// pruneExpired は保持期間超過のエントリを両層から取り除く。
func (c *Cache) pruneExpired(key string) {
	c.mem.Remove(key)
	if c.disk == nil {
		return
	}
	if err := c.disk.Delete(key); err != nil {
		c.logger.Error("期限切れキャッシュの削除に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	c.metrics.RecordEviction("disk", 1)
}
