// Package coordinator はフェッチ要求のオーケストレーションを提供する。
// identityによる重複排除、固定サイズプールによる並列制御、
// バックオフ付きリトライ、協調的キャンセル、パーサーの駆動を行い、
// 結果をキャッシュとストアに流し込む。
package coordinator

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/podsync/internal/cache"
	"github.com/hitoshi/podsync/internal/dispatch"
	"github.com/hitoshi/podsync/internal/metrics"
	"github.com/hitoshi/podsync/internal/model"
	"github.com/hitoshi/podsync/internal/parser"
	"github.com/hitoshi/podsync/internal/security"
	"github.com/hitoshi/podsync/internal/store"
)

// BatchFunc はエピソードバッチを受け取る呼び出し元コールバック。
type BatchFunc func(batch []model.Episode)

// CompleteFunc はフェッチ完了を受け取る呼び出し元コールバック。
// 失敗時もそれまでにマージ済みのエピソード一覧が渡される（フォールバック表示用）。
type CompleteFunc func(episodes []model.Episode, err error)

// Handle は発行済みフェッチ要求への参照。
type Handle struct {
	Identity     model.FetchIdentity
	SubscriberID uuid.UUID
}

// Config はコーディネーターの設定パラメータ。
type Config struct {
	// MaxConcurrent は同時フェッチ数の上限（デフォルト: 5）。
	MaxConcurrent int
	// MaxRetries はリトライ回数の上限（デフォルト: 3）。
	MaxRetries int
	// MaxBodySize はレスポンスボディの最大サイズ（デフォルト: 10MiB）。
	MaxBodySize int64
	// RatePerSec は全体の発信レート上限（デフォルト: 10req/s）。
	RatePerSec float64
	// BatchSize / BatchInterval はパーサーのバッチングポリシー。
	BatchSize     int
	BatchInterval time.Duration
}

// DefaultConfig はデフォルトのコーディネーター設定を返す。
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		MaxRetries:    3,
		MaxBodySize:   10 * 1024 * 1024,
		RatePerSec:    10,
		BatchSize:     5,
		BatchInterval: 500 * time.Millisecond,
	}
}

// subscriber はin-flight操作に接続された呼び出し元1件。
type subscriber struct {
	id         uuid.UUID
	onBatch    BatchFunc
	onComplete CompleteFunc
}

// operation はidentityごとのin-flightフェッチ操作。
// 同一identityへの後続要求は新しいフェッチを起こさず、この操作に
// サブスクライバーとして接続される（ファンアウト）。
type operation struct {
	identity model.FetchIdentity
	cancel   context.CancelFunc

	mu        sync.Mutex
	subs      []subscriber
	completed bool
}

// attach はサブスクライバーを接続する。完了済みの場合はfalseを返す。
func (op *operation) attach(sub subscriber) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.completed {
		return false
	}
	op.subs = append(op.subs, sub)
	return true
}

// deliverBatch は接続中の全サブスクライバーにバッチを配る。
// 呼び出しはrun goroutine上で行われるため、1サブスクライバーから見た
// バッチの順序はパーサーの生成順と一致する。
func (op *operation) deliverBatch(batch []model.Episode) {
	op.mu.Lock()
	subs := make([]subscriber, len(op.subs))
	copy(subs, op.subs)
	op.mu.Unlock()

	for _, sub := range subs {
		if sub.onBatch != nil {
			sub.onBatch(batch)
		}
	}
}

// deliverComplete は完了通知を1回だけ配る。
func (op *operation) deliverComplete(episodes []model.Episode, err error) {
	op.mu.Lock()
	if op.completed {
		op.mu.Unlock()
		return
	}
	op.completed = true
	subs := make([]subscriber, len(op.subs))
	copy(subs, op.subs)
	op.mu.Unlock()

	for _, sub := range subs {
		if sub.onComplete != nil {
			sub.onComplete(episodes, err)
		}
	}
}

// Coordinator はSyncCoordinatorの実装。
// アクティブ操作マップのロックは短命で、他のロックと入れ子にならない。
type Coordinator struct {
	store      *store.EpisodeStore
	cache      *cache.Cache
	parser     *parser.StreamParser
	dispatcher *dispatch.Dispatcher
	guard      security.SSRFGuardService
	sanitizer  security.ContentSanitizerService
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     Config

	sem     chan struct{}
	limiter *rate.Limiter

	mu     sync.Mutex
	active map[string]*operation
}

// New はCoordinatorの新しいインスタンスを生成する。
func New(
	st *store.EpisodeStore,
	ca *cache.Cache,
	dispatcher *dispatch.Dispatcher,
	guard security.SSRFGuardService,
	sanitizer security.ContentSanitizerService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Coordinator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 10 * 1024 * 1024
	}
	if config.RatePerSec <= 0 {
		config.RatePerSec = 10
	}

	return &Coordinator{
		store:      st,
		cache:      ca,
		parser:     parser.NewStreamParser(logger, config.BatchSize, config.BatchInterval),
		dispatcher: dispatcher,
		guard:      guard,
		sanitizer:  sanitizer,
		metrics:    collector,
		logger:     logger,
		config:     config,
		sem:        make(chan struct{}, config.MaxConcurrent),
		limiter:    rate.NewLimiter(rate.Limit(config.RatePerSec), config.MaxConcurrent),
		active:     make(map[string]*operation),
	}
}

// Request はフェッチ要求を発行する。
// 同一identityの操作が既にin-flightの場合は、新しいフェッチを起こさず
// その操作にコールバックを接続して返す（重複排除・ファンアウト）。
func (c *Coordinator) Request(req model.FetchRequest, onBatch BatchFunc, onComplete CompleteFunc) *Handle {
	key := req.Identity.Key()
	sub := subscriber{id: uuid.New(), onBatch: onBatch, onComplete: onComplete}

	c.mu.Lock()
	if op, ok := c.active[key]; ok {
		if op.attach(sub) {
			c.mu.Unlock()
			c.logger.Info("既存のin-flight操作に接続しました",
				slog.String("identity", key),
			)
			return &Handle{Identity: req.Identity, SubscriberID: sub.id}
		}
		// 完了競合: 操作は終了済みなので新しく開始する
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	op := &operation{
		identity: req.Identity,
		cancel:   cancelFn,
		subs:     []subscriber{sub},
	}
	c.active[key] = op
	c.mu.Unlock()

	go c.run(ctx, op, req)

	return &Handle{Identity: req.Identity, SubscriberID: sub.id}
}

// Cancel はidentityに対応するin-flight操作をキャンセルする。
// キャンセルは協調的であり、ネットワーク読み取りとバッチ処理の境界で検査される。
// マージ済みの部分進捗はロールバックされない。
func (c *Coordinator) Cancel(identity model.FetchIdentity) bool {
	c.mu.Lock()
	op, ok := c.active[identity.Key()]
	c.mu.Unlock()

	if !ok {
		return false
	}
	op.cancel()
	return true
}

// CancelFeed はフィードに対する全種別のin-flight操作をキャンセルする。
// 購読解除時に使用する。
func (c *Coordinator) CancelFeed(feedID string) {
	c.mu.Lock()
	ops := make([]*operation, 0, 4)
	for _, op := range c.active {
		if op.identity.FeedID == feedID {
			ops = append(ops, op)
		}
	}
	c.mu.Unlock()

	for _, op := range ops {
		op.cancel()
	}
}

// ActiveCount は現在in-flightの操作数を返す。
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// finish は操作をアクティブマップから外す。コールバック配信より前に呼ぶこと
// （完了通知中の再要求が死んだ操作に接続されるのを防ぐ）。
func (c *Coordinator) finish(op *operation) {
	c.mu.Lock()
	if current, ok := c.active[op.identity.Key()]; ok && current == op {
		delete(c.active, op.identity.Key())
	}
	c.mu.Unlock()
	op.cancel()
}

// run は1つのフェッチ操作を最後まで駆動する。
func (c *Coordinator) run(ctx context.Context, op *operation, req model.FetchRequest) {
	feedID := req.Identity.FeedID
	feedKey := dispatch.FeedKey(feedID)
	start := time.Now()

	c.dispatcher.Emit(feedKey, model.FetchEvent{
		Kind:     model.FetchEventStarted,
		Identity: req.Identity,
	})

	// キャッシュ確認: freshなら即時サーブしてネットワークI/Oを行わない。
	// staleなら暫定サーブした上で再検証フェッチを継続する。
	var cached *cache.Entry
	if c.cache != nil {
		entry, stale := c.cache.Get(feedID)
		if entry != nil && !stale {
			c.logger.Info("キャッシュからサーブしました",
				slog.String("feed_id", feedID),
				slog.String("kind", string(req.Identity.Kind)),
				slog.Int("episodes", len(entry.Episodes)),
			)
			c.finish(op)
			op.deliverBatch(entry.Episodes)
			c.dispatcher.Emit(feedKey, model.FetchEvent{
				Kind:       model.FetchEventCompleted,
				Identity:   req.Identity,
				Episodes:   entry.Episodes,
				FinalCount: len(entry.Episodes),
			})
			op.deliverComplete(entry.Episodes, nil)
			return
		}
		if entry != nil {
			cached = entry
			c.logger.Info("staleキャッシュを暫定サーブし再検証します",
				slog.String("feed_id", feedID),
				slog.String("kind", string(req.Identity.Kind)),
			)
			op.deliverBatch(entry.Episodes)
			c.dispatcher.Emit(feedKey, model.FetchEvent{
				Kind:     model.FetchEventBatch,
				Identity: req.Identity,
				Episodes: entry.Episodes,
				Stale:    true,
			})
		}
	}

	// 並列プールのスロットを取得する
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.completeCancelled(op, req)
		return
	}
	defer func() { <-c.sem }()

	if err := c.limiter.Wait(ctx); err != nil {
		c.completeCancelled(op, req)
		return
	}

	// リトライループ: タイムアウトおよび429/5xxのみリトライする
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryDelay(attempt)
			c.logger.Warn("フェッチをリトライします",
				slog.String("feed_id", feedID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.completeCancelled(op, req)
				return
			}
		}

		done, retryable, err := c.fetchOnce(ctx, op, req, cached)
		if done {
			c.metrics.RecordFetchSuccess(feedID)
			c.metrics.RecordFetchLatency(time.Since(start))
			return
		}
		if ctx.Err() != nil {
			c.completeCancelled(op, req)
			return
		}
		lastErr = err
		if !retryable {
			break
		}
	}

	// リトライ枯渇または終端エラー: 失敗イベントを全サブスクライバーに通知する。
	// マージ済み/キャッシュ済みのデータはフォールバック表示用に残る。
	c.metrics.RecordFetchFailure(feedID, model.ErrorCode(lastErr))
	c.logger.Error("フェッチが失敗しました",
		slog.String("feed_id", feedID),
		slog.String("kind", string(req.Identity.Kind)),
		slog.String("error", errString(lastErr)),
	)
	c.finish(op)
	c.dispatcher.Emit(feedKey, model.FetchEvent{
		Kind:     model.FetchEventFailed,
		Identity: req.Identity,
		Err:      lastErr,
	})
	op.deliverComplete(c.store.Read(feedID), lastErr)
}

// fetchOnce は1回のフェッチ試行を行う。
// 戻り値は (完了したか, リトライ可能か, エラー)。
func (c *Coordinator) fetchOnce(ctx context.Context, op *operation, req model.FetchRequest, cached *cache.Entry) (bool, bool, error) {
	timeout := req.Identity.Kind.Timeout()

	client := c.guard.NewSafeClient(timeout, c.config.MaxBodySize)

	// 種別ごとのタイムアウトはコーディネーターが強制する
	attemptCtx, cancelAttempt := context.WithTimeout(ctx, timeout)
	defer cancelAttempt()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.SourceURL, nil)
	if err != nil {
		return false, false, model.NewInvalidURLError(err.Error())
	}

	httpReq.Header.Set("User-Agent", "Podsync/1.0 Podcast Sync Engine")
	httpReq.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 条件付きGET: ETag / Last-Modified
	if cached != nil {
		if cached.ETag != "" {
			httpReq.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			httpReq.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return false, false, ctx.Err()
		}
		classified := ClassifyTransportError(err)
		// タイムアウトのみリトライ対象
		return false, IsTimeout(err), classified
	}
	defer resp.Body.Close()

	c.metrics.RecordHTTPStatus(resp.StatusCode)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultNotModified:
		// 304: キャッシュエントリのTTLを更新して完了する
		return true, false, c.completeFromCache(op, req, cached)

	case FetchResultRetry:
		return false, true, model.NewFetchFailedError(resp.StatusCode)

	case FetchResultFatal:
		return false, false, model.NewFetchFailedError(resp.StatusCode)
	}

	// 2xx: レスポンスをストリーミングでパースしてマージする
	return c.streamAndMerge(ctx, op, req, resp)
}

// streamAndMerge はレスポンスボディをパーサーに流し込み、
// バッチごとにストアへマージしてサブスクライバーに配信する。
func (c *Coordinator) streamAndMerge(ctx context.Context, op *operation, req model.FetchRequest, resp *http.Response) (bool, bool, error) {
	feedID := req.Identity.FeedID
	feedKey := dispatch.FeedKey(feedID)

	var meta model.FeedMetadata

	onMetadata := func(m model.FeedMetadata) {
		meta = m
		c.store.ApplyMetadata(feedID, m)
	}

	onBatch := func(batch []model.ParsedEpisode) {
		// サニタイズはストアの排他区間の外で行う
		for i := range batch {
			batch[i].Description = c.sanitizer.Sanitize(batch[i].Description)
		}

		cs := c.store.Merge(feedID, batch)
		c.metrics.RecordEpisodesMerged(cs.Added)
		if cs.Removed > 0 {
			c.metrics.RecordEviction("store", cs.Removed)
		}

		episodes := make([]model.Episode, 0, len(batch))
		for _, p := range batch {
			episodes = append(episodes, model.Episode{
				ID:              model.EpisodeID(feedID, p),
				FeedID:          feedID,
				Title:           p.Title,
				Description:     p.Description,
				AudioURL:        p.AudioURL,
				ArtworkURL:      p.ArtworkURL,
				PublishedAt:     p.PublishedAt,
				DurationSeconds: p.DurationSeconds,
			})
		}

		op.deliverBatch(episodes)
		c.dispatcher.Emit(feedKey, model.FetchEvent{
			Kind:     model.FetchEventBatch,
			Identity: req.Identity,
			Episodes: episodes,
		})
	}

	body := io.LimitReader(resp.Body, c.config.MaxBodySize)
	count, parseErr := c.parser.Parse(ctx, body, onBatch, onMetadata)
	if parseErr != nil {
		if ctx.Err() != nil {
			return false, false, ctx.Err()
		}
		if model.ErrorCode(parseErr) == model.ErrCodeMalformedDocument {
			c.metrics.RecordParseFailure(feedID)
			return false, false, parseErr
		}
		// ボディ読み取り中のタイムアウト等はトランスポートエラーとして分類する
		classified := ClassifyTransportError(parseErr)
		return false, IsTimeout(parseErr), classified
	}

	// パース完了: 確定した一覧をキャッシュに書き戻して完了する
	final := c.store.Read(feedID)

	var completeErr error
	if c.cache != nil {
		entry := &cache.Entry{
			Key:          feedID,
			Metadata:     meta,
			Episodes:     final,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := c.cache.Put(entry); err != nil {
			// ストアへのマージは成立しているため、失敗イベントは出すがデータは渡す
			completeErr = err
		}
	}

	c.logger.Info("フィードの同期が完了しました",
		slog.String("feed_id", feedID),
		slog.String("kind", string(req.Identity.Kind)),
		slog.Int("parsed", count),
		slog.Int("episodes", len(final)),
	)

	c.finish(op)
	if completeErr != nil {
		c.dispatcher.Emit(feedKey, model.FetchEvent{
			Kind:     model.FetchEventFailed,
			Identity: req.Identity,
			Err:      completeErr,
		})
	} else {
		c.dispatcher.Emit(feedKey, model.FetchEvent{
			Kind:       model.FetchEventCompleted,
			Identity:   req.Identity,
			Episodes:   final,
			FinalCount: count,
		})
	}
	op.deliverComplete(final, completeErr)
	return true, false, completeErr
}

// completeFromCache は304応答時にキャッシュエントリを再フレッシュ化して完了する。
func (c *Coordinator) completeFromCache(op *operation, req model.FetchRequest, cached *cache.Entry) error {
	feedID := req.Identity.FeedID
	feedKey := dispatch.FeedKey(feedID)

	var episodes []model.Episode
	if cached != nil {
		// PutはInsertedAtを現在時刻に更新するため、エントリは再びfreshになる
		if err := c.cache.Put(cached); err != nil {
			c.logger.Error("キャッシュエントリの再フレッシュ化に失敗しました",
				slog.String("feed_id", feedID),
				slog.String("error", err.Error()),
			)
		}
		episodes = cached.Episodes
	} else {
		episodes = c.store.Read(feedID)
	}

	c.logger.Info("フィードは未変更です（304）",
		slog.String("feed_id", feedID),
		slog.String("kind", string(req.Identity.Kind)),
	)

	c.finish(op)
	c.dispatcher.Emit(feedKey, model.FetchEvent{
		Kind:       model.FetchEventCompleted,
		Identity:   req.Identity,
		Episodes:   episodes,
		FinalCount: len(episodes),
	})
	op.deliverComplete(episodes, nil)
	return nil
}

// completeCancelled はキャンセルされた操作を後始末する。
// マージ済みの部分進捗は保持され、ロールバックされない。
func (c *Coordinator) completeCancelled(op *operation, req model.FetchRequest) {
	feedID := req.Identity.FeedID

	c.logger.Info("フェッチがキャンセルされました",
		slog.String("feed_id", feedID),
		slog.String("kind", string(req.Identity.Kind)),
	)

	c.finish(op)
	c.dispatcher.Emit(dispatch.FeedKey(feedID), model.FetchEvent{
		Kind:     model.FetchEventCancelled,
		Identity: req.Identity,
	})
	op.deliverComplete(c.store.Read(feedID), context.Canceled)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
