// Package dispatch はコーディネーター/ストアと消費者を疎結合にする
// 型付きイベントバスを提供する。全ハンドラーの呼び出しは単一の
// ディスパッチgoroutine（直列化された更新コンテキスト）上で行われるため、
// ハンドラー同士が並行実行されることはない。
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/podsync/internal/model"
)

// KeyAll は全フィードのイベントを受け取るブロードキャストキー。
const KeyAll = "*"

// FeedKey はフィード単位の購読キーを返す。
func FeedKey(feedID string) string {
	return "feed:" + feedID
}

// Handler はイベントを受け取るコールバック。
// 直列化された更新コンテキスト上で呼び出されるため、内部で長時間
// ブロックすると後続イベントの配信が遅延する。
type Handler func(event model.FetchEvent)

// registration はハンドラー登録1件を表す。
type registration struct {
	id      uuid.UUID
	handler Handler
}

// queued はディスパッチキュー上のイベント1件。
type queued struct {
	key   string
	event model.FetchEvent
}

// Dispatcher はイベントバスの実装。
// Emitは非ブロッキングにキューへ積み、専用goroutineが登録順に配信する。
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string][]registration
	queue    chan queued
	done     chan struct{}
	closed   bool
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// queueDepth はディスパッチキューの深さ。
// バッチサイズ5・並列5フェッチでも十分な余裕がある。
const queueDepth = 256

// NewDispatcher はDispatcherを生成し、配信goroutineを起動する。
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string][]registration),
		queue:    make(chan queued, queueDepth),
		done:     make(chan struct{}),
		logger:   logger,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// RegisterHandler はキーに対するハンドラーを登録し、解除用トークンを返す。
// キーにはFeedKey(feedID)またはKeyAllを指定する。
func (d *Dispatcher) RegisterHandler(key string, handler Handler) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := uuid.New()
	d.handlers[key] = append(d.handlers[key], registration{id: id, handler: handler})
	return id
}

// UnregisterHandler は登録済みハンドラーを解除する。
func (d *Dispatcher) UnregisterHandler(key string, id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[key]
	for i, reg := range regs {
		if reg.id == id {
			d.handlers[key] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Emit はイベントをキーに対して発行する。キーの購読者とKeyAllの購読者の
// 両方に配信される。配信は非同期だが、同一キーへの発行順は保たれる。
// クローズ後のEmitは黙って破棄される。
func (d *Dispatcher) Emit(key string, event model.FetchEvent) {
	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.queue <- queued{key: key, event: event}:
	case <-d.done:
	}
}

// Close はディスパッチャーを停止する。キュー済みイベントは配信を完了してから停止する。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
}

// run は配信ループ。全ハンドラー呼び出しはこのgoroutine上で直列に行われる。
func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case q := <-d.queue:
			d.deliver(q)
		case <-d.done:
			// 残りのキューを排出してから終了する
			for {
				select {
				case q := <-d.queue:
					d.deliver(q)
				default:
					return
				}
			}
		}
	}
}

// deliver は1イベントをキー購読者とブロードキャスト購読者に配信する。
// ハンドラーのpanicは配信ループを殺さないよう回復する。
func (d *Dispatcher) deliver(q queued) {
	d.mu.Lock()
	regs := make([]registration, 0, len(d.handlers[q.key])+len(d.handlers[KeyAll]))
	regs = append(regs, d.handlers[q.key]...)
	if q.key != KeyAll {
		regs = append(regs, d.handlers[KeyAll]...)
	}
	d.mu.Unlock()

	for _, reg := range regs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("イベントハンドラーがpanicしました",
						slog.String("key", q.key),
						slog.Any("panic", r),
					)
				}
			}()
			reg.handler(q.event)
		}()
	}
}
