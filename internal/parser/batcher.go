package parser

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hitoshi/podsync/internal/model"
)

// batcher はパース済みアイテムのバッチングポリシーを実装する。
// N件（デフォルト5）到達または最初の滞留アイテムからT（デフォルト500ms）経過の
// いずれか早い方でフラッシュする。経過判定はタイマー駆動のため、
// バイトストリームがアイテム間で停滞しても滞留アイテムはT以内に可視化される。
type batcher struct {
	size     int
	interval time.Duration
	clock    clock.Clock
	flush    ItemBatchFunc

	mu     sync.Mutex
	buf    []model.ParsedEpisode
	timer  *clock.Timer
	closed bool
}

func newBatcher(size int, interval time.Duration, clk clock.Clock, flush ItemBatchFunc) *batcher {
	return &batcher{
		size:     size,
		interval: interval,
		clock:    clk,
		flush:    flush,
		buf:      make([]model.ParsedEpisode, 0, size),
	}
}

// add はアイテムをバッファに追加する。N件到達で即時フラッシュし、
// 未達の場合は最初の滞留アイテムを起点とするタイマーがT経過でフラッシュする。
func (b *batcher) add(ep model.ParsedEpisode) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, ep)
	if len(b.buf) >= b.size {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.interval, b.timerFlush)
	}
}

func (b *batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.flushLocked()
}

// finish は残りのバッファをフラッシュしタイマーを破棄する。パース完了時に1回呼び出す。
func (b *batcher) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.flushLocked()
}

// flushLocked はバッファの内容をコールバックへ引き渡す。mu保持中に呼び出すこと。
// コールバックもmu保持中に呼ばれるため、バッチの引き渡し順は常に直列化される。
func (b *batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 {
		return
	}
	batch := make([]model.ParsedEpisode, len(b.buf))
	copy(batch, b.buf)
	b.buf = b.buf[:0]
	b.flush(batch)
}
