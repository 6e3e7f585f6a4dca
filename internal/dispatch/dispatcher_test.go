package dispatch

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/podsync/internal/model"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	t.Cleanup(d.Close)
	return d
}

func event(kind model.FetchEventKind, feedID string) model.FetchEvent {
	return model.FetchEvent{
		Kind: kind,
		Identity: model.FetchIdentity{
			FeedID: feedID,
			Kind:   model.FetchKindBackground,
		},
	}
}

func TestDispatcher_DeliversToKeySubscriber(t *testing.T) {
	d := newTestDispatcher(t)

	received := make(chan model.FetchEvent, 1)
	d.RegisterHandler(FeedKey("feed1"), func(ev model.FetchEvent) {
		received <- ev
	})

	d.Emit(FeedKey("feed1"), event(model.FetchEventStarted, "feed1"))

	select {
	case ev := <-received:
		if ev.Kind != model.FetchEventStarted {
			t.Errorf("Kind = %v, want %v", ev.Kind, model.FetchEventStarted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("イベントが配信されなかった")
	}
}

func TestDispatcher_OrderPreservedPerKey(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	var kinds []model.FetchEventKind
	done := make(chan struct{})
	d.RegisterHandler(FeedKey("feed1"), func(ev model.FetchEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		n := len(kinds)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	d.Emit(FeedKey("feed1"), event(model.FetchEventStarted, "feed1"))
	d.Emit(FeedKey("feed1"), event(model.FetchEventBatch, "feed1"))
	d.Emit(FeedKey("feed1"), event(model.FetchEventCompleted, "feed1"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("3イベントの配信が完了しなかった")
	}

	want := []model.FetchEventKind{
		model.FetchEventStarted,
		model.FetchEventBatch,
		model.FetchEventCompleted,
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("配信順 = %v, want %v", kinds, want)
		}
	}
}

func TestDispatcher_BroadcastKeyReceivesAll(t *testing.T) {
	d := newTestDispatcher(t)

	received := make(chan string, 2)
	d.RegisterHandler(KeyAll, func(ev model.FetchEvent) {
		received <- ev.Identity.FeedID
	})

	d.Emit(FeedKey("feed1"), event(model.FetchEventStarted, "feed1"))
	d.Emit(FeedKey("feed2"), event(model.FetchEventStarted, "feed2"))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-received:
			got[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("ブロードキャスト配信が完了しなかった")
		}
	}
	if !got["feed1"] || !got["feed2"] {
		t.Errorf("受信フィード = %v, 全フィードのイベントを受け取るべき", got)
	}
}

func TestDispatcher_KeySubscriberDoesNotReceiveOtherKeys(t *testing.T) {
	d := newTestDispatcher(t)

	wrong := make(chan struct{}, 1)
	d.RegisterHandler(FeedKey("feed1"), func(ev model.FetchEvent) {
		wrong <- struct{}{}
	})

	other := make(chan struct{}, 1)
	d.RegisterHandler(FeedKey("feed2"), func(ev model.FetchEvent) {
		other <- struct{}{}
	})

	d.Emit(FeedKey("feed2"), event(model.FetchEventStarted, "feed2"))

	select {
	case <-other:
	case <-time.After(5 * time.Second):
		t.Fatal("feed2の購読者に配信されなかった")
	}
	select {
	case <-wrong:
		t.Error("feed1の購読者がfeed2のイベントを受け取った")
	default:
	}
}

func TestDispatcher_UnregisterStopsDelivery(t *testing.T) {
	d := newTestDispatcher(t)

	first := make(chan struct{}, 1)
	id := d.RegisterHandler(FeedKey("feed1"), func(ev model.FetchEvent) {
		first <- struct{}{}
	})

	d.Emit(FeedKey("feed1"), event(model.FetchEventStarted, "feed1"))
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("解除前のイベントが配信されなかった")
	}

	d.UnregisterHandler(FeedKey("feed1"), id)

	// 解除後のイベントが届かないことを、後続の別購読者で同期して確認する
	after := make(chan struct{}, 1)
	d.RegisterHandler(FeedKey("feed1"), func(ev model.FetchEvent) {
		after <- struct{}{}
	})
	d.Emit(FeedKey("feed1"), event(model.FetchEventCompleted, "feed1"))
	select {
	case <-after:
	case <-time.After(5 * time.Second):
		t.Fatal("後続イベントが配信されなかった")
	}
	select {
	case <-first:
		t.Error("解除済みハンドラーにイベントが配信された")
	default:
	}
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	d := NewDispatcher(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))

	var mu sync.Mutex
	count := 0
	d.RegisterHandler(FeedKey("feed1"), func(ev model.FetchEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		d.Emit(FeedKey("feed1"), event(model.FetchEventBatch, "feed1"))
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("配信件数 = %d, want 10（Closeはキューを排出してから停止）", count)
	}
}

func TestDispatcher_EmitAfterCloseIsNoop(t *testing.T) {
	d := NewDispatcher(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	d.Close()

	// クローズ後のEmitはブロックせず黙って破棄される
	d.Emit(FeedKey("feed1"), event(model.FetchEventStarted, "feed1"))
	d.Close() // 二重Closeも安全
}

func TestDispatcher_PanicInHandlerDoesNotStopLoop(t *testing.T) {
	d := newTestDispatcher(t)

	d.RegisterHandler(FeedKey("feed1"), func(ev model.FetchEvent) {
		panic("ハンドラー内のバグ")
	})
	survived := make(chan struct{}, 1)
	d.RegisterHandler(FeedKey("feed1"), func(ev model.FetchEvent) {
		survived <- struct{}{}
	})

	d.Emit(FeedKey("feed1"), event(model.FetchEventStarted, "feed1"))

	select {
	case <-survived:
	case <-time.After(5 * time.Second):
		t.Fatal("panic後も他のハンドラーへ配信が継続されるべき")
	}
}
