package broadcast

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"lmsr-exchange/pkg/types"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func tradeEvent(marketID string) types.Event {
	return types.Event{
		Type:      types.EventTrade,
		Timestamp: time.Now().UTC(),
		MarketID:  marketID,
	}
}

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	bus := newTestBus()

	first, cancelFirst := bus.Subscribe(4)
	second, cancelSecond := bus.Subscribe(4)
	defer cancelFirst()
	defer cancelSecond()

	if bus.Subscribers() != 2 {
		t.Fatalf("subscribers = %d, want 2", bus.Subscribers())
	}

	bus.Publish(tradeEvent("m1"))

	for name, ch := range map[string]<-chan types.Event{"first": first, "second": second} {
		select {
		case ev := <-ch:
			if ev.MarketID != "m1" {
				t.Errorf("%s received %+v", name, ev)
			}
		default:
			t.Errorf("%s subscriber received nothing", name)
		}
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	t.Parallel()
	bus := newTestBus()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(tradeEvent("m1"))
	bus.Publish(tradeEvent("m2")) // buffer full, dropped

	if got := bus.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	ev := <-ch
	if ev.MarketID != "m1" {
		t.Errorf("delivered event = %+v, want m1", ev)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected second delivery: %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	bus := newTestBus()

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel() // idempotent

	if bus.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", bus.Subscribers())
	}
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing after the subscriber left must not panic.
	bus.Publish(tradeEvent("m1"))
}
