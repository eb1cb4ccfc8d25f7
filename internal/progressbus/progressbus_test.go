package progressbus

import (
	"testing"
	"time"
)

func TestBusPublishFanout(t *testing.T) {
	bus := NewBus()
	ch1, close1 := bus.Subscribe()
	defer close1()
	ch2, close2 := bus.Subscribe()
	defer close2()

	bus.Publish(ChurtenNotification{Kind: KindNew})

	for _, ch := range []<-chan ChurtenNotification{ch1, ch2} {
		select {
		case n := <-ch:
			if n.Kind != KindNew {
				t.Errorf("unexpected kind %v", n.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive notification")
		}
	}
}

func TestBusPublishDropsOnFullChannel(t *testing.T) {
	bus := NewBus()
	ch, closer := bus.Subscribe()
	defer closer()

	for i := 0; i < BusCapacity+10; i++ {
		bus.Publish(ChurtenNotification{Kind: KindNew, Index: uint64(i)})
	}

	if len(ch) != BusCapacity {
		t.Fatalf("expected channel to be full at capacity %d, got %d", BusCapacity, len(ch))
	}
}

func TestReporterThresholdFiltering(t *testing.T) {
	bus := NewBus()
	ch, closer := bus.Subscribe()
	defer closer()

	r := NewReporter(bus, "a", 1, &Indexer{})
	r.Update(1000, 1_000_000) // well under 64KiB threshold, should not publish
	select {
	case n := <-ch:
		t.Fatalf("unexpected early publish: %+v", n)
	default:
	}

	r.Update(1_000_000, 1_000_000) // terminal update always publishes
	select {
	case n := <-ch:
		if n.Current != 1_000_000 || n.Total != 1_000_000 {
			t.Errorf("unexpected terminal notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected terminal update to publish")
	}
}

func TestReporterDecrementAlwaysPublishes(t *testing.T) {
	bus := NewBus()
	ch, closer := bus.Subscribe()
	defer closer()

	r := NewReporter(bus, "a", 1, &Indexer{})
	r.Decrement(500)

	select {
	case n := <-ch:
		if !n.Decrement || n.Current != 500 {
			t.Errorf("unexpected decrement notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected decrement to publish unconditionally")
	}
}

func TestIndexerMonotone(t *testing.T) {
	ix := &Indexer{}
	prev := ix.Next()
	for i := 0; i < 100; i++ {
		next := ix.Next()
		if next <= prev {
			t.Fatalf("indexer not monotone: %d then %d", prev, next)
		}
		prev = next
	}
}
