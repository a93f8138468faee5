package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/firasghr/GoEgressFleet/events"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	b := events.New[int](4)
	ctx := context.Background()

	ch1, cancel1 := b.Subscribe(ctx)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(ctx)
	defer cancel2()

	b.Publish(42)

	for i, ch := range []<-chan int{ch1, ch2} {
		select {
		case v := <-ch:
			if v != 42 {
				t.Errorf("subscriber %d: expected 42, got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event received", i)
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := events.New[int](1)
	_, cancel := b.Subscribe(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Buffer of one; nobody reads.  Every publish after the first
		// must drop rather than block.
		for i := 0; i < 100; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if b.Drops() != 99 {
		t.Errorf("expected 99 drops, got %d", b.Drops())
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := events.New[int](4)
	_, cancel := b.Subscribe(context.Background())
	cancel()

	if b.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", b.Subscribers())
	}
	b.Publish(1)
	if b.Drops() != 0 {
		t.Errorf("expected no drops after unsubscribe, got %d", b.Drops())
	}
}

func TestBus_ContextCancelUnsubscribes(t *testing.T) {
	b := events.New[int](4)
	ctx, cancel := context.WithCancel(context.Background())
	b.Subscribe(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not removed after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
