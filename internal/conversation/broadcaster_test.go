// ABOUTME: Tests for EventBroadcaster fan-out of conversation events
// ABOUTME: Covers subscribe, publish, exclusion, slow consumers, cleanup and concurrency

package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convstore/internal/store"
)

func appendedEvent(messageID, conversationID string) *Event {
	return &Event{
		Type:           EventMessageAppended,
		ConversationID: conversationID,
		Message: &store.Message{
			ID:             messageID,
			ConversationID: conversationID,
			Role:           store.RoleUser,
			Content:        "hello from " + messageID,
		},
	}
}

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNothing(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-1")
	other, _ := b.Subscribe(ctx, "conv-2")

	b.Publish("conv-1", appendedEvent("msg-1", "conv-1"), "")

	for _, ch := range []<-chan *Event{ch1, ch2} {
		ev := receive(t, ch)
		assert.Equal(t, EventMessageAppended, ev.Type)
		assert.Equal(t, "msg-1", ev.Message.ID)
	}
	assertNothing(t, other)
}

func TestBroadcaster_ExcludeSubID(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	origin, originID := b.Subscribe(ctx, "conv-1")
	peer, _ := b.Subscribe(ctx, "conv-1")

	b.Publish("conv-1", appendedEvent("msg-1", "conv-1"), originID)

	assertNothing(t, origin)
	assert.Equal(t, "msg-1", receive(t, peer).Message.ID)
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	_, _ = b.Subscribe(ctx, "conv-1") // never read
	fast, _ := b.Subscribe(ctx, "conv-1")

	done := make(chan struct{})
	go func() {
		for i := range 3 * subscriberBufferSize {
			b.Publish("conv-1", appendedEvent(fmt.Sprintf("msg-%d", i), "conv-1"), "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Equal(t, "msg-0", receive(t, fast).Message.ID)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "conv-1")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	b.mu.RLock()
	_, exists := b.subscribers["conv-1"]
	b.mu.RUnlock()
	assert.False(t, exists)
}

func TestBroadcaster_UnsubscribeAndClose(t *testing.T) {
	b := NewEventBroadcaster(nil)
	ctx := t.Context()

	ch1, sub1 := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-2")

	b.Unsubscribe("conv-1", sub1)
	_, ok := <-ch1
	assert.False(t, ok)

	// Unknown subscriptions and publishes to nobody are no-ops
	b.Unsubscribe("conv-1", sub1)
	b.Publish("conv-1", appendedEvent("msg-1", "conv-1"), "")

	b.Close()
	_, ok = <-ch2
	assert.False(t, ok)
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, "conv-busy")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish("conv-busy", appendedEvent("m", "conv-busy"), "")
			}
		})
	}
	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	_, id1 := b.Subscribe(t.Context(), "conv-1")
	_, id2 := b.Subscribe(t.Context(), "conv-1")
	require.NotEqual(t, id1, id2)
}
