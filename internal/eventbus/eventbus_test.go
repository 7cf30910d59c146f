package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := New(8, PolicyBlock)
	ch, unsub := bus.Subscribe(KindSecretAccessed)
	defer unsub()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: KindSecretAccessed, Version: i})
	}

	for i := 0; i < 5; i++ {
		select {
		case e := <-ch:
			require.Equal(t, i, e.Version)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	bus := New(8, PolicyBlock)
	ch, unsub := bus.Subscribe(KindSecretRotated)
	defer unsub()

	bus.Publish(Event{Kind: KindSecretAccessed})
	bus.Publish(Event{Kind: KindSecretRotated})

	select {
	case e := <-ch:
		require.Equal(t, KindSecretRotated, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected second event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOldestNeverBlocksPublisher(t *testing.T) {
	bus := New(2, PolicyDropOldest)
	ch, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Kind: KindSecretAccessed, Version: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked under drop_oldest policy")
	}

	// Drain whatever made it through; the last delivered version should be
	// the most recent one published.
	var last Event
	draining := true
	for draining {
		select {
		case e := <-ch:
			last = e
		default:
			draining = false
		}
	}
	require.Equal(t, 99, last.Version)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4, PolicyBlock)
	ch, unsub := bus.Subscribe()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	require.Equal(t, 0, bus.SubscriberCount())
}
