package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingTypes(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeCollectionCompleted)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeCollectionStarted, "REGTECH", nil)
	bus.Emit(TypeCollectionCompleted, "REGTECH", map[string]interface{}{"items_collected": 7})

	select {
	case e := <-ch:
		assert.Equal(t, TypeCollectionCompleted, e.Type)
		assert.Equal(t, "REGTECH", e.Source)
		assert.NotEmpty(t, e.ID)
		assert.EqualValues(t, 7, e.Data["items_collected"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestSubscribeAllTypes(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeCollectionStarted, "REGTECH", nil)
	bus.Emit(TypeCollectionFailed, "REGTECH", nil)

	got := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			got = append(got, e.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, []string{TypeCollectionStarted, TypeCollectionFailed}, got)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeCollectionStarted)
	defer bus.Unsubscribe(ch)

	// Nobody drains; publishing far past the buffer must still return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Emit(TypeCollectionStarted, "REGTECH", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeCollectionStarted)
	bus.Unsubscribe(ch)

	_, open := <-ch
	require.False(t, open)
}
