package eventbus_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"crawlerd/internal/eventbus"
)

func TestPublishFanOut(t *testing.T) {
	b := eventbus.New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(eventbus.Event{Type: eventbus.TickFinished, Data: 2})

	for _, ch := range []<-chan eventbus.Event{a, c} {
		e := <-ch
		require.Equal(t, eventbus.TickFinished, e.Type)
		require.Equal(t, 2, e.Data)
		require.False(t, e.Time.IsZero())
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := eventbus.New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(eventbus.Event{Type: "first"})
	b.Publish(eventbus.Event{Type: "second"})

	require.Equal(t, "first", (<-ch).Type)
	require.Empty(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := eventbus.New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	b.Publish(eventbus.Event{Type: "after"})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := eventbus.New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		_, unsub := b.Subscribe(1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(eventbus.Event{Type: "x"})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}

func TestNop(t *testing.T) {
	eventbus.Nop.Publish(eventbus.Event{Type: "x"})
	ch, unsub := eventbus.Nop.Subscribe(1)
	defer unsub()
	_, ok := <-ch
	require.False(t, ok)
}
