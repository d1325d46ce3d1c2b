package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

func TestBrokerDropsLaggingSubscriber(t *testing.T) {
	b := NewBroker(2)
	slow := b.Subscribe("c1")
	fast := b.Subscribe("c1")

	for i := 0; i < 3; i++ {
		b.Publish("c1", stream.Chunk{Index: uint64(i)})
		if i < 2 {
			<-fast.Events()
		}
	}
	<-fast.Events()

	require.True(t, slow.Lagged())
	require.False(t, fast.Lagged())
	require.Equal(t, 1, b.Count("c1"))

	// the lagging subscriber still drains what it buffered, then sees close
	n := 0
	for range slow.Events() {
		n++
	}
	require.Equal(t, 2, n)
}

func TestBrokerCompleteNotifiesOnce(t *testing.T) {
	b := NewBroker(8)
	sub := b.Subscribe("c1")

	require.Equal(t, 1, b.Complete("c1", stream.StatusError))
	require.Equal(t, 0, b.Complete("c1", stream.StatusCompleted))

	ev, ok := <-sub.Events()
	require.True(t, ok)
	require.True(t, ev.Final)
	require.Equal(t, stream.StatusError, ev.Status)
	_, ok = <-sub.Events()
	require.False(t, ok)
	require.Equal(t, 0, b.Count("c1"))
}

func TestBrokerIsolatesConversations(t *testing.T) {
	b := NewBroker(8)
	one := b.Subscribe("c1")
	two := b.Subscribe("c2")
	defer one.Unsubscribe()
	defer two.Unsubscribe()

	require.Equal(t, 1, b.Publish("c1", stream.Chunk{Content: "only c1"}))
	require.Len(t, one.Events(), 1)
	require.Len(t, two.Events(), 0)
}

func TestBrokerConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroker(1024)
	subs := make([]*Subscription, 16)
	for i := range subs {
		subs[i] = b.Subscribe("c1")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.Publish("c1", stream.Chunk{Index: uint64(i)})
		}
	}()
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			s.Unsubscribe()
		}(s)
	}
	wg.Wait()

	require.Equal(t, 0, b.Count("c1"))
	require.Equal(t, 0, b.Publish("c1", stream.Chunk{}))
}

func TestBrokerCloseClosesEverything(t *testing.T) {
	b := NewBroker(4)
	a := b.Subscribe("c1")
	c := b.Subscribe("c2")
	b.Close()

	_, ok := <-a.Events()
	require.False(t, ok)
	_, ok = <-c.Events()
	require.False(t, ok)
}
