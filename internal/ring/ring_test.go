package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netperfx/perfx/internal/domain"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	r := New(4)
	for i := int64(1); i <= 3; i++ {
		r.Enqueue(domain.PacketEvent{Seq: i})
	}
	assert.Equal(t, 3, r.Count())

	for i := int64(1); i <= 3; i++ {
		ev, ok := r.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, ev.Seq)
	}
	_, ok := r.Dequeue()
	assert.False(t, ok)
}

func TestDequeueEmptyDoesNotBlock(t *testing.T) {
	r := New(2)
	done := make(chan struct{})
	go func() {
		_, ok := r.Dequeue()
		assert.False(t, ok)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dequeue blocked on an empty ring")
	}
}

func TestEnqueueBlocksWhenFullThenWakesOnDequeue(t *testing.T) {
	r := New(1)
	r.Enqueue(domain.PacketEvent{Seq: 1})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Enqueue(domain.PacketEvent{Seq: 2})
	}()

	time.Sleep(20 * time.Millisecond)
	ev, ok := r.Dequeue()
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Seq)

	wg.Wait()
	ev, ok = r.Dequeue()
	require.True(t, ok)
	assert.Equal(t, int64(2), ev.Seq)
}

func TestConsumerDoneHandshake(t *testing.T) {
	r := New(2)
	done := make(chan struct{})
	go func() {
		r.WaitConsumerDone()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitConsumerDone returned before signal")
	case <-time.After(20 * time.Millisecond):
	}

	r.SignalConsumerDone()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitConsumerDone never woke after SignalConsumerDone")
	}
}

func TestNeverDropsUnderContention(t *testing.T) {
	r := New(8)
	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < n; i++ {
			r.Enqueue(domain.PacketEvent{Seq: i})
		}
	}()

	seen := 0
	deadline := time.After(5 * time.Second)
	for seen < n {
		if ev, ok := r.Dequeue(); ok {
			assert.Equal(t, int64(seen), ev.Seq)
			seen++
			continue
		}
		select {
		case <-deadline:
			t.Fatalf("timed out after draining %d/%d", seen, n)
		default:
		}
	}
	wg.Wait()
}
