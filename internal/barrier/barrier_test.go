package barrier

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectDoneReleasesAfterAllArrive(t *testing.T) {
	const n = 4
	b := NewConnectDone(n)

	var wg sync.WaitGroup
	released := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Arrive()
		}()
	}
	go func() {
		b.Wait()
		close(released)
	}()
	wg.Wait()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("ConnectDone did not release after all parties arrived")
	}
}

func TestFullDuplexReleasesOnSecondArrival(t *testing.T) {
	b := NewFullDuplex(0)
	done1 := make(chan error, 1)
	go func() { done1 <- b.Await() }()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done1:
		t.Fatal("first arrival should block until the second arrives")
	default:
	}

	err := b.Await()
	assert.NoError(t, err)
	select {
	case err1 := <-done1:
		assert.NoError(t, err1)
	case <-time.After(time.Second):
		t.Fatal("first arrival never released")
	}
}

func TestFullDuplexTimesOutWhenSecondNeverArrives(t *testing.T) {
	b := NewFullDuplex(50 * time.Millisecond)
	err := b.Await()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFullDuplexResetAllowsReuse(t *testing.T) {
	b := NewFullDuplex(0)
	go b.Await()
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, b.Await())

	b.Reset()
	done := make(chan error, 1)
	go func() { done <- b.Await() }()
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, b.Await())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second round never released after Reset")
	}
}

func TestReporterReadyGatesWaiters(t *testing.T) {
	r := NewReporterReady()
	released := make(chan struct{})
	go func() {
		r.Wait()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("waiter released before Signal")
	case <-time.After(20 * time.Millisecond):
	}

	r.Signal()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("waiter never released after Signal")
	}
}
