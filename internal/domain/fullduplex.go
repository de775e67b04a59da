package domain

import "sync"

// FullDuplexInfo ties exactly two members (forward and reverse flow of
// one bidirectional test) together through a two-party barrier at
// start and stop, plus a combined totals block.
type FullDuplexInfo struct {
	mu   sync.Mutex
	cond *sync.Cond

	arrivedStart int
	arrivedStop  int

	Bytes     ByteCounter
	Datagrams int64

	forward *TransferInfo
	reverse *TransferInfo
}

// NewFullDuplexInfo returns an empty two-party full-duplex aggregate.
func NewFullDuplexInfo() *FullDuplexInfo {
	f := &FullDuplexInfo{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Join registers one side's TransferInfo (forward on first call,
// reverse on second).
func (f *FullDuplexInfo) Join(info *TransferInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forward == nil {
		f.forward = info
	} else {
		f.reverse = info
	}
}

// AwaitStart blocks until both members have called AwaitStart, using a
// 1s timed wait per iteration as the spec requires, so a caller can
// poll a deadline/interrupt flag between waits. Returns true once the
// barrier is crossed.
func (f *FullDuplexInfo) AwaitStart(timedWait func(cond *sync.Cond, mu *sync.Mutex)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arrivedStart++
	if f.arrivedStart >= 2 {
		f.cond.Broadcast()
		return true
	}
	for f.arrivedStart < 2 {
		timedWait(f.cond, &f.mu)
	}
	return true
}

// AwaitStop is the stop-side mirror of AwaitStart.
func (f *FullDuplexInfo) AwaitStop(timedWait func(cond *sync.Cond, mu *sync.Mutex)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arrivedStop++
	if f.arrivedStop >= 2 {
		f.cond.Broadcast()
		return true
	}
	for f.arrivedStop < 2 {
		timedWait(f.cond, &f.mu)
	}
	return true
}

// AddBytes folds one member's interval byte delta into the combined
// totals block.
func (f *FullDuplexInfo) AddBytes(n int64) {
	f.mu.Lock()
	f.Bytes.Current += n
	f.mu.Unlock()
}
