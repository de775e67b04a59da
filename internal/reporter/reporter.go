// Package reporter runs the single reporter goroutine: it drains every
// flow's packet ring, applies interval/jitter/transit accounting, and
// emits interval and final report lines. A TransferInfo is published to
// the reporter exactly once (via Submit) and from then on only the
// reporter goroutine touches its Welford/jitter/interval fields --
// the traffic worker's own inline counters (Bytes, SockCallStats,
// loss/OOO, PacketID) are always written before the PacketEvent that
// carries them is enqueued, so the ring's mutex acts as the publish
// barrier between the two goroutines for those fields too.
package reporter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netperfx/perfx/internal/barrier"
	"github.com/netperfx/perfx/internal/clock"
	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/metrics"
	"github.com/netperfx/perfx/internal/stats"
)

// Consumption-detector tuning, named and valued after the original's
// Reporter.c constants of the same names.
const (
	minPacketDepth   = 10
	minPerQueueDepth = 20
	reporterDelay    = 16 * time.Millisecond
)

// OutputHandler receives a fully updated TransferInfo at an interval
// boundary or flow close. This is the "output_handler(TransferInfo*)"
// function-pointer collaborator spec.md section 6 describes; the
// default is a zerolog line, but callers may substitute their own.
type OutputHandler func(*domain.TransferInfo, Row)

// ConsoleHandler receives one-shot String/Error job output.
type ConsoleHandler func(text string, err error)

// Option configures a Reporter at construction.
type Option func(*Reporter)

// WithLogger sets the structured logger used for the default output
// and console handlers, and for the reporter's own diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Reporter) { r.log = log }
}

// WithOutputHandler overrides the default per-row emission sink.
func WithOutputHandler(h OutputHandler) Option {
	return func(r *Reporter) { r.output = h }
}

// WithConsoleHandler overrides the default String/Error emission sink.
func WithConsoleHandler(h ConsoleHandler) Option {
	return func(r *Reporter) { r.console = h }
}

// WithReady wires the reporter to a ReporterReady gate, signaled once
// the reporter's first cycle begins so the launcher never races
// newly-spawned workers ahead of it.
func WithReady(ready *barrier.ReporterReady) Option {
	return func(r *Reporter) { r.ready = ready }
}

// Reporter owns the Root/Pending job lists and runs the single
// reporter-thread main loop described by spec.md section 4.10.
type Reporter struct {
	log zerolog.Logger

	mu      sync.Mutex
	pending domain.JobList
	root    domain.JobList
	wake    chan struct{}

	liveThreads int32 // atomic: user threads (client/server workers) still alive

	output  OutputHandler
	console ConsoleHandler
	ready   *barrier.ReporterReady

	flows map[uuid.UUID]*flowState // per-TransferInfo scratch state, keyed by TransferInfo.ID

	connectMu    sync.Mutex
	connectTimes stats.Welford

	cd consumptionDetector

	groupSumSeen map[*domain.GroupSumInfo]bool
}

// consumptionDetector mirrors the original's accounted_packets budget,
// applied once per reporter cycle (spec.md step 2) rather than once
// per job: the reporter tracks how many events it expected to drain
// this cycle against a per-traffic-thread floor, and sleeps if the
// previous cycle drained fewer than that floor -- signalling that
// the reporter is outpacing the traffic threads and a short suspend
// lets them build up a batch instead of thrashing the ring's condition
// variable on every single event.
type consumptionDetector struct {
	accountedPackets int
	suspends         int64
}

func (cd *consumptionDetector) reset(numTrafficThreads int) {
	budget := numTrafficThreads * minPerQueueDepth
	if budget < minPacketDepth {
		budget = minPacketDepth
	}
	cd.accountedPackets = budget
}

func (cd *consumptionDetector) consume(n int) {
	cd.accountedPackets -= n
}

func (cd *consumptionDetector) overBudget() bool {
	return cd.accountedPackets > 0
}

// New constructs a Reporter with empty job lists. A ready gate always
// exists -- WithReady overrides it with a caller-supplied one (so
// several collaborators can share a single gate), otherwise New creates
// a private one, reachable via Ready(), that Run always signals.
func New(opts ...Option) *Reporter {
	r := &Reporter{
		wake:         make(chan struct{}, 1),
		flows:        make(map[uuid.UUID]*flowState),
		groupSumSeen: make(map[*domain.GroupSumInfo]bool),
		connectTimes: stats.New(),
		ready:        barrier.NewReporterReady(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.output == nil {
		r.output = r.defaultOutput
	}
	if r.console == nil {
		r.console = r.defaultConsole
	}
	return r
}

// Ready returns the gate Run signals once its first cycle begins, so a
// launcher can wait on it without needing to have supplied it itself.
func (r *Reporter) Ready() *barrier.ReporterReady {
	return r.ready
}

// signal wakes the main loop if it is parked in its idle TimedWait.
func (r *Reporter) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Submit hands a job to the reporter. Safe to call from any worker
// goroutine at any time, including before Run starts.
func (r *Reporter) Submit(h *domain.ReportHeader) {
	r.mu.Lock()
	r.pending.PushBack(h)
	r.mu.Unlock()
	r.signal()
}

// IncThreads registers one more live user thread (a traffic worker
// about to start). The reporter keeps its idle TimedWait bounded only
// while more than one such thread is alive, matching
// thread_numuserthreads() > 1 in the original.
func (r *Reporter) IncThreads() {
	atomic.AddInt32(&r.liveThreads, 1)
}

// DecThreads unregisters a live user thread and wakes the reporter so
// it can notice the exit condition promptly.
func (r *Reporter) DecThreads() {
	atomic.AddInt32(&r.liveThreads, -1)
	r.signal()
}

func (r *Reporter) liveThreadCount() int {
	return int(atomic.LoadInt32(&r.liveThreads))
}

// Run executes the reporter main loop until the Root job list is empty
// after a cycle and fewer than two user threads remain, or ctx is
// cancelled. Pending is not checked at that exit.
func (r *Reporter) Run(ctx context.Context) error {
	if r.ready != nil {
		r.ready.Signal()
	}
	for {
		r.cycleBegin(ctx)

		if r.cd.overBudget() {
			metrics.ConsumptionDetectorSleepSeconds.Observe(reporterDelay.Seconds())
			clock.DelayLoop(reporterDelay.Microseconds())
			r.cd.suspends++
		}
		r.cd.reset(r.countDataJobs())

		r.walkRoot()

		if r.rootEmptyLocked() && r.liveThreadCount() < 2 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// cycleBegin moves Pending onto Root, idling up to 1s if both are
// empty and more than one user thread is still alive.
func (r *Reporter) cycleBegin(ctx context.Context) {
	r.mu.Lock()
	r.pending.DrainInto(&r.root)
	empty := r.root.Empty()
	r.mu.Unlock()

	if empty && r.liveThreadCount() > 1 {
		select {
		case <-r.wake:
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		r.mu.Lock()
		r.pending.DrainInto(&r.root)
		r.mu.Unlock()
	}
}

func (r *Reporter) rootEmptyLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.Empty()
}

func (r *Reporter) countDataJobs() int {
	n := 0
	r.root.Each(func(h *domain.ReportHeader) {
		if h.Kind == domain.ReportData {
			n++
		}
	})
	return n
}
