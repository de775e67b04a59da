// Package launcher assembles a parsed client/listener description into
// running traffic workers: it copies the base flow description across
// mThreads, staggers first-packet sends, wires the N-party connect-done
// barrier, waits for the reporter to signal ready, then spawns workers --
// the sequencing diago.go's Diago constructor + NewDialog wiring follows
// for assembling a UA/dialog from functional options before any call
// starts.
package launcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netperfx/perfx/internal/barrier"
	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/reporter"
	"github.com/netperfx/perfx/internal/worker"
)

// staggerUnit and staggerCap implement spec.md section 4.11's
// "stagger sendfirst_pacing... modulo cap 10, total cap 20ms" rule:
// worker i's pacing offset is (i mod 10) * staggerUnit, which tops out
// at staggerCap - staggerUnit (18ms) for i congruent to 9 mod 10.
const (
	staggerModulo = 10
	staggerCap    = 20 * time.Millisecond
	staggerUnit   = staggerCap / staggerModulo
)

// sendfirstStagger returns the first-packet pacing offset for the i-th
// (zero-based) copy of a base flow description.
func sendfirstStagger(i int) time.Duration {
	return time.Duration(i%staggerModulo) * staggerUnit
}

// FlowSpec describes one client flow before per-worker mutation: Base
// is copied once per thread, and each copy then gets its pacing stagger
// and, with IncrementPort, its port increment.
type FlowSpec struct {
	Base worker.ClientConfig

	// IncrementPort, when true, adds the copy's index to the port
	// portion of Base.Addr for each of the N-1 extra copies (the
	// "increment source/destination IP or port as flagged" mutation).
	IncrementPort bool

	// WorkingLoad marks this spec as an added working-load side
	// channel (spec.md step 3): TCP, unpaced, TOS 0, small prefetch.
	WorkingLoad bool
}

// Option configures a Launcher at construction.
type Option func(*Launcher)

// WithLogger sets the launcher's structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Launcher) { l.log = log }
}

// WithReporter supplies an already-constructed Reporter instead of
// building a default one; useful when a caller wants a custom
// OutputHandler/ConsoleHandler.
func WithReporter(r *reporter.Reporter) Option {
	return func(l *Launcher) { l.reporter = r }
}

// WithFullDuplex arms a two-party full-duplex start/stop barrier shared
// by every spawned client, used when the forward and reverse streams of
// one bidirectional test must start/stop in lockstep.
func WithFullDuplex(timeout time.Duration) Option {
	return func(l *Launcher) { l.fullDuplex = barrier.NewFullDuplex(timeout) }
}

// Launcher builds worker descriptors from a client/listener description,
// wires the connect-done and reporter-ready barriers, and spawns the
// resulting traffic workers.
type Launcher struct {
	log        zerolog.Logger
	reporter   *reporter.Reporter
	fullDuplex *barrier.FullDuplex

	mu      sync.Mutex
	clients []*worker.Client
}

// New constructs a Launcher. If no Reporter is supplied via
// WithReporter, a default one is created; either way Launch waits on
// the reporter's own Ready() gate before spawning workers.
func New(opts ...Option) *Launcher {
	l := &Launcher{}
	for _, opt := range opts {
		opt(l)
	}
	if l.reporter == nil {
		l.reporter = reporter.New(reporter.WithLogger(l.log))
	}
	return l
}

// Reporter returns the launcher's Reporter, so a caller can run it
// (Reporter.Run blocks, so it is typically started in its own
// goroutine before Launch is called).
func (l *Launcher) Reporter() *reporter.Reporter {
	return l.reporter
}

// expandThreads implements spec.md step 2: copy the base description
// mThreads-1 times, applying the port-increment and pacing-stagger
// per-worker mutations. Index 0 is the base spec unmutated except for
// its own (zero) stagger.
func expandThreads(spec FlowSpec, mThreads int) ([]worker.ClientConfig, error) {
	if mThreads < 1 {
		return nil, fmt.Errorf("launcher: mThreads must be >= 1, got %d", mThreads)
	}
	cfgs := make([]worker.ClientConfig, mThreads)
	for i := 0; i < mThreads; i++ {
		cfg := spec.Base
		cfg.TxHoldBack = sendfirstStagger(i)
		if i > 0 {
			cfg.Prefix = fmt.Sprintf("%s.%d", spec.Base.Prefix, i)
			if spec.IncrementPort {
				addr, err := incrementPort(cfg.Addr, i)
				if err != nil {
					return nil, err
				}
				cfg.Addr = addr
			}
		}
		cfgs[i] = cfg
	}
	return cfgs, nil
}

// workingLoadConfig builds the side-channel description spec.md step 3
// calls for: TCP, unpaced (no rate limit), reusing the base host, TOS 0
// and a small write-prefetch buffer length, carrying whichever
// reverse/full-duplex flag the base flow already has.
func workingLoadConfig(base worker.ClientConfig) worker.ClientConfig {
	cfg := base
	cfg.Prefix = base.Prefix + ".workingload"
	cfg.Proto = domain.ProtoTCP
	cfg.Network = "tcp"
	cfg.Discipline = worker.DisciplineTCP
	cfg.RateBitsPerSec = 0
	cfg.BurstPeriodUs = 0
	cfg.BufferLen = smallPrefetchBufferLen
	return cfg
}

// smallPrefetchBufferLen is the working-load channel's small
// write-prefetch chunk size, distinct from the primary flow's
// (typically much larger) BufferLen.
const smallPrefetchBufferLen = 256

// Launch expands spec into mThreads client workers (plus an optional
// working-load side channel), wires the connect-done barrier across all
// of them, waits for the reporter to signal ready, then spawns every
// worker's Connect/StartSynch/Run/FinishTrafficActions sequence as its
// own goroutine. It returns once every worker has completed (or ctx is
// cancelled) with the first non-nil worker error, if any.
func (l *Launcher) Launch(ctx context.Context, spec FlowSpec, mThreads int) error {
	cfgs, err := expandThreads(spec, mThreads)
	if err != nil {
		return err
	}
	if spec.WorkingLoad {
		cfgs = append(cfgs, workingLoadConfig(spec.Base))
	}

	var connectDone *barrier.ConnectDone
	if len(cfgs) > 1 {
		connectDone = barrier.NewConnectDone(len(cfgs))
	}

	l.reporter.Ready().Wait()

	clients := make([]*worker.Client, len(cfgs))
	for i, cfg := range cfgs {
		cfg.ConnectDoneBarrier = connectDone
		cfg.FullDuplexBarrier = l.fullDuplex
		clients[i] = worker.NewClient(cfg, worker.WithLogger(l.log))
	}

	l.mu.Lock()
	l.clients = append(l.clients, clients...)
	l.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(clients))

	for _, c := range clients {
		l.reporter.IncThreads()
		l.reporter.Submit(domain.NewDataHeader(c.Info, c.Ring))

		wg.Add(1)
		go func(c *worker.Client) {
			defer wg.Done()
			defer l.reporter.DecThreads()
			errCh <- l.runOne(ctx, c)
		}(c)
	}

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// runOne drives one client worker's full lifecycle: connect, arrive at
// the connect-done barrier, start-synchronize, run its discipline until
// ctx is cancelled, then finish. A flow whose StartSynch fails skips
// Run and goes straight to FinishTrafficActions.
func (l *Launcher) runOne(ctx context.Context, c *worker.Client) error {
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("launcher: connect: %w", err)
	}
	if c.ConnectDoneBarrier() != nil {
		c.ConnectDoneBarrier().Arrive()
		c.ConnectDoneBarrier().Wait()
	}
	if err := c.StartSynch(c.TestHeader()); err != nil {
		_ = c.FinishTrafficActions()
		return fmt.Errorf("launcher: start synchronize: %w", err)
	}

	// Run returns ctx.Err() once the test duration's context is
	// cancelled -- the discipline loops' normal, expected exit, not a
	// flow failure -- so it is not propagated as an error here.
	runErr := c.Run(ctx)
	if runErr != nil && ctx.Err() != nil {
		runErr = nil
	}
	if finishErr := c.FinishTrafficActions(); finishErr != nil && runErr == nil {
		runErr = fmt.Errorf("launcher: finish traffic actions: %w", finishErr)
	}
	return runErr
}
