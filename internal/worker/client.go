// Package worker implements the traffic-generation loops: the client
// side connects, synchronizes and drives one of nine send-loop
// disciplines; the server side accepts or binds and drives one of
// four receive-loop disciplines. Every loop hands its observations to
// the reporter through a ring.Ring of domain.PacketEvent; after
// publication the only TransferInfo fields a loop writes are its inline
// counters (Bytes, SockCallStats, loss/OOO, PacketID, Isoch), each
// before the event that carries them is enqueued.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/netperfx/perfx/internal/barrier"
	"github.com/netperfx/perfx/internal/clock"
	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/isoch"
	"github.com/netperfx/perfx/internal/markov"
	"github.com/netperfx/perfx/internal/ring"
	"github.com/netperfx/perfx/internal/sockopt"
	"github.com/netperfx/perfx/internal/tcpstats"
	"github.com/netperfx/perfx/internal/wire"
)

// Discipline selects one of the nine client send loops.
type Discipline int

const (
	DisciplineTCP Discipline = iota
	DisciplineRateLimitedTCP
	DisciplineNearCongestionTCP
	DisciplineWriteEventsTCP
	DisciplineBounceBackTCP
	DisciplineUDP
	DisciplineUDPIsochronous
	DisciplineUDPBurst
	DisciplineUDPL4S
)

// udpPayloadMinimum floors any computed per-frame isochronous byte
// count, mirroring the original's UDP_PAYLOAD_MINIMUM.
const udpPayloadMinimum = 20

// tcpBurstPayloadMinimum floors a computed burst size at the wire
// header's own length; a burst narrower than its header cannot carry
// one.
const tcpBurstPayloadMinimum = wire.TCPBurstHeaderLen

// udpIsochDatagramMinimum floors an isochronous/burst UDP datagram at
// the base header plus its frame-id/remaining extension; a datagram
// narrower than that cannot carry both.
const udpIsochDatagramMinimum = wire.UDPHeaderLen + wire.UDPIsochExtLen

// ClientConfig parameterizes a Client. Fields left at their zero value
// disable the feature they gate (e.g. MarkovDesc == "" means fixed
// BufferLen datagrams).
type ClientConfig struct {
	Prefix   string
	Proto    domain.Proto
	Network  string // "tcp" or "udp"
	Addr     string
	BufferLen int32

	Discipline Discipline

	RateBitsPerSec int64 // for DisciplineRateLimitedTCP / unconstrained UDP pacing
	NearCongestionWeight float64

	BurstSize     int32
	BurstPeriodUs int64
	FPS           float64
	IsochMeanBytes float64
	IsochVarianceBytes float64

	BounceBackRequestSize int32
	BounceBackReplySize   int32
	BounceBackBurst       int

	MarkovDesc string

	ConnectRetryTimer time.Duration // pacing between retry attempts
	ConnectRetryTime  time.Duration // overall connect window
	CloseOnFail       bool

	Reverse    bool
	CompatPeer bool

	TxStartEpoch clock.Timestamp
	TxHoldBack   time.Duration

	FullDuplexBarrier  *barrier.FullDuplex
	ConnectDoneBarrier *barrier.ConnectDone

	L4SOracle L4SOracle

	TestDuration time.Duration
	IntervalTime time.Duration

	RingCapacity int

	Log zerolog.Logger
}

// ClientOption mutates a Client after construction, following the
// functional-options idiom the core stack uses throughout.
type ClientOption func(*Client)

// WithLogger overrides the client's logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// Client runs one flow's client-side send loop.
type Client struct {
	cfg  ClientConfig
	log  zerolog.Logger
	Ring *ring.Ring
	Info *domain.TransferInfo

	conn net.Conn

	seq      int64
	frames   *isoch.FrameCounter
	markov   *markov.Graph
	connectTimeMs float64

	tcpReader *tcpstats.Reader
}

// NewClient constructs a Client wired to a fresh ring and TransferInfo
// for the given identity.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	cap := cfg.RingCapacity
	if cap <= 0 {
		cap = 512
	}
	c := &Client{
		cfg:  cfg,
		log:  cfg.Log,
		Ring: ring.New(cap),
		Info: domain.NewTransferInfo(cfg.Prefix, domain.RoleClient, cfg.Proto),
	}
	c.Info.Reverse = cfg.Reverse
	c.Info.FullDuplex = cfg.FullDuplexBarrier != nil
	c.Info.TS.IntervalTime = cfg.IntervalTime.Seconds()
	if cfg.MarkovDesc != "" {
		if g, err := markov.Parse(cfg.MarkovDesc); err == nil {
			c.markov = g
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// fatalTCPConnectErr reports whether err is one of the connect()
// failures that requires closing and reopening the socket rather than
// just retrying on the same fd -- refused/unreachable/reset, the
// errno set the original calls FATALTCPCONNECTERR.
func fatalTCPConnectErr(err error) bool {
	return errors.Is(err, syscallErrConnRefused) ||
		errors.Is(err, syscallErrNetUnreach) ||
		errors.Is(err, syscallErrConnReset)
}

// Connect implements my_connect: for TCP it retries connect() within
// ConnectRetryTime, backing off by ConnectRetryTimer minus the last
// attempt's elapsed time (floored at 10ms) between tries; for UDP it
// only installs the peer.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Proto == domain.ProtoUDP {
		conn, err := net.Dial("udp", c.cfg.Addr)
		if err != nil {
			return fmt.Errorf("worker: udp connect: %w", err)
		}
		c.conn = conn
		c.connectTimeMs = 0
		return nil
	}

	deadline := time.Now().Add(c.cfg.ConnectRetryTime)
	for {
		attemptStart := time.Now()
		conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.ConnectRetryTimer)
		attemptDone := time.Now()
		if err == nil {
			c.conn = conn
			c.connectTimeMs = float64(attemptDone.Sub(attemptStart).Microseconds()) / 1000
			return nil
		}

		if !attemptDone.Before(deadline) {
			return fmt.Errorf("worker: connect retry window expired: %w", err)
		}

		if c.cfg.CloseOnFail || fatalTCPConnectErr(err) {
			clock.DelayLoop(10_000)
			continue
		}

		elapsed := attemptDone.Sub(attemptStart)
		delay := c.cfg.ConnectRetryTimer - elapsed
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StartSynch publishes the first-payload test header (unless the peer
// is a compatibility peer or this is bounce-back), then honours the
// configured tx-start epoch / tx-hold-back, builds the frame counter
// for paced disciplines, and arms the full-duplex start barrier.
func (c *Client) StartSynch(hdr wire.ClientTestHdr) error {
	if !c.cfg.CompatPeer && c.cfg.Discipline != DisciplineBounceBackTCP {
		if err := c.sendFirstPayload(hdr); err != nil {
			return err
		}
	}

	if !c.cfg.TxStartEpoch.IsZero() {
		clock.AbsoluteSleepUntil(c.cfg.TxStartEpoch)
	} else if c.cfg.TxHoldBack > 0 {
		time.Sleep(c.cfg.TxHoldBack)
	}

	if c.isPaced() {
		c.frames = isoch.New(c.paceFPS(), clock.Now())
	}

	if c.cfg.FullDuplexBarrier != nil {
		if err := c.cfg.FullDuplexBarrier.Await(); err != nil {
			return fmt.Errorf("worker: full-duplex start barrier: %w", err)
		}
	}

	c.Info.TS.StartTime = clock.Now()
	c.Info.TS.PrevTime = c.Info.TS.StartTime
	if c.Info.TS.IntervalTime > 0 {
		c.Info.TS.NextTime = c.Info.TS.StartTime.AddSeconds(c.Info.TS.IntervalTime)
	} else {
		c.Info.TS.NextTime = c.Info.TS.StartTime
	}
	return nil
}

// sendFirstPayload retries the UDP-reverse first-payload send up to
// 100 times with a randomized 0-20ms IPG until the socket is
// writable; TCP and forward-UDP send it once.
func (c *Client) sendFirstPayload(hdr wire.ClientTestHdr) error {
	buf := hdr.Encode()
	if c.cfg.Proto == domain.ProtoTCP || !c.cfg.Reverse {
		_, err := c.conn.Write(buf)
		return err
	}
	for attempt := 0; attempt < 100; attempt++ {
		if _, err := c.conn.Write(buf); err == nil {
			return nil
		}
		ipg := time.Duration(rand.Intn(20)) * time.Millisecond
		time.Sleep(ipg)
	}
	return fmt.Errorf("worker: first payload send exhausted retries")
}

// ConnectDoneBarrier returns the configured N-party connect-done
// barrier, or nil if this flow runs unsynchronized (mThreads == 1).
func (c *Client) ConnectDoneBarrier() *barrier.ConnectDone {
	return c.cfg.ConnectDoneBarrier
}

// TestHeader builds the first-payload client-test header from this
// client's configuration: thread count, buffer length and the
// isochronous/bounce-back/full-duplex flags its discipline implies.
func (c *Client) TestHeader() wire.ClientTestHdr {
	hdr := wire.ClientTestHdr{
		NumThreads: 1,
		BufferLen:  uint32(c.cfg.BufferLen),
	}
	switch c.cfg.Discipline {
	case DisciplineUDPIsochronous, DisciplineUDPBurst:
		hdr.Flags |= wire.FlagIsoch
		hdr.MFPS = uint32(c.paceFPS() * 1000)
		hdr.MMean = uint32(c.cfg.IsochMeanBytes)
		hdr.MVariance = uint32(c.cfg.IsochVarianceBytes)
		hdr.MBurstIPG = uint32(c.cfg.BurstPeriodUs)
	case DisciplineBounceBackTCP:
		hdr.Flags |= wire.FlagBounceBack
		hdr.BBRequestSize = uint32(c.cfg.BounceBackRequestSize)
		hdr.BBReplySize = uint32(c.cfg.BounceBackReplySize)
	}
	if !c.cfg.TxStartEpoch.IsZero() {
		hdr.Flags |= wire.FlagTripTime
		t := c.cfg.TxStartEpoch.Time()
		hdr.StartTvSec = uint32(t.Unix())
		hdr.StartTvUsec = uint32(t.Nanosecond() / 1000)
	}
	if c.cfg.Reverse {
		hdr.Flags |= wire.FlagReverse
	}
	if c.cfg.FullDuplexBarrier != nil {
		hdr.Flags |= wire.FlagFullDuplex
	}
	if c.cfg.Discipline == DisciplineUDPL4S {
		hdr.Flags |= wire.FlagL4S
	}
	return hdr
}

func (c *Client) isPaced() bool {
	switch c.cfg.Discipline {
	case DisciplineUDPIsochronous, DisciplineUDPBurst, DisciplineBounceBackTCP:
		return true
	default:
		return c.cfg.Discipline == DisciplineTCP && c.cfg.BurstPeriodUs > 0
	}
}

func (c *Client) paceFPS() float64 {
	if c.cfg.FPS > 0 {
		return c.cfg.FPS
	}
	return 1
}

// Run dispatches to the configured send-loop discipline until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	switch c.cfg.Discipline {
	case DisciplineTCP:
		return c.runTCP(ctx, false)
	case DisciplineWriteEventsTCP:
		return c.runTCP(ctx, true)
	case DisciplineRateLimitedTCP:
		return c.runRateLimitedTCP(ctx)
	case DisciplineNearCongestionTCP:
		return c.runNearCongestionTCP(ctx)
	case DisciplineBounceBackTCP:
		return c.runBounceBackTCP(ctx)
	case DisciplineUDP:
		return c.runUDP(ctx)
	case DisciplineUDPIsochronous:
		return c.runUDPIsochronous(ctx)
	case DisciplineUDPBurst:
		return c.runUDPBurst(ctx)
	case DisciplineUDPL4S:
		return c.runUDPL4S(ctx, c.cfg.L4SOracle)
	default:
		return fmt.Errorf("worker: unknown discipline %d", c.cfg.Discipline)
	}
}

func (c *Client) nextSeq() int64 {
	c.seq++
	return c.seq
}

func (c *Client) payloadLen() int32 {
	if c.markov != nil {
		return int32(c.markov.Next())
	}
	return c.cfg.BufferLen
}

// --- 1 & 4: TCP unconstrained / write-events ----------------------------

// runTCP implements RunTCP (and, with waitWritable, RunWriteEventsTCP):
// each iteration continues an in-progress burst or starts a new one.
// The burst header carries the burst's send timestamp in both its
// StartTv and WriteTv fields -- one header covers every chunk of the
// burst, so that single send instant is the best available sent_time
// for the chunk that ends up closing the burst out.
func (c *Client) runTCP(ctx context.Context, waitWritable bool) error {
	tcpConn, _ := c.conn.(*net.TCPConn)
	var burstRemaining int32
	var burstID uint32
	var burstSentTime clock.Timestamp

	for ctx.Err() == nil {
		if burstRemaining <= 0 {
			burstRemaining = c.burstSize()
			burstID++
			if c.frames != nil {
				frameID, schedErr := c.frames.WaitTick(true)
				c.Info.Isoch.FramesTotal++
				c.Info.Isoch.FrameLatency.Update(float64(schedErr))
				_ = frameID
			}
			burstSentTime = clock.Now()
			sec, usec := burstSentTime.ToUnixSecUsec()
			hdr := wire.TCPBurstHeader{
				BurstSize:     uint32(burstRemaining),
				BurstID:       burstID,
				BurstPeriodUs: uint32(c.cfg.BurstPeriodUs),
				Seq:           c.nextSeq(),
				StartTvSec:    sec,
				StartTvUsec:   usec,
				WriteTvSec:    sec,
				WriteTvUsec:   usec,
			}
			buf := make([]byte, wire.TCPBurstHeaderLen)
			hdr.Encode(buf)
			if waitWritable {
				if err := waitPollout(tcpConn); err != nil {
					return err
				}
			}
			if err := c.writeAccounted(buf); err != nil {
				return err
			}
		}

		chunk := c.cfg.BufferLen
		if chunk > burstRemaining {
			chunk = burstRemaining
		}
		if waitWritable {
			if err := waitPollout(tcpConn); err != nil {
				return err
			}
		}
		ev := domain.PacketEvent{Seq: c.seq, Len: chunk, PacketTime: clock.Now(), SentTime: burstSentTime}
		if err := c.writeAccountedEvent(chunk, &ev); err != nil {
			return err
		}
		burstRemaining -= chunk
		if burstRemaining <= 0 {
			ev.TransitReady = true
		}
		c.Ring.Enqueue(ev)
	}
	return ctx.Err()
}

func (c *Client) burstSize() int32 {
	if c.cfg.BurstSize > 0 {
		return c.cfg.BurstSize
	}
	if c.frames != nil && c.cfg.IsochMeanBytes > 0 {
		n := int32(lognormal(c.cfg.IsochMeanBytes, c.cfg.IsochVarianceBytes))
		if n < tcpBurstPayloadMinimum {
			n = tcpBurstPayloadMinimum
		}
		return n
	}
	n := c.cfg.BufferLen
	if n < tcpBurstPayloadMinimum {
		n = tcpBurstPayloadMinimum
	}
	return n
}

// lognormal draws one sample from a lognormal distribution
// parameterized by mean/variance of the underlying normal, matching
// the isochronous frame-size generator's distribution choice.
func lognormal(mean, variance float64) float64 {
	sigma := math.Sqrt(variance)
	z := rand.NormFloat64()*sigma + mean
	return math.Exp(z)
}

func (c *Client) writeAccounted(buf []byte) error {
	n, err := c.conn.Write(buf)
	c.Info.SockCallStats.WriteCalls++
	if err != nil {
		c.Info.SockCallStats.WriteErrs++
		return classifyWriteErr(err)
	}
	c.Info.Bytes.Current += int64(n)
	return nil
}

func (c *Client) writeAccountedEvent(n int32, ev *domain.PacketEvent) error {
	buf := make([]byte, n)
	written, err := c.conn.Write(buf)
	c.Info.SockCallStats.WriteCalls++
	if err != nil {
		c.Info.SockCallStats.WriteErrs++
		ev.ErrKind = domain.WriteErrFatal
		return classifyWriteErr(err)
	}
	if written == 0 {
		ev.ErrKind = domain.WriteErrFatal
		return fmt.Errorf("worker: peer closed connection on write")
	}
	ev.WriteLen = int32(written)
	ev.ErrKind = domain.WriteSuccess
	c.Info.Bytes.Current += int64(written)
	return nil
}

func classifyWriteErr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("worker: fatal write: %w", err)
	}
	return fmt.Errorf("worker: write: %w", err)
}

// waitPollout blocks until the socket's send buffer has drained enough
// to accept more data, so RunWriteEventsTCP's accounting reflects
// actual kernel buffer drains rather than the write() call succeeding
// into OS buffering.
func waitPollout(conn *net.TCPConn) error {
	if conn == nil {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var pollErr error
	err = raw.Write(func(fd uintptr) bool {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		_, pollErr = unix.Poll(fds, -1)
		return true
	})
	if err != nil {
		return err
	}
	return pollErr
}

// --- 2: TCP rate-limited token bucket ------------------------------------

// runRateLimitedTCP implements RunRateLimitedTCP: tokens accrue at
// rate/8 bytes/sec, each successful header+body write pair decrements
// the bucket, and the loop sleeps 4us whenever tokens go negative.
func (c *Client) runRateLimitedTCP(ctx context.Context) error {
	bytesPerSec := float64(c.cfg.RateBitsPerSec) / 8
	tokens := 0.0
	last := time.Now()
	burstID := uint32(0)

	for ctx.Err() == nil {
		now := time.Now()
		tokens += bytesPerSec * now.Sub(last).Seconds()
		last = now

		if tokens < 0 {
			time.Sleep(4 * time.Microsecond)
			continue
		}

		burstID++
		hdr := wire.TCPBurstHeader{BurstSize: uint32(c.cfg.BufferLen), BurstID: burstID, Seq: c.nextSeq()}
		hbuf := make([]byte, wire.TCPBurstHeaderLen)
		hdr.Encode(hbuf)
		if err := c.writeAccounted(hbuf); err != nil {
			return err
		}
		ev := domain.PacketEvent{Seq: c.seq, PacketTime: clock.Now(), TransitReady: true}
		if err := c.writeAccountedEvent(c.cfg.BufferLen, &ev); err != nil {
			return err
		}
		tokens -= float64(len(hbuf) + int(c.cfg.BufferLen))
		c.Ring.Enqueue(ev)
	}
	return ctx.Err()
}

// --- 3: TCP near-congestion ----------------------------------------------

// runNearCongestionTCP implements RunNearCongestionTCP: one BufferLen
// write per iteration followed by a delay of ceil(rtt*weight), falling
// back to 100*weight when no TCP_INFO RTT sample is available. A
// weight <= 0 is treated as 1 so a misconfigured factor never turns
// the pacer into a tight spin.
func (c *Client) runNearCongestionTCP(ctx context.Context) error {
	weight := c.cfg.NearCongestionWeight
	if weight <= 0 {
		weight = 1
	}
	if tc, ok := c.conn.(*net.TCPConn); ok {
		c.tcpReader = tcpstats.NewReader(tc)
	}

	for ctx.Err() == nil {
		ev := domain.PacketEvent{Seq: c.nextSeq(), PacketTime: clock.Now(), TransitReady: true}
		if err := c.writeAccountedEvent(c.cfg.BufferLen, &ev); err != nil {
			return err
		}
		c.Ring.Enqueue(ev)

		rttUs := uint32(0)
		if c.tcpReader != nil {
			rttUs = c.tcpReader.RTTMicros()
		}
		var delayUs int64
		if rttUs > 0 {
			delayUs = int64(math.Ceil(float64(rttUs) * weight))
		} else {
			delayUs = int64(math.Ceil(100 * weight))
		}
		clock.DelayLoop(delayUs)
	}
	return ctx.Err()
}

// --- 5: TCP bounce-back --------------------------------------------------

// runBounceBackTCP implements RunBounceBackTCP: send a request stamped
// with the client-tx timestamp, read a BounceBackReplySize reply, and record the three-timestamp
// round-trip event. BounceBackBurst requests are sent per frame tick
// before the outer loop paces to the next frame. Each request is only
// the BounceBackHeaderLen-byte header, with BounceBackRequestSize
// carried in its BBSize field; no payload bytes follow the header.
func (c *Client) runBounceBackTCP(ctx context.Context) error {
	tcpConn, _ := c.conn.(*net.TCPConn)
	if tcpConn != nil {
		_ = sockopt.SetNoDelay(tcpConn)
	}

	burst := c.cfg.BounceBackBurst
	if burst <= 0 {
		burst = 1
	}

	for ctx.Err() == nil {
		if c.frames != nil {
			c.frames.WaitTick(true)
		}
		for i := 0; i < burst; i++ {
			if err := c.bounceBackOnce(); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

func (c *Client) bounceBackOnce() error {
	txTime := clock.Now()
	req := wire.BounceBackHeader{
		BBSize:       uint32(c.cfg.BounceBackRequestSize),
		BBID:         uint32(c.nextSeq()),
		BBClientTxTs: uint32(txTime.Time().UnixMicro()),
	}
	buf := make([]byte, wire.BounceBackHeaderLen)
	req.Encode(buf)
	if _, err := c.conn.Write(buf); err != nil {
		ev := domain.PacketEvent{Seq: c.seq, ErrKind: domain.WriteErrFatal}
		c.Ring.Enqueue(ev)
		return fmt.Errorf("worker: bounce-back write: %w", err)
	}

	reply := make([]byte, c.cfg.BounceBackReplySize)
	n, err := readFull(c.conn, reply)
	if err != nil {
		ev := domain.PacketEvent{Seq: c.seq, ErrKind: domain.ReadErrLen}
		c.Ring.Enqueue(ev)
		return fmt.Errorf("worker: bounce-back read: %w", err)
	}
	rep, err := wire.DecodeBounceBackHeader(reply[:wire.BounceBackHeaderLen])
	if err != nil {
		c.Ring.Enqueue(domain.PacketEvent{Seq: c.seq, ErrKind: domain.NullEvent})
		return nil
	}

	ev := domain.PacketEvent{
		Seq:          c.seq,
		WriteLen:     int32(len(buf)),
		ReadLen:      int32(n),
		PacketTime:   clock.Now(),
		SentTime:     txTime,
		BBServerRxTs: clock.FromTime(time.UnixMicro(int64(rep.BBServerRxTs))),
		BBServerTxTs: clock.FromTime(time.UnixMicro(int64(rep.BBServerTxTs))),
		TransitReady: true,
		ErrKind:      domain.ReadSuccess,
	}
	c.Ring.Enqueue(ev)
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// --- 6: UDP unconstrained -------------------------------------------------

// runUDP implements RunUDP: a running-delay equilibrium loop that
// corrects for scheduling slop by folding the previous packet's actual
// send-time deviation into the next delay.
func (c *Client) runUDP(ctx context.Context) error {
	deltaTargetNs := c.udpDeltaTargetNs()
	delay := float64(deltaTargetNs)
	lowerBound := deltaTargetNs / 2

	var lastPacketTime clock.Timestamp

	for ctx.Err() == nil {
		n := c.payloadLen()
		buf := make([]byte, n)
		seq := c.nextSeq()
		now := clock.Now()
		sec, usec := now.ToUnixSecUsec()
		hdr := wire.UDPHeader{Seq: seq, TvSec: sec, TvUsec: usec}
		hdr.Encode(buf)

		written, err := c.conn.Write(buf)
		if err != nil {
			c.Info.SockCallStats.WriteErrs++
			return classifyWriteErr(err)
		}
		c.Info.Bytes.Current += int64(written)
		c.Ring.Enqueue(domain.PacketEvent{Seq: seq, WriteLen: int32(written), PacketTime: now, SentTime: now, TransitReady: true, ErrKind: domain.WriteSuccess})

		if !lastPacketTime.IsZero() {
			delay += float64(deltaTargetNs) + 1000*float64(lastPacketTime.SubUsec(now))
			if delay < float64(lowerBound) {
				delay = float64(deltaTargetNs)
			}
		}
		lastPacketTime = now

		if delay >= 100_000 {
			clock.DelayLoop(int64(delay) / 1000)
		}
	}
	return ctx.Err()
}

func (c *Client) udpDeltaTargetNs() int64 {
	if c.cfg.BurstPeriodUs > 0 {
		return c.cfg.BurstPeriodUs * 1000
	}
	if c.cfg.RateBitsPerSec > 0 {
		return int64(c.cfg.BufferLen) * 8 * 1_000_000_000 / c.cfg.RateBitsPerSec
	}
	return 1_000_000 // 1ms default pacing
}

// --- 7: UDP isochronous ----------------------------------------------------

// runUDPIsochronous implements RunUDPIsochronous: per frame, draw a
// lognormal byte count for the frame and drain it in BufferLen-sized
// datagrams, each stamped with the frame id and the remaining-byte
// countdown; the previous frame id is recorded only on the reporter
// event.
func (c *Client) runUDPIsochronous(ctx context.Context) error {
	if c.frames == nil {
		c.frames = isoch.New(c.paceFPS(), clock.Now())
	}
	var prevFrameID int64

	for ctx.Err() == nil {
		frameID, _ := c.frames.WaitTick(true)
		bytecnt := int32(lognormal(c.cfg.IsochMeanBytes, c.cfg.IsochVarianceBytes) / (c.paceFPS() * 8))
		if bytecnt < udpIsochDatagramMinimum {
			bytecnt = udpIsochDatagramMinimum
		}

		for bytecnt > 0 {
			n := c.cfg.BufferLen
			if n > bytecnt {
				n = bytecnt
			}
			if n < udpIsochDatagramMinimum {
				n = udpIsochDatagramMinimum
			}
			bytecnt -= n

			seq := c.nextSeq()
			buf := make([]byte, n)
			now := clock.Now()
			sec, usec := now.ToUnixSecUsec()
			hdr := wire.UDPHeader{Seq: seq, TvSec: sec, TvUsec: usec}
			hdr.Encode(buf)
			wire.UDPIsochExt{FrameID: frameID, Remaining: bytecnt}.Encode(buf[wire.UDPHeaderLen:])
			written, err := c.conn.Write(buf)
			if err != nil {
				c.Info.SockCallStats.WriteErrs++
				return classifyWriteErr(err)
			}
			c.Info.Bytes.Current += int64(written)

			ev := domain.PacketEvent{
				Seq: seq, WriteLen: int32(written), PacketTime: now, SentTime: now,
				FrameID: frameID, PrevFrameID: prevFrameID, Remaining: bytecnt,
				TransitReady: bytecnt == 0, ErrKind: domain.WriteSuccess,
			}
			c.Ring.Enqueue(ev)
		}
		c.Info.Isoch.FramesTotal++
		prevFrameID = frameID
	}
	return ctx.Err()
}

// --- 8: UDP burst -----------------------------------------------------------

// runUDPBurst implements RunUDPBurst: per frame, write BurstSize bytes
// in BufferLen chunks spaced by BurstPeriodUs microseconds (the
// configured mBurstIPG), then wait for the next frame boundary.
func (c *Client) runUDPBurst(ctx context.Context) error {
	if c.frames == nil {
		c.frames = isoch.New(c.paceFPS(), clock.Now())
	}
	ipgUs := c.cfg.BurstPeriodUs

	for ctx.Err() == nil {
		frameID, _ := c.frames.WaitTick(true)
		remaining := c.cfg.BurstSize
		first := true
		for remaining > 0 {
			if !first && ipgUs > 0 {
				clock.DelayLoop(ipgUs)
			}
			first = false
			n := c.cfg.BufferLen
			if n > remaining {
				n = remaining
			}
			if n < udpIsochDatagramMinimum {
				n = udpIsochDatagramMinimum
			}
			remaining -= n

			seq := c.nextSeq()
			buf := make([]byte, n)
			now := clock.Now()
			sec, usec := now.ToUnixSecUsec()
			hdr := wire.UDPHeader{Seq: seq, TvSec: sec, TvUsec: usec}
			hdr.Encode(buf)
			wire.UDPIsochExt{FrameID: frameID, Remaining: remaining}.Encode(buf[wire.UDPHeaderLen:])
			written, err := c.conn.Write(buf)
			if err != nil {
				c.Info.SockCallStats.WriteErrs++
				return classifyWriteErr(err)
			}
			c.Info.Bytes.Current += int64(written)
			c.Ring.Enqueue(domain.PacketEvent{
				Seq: seq, WriteLen: int32(written), PacketTime: now, SentTime: now,
				FrameID: frameID, Remaining: remaining, TransitReady: remaining == 0,
				ErrKind: domain.WriteSuccess,
			})
		}
		c.Info.Isoch.FramesTotal++
	}
	return ctx.Err()
}

// --- 9: UDP L4S -------------------------------------------------------------

// L4SOracle is the black-box pacing oracle RunUDPL4S consumes; its
// internals are explicitly out of scope (spec.md section 1) and this
// interface is the boundary the core dispatches through.
type L4SOracle interface {
	PacingRate() int64
	Window() int
	Burst() int
	PacketSize() int32
	ChooseECN() byte
	OnAck(rxCnt, ceCnt, lostCnt uint32, inflight int, l4sErr bool)
	Reset()
}

// runUDPL4S implements RunUDPL4S: send up to min(window-inflight,
// burst) datagrams whenever nextSend has arrived, poll for an ack with
// a timeout of next_send-now, feed ack/timeout observations back to
// the oracle.
func (c *Client) runUDPL4S(ctx context.Context, oracle L4SOracle) error {
	if oracle == nil {
		return fmt.Errorf("worker: DisciplineUDPL4S requires an L4SOracle")
	}
	var inflight int
	nextSend := time.Now()

	for ctx.Err() == nil {
		now := time.Now()
		if !now.Before(nextSend) {
			window := oracle.Window()
			burst := oracle.Burst()
			toSend := window - inflight
			if toSend > burst {
				toSend = burst
			}
			for i := 0; i < toSend; i++ {
				seq := c.nextSeq()
				fwd := wire.L4SForward{SenderSeqno: uint32(seq), SenderTs: uint32(now.UnixMicro())}
				fbuf := make([]byte, wire.L4SForwardLen)
				fwd.Encode(fbuf)
				if _, err := c.conn.Write(fbuf); err != nil {
					c.Info.SockCallStats.WriteErrs++
					return classifyWriteErr(err)
				}
				inflight++
				c.Ring.Enqueue(domain.PacketEvent{Seq: seq, WriteLen: int32(len(fbuf)), PacketTime: clock.Now(), TOS: oracle.ChooseECN()})
			}
			rate := oracle.PacingRate()
			if rate <= 0 {
				rate = 1
			}
			nextSend = now.Add(time.Duration(int64(oracle.PacketSize())*8*1_000_000_000/rate) * time.Nanosecond)
		}

		timeout := time.Until(nextSend)
		if timeout < 0 {
			timeout = 0
		}
		ack, ok, err := c.pollL4SAck(timeout)
		if err != nil {
			return err
		}
		if ok {
			inflight -= int(ack.RxCnt)
			if inflight < 0 {
				inflight = 0
			}
			oracle.OnAck(ack.RxCnt, ack.CECnt, ack.LostCnt, inflight, ack.Flags&wire.L4SEcnErr != 0)
		} else if inflight >= oracle.Window() {
			oracle.Reset()
		}
	}
	return ctx.Err()
}

func (c *Client) pollL4SAck(timeout time.Duration) (wire.L4SAck, bool, error) {
	if timeout <= 0 {
		return wire.L4SAck{}, false, nil
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.L4SAck{}, false, err
	}
	buf := make([]byte, wire.L4SAckLen)
	n, err := c.conn.Read(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return wire.L4SAck{}, false, nil
		}
		return wire.L4SAck{}, false, err
	}
	if n < wire.L4SAckLen {
		return wire.L4SAck{}, false, nil
	}
	ack, err := wire.DecodeL4SAck(buf)
	if err != nil {
		return wire.L4SAck{}, false, nil
	}
	return ack, true, nil
}

// --- FinishTrafficActions ---------------------------------------------------

// FinishTrafficActions implements the client-side termination
// sequence: TCP half-closes and waits for the server's FIN; UDP sends
// a negated-sequence final datagram and retries until the server-relay
// report arrives or the retry budget (2s / 10ms = 200 attempts) is
// exhausted. It then posts the sentinel, waits for the reporter's
// consumer-done handshake, runs the full-duplex stop barrier if
// configured, and closes the socket.
func (c *Client) FinishTrafficActions() error {
	var relay *wire.ServerSummary

	if c.cfg.Proto == domain.ProtoTCP {
		if tc, ok := c.conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		if err := c.awaitServerClose(); err != nil {
			c.log.Debug().Err(err).Msg("worker: server close not observed before timeout")
		}
	} else {
		r, err := c.awaitServerFin()
		if err != nil {
			c.log.Debug().Err(err).Msg("worker: server fin not observed before retry budget exhausted")
		}
		relay = r
	}

	sentinel := -c.seq
	if sentinel >= 0 {
		sentinel = -1
	}
	c.Ring.Enqueue(domain.PacketEvent{Seq: sentinel})
	c.Ring.WaitConsumerDone()

	if c.cfg.FullDuplexBarrier != nil {
		if err := c.cfg.FullDuplexBarrier.Await(); err != nil {
			c.log.Debug().Err(err).Msg("worker: full-duplex stop barrier timed out")
		}
	}

	if relay != nil {
		c.log.Debug().
			Uint32("highest_seq", relay.HighestSeq).
			Uint32("total_lost", relay.TotalLost).
			Uint32("jitter_us", relay.Jitter).
			Uint32("datagrams", relay.Datagrams).
			Uint32("out_of_order", relay.OutOfOrder).
			Msg("worker: server relay summary received")
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) awaitServerClose() error {
	wait := c.cfg.TestDuration
	if wait < 2*time.Second {
		wait = 2 * time.Second
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	buf := make([]byte, 64)
	for {
		_, err := c.conn.Read(buf)
		if err != nil {
			return err // EOF is the expected outcome
		}
	}
}

func (c *Client) awaitServerFin() (*wire.ServerSummary, error) {
	finID := c.nextSeq()
	hdr := wire.UDPHeader{Seq: -finID}
	buf := make([]byte, wire.UDPHeaderLen)
	hdr.Encode(buf)

	for attempt := 0; attempt < 200; attempt++ {
		if _, err := c.conn.Write(buf); err != nil {
			return nil, err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
			return nil, err
		}
		reply := make([]byte, wire.ServerSummaryLen+wire.ClientHdrAckLen)
		n, err := c.conn.Read(reply)
		if err != nil {
			continue
		}
		if n >= wire.ServerSummaryLen {
			s, decErr := wire.DecodeServerSummary(reply[:wire.ServerSummaryLen])
			if decErr == nil {
				return &s, nil
			}
		}
	}
	return nil, fmt.Errorf("worker: server fin retry budget exhausted")
}
