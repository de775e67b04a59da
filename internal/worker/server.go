package worker

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/netperfx/perfx/internal/clock"
	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/ecn"
	"github.com/netperfx/perfx/internal/ring"
	"github.com/netperfx/perfx/internal/sockopt"
	"github.com/netperfx/perfx/internal/wire"
)

// FlowState is the per-UDP-flow server-side state machine spec.md
// names: ReadyToAccept -> FirstPayloadParsed -> Running ->
// LastPacketSeen -> AckFinSent -> Closed. Fatal reads transition
// directly to Closed.
type FlowState int

const (
	StateReadyToAccept FlowState = iota
	StateFirstPayloadParsed
	StateRunning
	StateLastPacketSeen
	StateAckFinSent
	StateClosed
)

// ServerConfig parameterizes a Server.
type ServerConfig struct {
	Prefix    string
	Proto     domain.Proto
	BufferLen int32

	IsochEnabled bool

	ReverseByteCap int64

	BounceBackReplySize int32

	SuppressAckFin bool
	Multicast      bool

	IntervalTime time.Duration

	RingCapacity int

	Log zerolog.Logger
}

// Server runs one flow's server-side receive loop.
type Server struct {
	cfg  ServerConfig
	log  zerolog.Logger
	Ring *ring.Ring
	Info *domain.TransferInfo

	conn net.Conn
	peer *net.UDPAddr

	state FlowState

	prevSentTime   clock.Timestamp
	prevPacketTime clock.Timestamp
	prevFrameID    int64

	burstRemaining int32
	burstSentTime  clock.Timestamp
	expectHeader   bool
}

// NewServer constructs a Server wired to a fresh ring and TransferInfo.
func NewServer(cfg ServerConfig) *Server {
	cap := cfg.RingCapacity
	if cap <= 0 {
		cap = 512
	}
	s := &Server{
		cfg:  cfg,
		log:  cfg.Log,
		Ring: ring.New(cap),
		Info: domain.NewTransferInfo(cfg.Prefix, domain.RoleServer, cfg.Proto),
	}
	s.Info.TS.IntervalTime = cfg.IntervalTime.Seconds()
	return s
}

// Accept wraps an already-accepted/bound connection, taking the flow's
// start time from a trip-time field carried in the client test header
// when one is given, otherwise from the moment Accept is called.
func (s *Server) Accept(conn net.Conn, tripTimeStart clock.Timestamp) {
	s.conn = conn
	switch {
	case !tripTimeStart.IsZero():
		s.Info.TS.StartTime = tripTimeStart
	default:
		s.Info.TS.StartTime = clock.Now()
	}
	s.Info.TS.PrevTime = s.Info.TS.StartTime
	if s.Info.TS.IntervalTime > 0 {
		s.Info.TS.NextTime = s.Info.TS.StartTime.AddSeconds(s.Info.TS.IntervalTime)
	} else {
		s.Info.TS.NextTime = s.Info.TS.StartTime
	}
	s.state = StateReadyToAccept
}

// --- TCP -------------------------------------------------------------------

// RunTCP implements the TCP receive loop: InitTrafficLoop reads the
// first payload (its length determined by the flags word, the first 4
// bytes), then the main loop reads either a burst header or a body
// chunk of min(bufLen, burst_remaining), copying the sender timestamps
// into the event when transit_ready fires.
func (s *Server) RunTCP(inProgress func() bool) error {
	if err := s.initTrafficLoopTCP(); err != nil {
		return err
	}

	buf := make([]byte, s.cfg.BufferLen)
	for inProgress() {
		if s.expectHeader || s.burstRemaining <= 0 {
			hdrBuf := make([]byte, wire.TCPBurstHeaderLen)
			n, err := readFull(s.conn, hdrBuf)
			if err != nil {
				return s.finishTCPRead(n, err)
			}
			hdr, err := wire.DecodeTCPBurstHeader(hdrBuf)
			if err != nil {
				s.Ring.Enqueue(domain.PacketEvent{ErrKind: domain.NullEvent})
				continue
			}
			s.burstRemaining = int32(hdr.BurstSize)
			s.burstSentTime = clock.FromUnixSecUsec(hdr.StartTvSec, hdr.StartTvUsec)
			s.expectHeader = false
			s.Info.SockCallStats.RecordRead(int32(n))
			continue
		}

		chunk := s.cfg.BufferLen
		if chunk > s.burstRemaining {
			chunk = s.burstRemaining
		}
		n, err := s.conn.Read(buf[:chunk])
		if err != nil {
			return s.finishTCPRead(n, err)
		}
		s.Info.SockCallStats.RecordRead(int32(n))
		s.Info.RxBytes += int64(n)
		s.Info.Bytes.Current += int64(n)

		s.burstRemaining -= int32(n)
		ev := domain.PacketEvent{ReadLen: int32(n), PacketTime: clock.Now()}
		if s.burstRemaining <= 0 {
			ev.TransitReady = true
			ev.PrevSentTime = s.prevSentTime
			ev.SentTime = s.burstSentTime
			s.prevSentTime = s.burstSentTime
			s.expectHeader = true
		}
		s.Ring.Enqueue(ev)

		if s.cfg.ReverseByteCap > 0 && s.Info.Bytes.Current >= s.cfg.ReverseByteCap {
			return nil
		}
	}
	return nil
}

func (s *Server) initTrafficLoopTCP() error {
	flagsBuf := make([]byte, 4)
	n, err := readFull(s.conn, flagsBuf)
	if err != nil {
		return fmt.Errorf("worker: initial flags read: %w", err)
	}
	flags, err := wire.DecodeClientTestHdrFlags(flagsBuf)
	if err != nil {
		return err
	}
	rest := make([]byte, wire.ClientTestHdrLen(flags))
	if _, err := readFull(s.conn, rest); err != nil {
		return fmt.Errorf("worker: initial payload read: %w (flags-dependent length %d)", err, len(rest))
	}
	_ = n
	s.Info.Isoch.FramesTotal = 0
	s.expectHeader = true
	s.state = StateFirstPayloadParsed
	s.Ring.Enqueue(domain.PacketEvent{PacketTime: clock.Now(), ErrKind: domain.ReadSuccess})
	s.state = StateRunning
	return nil
}

func (s *Server) finishTCPRead(n int, err error) error {
	if n == 0 || errors.Is(err, net.ErrClosed) {
		s.state = StateClosed
		return nil // peer close is the expected end of stream
	}
	s.state = StateClosed
	return fmt.Errorf("worker: fatal TCP read: %w", err)
}

// --- TCP bounce-back responder ----------------------------------------------

// RunBounceBackTCP implements the bounce-back responder loop: read a
// request, stamp server-Rx, stamp server-Tx just before the reply
// write, and echo it back. BBSTOP in the peer's header ends the loop.
func (s *Server) RunBounceBackTCP() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = sockopt.SetNoDelay(tc)
	}

	req := make([]byte, wire.BounceBackHeaderLen)
	for {
		n, err := readFull(s.conn, req)
		if err != nil {
			return s.finishTCPRead(n, err)
		}
		hdr, err := wire.DecodeBounceBackHeader(req)
		if err != nil {
			s.Ring.Enqueue(domain.PacketEvent{ErrKind: domain.NullEvent})
			continue
		}

		rxTs := clock.Now()
		hdr.BBServerRxTs = uint32(rxTs.Time().UnixMicro())

		if tc, ok := s.conn.(*net.TCPConn); ok && hdr.BBFlags.Has(wire.BBQuickAck) {
			_ = sockopt.SetQuickAck(tc)
		}

		replyLen := s.cfg.BounceBackReplySize
		if hdr.BBFlags.Has(wire.BBReplySize) && hdr.BBReplySizeB > 0 {
			replyLen = int32(hdr.BBReplySizeB)
		}
		reply := make([]byte, replyLen)
		hdr.BBServerTxTs = uint32(clock.Now().Time().UnixMicro())
		hdr.Encode(reply)

		if _, err := s.conn.Write(reply); err != nil {
			return fmt.Errorf("worker: bounce-back reply write: %w", err)
		}
		s.Info.Bytes.Current += int64(len(req) + len(reply))
		s.Ring.Enqueue(domain.PacketEvent{
			ReadLen: int32(len(req)), WriteLen: int32(len(reply)),
			BBServerRxTs: rxTs, PacketTime: clock.Now(), TransitReady: true, ErrKind: domain.ReadSuccess,
		})

		if hdr.BBFlags.Has(wire.BBStop) {
			return nil
		}
	}
}

// --- UDP ---------------------------------------------------------------------

// RunUDP implements the UDP receive loop: recvmsg with the TOS control
// message, loss/OOO accounting against PacketID, isochronous
// frame/burst bookkeeping, and the negative-sequence FIN handshake.
// PacketTime is read from the userspace clock after each read returns;
// kernel receive timestamps are not enabled or read.
func (s *Server) RunUDP() error {
	conn, ok := s.conn.(*net.UDPConn)
	if !ok {
		return fmt.Errorf("worker: RunUDP requires a *net.UDPConn")
	}
	_ = ecn.EnableReceive(conn)

	buf := make([]byte, s.cfg.BufferLen+wire.UDPHeaderLen)
	oob := make([]byte, 128)

	for {
		n, oobn, flags, from, err := conn.ReadMsgUDP(buf, oob)
		if err != nil {
			return s.finishUDPRead(err)
		}
		s.peer = from
		if flags&unixMsgCtrunc() != 0 {
			s.Ring.Enqueue(domain.PacketEvent{ErrKind: domain.ReadErrLen})
			continue
		}

		packetTime := clock.Now()
		tos, _ := ecn.ReadCmsg(oob[:oobn])

		hdr, err := wire.DecodeUDPHeader(buf[:n])
		if err != nil {
			s.Ring.Enqueue(domain.PacketEvent{ErrKind: domain.NullEvent})
			continue
		}

		var ext wire.UDPIsochExt
		if s.cfg.IsochEnabled {
			ext, err = wire.DecodeUDPIsochExt(buf[wire.UDPHeaderLen:n])
			if err != nil {
				s.Ring.Enqueue(domain.PacketEvent{ErrKind: domain.NullEvent})
				continue
			}
		}

		ev := s.accountUDP(hdr, ext, n, packetTime)
		ev.TOS = byte(tos)
		s.Ring.Enqueue(ev)

		if hdr.Seq < 0 {
			s.state = StateLastPacketSeen
			if err := s.sendAckFin(); err != nil {
				s.log.Debug().Err(err).Msg("worker: ack-fin send failed")
			}
			s.state = StateAckFinSent
			return nil
		}
	}
}

func (s *Server) accountUDP(hdr wire.UDPHeader, ext wire.UDPIsochExt, n int, packetTime clock.Timestamp) domain.PacketEvent {
	sentTime := clock.FromUnixSecUsec(hdr.TvSec, hdr.TvUsec)
	ev := domain.PacketEvent{
		Seq: hdr.Seq, ReadLen: int32(n), PacketTime: packetTime,
		SentTime: sentTime, PrevSentTime: s.prevSentTime,
		// unconstrained UDP has no frame concept: every datagram carries
		// its own one-way-delay sample.
		TransitReady: true, ErrKind: domain.ReadSuccess,
	}

	if hdr.Seq > s.Info.PacketID {
		gap := hdr.Seq - s.Info.PacketID - 1
		if s.Info.PacketID > 0 {
			s.Info.Lost += gap
		}
		s.Info.PacketID = hdr.Seq
	} else if hdr.Seq > 0 {
		s.Info.OutOfOrder++
	}
	s.Info.Datagrams++

	if s.cfg.IsochEnabled {
		ev.FrameID = ext.FrameID
		ev.PrevFrameID = s.prevFrameID
		ev.Remaining = ext.Remaining
		ev.TransitReady = ext.Remaining == 0 && ext.FrameID == s.prevFrameID+1
		s.prevFrameID = ext.FrameID
	}

	s.prevSentTime = sentTime
	s.prevPacketTime = packetTime
	return ev
}

func (s *Server) finishUDPRead(err error) error {
	s.state = StateClosed
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("worker: fatal UDP read: %w", err)
}

func (s *Server) sendAckFin() error {
	if s.cfg.Multicast || s.cfg.SuppressAckFin {
		return nil
	}
	summary := wire.ServerSummary{
		HighestSeq: uint32(s.Info.PacketID),
		TotalLost:  uint32(s.Info.Lost),
		Datagrams:  uint32(s.Info.Datagrams),
		OutOfOrder: uint32(s.Info.OutOfOrder),
	}
	buf := make([]byte, wire.ServerSummaryLen)
	summary.Encode(buf)
	conn, ok := s.conn.(*net.UDPConn)
	if !ok || s.peer == nil {
		return fmt.Errorf("worker: sendAckFin requires a UDP peer address")
	}
	_, err := conn.WriteToUDP(buf, s.peer)
	return err
}

// --- UDP L4S -----------------------------------------------------------------

// RunUDPL4S implements the L4S receive loop: as RunUDP, but also
// decodes the forward datagram's {sender_ts, echoed_ts, sender_seqno},
// feeds the running receive/CE/loss counts to the oracle, and replies
// with an L4S ack echoing sender_ts. The ack is written without an ECN
// control message, and the oracle's ChooseECN is not consulted.
func (s *Server) RunUDPL4S(oracle L4SOracle) error {
	conn, ok := s.conn.(*net.UDPConn)
	if !ok {
		return fmt.Errorf("worker: RunUDPL4S requires a *net.UDPConn")
	}
	if oracle == nil {
		return fmt.Errorf("worker: RunUDPL4S requires an L4SOracle")
	}
	_ = ecn.EnableReceive(conn)

	var rxCnt, ceCnt, lostCnt uint32
	buf := make([]byte, wire.L4SForwardLen)
	oob := make([]byte, 128)

	for {
		n, oobn, _, from, err := conn.ReadMsgUDP(buf, oob)
		if err != nil {
			return s.finishUDPRead(err)
		}
		s.peer = from
		fwd, err := wire.DecodeL4SForward(buf[:n])
		if err != nil {
			continue
		}
		cp, _ := ecn.ReadCmsg(oob[:oobn])
		rxCnt++
		if cp.IsCE() {
			ceCnt++
		}
		s.Ring.Enqueue(domain.PacketEvent{Seq: int64(fwd.SenderSeqno), ReadLen: int32(n), PacketTime: clock.Now(), TOS: byte(cp)})

		oracle.OnAck(rxCnt, ceCnt, lostCnt, 0, false)

		ack := wire.L4SAck{RxTs: uint32(time.Now().UnixMicro()), EchoedTs: fwd.SenderTs, RxCnt: rxCnt, CECnt: ceCnt, LostCnt: lostCnt}
		if cp.IsCE() {
			ack.Flags = wire.L4SEcnErr
		}
		abuf := make([]byte, wire.L4SAckLen)
		ack.Encode(abuf)
		if _, err := conn.WriteToUDP(abuf, s.peer); err != nil {
			return fmt.Errorf("worker: l4s ack write: %w", err)
		}
	}
}

// unixMsgCtrunc isolates the MSG_CTRUNC bit check so callers don't
// need golang.org/x/sys/unix directly for one constant.
func unixMsgCtrunc() int {
	return msgCtrunc
}
