// Package wire implements the fixed, big-endian on-wire framing that
// carries sequence numbers, client-to-server test parameters and
// bounce-back timestamps between perfx peers.
//
// Every multi-byte field is big-endian (network byte order), following
// the same manual fixed-offset encode/decode idiom diago uses for RTP
// headers in media/rtp_parse.go, generalized here from one struct to
// the small family of headers this protocol needs.
package wire

import (
	"encoding/binary"
	"fmt"
)

// TestHdrFlag is the bitset carried in the first 4 bytes of the
// client-to-server test header; it controls which optional extension
// blocks follow.
type TestHdrFlag uint32

const (
	FlagIsoch TestHdrFlag = 1 << iota
	FlagTripTime
	FlagBounceBack
	FlagFullDuplex
	FlagReverse
	FlagL4S
)

func (f TestHdrFlag) has(bit TestHdrFlag) bool { return f&bit != 0 }

// clientTestHdrBaseLen is the byte length of the fixed portion of the
// client test header, read unconditionally before the flags word is
// inspected for extensions: flags,numThreads,mPort,bufferlen,mWinBand,mAmount.
const clientTestHdrBaseLen = 4 * 6

const (
	isochExtLen    = 4 * 4 // mFPS, mMean, mVariance, mBurstIPG
	tripTimeExtLen = 4 * 2 // start_tv_sec, start_tv_usec
	bbExtLen       = 4 * 2 // bb request size, bb reply size
)

// ClientTestHdrLen returns the total byte length that must be consumed
// after the first 4-byte flags read: the rest of the fixed block plus
// whichever extension blocks flags selects.
func ClientTestHdrLen(flags TestHdrFlag) int {
	n := clientTestHdrBaseLen - 4 // flags word itself already read
	if flags.has(FlagIsoch) {
		n += isochExtLen
	}
	if flags.has(FlagTripTime) {
		n += tripTimeExtLen
	}
	if flags.has(FlagBounceBack) {
		n += bbExtLen
	}
	return n
}

// ClientTestHdr is the client->server test-parameter header.
type ClientTestHdr struct {
	Flags      TestHdrFlag
	NumThreads uint32
	MPort      uint32
	BufferLen  uint32
	MWinBand   uint32
	MAmount    uint32

	// Extension: isoch parameters, present iff Flags.FlagIsoch.
	MFPS      uint32 // fixed-point fps*1000
	MMean     uint32
	MVariance uint32
	MBurstIPG uint32

	// Extension: trip-time start epoch, present iff Flags.FlagTripTime.
	StartTvSec  uint32
	StartTvUsec uint32

	// Extension: bounce-back request sizes, present iff Flags.FlagBounceBack.
	BBRequestSize uint32
	BBReplySize   uint32
}

// Encode serializes h into a big-endian byte slice sized exactly to
// its flags-selected extensions.
func (h ClientTestHdr) Encode() []byte {
	size := 4 + ClientTestHdrLen(h.Flags)
	buf := make([]byte, size)
	off := 0
	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(buf[off:], v)
		off += 4
	}
	putU32(uint32(h.Flags))
	putU32(h.NumThreads)
	putU32(h.MPort)
	putU32(h.BufferLen)
	putU32(h.MWinBand)
	putU32(h.MAmount)
	if h.Flags.has(FlagIsoch) {
		putU32(h.MFPS)
		putU32(h.MMean)
		putU32(h.MVariance)
		putU32(h.MBurstIPG)
	}
	if h.Flags.has(FlagTripTime) {
		putU32(h.StartTvSec)
		putU32(h.StartTvUsec)
	}
	if h.Flags.has(FlagBounceBack) {
		putU32(h.BBRequestSize)
		putU32(h.BBReplySize)
	}
	return buf
}

// DecodeClientTestHdrFlags reads just the leading 4-byte flags word,
// so the caller knows how many further bytes to read via
// ClientTestHdrLen before calling DecodeClientTestHdr.
func DecodeClientTestHdrFlags(b []byte) (TestHdrFlag, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("wire: short read for test header flags: %d bytes", len(b))
	}
	return TestHdrFlag(binary.BigEndian.Uint32(b)), nil
}

// DecodeClientTestHdr decodes the full header from b, which must be
// exactly 4+ClientTestHdrLen(flags) bytes (flags word included).
func DecodeClientTestHdr(b []byte) (ClientTestHdr, error) {
	flags, err := DecodeClientTestHdrFlags(b)
	if err != nil {
		return ClientTestHdr{}, err
	}
	want := 4 + ClientTestHdrLen(flags)
	if len(b) != want {
		return ClientTestHdr{}, fmt.Errorf("wire: test header length mismatch: got %d want %d", len(b), want)
	}

	off := 4
	getU32 := func() uint32 {
		v := binary.BigEndian.Uint32(b[off:])
		off += 4
		return v
	}
	h := ClientTestHdr{Flags: flags}
	h.NumThreads = getU32()
	h.MPort = getU32()
	h.BufferLen = getU32()
	h.MWinBand = getU32()
	h.MAmount = getU32()
	if flags.has(FlagIsoch) {
		h.MFPS = getU32()
		h.MMean = getU32()
		h.MVariance = getU32()
		h.MBurstIPG = getU32()
	}
	if flags.has(FlagTripTime) {
		h.StartTvSec = getU32()
		h.StartTvUsec = getU32()
	}
	if flags.has(FlagBounceBack) {
		h.BBRequestSize = getU32()
		h.BBReplySize = getU32()
	}
	return h, nil
}

// --- sequence-number encoding ---------------------------------------

// PackSeq splits a signed 64-bit sequence id into big-endian low/high
// 32-bit halves the way the UDP datagram header carries it. A legacy
// decoder reading only the low word sees a correct signed value as
// long as |seq| < 2^31.
func PackSeq(seq int64) (low, high uint32) {
	return uint32(seq), uint32(seq >> 32)
}

// UnpackSeq reconstructs the signed 64-bit sequence id from its
// big-endian low/high halves.
func UnpackSeq(low, high uint32) int64 {
	return int64(uint64(high)<<32 | uint64(low))
}

// --- UDP datagram header ---------------------------------------------

// UDPHeaderLen is the wire size of UDPHeader.
const UDPHeaderLen = 16

// UDPHeader is the per-datagram header: packed sequence id plus the
// sender's wall-clock send time.
type UDPHeader struct {
	Seq    int64
	TvSec  uint32
	TvUsec uint32
}

// Encode writes h into buf (len(buf) must be >= UDPHeaderLen) and
// returns the number of bytes written.
func (h UDPHeader) Encode(buf []byte) int {
	low, high := PackSeq(h.Seq)
	binary.BigEndian.PutUint32(buf[0:], low)
	binary.BigEndian.PutUint32(buf[4:], high)
	binary.BigEndian.PutUint32(buf[8:], h.TvSec)
	binary.BigEndian.PutUint32(buf[12:], h.TvUsec)
	return UDPHeaderLen
}

// DecodeUDPHeader parses a UDPHeader from the front of buf.
func DecodeUDPHeader(buf []byte) (UDPHeader, error) {
	if len(buf) < UDPHeaderLen {
		return UDPHeader{}, fmt.Errorf("wire: short UDP header: %d bytes", len(buf))
	}
	low := binary.BigEndian.Uint32(buf[0:])
	high := binary.BigEndian.Uint32(buf[4:])
	return UDPHeader{
		Seq:    UnpackSeq(low, high),
		TvSec:  binary.BigEndian.Uint32(buf[8:]),
		TvUsec: binary.BigEndian.Uint32(buf[12:]),
	}, nil
}

// UDPIsochExtLen is the wire size of UDPIsochExt.
const UDPIsochExtLen = 4 * 3 // frame id low/high + remaining

// UDPIsochExt follows UDPHeader on the wire for isochronous/burst UDP
// flows (negotiated by FlagIsoch in the client test header): the
// sender's current frame id and the byte count still owed on that
// frame after this datagram.
type UDPIsochExt struct {
	FrameID   int64
	Remaining int32
}

// Encode writes e into buf and returns the bytes written.
func (e UDPIsochExt) Encode(buf []byte) int {
	low, high := PackSeq(e.FrameID)
	binary.BigEndian.PutUint32(buf[0:], low)
	binary.BigEndian.PutUint32(buf[4:], high)
	binary.BigEndian.PutUint32(buf[8:], uint32(e.Remaining))
	return UDPIsochExtLen
}

// DecodeUDPIsochExt parses a UDPIsochExt from the front of buf.
func DecodeUDPIsochExt(buf []byte) (UDPIsochExt, error) {
	if len(buf) < UDPIsochExtLen {
		return UDPIsochExt{}, fmt.Errorf("wire: short UDP isoch extension: %d bytes", len(buf))
	}
	low := binary.BigEndian.Uint32(buf[0:])
	high := binary.BigEndian.Uint32(buf[4:])
	return UDPIsochExt{
		FrameID:   UnpackSeq(low, high),
		Remaining: int32(binary.BigEndian.Uint32(buf[8:])),
	}, nil
}

// --- TCP burst payload -------------------------------------------------

// TCPBurstHeaderLen is the wire size of TCPBurstHeader.
const TCPBurstHeaderLen = 4 * 10

// TCPBurstHeader prefixes every burst in the TCP burst-mode send
// loops.
type TCPBurstHeader struct {
	Flags         uint32
	BurstSize     uint32
	BurstID       uint32
	BurstPeriodUs uint32
	Seq           int64
	StartTvSec    uint32
	StartTvUsec   uint32
	WriteTvSec    uint32
	WriteTvUsec   uint32
}

// Encode writes h into buf and returns the bytes written.
func (h TCPBurstHeader) Encode(buf []byte) int {
	low, high := PackSeq(h.Seq)
	off := 0
	put := func(v uint32) {
		binary.BigEndian.PutUint32(buf[off:], v)
		off += 4
	}
	put(h.Flags)
	put(h.BurstSize)
	put(h.BurstID)
	put(h.BurstPeriodUs)
	put(low)
	put(high)
	put(h.StartTvSec)
	put(h.StartTvUsec)
	put(h.WriteTvSec)
	put(h.WriteTvUsec)
	return off
}

// DecodeTCPBurstHeader parses a TCPBurstHeader from the front of buf.
func DecodeTCPBurstHeader(buf []byte) (TCPBurstHeader, error) {
	if len(buf) < TCPBurstHeaderLen {
		return TCPBurstHeader{}, fmt.Errorf("wire: short TCP burst header: %d bytes", len(buf))
	}
	off := 0
	get := func() uint32 {
		v := binary.BigEndian.Uint32(buf[off:])
		off += 4
		return v
	}
	h := TCPBurstHeader{}
	h.Flags = get()
	h.BurstSize = get()
	h.BurstID = get()
	h.BurstPeriodUs = get()
	low := get()
	high := get()
	h.Seq = UnpackSeq(low, high)
	h.StartTvSec = get()
	h.StartTvUsec = get()
	h.WriteTvSec = get()
	h.WriteTvUsec = get()
	return h, nil
}

// --- bounce-back header -------------------------------------------------

// BBFlag is the bbflags bitset in BounceBackHeader.
type BBFlag uint32

const (
	BBStop BBFlag = 1 << iota
	BBReplySize
	BBQuickAck
	BBTOS
	BBClockSynced
)

func (f BBFlag) Has(bit BBFlag) bool { return f&bit != 0 }

// BounceBackHeaderLen is the wire size of BounceBackHeader: 9 uint32
// fields plus the trailing TOS byte.
const BounceBackHeaderLen = 4*9 + 1

// BounceBackHeader is the request/reply echo header for bounce-back
// mode. Each *Ts field is a single microsecond-resolution tick value
// (not a sec/usec pair), per spec.md section 4.6.
type BounceBackHeader struct {
	Flags        uint32
	BBFlags      BBFlag
	BBSize       uint32
	BBID         uint32
	BBClientTxTs uint32
	BBServerRxTs uint32
	BBServerTxTs uint32
	BBHold       uint32
	BBReplySizeB uint32
	TOS          byte
}

// Encode writes h into buf and returns the bytes written.
func (h BounceBackHeader) Encode(buf []byte) int {
	off := 0
	put := func(v uint32) {
		binary.BigEndian.PutUint32(buf[off:], v)
		off += 4
	}
	put(h.Flags)
	put(uint32(h.BBFlags))
	put(h.BBSize)
	put(h.BBID)
	put(h.BBClientTxTs)
	put(h.BBServerRxTs)
	put(h.BBServerTxTs)
	put(h.BBHold)
	put(h.BBReplySizeB)
	buf[off] = h.TOS
	off++
	return off
}

// DecodeBounceBackHeader parses a BounceBackHeader from the front of buf.
func DecodeBounceBackHeader(buf []byte) (BounceBackHeader, error) {
	if len(buf) < BounceBackHeaderLen {
		return BounceBackHeader{}, fmt.Errorf("wire: short bounce-back header: %d bytes", len(buf))
	}
	off := 0
	get := func() uint32 {
		v := binary.BigEndian.Uint32(buf[off:])
		off += 4
		return v
	}
	h := BounceBackHeader{}
	h.Flags = get()
	h.BBFlags = BBFlag(get())
	h.BBSize = get()
	h.BBID = get()
	h.BBClientTxTs = get()
	h.BBServerRxTs = get()
	h.BBServerTxTs = get()
	h.BBHold = get()
	h.BBReplySizeB = get()
	h.TOS = buf[off]
	off++
	return h, nil
}

// --- client-header-ack --------------------------------------------------

// ClientHdrAckLen is the wire size of ClientHdrAck: type, len,
// version_u, version_l plus three {sec,usec} timestamp pairs
// (sent, sentrx, ack).
const ClientHdrAckLen = 4*4 + 4*2*3

// ClientHdrAck is returned by the server after reading the client test
// header so the client can estimate RTT and half-RTT.
type ClientHdrAck struct {
	Type       uint32
	Len        uint32
	VersionU   uint32
	VersionL   uint32
	SentSec    uint32
	SentUsec   uint32
	SentRxSec  uint32
	SentRxUsec uint32
	AckSec     uint32
	AckUsec    uint32
}

// Encode writes h into buf and returns the bytes written.
func (h ClientHdrAck) Encode(buf []byte) int {
	off := 0
	put := func(v uint32) {
		binary.BigEndian.PutUint32(buf[off:], v)
		off += 4
	}
	put(h.Type)
	put(h.Len)
	put(h.VersionU)
	put(h.VersionL)
	put(h.SentSec)
	put(h.SentUsec)
	put(h.SentRxSec)
	put(h.SentRxUsec)
	put(h.AckSec)
	put(h.AckUsec)
	return off
}

// DecodeClientHdrAck parses a ClientHdrAck from the front of buf.
func DecodeClientHdrAck(buf []byte) (ClientHdrAck, error) {
	if len(buf) < ClientHdrAckLen {
		return ClientHdrAck{}, fmt.Errorf("wire: short client header ack: %d bytes", len(buf))
	}
	off := 0
	get := func() uint32 {
		v := binary.BigEndian.Uint32(buf[off:])
		off += 4
		return v
	}
	a := ClientHdrAck{}
	a.Type = get()
	a.Len = get()
	a.VersionU = get()
	a.VersionL = get()
	a.SentSec = get()
	a.SentUsec = get()
	a.SentRxSec = get()
	a.SentRxUsec = get()
	a.AckSec = get()
	a.AckUsec = get()
	return a, nil
}

// --- L4S forward datagram and ack ---------------------------------------

// L4SForwardLen is the wire size of L4SForward (excluding the trailing
// standard UDPHeader, which is carried separately).
const L4SForwardLen = 4 * 3

// L4SForward is the sender-side L4S-paced datagram payload.
type L4SForward struct {
	SenderSeqno uint32
	SenderTs    uint32
	EchoedTs    uint32
}

// Encode writes f into buf and returns the bytes written.
func (f L4SForward) Encode(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:], f.SenderSeqno)
	binary.BigEndian.PutUint32(buf[4:], f.SenderTs)
	binary.BigEndian.PutUint32(buf[8:], f.EchoedTs)
	return L4SForwardLen
}

// DecodeL4SForward parses an L4SForward from the front of buf.
func DecodeL4SForward(buf []byte) (L4SForward, error) {
	if len(buf) < L4SForwardLen {
		return L4SForward{}, fmt.Errorf("wire: short L4S forward: %d bytes", len(buf))
	}
	return L4SForward{
		SenderSeqno: binary.BigEndian.Uint32(buf[0:]),
		SenderTs:    binary.BigEndian.Uint32(buf[4:]),
		EchoedTs:    binary.BigEndian.Uint32(buf[8:]),
	}, nil
}

// L4SAckFlag is the flags field of L4SAck.
type L4SAckFlag uint32

const L4SEcnErr L4SAckFlag = 1

// L4SAckLen is the wire size of L4SAck.
const L4SAckLen = 4 * 6

// L4SAck is the server's reverse ack for an L4S forward datagram.
type L4SAck struct {
	RxTs     uint32
	EchoedTs uint32
	RxCnt    uint32
	CECnt    uint32
	LostCnt  uint32
	Flags    L4SAckFlag
}

// Encode writes a into buf and returns the bytes written.
func (a L4SAck) Encode(buf []byte) int {
	off := 0
	put := func(v uint32) {
		binary.BigEndian.PutUint32(buf[off:], v)
		off += 4
	}
	put(a.RxTs)
	put(a.EchoedTs)
	put(a.RxCnt)
	put(a.CECnt)
	put(a.LostCnt)
	put(uint32(a.Flags))
	return off
}

// DecodeL4SAck parses an L4SAck from the front of buf.
func DecodeL4SAck(buf []byte) (L4SAck, error) {
	if len(buf) < L4SAckLen {
		return L4SAck{}, fmt.Errorf("wire: short L4S ack: %d bytes", len(buf))
	}
	off := 0
	get := func() uint32 {
		v := binary.BigEndian.Uint32(buf[off:])
		off += 4
		return v
	}
	a := L4SAck{}
	a.RxTs = get()
	a.EchoedTs = get()
	a.RxCnt = get()
	a.CECnt = get()
	a.LostCnt = get()
	a.Flags = L4SAckFlag(get())
	return a, nil
}

// --- UDP ack-FIN / server-relay report -----------------------------------

// ServerSummaryLen is the wire size of ServerSummary.
const ServerSummaryLen = 4 * 7

// ServerSummary is the server's final per-flow summary, relayed back
// to the client as the UDP ack-FIN payload so the client can print the
// server's view of loss/jitter alongside its own. Field selection
// mirrors the subset of github.com/pion/rtcp's ReceptionReport that
// applies to a one-way UDP test: highest sequence seen, cumulative
// lost, jitter, and byte/datagram totals.
type ServerSummary struct {
	HighestSeq   uint32
	TotalLost    uint32
	Jitter       uint32 // microseconds, fixed-point RFC 1889 estimate
	Datagrams    uint32
	OutOfOrder   uint32
	TotalBytesHi uint32 // high/low split of a 64-bit byte total
	TotalBytesLo uint32
}

// Encode writes s into buf and returns the bytes written.
func (s ServerSummary) Encode(buf []byte) int {
	off := 0
	put := func(v uint32) {
		binary.BigEndian.PutUint32(buf[off:], v)
		off += 4
	}
	put(s.HighestSeq)
	put(s.TotalLost)
	put(s.Jitter)
	put(s.Datagrams)
	put(s.OutOfOrder)
	put(s.TotalBytesHi)
	put(s.TotalBytesLo)
	return off
}

// DecodeServerSummary parses a ServerSummary from the front of buf.
func DecodeServerSummary(buf []byte) (ServerSummary, error) {
	if len(buf) < ServerSummaryLen {
		return ServerSummary{}, fmt.Errorf("wire: short server summary: %d bytes", len(buf))
	}
	off := 0
	get := func() uint32 {
		v := binary.BigEndian.Uint32(buf[off:])
		off += 4
		return v
	}
	s := ServerSummary{}
	s.HighestSeq = get()
	s.TotalLost = get()
	s.Jitter = get()
	s.Datagrams = get()
	s.OutOfOrder = get()
	s.TotalBytesHi = get()
	s.TotalBytesLo = get()
	return s, nil
}

// TotalBytes reconstructs the 64-bit byte total from its split halves.
func (s ServerSummary) TotalBytes() uint64 {
	return uint64(s.TotalBytesHi)<<32 | uint64(s.TotalBytesLo)
}
