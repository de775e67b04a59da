package reporter

import (
	"fmt"

	"github.com/pion/rtcp"

	"github.com/netperfx/perfx/internal/domain"
)

// BuildServerRelayReport packs a flow's final UDP summary into an
// rtcp.ReceiverReport-shaped payload, reusing rtcp's wire encoding so
// the server-relay report (the reporter-side echo of the summary the
// server worker's ack-FIN already carries as a wire.ServerSummary,
// spec.md section 6) rides a well-known RTCP reception-report layout instead
// of a bespoke one: FractionLost/TotalLost/Jitter map directly onto
// our loss/jitter accounting, and SSRC doubles as a flow identifier.
func BuildServerRelayReport(info *domain.TransferInfo) (*domain.ServerRelayReport, error) {
	var fraction uint8
	if info.Datagrams > 0 {
		lost := info.Lost
		if lost < 0 {
			lost = 0
		}
		fraction = uint8(min64(lost*256/info.Datagrams, 255))
	}

	rr := rtcp.ReceiverReport{
		SSRC: flowSSRC(info),
		Reports: []rtcp.ReceptionReport{
			{
				SSRC:               flowSSRC(info),
				FractionLost:       fraction,
				TotalLost:          uint32(clampNonNegative(info.Lost)),
				LastSequenceNumber: uint32(clampNonNegative(info.PacketID)),
				Jitter:             uint32(info.JitterTotal.Mean * 1e6), // microseconds
			},
		},
	}
	buf, err := rr.Marshal()
	if err != nil {
		return nil, err
	}
	return &domain.ServerRelayReport{Payload: buf}, nil
}

// emitServerRelay unmarshals a ServerRelayReport's RTCP-encoded payload
// and logs its fields; the payload is binary, never text, so it cannot
// go through console() like the other one-shot job kinds.
func (r *Reporter) emitServerRelay(rep *domain.ServerRelayReport) {
	var rr rtcp.ReceiverReport
	if err := rr.Unmarshal(rep.Payload); err != nil {
		r.console("", fmt.Errorf("reporter: malformed server relay report: %w", err))
		return
	}
	if len(rr.Reports) == 0 {
		r.console("", fmt.Errorf("reporter: server relay report carries no reception reports"))
		return
	}
	rep0 := rr.Reports[0]
	r.log.Info().
		Uint32("ssrc", rep0.SSRC).
		Uint8("fraction_lost", rep0.FractionLost).
		Uint32("total_lost", rep0.TotalLost).
		Uint32("highest_seq", rep0.LastSequenceNumber).
		Uint32("jitter_us", rep0.Jitter).
		Msg("server relay report")
}

// flowSSRC derives a stable 32-bit identifier from a flow's uuid, the
// way an RTCP session picks a random SSRC -- here it's deterministic
// since the flow identity already exists.
func flowSSRC(info *domain.TransferInfo) uint32 {
	b := info.ID
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
