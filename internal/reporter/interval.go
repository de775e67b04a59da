package reporter

import (
	"github.com/netperfx/perfx/internal/clock"
	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/metrics"
)

// walkRoot processes every job currently on Root once, per spec.md
// section 4.10 step 3. Data jobs drain their ring; non-data jobs emit
// once and are removed immediately.
func (r *Reporter) walkRoot() {
	var finished []*domain.ReportHeader

	r.root.Each(func(h *domain.ReportHeader) {
		switch h.Kind {
		case domain.ReportData:
			if r.drainDataJob(h) {
				finished = append(finished, h)
			}
		case domain.ReportConnection:
			r.handleConnectionReport(h.Connection)
			finished = append(finished, h)
		case domain.ReportSettings:
			r.console(h.Settings.Text, nil)
			finished = append(finished, h)
		case domain.ReportServerRelay:
			r.emitServerRelay(h.ServerRelay)
			finished = append(finished, h)
		case domain.ReportString:
			r.console(h.String, nil)
			finished = append(finished, h)
		case domain.ReportError:
			r.console("", h.Err)
			finished = append(finished, h)
		}
	})

	for _, h := range finished {
		r.root.Remove(h)
	}
}

// drainDataJob dequeues every currently-available event on h's ring and
// applies the pre-report/interval/post-report handler chain. It
// returns true once the job's sentinel (negative-sequence) event has
// been observed and the job is ready to be freed.
func (r *Reporter) drainDataJob(h *domain.ReportHeader) bool {
	info := h.Data
	closed := false

	for {
		ev, ok := h.Ring.Dequeue()
		if !ok {
			break
		}
		metrics.RingDepth.WithLabelValues(info.Prefix).Set(float64(h.Ring.Count()))
		r.cd.consume(1)

		if ev.IsSentinel() {
			r.finishDataJob(info, h)
			h.Ring.SignalConsumerDone()
			closed = true
			break
		}

		r.preReportHandler(info, ev)
		r.intervalHandler(info, ev)
		r.postReportHandler(info, ev)

		info.TS.PacketTime = ev.PacketTime
		if info.GroupSum != nil {
			info.GroupSum.Bytes.Current = info.Bytes.Current
		}
		if info.FullDuplexInfo != nil {
			info.FullDuplexInfo.AddBytes(eventBytes(ev))
		}
	}

	return closed
}

// eventBytes returns the byte length a PacketEvent contributed,
// whichever of write/read/generic length the worker populated.
func eventBytes(ev domain.PacketEvent) int64 {
	switch {
	case ev.WriteLen > 0:
		return int64(ev.WriteLen)
	case ev.ReadLen > 0:
		return int64(ev.ReadLen)
	default:
		return int64(ev.Len)
	}
}

// intervalHandler implements reporter_condprint_time_interval_report:
// once the packet clock has crossed info.ts.nextTime, emit the
// interval row (catching up with empty rows if more than one interval
// was skipped), then reset the per-interval aggregates.
func (r *Reporter) intervalHandler(info *domain.TransferInfo, ev domain.PacketEvent) {
	if info.TS.IntervalTime <= 0 || info.TS.NextTime.IsZero() {
		return
	}
	for !ev.PacketTime.Before(info.TS.NextTime) {
		iStart := info.TS.PrevTime.SubSec(info.TS.StartTime)
		iEnd := info.TS.NextTime.SubSec(info.TS.StartTime)

		r.emitInterval(info, iStart, iEnd)

		info.TS.PrevTime = info.TS.NextTime
		info.TS.NextTime = info.TS.NextTime.AddSeconds(info.TS.IntervalTime)
		info.ResetInterval()
	}
}

// finishDataJob runs final aggregation for a flow: group-sum
// dereference and the one-shot final line.
func (r *Reporter) finishDataJob(info *domain.TransferInfo, h *domain.ReportHeader) {
	info.Final = true

	r.emitFinal(info)

	// The worker's own ack-fin (worker/server.go:sendAckFin) already
	// carries the wire-level summary the client needs, built from its
	// own live counters before the reporter ever sees the sentinel.
	// This report is the reporter-side echo of the same numbers, built
	// from the Welford-accounted totals (jitter in particular, which
	// only the reporter computes), for diagnostics/console output.
	if info.Role == domain.RoleServer && info.Proto == domain.ProtoUDP {
		if relay, err := BuildServerRelayReport(info); err == nil {
			r.Submit(domain.NewServerRelayHeader(relay.Payload))
		} else {
			r.console("", err)
		}
	}

	if info.GroupSum != nil {
		if info.GroupSum.Release() {
			delete(r.groupSumSeen, info.GroupSum)
		}
		metrics.GroupSumMembersActive.Dec()
	}
	r.forgetState(info)
}

// clockSyncOK checks the bounce-back ordering invariant
// sent <= serverRx <= serverTx <= clientRx (modulo measured RTT); a
// violation is counted but not fatal.
func clockSyncOK(sent, serverRx, serverTx, clientRx clock.Timestamp) bool {
	if serverRx.Before(sent) {
		return false
	}
	if serverTx.Before(serverRx) {
		return false
	}
	if clientRx.Before(serverTx) {
		return false
	}
	return true
}
