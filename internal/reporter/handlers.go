package reporter

import "github.com/netperfx/perfx/internal/domain"

// preReportHandler applies role/protocol-specific accounting that must
// run before the interval boundary is checked -- bursts need to report
// the packet before a possible interval emission, matching the
// original's packet_handler_pre_report placement.
func (r *Reporter) preReportHandler(info *domain.TransferInfo, ev domain.PacketEvent) {
	switch info.Role {
	case domain.RoleServer:
		r.oneWayTransit(info, ev)
	case domain.RoleClient:
		if ev.TCPStats != nil {
			// TCP_INFO snapshots ride along on write events; the
			// reporter does not copy them onto TransferInfo and the row
			// builder does not read them.
		}
	}

	if ev.BBServerRxTs.IsZero() || ev.BBServerTxTs.IsZero() {
		return
	}
	// Bounce-back: client and server timestamps ride on the same event.
	if !clockSyncOK(ev.SentTime, ev.BBServerRxTs, ev.BBServerTxTs, ev.PacketTime) {
		info.BBClockSyncErrors++
	}
	rtt := ev.PacketTime.SubSec(ev.SentTime)
	owdTo := ev.BBServerRxTs.SubSec(ev.SentTime)
	owdFro := ev.PacketTime.SubSec(ev.BBServerTxTs)
	info.BBRTT.Update(rtt)
	info.BBOWDTo.Update(owdTo)
	info.BBOWDFro.Update(owdFro)
	info.BBAsym.Update(owdTo - owdFro)
}

// postReportHandler runs after the interval boundary: the original
// uses this slot for sum-report bookkeeping (ts.packetTime updates),
// which drainDataJob already performs for every event.
func (r *Reporter) postReportHandler(info *domain.TransferInfo, ev domain.PacketEvent) {
	if info.Proto == domain.ProtoUDP && ev.Seq > 0 {
		info.IPG++
	}
}

// oneWayTransit is reporter_handle_packet_oneway_transit: compute
// transit = packetTime - sentTime, fold it into the transit Welford
// aggregates, then apply the RFC 1889 jitter recurrence to the signed
// first difference of consecutive transit samples -- skipped for the
// first two samples after an isochronous frame change (newburst=2),
// matching the "only jitter within a frame" rule.
func (r *Reporter) oneWayTransit(info *domain.TransferInfo, ev domain.PacketEvent) {
	if !ev.TransitReady || ev.SentTime.IsZero() {
		return
	}
	transit := ev.PacketTime.SubSec(ev.SentTime)
	info.TransitCurrent.Update(transit)
	info.TransitTotal.Update(transit)

	fs := r.stateFor(info)

	if ev.FrameID != 0 && ev.FrameID != fs.frameID {
		fs.newburst = 2
		fs.frameID = ev.FrameID
	}

	if fs.newburst > 0 {
		fs.newburst--
	} else if fs.haveTransit {
		delta := transit - fs.lastTransit
		info.UpdateJitter(delta)
	}
	fs.lastTransit = transit
	fs.haveTransit = true
}

// handleConnectionReport folds a client connect-time observation into
// the cross-flow connect_times aggregate.
func (r *Reporter) handleConnectionReport(c *domain.ConnectionReport) {
	if c == nil {
		return
	}
	r.connectMu.Lock()
	r.connectTimes.Update(c.ConnectTimeMs)
	cnt := r.connectTimes.Cnt
	r.connectMu.Unlock()
	if cnt > 1 {
		r.emitConnectSummary()
	}
}
