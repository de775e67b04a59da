package reporter

import (
	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/metrics"
)

// Row is the immutable snapshot handed to an OutputHandler: the
// fields a formatted line needs, computed once so a custom handler
// doesn't have to re-derive interval deltas from TransferInfo itself.
type Row struct {
	Prefix     string
	IStart     float64
	IEnd       float64
	Bytes      int64
	Bandwidth  float64 // bits/sec over [IStart, IEnd]
	Datagrams  int64
	Lost       int64
	OutOfOrder int64
	JitterMs   float64
	TransitMs  float64
	Final      bool
}

func buildRow(info *domain.TransferInfo, iStart, iEnd float64) Row {
	delta := info.Bytes.Delta()
	dur := iEnd - iStart
	var bw float64
	if dur > 0 {
		bw = float64(delta) * 8 / dur
	}
	return Row{
		Prefix:     info.Prefix,
		IStart:     iStart,
		IEnd:       iEnd,
		Bytes:      delta,
		Bandwidth:  bw,
		Datagrams:  info.Datagrams,
		Lost:       info.Lost,
		OutOfOrder: info.OutOfOrder,
		JitterMs:   info.JitterCurrent.Mean * 1000,
		TransitMs:  info.TransitCurrent.Mean * 1000,
		Final:      info.Final,
	}
}

// emitInterval builds and dispatches one interval row, then counts it
// in metrics.
func (r *Reporter) emitInterval(info *domain.TransferInfo, iStart, iEnd float64) {
	row := buildRow(info, iStart, iEnd)
	r.output(info, row)
	metrics.ReportIntervalsEmittedTotal.WithLabelValues(info.Prefix).Inc()
}

// emitFinal builds and dispatches the flow's closing summary row,
// covering from the last interval boundary to the flow's last packet.
// Bytes carries the flow's total byte count; Bandwidth is computed from
// the bytes seen since that boundary.
func (r *Reporter) emitFinal(info *domain.TransferInfo) {
	iStart := info.TS.PrevTime.SubSec(info.TS.StartTime)
	iEnd := info.TS.PacketTime.SubSec(info.TS.StartTime)
	row := buildRow(info, iStart, iEnd)
	row.Bytes = info.Bytes.Current
	row.Final = true
	r.output(info, row)
}

// emitConnectSummary emits the cross-flow connect-time line with the
// running aggregate. handleConnectionReport calls it on every connection
// report once connect_times.cnt > 1, so it is not one-shot: with N
// samples the line is logged N-1 times.
func (r *Reporter) emitConnectSummary() {
	r.log.Info().
		Int64("samples", r.connectTimes.Cnt).
		Float64("mean_ms", r.connectTimes.Mean).
		Float64("min_ms", r.connectTimes.Min).
		Float64("max_ms", r.connectTimes.Max).
		Msg("connect-time summary")
}

// defaultOutput logs a structured interval/final row via zerolog,
// following diago's convention of event-scoped logger calls rather
// than a dedicated formatter type.
func (r *Reporter) defaultOutput(info *domain.TransferInfo, row Row) {
	ev := r.log.Info()
	if row.Final {
		ev = r.log.Info().Bool("final", true)
	}
	ev.Str("prefix", row.Prefix).
		Float64("istart", row.IStart).
		Float64("iend", row.IEnd).
		Int64("bytes", row.Bytes).
		Float64("bits_per_sec", row.Bandwidth).
		Int64("datagrams", row.Datagrams).
		Int64("lost", row.Lost).
		Int64("ooo", row.OutOfOrder).
		Float64("jitter_ms", row.JitterMs).
		Float64("transit_ms", row.TransitMs).
		Msg("report")
}

// defaultConsole logs a one-shot String/Error job.
func (r *Reporter) defaultConsole(text string, err error) {
	if err != nil {
		r.log.Error().Err(err).Msg("worker error")
		return
	}
	r.log.Info().Msg(text)
}
