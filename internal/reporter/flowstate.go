package reporter

import "github.com/netperfx/perfx/internal/domain"

// flowState is reporter-private scratch state for one TransferInfo,
// holding the bits the original keeps inline on TransferInfo itself
// (stats->transit.current.last, isochstats.newburst/frameID) but which
// this port keeps out of the domain package since nothing outside the
// reporter ever needs them.
type flowState struct {
	lastTransit float64
	haveTransit bool

	newburst int   // isoch jitter-skip counter, RTP-pair convention (set to 2 on a frame change)
	frameID  int64 // last accounted isoch frame id
}

// stateFor returns (creating if absent) the scratch state for info.
func (r *Reporter) stateFor(info *domain.TransferInfo) *flowState {
	fs, ok := r.flows[info.ID]
	if !ok {
		fs = &flowState{}
		r.flows[info.ID] = fs
	}
	return fs
}

// forgetState drops a flow's scratch state once its job has closed.
func (r *Reporter) forgetState(info *domain.TransferInfo) {
	delete(r.flows, info.ID)
}
