package domain

import "github.com/rs/xid"

// ReportKind tags the variant carried by a ReportHeader.
type ReportKind int

const (
	ReportData ReportKind = iota
	ReportConnection
	ReportSettings
	ReportServerRelay
	ReportString
	ReportError
)

// ConnectionReport carries a client connect-time observation into the
// reporter's connect_times aggregation.
type ConnectionReport struct {
	ConnectTimeMs float64
}

// SettingsReport carries a one-shot settings/banner line.
type SettingsReport struct {
	Text string
}

// ServerRelayReport carries the serialized final server summary pushed
// back to the client at UDP test end.
type ServerRelayReport struct {
	Payload []byte
}

// ReportHeader is a job-list entry: a tagged union over
// {Data, Connection, Settings, ServerRelay, String, Error}. Data
// entries stay linked in the reporter's job list until the flow's
// sentinel has been drained; every other kind is emitted once and
// freed.
type ReportHeader struct {
	ID   xid.ID
	Kind ReportKind

	Data       *TransferInfo
	Ring       Ringer
	Connection *ConnectionReport
	Settings   *SettingsReport
	ServerRelay *ServerRelayReport
	String     string
	Err        error

	next *ReportHeader
}

// Ringer is the minimal view the reporter needs of a worker's ring: it
// never needs to know about enqueue or the worker-facing API.
type Ringer interface {
	Dequeue() (PacketEvent, bool)
	SignalConsumerDone()
	Count() int
}

// NewDataHeader builds a Data job-list entry for a freshly published
// flow.
func NewDataHeader(info *TransferInfo, r Ringer) *ReportHeader {
	return &ReportHeader{ID: xid.New(), Kind: ReportData, Data: info, Ring: r}
}

// NewStringHeader builds a one-shot console String entry.
func NewStringHeader(s string) *ReportHeader {
	return &ReportHeader{ID: xid.New(), Kind: ReportString, String: s}
}

// NewErrorHeader builds a one-shot console Error entry.
func NewErrorHeader(err error) *ReportHeader {
	return &ReportHeader{ID: xid.New(), Kind: ReportError, Err: err}
}

// NewServerRelayHeader builds a one-shot ServerRelay console entry
// carrying a flow's final server-side summary.
func NewServerRelayHeader(payload []byte) *ReportHeader {
	return &ReportHeader{ID: xid.New(), Kind: ReportServerRelay, ServerRelay: &ServerRelayReport{Payload: payload}}
}

// JobList is the reporter's Root/Pending singly-linked list of
// ReportHeader entries, guarded externally by the reporter's
// ReportCond mutex.
type JobList struct {
	head *ReportHeader
	tail *ReportHeader
}

// PushBack appends a job to the list's tail.
func (l *JobList) PushBack(h *ReportHeader) {
	if l.head == nil {
		l.head = h
		l.tail = h
		return
	}
	l.tail.next = h
	l.tail = h
}

// Empty reports whether the list has no entries.
func (l *JobList) Empty() bool {
	return l.head == nil
}

// DrainInto moves every entry from l onto the end of dst, leaving l
// empty. Used to move Pending onto Root each reporter cycle.
func (l *JobList) DrainInto(dst *JobList) {
	if l.head == nil {
		return
	}
	if dst.head == nil {
		dst.head = l.head
		dst.tail = l.tail
	} else {
		dst.tail.next = l.head
		dst.tail = l.tail
	}
	l.head = nil
	l.tail = nil
}

// Each walks the list invoking fn for every entry, in order.
func (l *JobList) Each(fn func(*ReportHeader)) {
	for h := l.head; h != nil; h = h.next {
		fn(h)
	}
}

// Remove detaches h from the list. O(n); the job list is short-lived
// and small (one entry per live flow plus transient console rows).
func (l *JobList) Remove(h *ReportHeader) {
	var prev *ReportHeader
	for cur := l.head; cur != nil; cur = cur.next {
		if cur == h {
			if prev == nil {
				l.head = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == l.tail {
				l.tail = prev
			}
			return
		}
		prev = cur
	}
}
