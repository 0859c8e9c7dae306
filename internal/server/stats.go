package server

import "sync/atomic"

// State is the server lifecycle phase.
type State int32

const (
	Stopped State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot safe to read from any goroutine.
type Stats struct {
	State          string `json:"state"`
	Addr           string `json:"addr"`
	Accepted       uint64 `json:"accepted"`
	Rejected       uint64 `json:"rejected"`
	Active         int64  `json:"active"`
	Closed         uint64 `json:"closed"`
	Frames         uint64 `json:"frames"`
	ProtocolErrors uint64 `json:"protocol_errors"`
	BytesRead      uint64 `json:"bytes_read"`
	BytesWritten   uint64 `json:"bytes_written"`
}

type counters struct {
	accepted       atomic.Uint64
	rejected       atomic.Uint64
	active         atomic.Int64
	closed         atomic.Uint64
	frames         atomic.Uint64
	protocolErrors atomic.Uint64
	bytesRead      atomic.Uint64
	bytesWritten   atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted:       c.accepted.Load(),
		Rejected:       c.rejected.Load(),
		Active:         c.active.Load(),
		Closed:         c.closed.Load(),
		Frames:         c.frames.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		BytesRead:      c.bytesRead.Load(),
		BytesWritten:   c.bytesWritten.Load(),
	}
}
