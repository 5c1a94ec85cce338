package tunnel

import "sync/atomic"

// Registry holds the process-wide aggregate counters. Sessions update it
// concurrently with atomic increments; it is the only state shared across
// sessions. A reporting path reads it via Snapshot.
type Registry struct {
	totalConnections  uint64
	activeSessions    int64
	requestsForwarded uint64
	forwardErrors     uint64
	keepalives        uint64
	bytesToDest       uint64
	bytesFromDest     uint64
}

// Stats is a point-in-time copy of the registry.
type Stats struct {
	TotalConnections  uint64 `json:"total_connections"`
	ActiveSessions    int64  `json:"active_tunnels"`
	RequestsForwarded uint64 `json:"requests_forwarded"`
	ForwardErrors     uint64 `json:"forward_errors"`
	Keepalives        uint64 `json:"keepalives"`
	BytesToDest       uint64 `json:"bytes_to_destinations"`
	BytesFromDest     uint64 `json:"bytes_from_destinations"`
}

// SessionOpened records a new authenticated session.
func (r *Registry) SessionOpened() {
	atomic.AddUint64(&r.totalConnections, 1)
	atomic.AddInt64(&r.activeSessions, 1)
}

// SessionClosed records a session teardown.
func (r *Registry) SessionClosed() {
	atomic.AddInt64(&r.activeSessions, -1)
}

// RequestForwarded records one completed round trip and its byte counts.
func (r *Registry) RequestForwarded(sent, received int) {
	atomic.AddUint64(&r.requestsForwarded, 1)
	atomic.AddUint64(&r.bytesToDest, uint64(sent))
	atomic.AddUint64(&r.bytesFromDest, uint64(received))
}

// ForwardError records a failed round trip.
func (r *Registry) ForwardError() {
	atomic.AddUint64(&r.forwardErrors, 1)
}

// Keepalive records one keepalive exchange.
func (r *Registry) Keepalive() {
	atomic.AddUint64(&r.keepalives, 1)
}

// Snapshot returns a consistent-enough copy for reporting.
func (r *Registry) Snapshot() Stats {
	return Stats{
		TotalConnections:  atomic.LoadUint64(&r.totalConnections),
		ActiveSessions:    atomic.LoadInt64(&r.activeSessions),
		RequestsForwarded: atomic.LoadUint64(&r.requestsForwarded),
		ForwardErrors:     atomic.LoadUint64(&r.forwardErrors),
		Keepalives:        atomic.LoadUint64(&r.keepalives),
		BytesToDest:       atomic.LoadUint64(&r.bytesToDest),
		BytesFromDest:     atomic.LoadUint64(&r.bytesFromDest),
	}
}
