// Package flowcontrol implements the per-session congestion controller that
// regulates how fast the tunnel forwards data: a TCP-Reno-style window with
// slow start and congestion avoidance, an RFC 6298 RTT estimator, and the
// blocking admission/pacing gate built on top of them.
package flowcontrol

import (
	"sync"
	"time"
)

// Phase is the growth phase of the congestion window.
type Phase int

const (
	// SlowStart grows the window exponentially: one full unit per ack.
	SlowStart Phase = iota
	// CongestionAvoidance grows the window linearly: about one unit per
	// window-worth of acks.
	CongestionAvoidance
)

func (p Phase) String() string {
	if p == SlowStart {
		return "slow_start"
	}
	return "congestion_avoidance"
}

// Settings are the externally supplied window parameters for one session.
type Settings struct {
	// MinWindow is the window floor in bytes. Never zero after defaults are
	// applied, which keeps the congestion-avoidance divide safe.
	MinWindow int `json:"minWindow" yaml:"minWindow"`
	// InitialWindow is the starting window in bytes.
	InitialWindow int `json:"initialWindow" yaml:"initialWindow"`
	// MaxWindow is the window cap in bytes.
	MaxWindow int `json:"maxWindow" yaml:"maxWindow"`
	// SSThresh is the initial slow-start threshold in bytes.
	SSThresh int `json:"ssthresh" yaml:"ssthresh"`
	// AvgUnitSize is the assumed size of one in-flight unit, used by the
	// admission check to convert a byte count into units.
	AvgUnitSize int `json:"avgUnitSize" yaml:"avgUnitSize"`
}

// DefaultSettings returns the standard session parameters.
func DefaultSettings() Settings {
	return Settings{
		MinWindow:     4096,
		InitialWindow: 4096,
		MaxWindow:     1048576,
		SSThresh:      8192,
		AvgUnitSize:   1024,
	}
}

func (s *Settings) applyDefaults() {
	d := DefaultSettings()
	if s.MinWindow <= 0 {
		s.MinWindow = d.MinWindow
	}
	if s.InitialWindow <= 0 {
		s.InitialWindow = d.InitialWindow
	}
	if s.MaxWindow <= 0 {
		s.MaxWindow = d.MaxWindow
	}
	if s.SSThresh <= 0 {
		s.SSThresh = d.SSThresh
	}
	if s.AvgUnitSize <= 0 {
		s.AvgUnitSize = d.AvgUnitSize
	}
}

// Stats is a point-in-time snapshot of the controller state.
type Stats struct {
	Window        float64 `json:"congestion_window"`
	SSThresh      float64 `json:"ssthresh"`
	Phase         string  `json:"phase"`
	InFlight      int     `json:"in_flight"`
	TotalSent     uint64  `json:"total_sent"`
	TotalAcked    uint64  `json:"total_acked"`
	SmoothedRTTMS float64 `json:"smoothed_rtt_ms"`
	RTTVarianceMS float64 `json:"rtt_variance_ms"`
	RTOMS         float64 `json:"rto_ms"`
}

// Controller owns the sending budget for one tunnel session. One instance
// per session; sessions never share a controller.
//
// The tunnel drives a session from a single goroutine, but the controller is
// still safe for concurrent use so that a pipelined variant (several units in
// flight) would not need changes here.
type Controller struct {
	mu       sync.Mutex
	settings Settings
	rtt      RTTEstimator

	window   float64 // bytes
	ssthresh float64 // bytes
	phase    Phase
	inFlight int

	totalSent  uint64
	totalAcked uint64

	// notify is closed and replaced whenever window state changes in a way
	// that could unblock an admission wait.
	notify chan struct{}
}

// NewController creates a controller in slow start with the configured
// initial window.
func NewController(settings Settings) *Controller {
	settings.applyDefaults()
	return &Controller{
		settings: settings,
		window:   float64(settings.InitialWindow),
		ssthresh: float64(settings.SSThresh),
		phase:    SlowStart,
		notify:   make(chan struct{}),
	}
}

// OnSent records one unit of size bytes entering flight. The caller must have
// already passed the admission gate.
func (c *Controller) OnSent(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
	c.totalSent++
}

// OnAcked records an acknowledged unit and its round-trip sample, growing the
// window according to the current phase.
func (c *Controller) OnAcked(size int, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rtt.Observe(rtt)

	switch c.phase {
	case SlowStart:
		c.window += float64(size)
		if c.window >= c.ssthresh {
			// One-way transition; only OnTimeout ever goes back.
			c.phase = CongestionAvoidance
		}
	case CongestionAvoidance:
		c.window += float64(size) * float64(size) / c.window
	}
	c.clampLocked()

	if c.inFlight > 0 {
		c.inFlight--
	}
	c.totalAcked++
	c.signalLocked()
}

// OnLoss halves the window and threshold. The growth phase is unchanged:
// loss is multiplicative decrease only, not a return to slow start.
func (c *Controller) OnLoss() {
	c.mu.Lock()
	defer c.mu.Unlock()

	half := c.window / 2
	min := float64(c.settings.MinWindow)
	if half < min {
		half = min
	}
	c.ssthresh = half
	c.window = half
	c.signalLocked()
}

// OnTimeout collapses the window to the floor and restarts slow start. This
// is the only path that resets the phase. In-flight accounting is discarded;
// whatever was outstanding is presumed lost.
func (c *Controller) OnTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	half := c.window / 2
	min := float64(c.settings.MinWindow)
	if half < min {
		half = min
	}
	c.ssthresh = half
	c.window = min
	c.phase = SlowStart
	c.inFlight = 0
	c.signalLocked()
}

func (c *Controller) clampLocked() {
	if c.window < float64(c.settings.MinWindow) {
		c.window = float64(c.settings.MinWindow)
	}
	if c.window > float64(c.settings.MaxWindow) {
		c.window = float64(c.settings.MaxWindow)
	}
}

func (c *Controller) signalLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// notifyCh returns a channel that is closed on the next state change.
func (c *Controller) notifyCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

// CanAdmit reports whether a unit of size bytes fits in the window right now:
// inFlight plus the unit's size in average units must not exceed the window.
func (c *Controller) CanAdmit(size int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canAdmitLocked(size)
}

func (c *Controller) canAdmitLocked(size int) bool {
	units := (size + c.settings.AvgUnitSize - 1) / c.settings.AvgUnitSize
	return float64(c.inFlight+units) <= c.window
}

// Window returns the current window in bytes.
func (c *Controller) Window() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Phase returns the current growth phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// InFlight returns the count of units admitted but not yet acknowledged.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// SmoothedRTT returns the smoothed round-trip estimate in seconds.
func (c *Controller) SmoothedRTT() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt.SmoothedRTT()
}

// Timeout returns the current retransmission timeout.
func (c *Controller) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt.Timeout()
}

// Snapshot returns a copy of the controller state for reporting.
func (c *Controller) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Window:        c.window,
		SSThresh:      c.ssthresh,
		Phase:         c.phase.String(),
		InFlight:      c.inFlight,
		TotalSent:     c.totalSent,
		TotalAcked:    c.totalAcked,
		SmoothedRTTMS: c.rtt.SmoothedRTT() * 1000,
		RTTVarianceMS: c.rtt.Variance() * 1000,
		RTOMS:         float64(c.rtt.Timeout()) / float64(time.Millisecond),
	}
}
