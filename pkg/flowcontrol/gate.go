package flowcontrol

import (
	"context"
	"time"
)

const (
	// recheckInterval bounds how long an admission wait can miss a wakeup.
	recheckInterval = 100 * time.Millisecond

	// paceEpsilon stands in for the smoothed RTT before any sample exists,
	// so the pacing rate never divides by zero.
	paceEpsilon = 0.001 // seconds

	minPaceDelay = time.Millisecond
	maxPaceDelay = time.Second
)

// Gate provides the blocking admission and pacing primitives called before
// every forwarded unit. Both are advisory rate control: skipping them would
// not corrupt data, only change burstiness.
type Gate struct {
	cc *Controller
}

// NewGate returns a gate over the given controller.
func NewGate(cc *Controller) *Gate {
	return &Gate{cc: cc}
}

// Wait blocks until a unit of size bytes fits in the congestion window, the
// wakeup coming from the controller's ack/loss/timeout signals with a
// periodic recheck as backstop. It returns early with the context error if
// the session is torn down.
func (g *Gate) Wait(ctx context.Context, size int) error {
	timer := time.NewTimer(recheckInterval)
	defer timer.Stop()
	for {
		// Grab the notify channel before checking, so a signal between the
		// check and the select is not lost.
		notify := g.cc.notifyCh()
		if g.cc.CanAdmit(size) {
			return nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(recheckInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		case <-timer.C:
		}
	}
}

// Pace suspends the caller long enough to spread admitted units across the
// round trip instead of releasing them in a burst: delay = size / (window /
// srtt), clamped to [1ms, 1s].
func (g *Gate) Pace(ctx context.Context, size int) error {
	srtt := g.cc.SmoothedRTT()
	if srtt < paceEpsilon {
		srtt = paceEpsilon
	}
	rate := g.cc.Window() / srtt // bytes per second
	delay := time.Duration(float64(size) / rate * float64(time.Second))
	if delay < minPaceDelay {
		delay = minPaceDelay
	}
	if delay > maxPaceDelay {
		delay = maxPaceDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
