// Package lifecycle tracks the agent's coarse phase across a turn. The
// interesting part is the gap between "model stopped producing tokens"
// and "all post-turn hooks completed": user input stays disabled while
// finalizing, but must never get stuck disabled if the completion signal
// is lost. Hence the dual recovery path: a fail-safe timer and immediate
// release on disconnect.
package lifecycle

import (
	"log/slog"
	"time"
)

// Phase is the coarse agent state.
type Phase int

const (
	Idle Phase = iota
	Processing
	Finalizing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// DefaultFailsafe bounds how long the machine may sit in Finalizing
// waiting for agent_ready.
const DefaultFailsafe = 5 * time.Second

// Machine is the turn lifecycle state machine. All transition methods must
// be called from the engine's owner goroutine; the fail-safe timer fires
// on a background goroutine and must be routed back through the owner
// (via the expire callback) before calling FailsafeExpired.
type Machine struct {
	phase    Phase
	failsafe time.Duration

	// expire is invoked from the timer goroutine with the generation the
	// timer was armed under. The engine republishes it onto its own
	// goroutine and calls FailsafeExpired.
	expire func(gen uint64)

	timer *time.Timer
	gen   uint64
}

type Opt func(*Machine)

func WithFailsafe(d time.Duration) Opt {
	return func(m *Machine) {
		m.failsafe = d
	}
}

// New creates a machine in Idle.
func New(expire func(gen uint64), opts ...Opt) *Machine {
	m := &Machine{
		failsafe: DefaultFailsafe,
		expire:   expire,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// TurnStarted moves to Processing. Any stale finalizing state from an
// interrupted prior cycle is cleared here.
func (m *Machine) TurnStarted() {
	if m.phase == Finalizing {
		slog.Debug("Turn started while still finalizing previous turn, resetting")
	}
	m.cancelTimer()
	m.phase = Processing
}

// Completed moves Processing to Finalizing and arms the fail-safe timer.
func (m *Machine) Completed() {
	if m.phase != Processing {
		slog.Debug("Ignoring complete outside processing", "phase", m.phase.String())
		return
	}
	m.phase = Finalizing
	m.armTimer()
}

// Ready moves Finalizing to Idle on the explicit agent_ready signal.
func (m *Machine) Ready() {
	if m.phase != Finalizing {
		return
	}
	m.cancelTimer()
	m.phase = Idle
}

// FailsafeExpired handles the timer firing. The generation check rejects
// stale timers from a superseded finalize cycle. Returns true when the
// machine actually transitioned to Idle.
func (m *Machine) FailsafeExpired(gen uint64) bool {
	if gen != m.gen || m.phase != Finalizing {
		return false
	}
	slog.Warn("Finalizing fail-safe expired without agent_ready, releasing turn",
		"timeout", m.failsafe)
	m.timer = nil
	m.phase = Idle
	return true
}

// Disconnected releases a pending finalize: post-turn completion can never
// be confirmed once the transport dropped.
func (m *Machine) Disconnected() {
	if m.phase != Finalizing {
		return
	}
	slog.Debug("Transport disconnected while finalizing, releasing turn")
	m.cancelTimer()
	m.phase = Idle
}

// Errored resets to Idle from any phase on a hard agent error.
func (m *Machine) Errored() {
	m.cancelTimer()
	m.phase = Idle
}

func (m *Machine) armTimer() {
	m.cancelTimer()
	gen := m.gen
	m.timer = time.AfterFunc(m.failsafe, func() {
		m.expire(gen)
	})
}

// cancelTimer stops any armed timer and bumps the generation so a timer
// that already fired cannot affect the new cycle.
func (m *Machine) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}
