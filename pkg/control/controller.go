// Package control implements spec.md §4.F's execution controller:
// software single-step by control-transfer prediction, the continue
// algorithm, vCont segment parsing, all-stop/non-stop stop propagation,
// Ctrl-C handling, and semihosting.
//
// Grounded structurally on delve's gdbserial package's
// gdbConn.step/gdbConn.resume/waitForvContStop/parseStopPacket — inverted
// from the debugger side (which *requests* a step and *parses* a stop
// event arriving from a real stub) to the stub side (which *performs*
// the step against a target.Port and *produces* the stop event) — and on
// original_source/e-server/src/GdbServer.h's doStep/doContinue/rspVCont/
// extractVContAction.
package control

import (
	"fmt"
	"sync"

	"github.com/kmate/epiphany-libs/pkg/logflags"
	"github.com/kmate/epiphany-libs/pkg/matchpoint"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
	"github.com/kmate/epiphany-libs/pkg/target"
)

// StopEvent is the controller's output: a thread stopped for some
// reason, to be reported either immediately (all-stop) or later via
// vStopped (non-stop) (spec.md §4.F). Semihost is set when the stop was
// caused by a TRAP that needs a client-side File-I/O round trip (spec.md
// §6.3); the dispatcher must send the F-request, await the reply, and
// call Controller.ResumeSemihost instead of treating this as a normal
// stop delivered to the user.
type StopEvent struct {
	Tid      int
	Signal   procmodel.Signal
	Semihost *FileIORequest
}

// Controller owns the matchpoint table and the non-stop pending-stop
// queue, and drives step/continue/vCont against a Registry and a
// target.Port (spec.md §5's single cooperative server loop: the
// controller never spawns goroutines of its own, it only polls).
type Controller struct {
	Reg  *procmodel.Registry
	Port target.Port
	MP   *matchpoint.Table
	Logs *logflags.Set

	NonStop bool

	mu           sync.Mutex
	pendingStops []StopEvent
}

// New returns a Controller for the given registry, port, and matchpoint
// table.
func New(reg *procmodel.Registry, port target.Port, mp *matchpoint.Table, logs *logflags.Set) *Controller {
	return &Controller{Reg: reg, Port: port, MP: mp, Logs: logs}
}

// pushPending appends a stop to the non-stop queue, reported on the next
// vStopped poll (spec.md §4.F).
func (c *Controller) pushPending(ev StopEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingStops = append(c.pendingStops, ev)
}

// PopPending removes and returns the oldest queued non-stop stop, if
// any, for vStopped.
func (c *Controller) PopPending() (StopEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingStops) == 0 {
		return StopEvent{}, false
	}
	ev := c.pendingStops[0]
	c.pendingStops = c.pendingStops[1:]
	return ev, true
}

// HasPending reports whether vStopped has more queued stops to deliver.
func (c *Controller) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingStops) > 0
}

// reportStop implements spec.md §4.F's all-stop vs. non-stop propagation:
// in all-stop mode every other thread of the process is halted too and
// the event is returned for immediate delivery; in non-stop mode only
// the stopping thread halts and the event is queued.
func (c *Controller) reportStop(process *procmodel.ProcessInfo, ev StopEvent) (StopEvent, error) {
	if c.NonStop {
		c.pushPending(ev)
		return ev, nil
	}
	if _, err := procmodel.HaltAll(c.Reg, process, c.Port); err != nil {
		return ev, fmt.Errorf("reportStop: %w", err)
	}
	return ev, nil
}

// BreakAll handles an inline 0x03 from the client (spec.md §4.F's
// Ctrl-C): halts every thread of the continued process and synthesizes
// an INT stop for ctid.
func (c *Controller) BreakAll(process *procmodel.ProcessInfo, ctid int) (StopEvent, error) {
	if _, err := procmodel.HaltAll(c.Reg, process, c.Port); err != nil {
		return StopEvent{}, fmt.Errorf("breakAll: %w", err)
	}
	return StopEvent{Tid: ctid, Signal: procmodel.SignalInt}, nil
}
