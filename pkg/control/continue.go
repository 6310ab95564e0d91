package control

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/kmate/epiphany-libs/pkg/isa"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
)

// Continue implements spec.md §4.F's continue algorithm: like Step but
// without planting temporaries. On a TRAP stop whose trap code is
// exit, it reports a TERM stop directly; no abort trap code is
// recognized, and an unrecognized trap code is returned as an error. On
// any other recognized semihosting trap it stops with a populated StopEvent.Semihost for the
// dispatcher to service via ResumeSemihost, rather than resuming here —
// the controller has no connection to the client to perform the F-packet
// round trip itself.
func (c *Controller) Continue(process *procmodel.ProcessInfo, tid int, breakCh <-chan struct{}) (StopEvent, error) {
	th, err := c.Reg.GetThread(tid, "continue")
	if err != nil {
		return StopEvent{}, err
	}
	return c.resumeAndWait(process, th, breakCh)
}

// ResumeSemihost applies the client's F-reply, advances past the TRAP
// that triggered the request, and resumes the thread, continuing the
// Continue loop (spec.md §6.3).
func (c *Controller) ResumeSemihost(process *procmodel.ProcessInfo, tid int, reply FileIOReply, breakCh <-chan struct{}) (StopEvent, error) {
	th, err := c.Reg.GetThread(tid, "resumeSemihost")
	if err != nil {
		return StopEvent{}, err
	}
	ApplyFileIOReply(th, reply)
	first, err := c.readHalfword(th.Core, th.Regs.PC())
	if err != nil {
		return StopEvent{}, err
	}
	th.Regs.SetPC(th.Regs.PC() + uint32(isa.Len(first)))
	return c.resumeAndWait(process, th, breakCh)
}

func (c *Controller) resumeAndWait(process *procmodel.ProcessInfo, th *procmodel.Thread, breakCh <-chan struct{}) (StopEvent, error) {
	core := th.Core

	th.SetHalted(false)
	if err := procmodel.WriteDebugCmd(c.Port, core, false); err != nil {
		return StopEvent{}, err
	}
	halted, broke, err := procmodel.PollHalted(c.Port, core, breakCh)
	if err != nil {
		return StopEvent{}, err
	}
	if broke {
		return c.BreakAll(process, th.Tid)
	}
	if !halted {
		return StopEvent{}, fmt.Errorf("control: continue: core %s did not halt", core)
	}
	th.SetHalted(true)

	pc := th.Regs.PC()
	first, err := c.readHalfword(core, pc)
	if err != nil {
		return StopEvent{}, err
	}
	if trapCode, ok := isa.IsTrap(first); ok {
		outcome, err := c.handleSemihost(th, trapCode)
		if err != nil {
			return StopEvent{}, err
		}
		if outcome.terminate {
			return c.reportStop(process, StopEvent{Tid: th.Tid, Signal: outcome.signal})
		}
		return StopEvent{Tid: th.Tid, Signal: procmodel.SignalTrap, Semihost: outcome.request}, nil
	}

	return c.reportStop(process, StopEvent{Tid: th.Tid, Signal: procmodel.SignalTrap})
}

// VContAction is one parsed `;action[:thread-id]` segment of a vCont
// packet (spec.md §4.F).
type VContAction struct {
	Kind   byte // 'c', 'C', 's', 'S', or 't'
	Signal procmodel.Signal
	HasTid bool
	Tid    int
}

// ParseVCont parses the payload following "vCont" (starting at the
// first ';'). The first matching segment wins per thread; a segment
// with no thread-id is the default for threads not otherwise matched
// (spec.md §4.F).
func ParseVCont(payload string) ([]VContAction, error) {
	// Thread-ids are hex, either bare or in multiprocess pPID.TID form;
	// only the TID part selects a thread.
	parseThreadID := func(s string) (int, error) {
		if dot := strings.IndexByte(s, '.'); dot >= 0 {
			s = s[dot+1:]
		}
		v, err := strconv.ParseInt(s, 16, 32)
		return int(v), err
	}
	var actions []VContAction
	for _, seg := range strings.Split(payload, ";") {
		if seg == "" {
			continue
		}
		var action VContAction
		rest := seg
		switch {
		case strings.HasPrefix(seg, "C") || strings.HasPrefix(seg, "S"):
			action.Kind = seg[0]
			rest = seg[1:]
			parts := strings.SplitN(rest, ":", 2)
			sig, err := strconv.ParseInt(parts[0], 16, 32)
			if err != nil {
				return nil, fmt.Errorf("control: vCont: bad signal in %q: %w", seg, err)
			}
			action.Signal = procmodel.Signal(sig)
			if len(parts) == 2 {
				tid, err := parseThreadID(parts[1])
				if err != nil {
					return nil, fmt.Errorf("control: vCont: bad thread-id in %q: %w", seg, err)
				}
				action.HasTid = true
				action.Tid = tid
			}
		case strings.HasPrefix(seg, "c") || strings.HasPrefix(seg, "s") || strings.HasPrefix(seg, "t"):
			action.Kind = seg[0]
			rest = seg[1:]
			if strings.HasPrefix(rest, ":") {
				tid, err := parseThreadID(rest[1:])
				if err != nil {
					return nil, fmt.Errorf("control: vCont: bad thread-id in %q: %w", seg, err)
				}
				action.HasTid = true
				action.Tid = tid
			}
		default:
			return nil, fmt.Errorf("control: vCont: unrecognized action %q", seg)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// ResolveAction returns the action that governs tid: the first
// thread-specific segment matching tid, or else the first
// thread-unspecified default segment.
func ResolveAction(actions []VContAction, tid int) (VContAction, bool) {
	var fallback VContAction
	haveFallback := false
	for _, a := range actions {
		if a.HasTid && a.Tid == tid {
			return a, true
		}
		if !a.HasTid && !haveFallback {
			fallback = a
			haveFallback = true
		}
	}
	return fallback, haveFallback
}

// regAsLEBytes renders a register value as the little-endian bytes the
// wire protocol expects. Nothing in this package calls it.
func regAsLEBytes(v uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b
}
