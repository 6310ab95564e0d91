package control

import (
	"encoding/binary"
	"fmt"

	"github.com/kmate/epiphany-libs/pkg/isa"
	"github.com/kmate/epiphany-libs/pkg/matchpoint"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
	"github.com/kmate/epiphany-libs/pkg/target"
)

// bkptWidth is the byte width overwritten to plant a temporary
// breakpoint: BKPT is a 16-bit opcode (spec.md §4.D), so only the first
// two bytes of whatever instruction sits at the destination need to be
// saved and restored, regardless of that instruction's own length.
const bkptWidth = 2

func (c *Controller) readLocal(core procmodel.CoreId, addr uint32, buf []byte) error {
	global, ok := target.ConvertAddress(c.Port, core.Packed(), target.LocalAddr(addr))
	if !ok {
		return fmt.Errorf("control: %w (core=%s addr=%#x)", target.ErrAddressRefused, core, addr)
	}
	return c.Port.ReadBurst(global, buf)
}

func (c *Controller) writeLocal(core procmodel.CoreId, addr uint32, buf []byte) error {
	global, ok := target.ConvertAddress(c.Port, core.Packed(), target.LocalAddr(addr))
	if !ok {
		return fmt.Errorf("control: %w (core=%s addr=%#x)", target.ErrAddressRefused, core, addr)
	}
	return c.Port.WriteBurst(global, buf)
}

func (c *Controller) readHalfword(core procmodel.CoreId, addr uint32) (uint16, error) {
	var buf [2]byte
	if err := c.readLocal(core, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// plantedBreakpoint records one temporary breakpoint this step planted,
// so step 8 can restore exactly what step 5 recorded and nothing else.
type plantedBreakpoint struct {
	addr     uint32
	original []byte
}

// Step implements spec.md §4.F's nine-step single-step algorithm for a
// single thread. breakCh, if non-nil, lets a concurrent client Ctrl-C
// abort the wait in step 7; on a break, temporaries are still restored
// (step 8) before the stop is reported via BreakAll.
func (c *Controller) Step(process *procmodel.ProcessInfo, tid int, breakCh <-chan struct{}) (StopEvent, error) {
	th, err := c.Reg.GetThread(tid, "step")
	if err != nil {
		return StopEvent{}, err
	}
	core := th.Core

	// 1. Read current PC of the target thread.
	pc := th.Regs.PC()

	// 2. Fetch the instruction word(s) at PC, decode length.
	first, err := c.readHalfword(core, pc)
	if err != nil {
		return StopEvent{}, err
	}
	length := isa.Len(first)
	var second uint16
	if length == 4 {
		second, err = c.readHalfword(core, pc+2)
		if err != nil {
			return StopEvent{}, err
		}
	}
	fallthroughPC := pc + uint32(length)

	// 3+4. Compute destinations: the predicted jump target (if any) and
	// always the fall-through.
	destinations := map[uint32]struct{}{fallthroughPC: {}}
	if dest, ok := isa.GetJump(&th.Regs, first, second, pc); ok {
		destinations[dest] = struct{}{}
	}

	// 5. Plant temporaries, recording only what we actually overwrote.
	var planted []plantedBreakpoint
	restore := func() error {
		var firstErr error
		for _, p := range planted {
			c.MP.Remove(matchpoint.SoftwareBreakpoint, p.addr)
			if err := c.writeLocal(core, p.addr, p.original); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for addr := range destinations {
		if _, existed := c.MP.Lookup(matchpoint.SoftwareBreakpoint, addr); existed {
			continue // user breakpoint already there: do not overwrite, do not record.
		}
		var orig [bkptWidth]byte
		if err := c.readLocal(core, addr, orig[:]); err != nil {
			_ = restore()
			return StopEvent{}, err
		}
		c.MP.Insert(matchpoint.SoftwareBreakpoint, addr, orig[:])
		var bkpt [bkptWidth]byte
		binary.LittleEndian.PutUint16(bkpt[:], isa.BkptInstr)
		if err := c.writeLocal(core, addr, bkpt[:]); err != nil {
			_ = restore()
			return StopEvent{}, err
		}
		planted = append(planted, plantedBreakpoint{addr: addr, original: orig[:]})
	}

	// 6. Resume the thread.
	th.SetHalted(false)
	if err := procmodel.WriteDebugCmd(c.Port, core, false); err != nil {
		_ = restore()
		return StopEvent{}, err
	}

	// 7. Poll debug-status until halted or a client break arrives.
	halted, broke, err := procmodel.PollHalted(c.Port, core, breakCh)
	if err != nil {
		_ = restore()
		return StopEvent{}, err
	}

	// 8. Remove the temporaries, restoring originals only where step 5
	// recorded them.
	if err := restore(); err != nil {
		return StopEvent{}, err
	}

	if broke {
		return c.BreakAll(process, tid)
	}
	if !halted {
		return StopEvent{}, fmt.Errorf("control: step: core %s did not halt", core)
	}

	// 9. Construct the stop reply.
	th.SetHalted(true)
	ev := StopEvent{Tid: tid, Signal: procmodel.SignalTrap}
	return c.reportStop(process, ev)
}
