package procmodel

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kmate/epiphany-libs/pkg/target"
)

// RegisterFileBase is the local address at which a core's 106-register
// bank begins, per original_source/e-server/src/TargetControlHardware.cpp
// (the control-register window sits inside the core's own local address
// space, below CoreSpaceThreshold in the same way program memory does).
const RegisterFileBase target.LocalAddr = 0xf0400

// debugCmdHalt and debugStatusHalted are the bit patterns the original
// e-server writes to DebugCmdRegNum and polls on DebugStatusRegNum
// (original_source/e-server/src/GdbServer.h's halt()/isThreadHalted()).
const (
	debugCmdHalt      uint32 = 1
	debugCmdResume    uint32 = 0
	debugStatusHalted uint32 = 1
)

// haltPollInterval and haltPollTimeout bound how long HaltAll waits for a
// core to acknowledge a halt request before giving up (spec.md §4.E).
const (
	haltPollInterval = time.Millisecond
	haltPollTimeout  = 500 * time.Millisecond
)

func regAddr(port target.Port, core CoreId, regNum int) (target.GlobalAddr, bool) {
	local := RegisterFileBase + target.LocalAddr(regNum*RegBytes)
	return target.ConvertAddress(port, core.Packed(), local)
}

func readReg(port target.Port, core CoreId, regNum int) (uint32, error) {
	addr, ok := regAddr(port, core, regNum)
	if !ok {
		return 0, fmt.Errorf("procmodel: %w (core=%s reg=%d)", target.ErrAddressRefused, core, regNum)
	}
	var buf [4]byte
	if err := port.Read(addr, buf[:], 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeReg(port target.Port, core CoreId, regNum int, value uint32) error {
	addr, ok := regAddr(port, core, regNum)
	if !ok {
		return fmt.Errorf("procmodel: %w (core=%s reg=%d)", target.ErrAddressRefused, core, regNum)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return port.Write(addr, buf[:], 4)
}

// WriteDebugCmd issues a halt (halt=true) or resume (halt=false) request
// to a single core's debug-command register, for callers such as
// pkg/control that drive one thread at a time rather than a whole
// process (spec.md §4.F's single-step algorithm, steps 5/6).
func WriteDebugCmd(port target.Port, core CoreId, halt bool) error {
	cmd := debugCmdResume
	if halt {
		cmd = debugCmdHalt
	}
	return writeReg(port, core, DebugCmdRegNum, cmd)
}

// PollHalted polls a single core's debug-status register with no hard
// timeout (spec.md §5: "no hard halt-poll timeout" — only haltAll's
// fan-out bounds itself with a deadline). breakCh, if non-nil, lets a
// concurrent client Ctrl-C abort the wait early; passing a nil channel
// (which never fires) makes this an unconditional poll.
func PollHalted(port target.Port, core CoreId, breakCh <-chan struct{}) (halted, broke bool, err error) {
	for {
		select {
		case <-breakCh:
			return false, true, nil
		default:
		}
		status, err := readReg(port, core, DebugStatusRegNum)
		if err != nil {
			return false, false, err
		}
		if status&debugStatusHalted != 0 {
			return true, false, nil
		}
		time.Sleep(haltPollInterval)
	}
}

// HaltAll requests a halt on every thread of process and polls each
// core's debug-status register until it reports halted or
// haltPollTimeout elapses, returning the per-thread outcome (spec.md
// §4.E/§4.F: "continue/step begin by asserting every targeted core is
// halted before programming matchpoints").
func HaltAll(reg *Registry, process *ProcessInfo, port target.Port) (map[int]bool, error) {
	result := make(map[int]bool)
	for _, tid := range process.Tids() {
		t, err := reg.GetThread(tid, "haltAll")
		if err != nil {
			return result, err
		}
		if halted, _ := t.IsHalted(); halted {
			result[tid] = true
			continue
		}
		if err := writeReg(port, t.Core, DebugCmdRegNum, debugCmdHalt); err != nil {
			return result, fmt.Errorf("haltAll: core %s: %w", t.Core, err)
		}

		deadline := time.Now().Add(haltPollTimeout)
		halted := false
		for time.Now().Before(deadline) {
			status, err := readReg(port, t.Core, DebugStatusRegNum)
			if err != nil {
				return result, fmt.Errorf("haltAll: core %s: %w", t.Core, err)
			}
			if status&debugStatusHalted != 0 {
				halted = true
				break
			}
			time.Sleep(haltPollInterval)
		}
		t.SetHalted(halted)
		result[tid] = halted
	}
	return result, nil
}

// ResumeAll clears the halt request on every thread of process. It does
// not wait for the core to report running, matching the original
// e-server's fire-and-forget resume (spec.md §4.F's continue algorithm
// step 1).
func ResumeAll(reg *Registry, process *ProcessInfo, port target.Port) error {
	for _, tid := range process.Tids() {
		t, err := reg.GetThread(tid, "resumeAll")
		if err != nil {
			return err
		}
		if err := writeReg(port, t.Core, DebugCmdRegNum, debugCmdResume); err != nil {
			return fmt.Errorf("resumeAll: core %s: %w", t.Core, err)
		}
		t.SetHalted(false)
	}
	return nil
}
