package control_test

import (
	"encoding/binary"
	"testing"

	"github.com/kmate/epiphany-libs/pkg/control"
	"github.com/kmate/epiphany-libs/pkg/logflags"
	"github.com/kmate/epiphany-libs/pkg/matchpoint"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
	"github.com/kmate/epiphany-libs/pkg/target"
)

// autoHaltPort wraps a Mock so that writing the resume command to a
// core's debug-command register is immediately reflected in its
// debug-status register, standing in for real hardware executing until
// it hits a planted breakpoint. This is the only way to exercise
// Step/Continue's polling logic against target.Mock, which has no
// instruction-execution model of its own.
type autoHaltPort struct {
	*target.Mock
	debugCmdAddr    target.GlobalAddr
	debugStatusAddr target.GlobalAddr
}

func (p *autoHaltPort) Write(addr target.GlobalAddr, buf []byte, n int) error {
	if err := p.Mock.Write(addr, buf, n); err != nil {
		return err
	}
	if addr == p.debugCmdAddr {
		var status [4]byte
		status[0] = 1 // halted
		return p.Mock.Write(p.debugStatusAddr, status[:], 4)
	}
	return nil
}

func newTestController(t *testing.T, core procmodel.CoreId) (*control.Controller, *procmodel.Registry, *procmodel.ProcessInfo, *procmodel.Thread, *autoHaltPort) {
	t.Helper()
	reg := procmodel.New()
	reg.AddCore(core)
	th, _ := reg.ThreadByCore(core)
	proc := reg.NewProcess("a.srec")
	if err := reg.Attach(proc, []int{th.Tid}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	mock := target.NewMock(nil, nil)
	cmdAddr, ok := target.ConvertAddress(mock, core.Packed(), procmodel.RegisterFileBase+target.LocalAddr(procmodel.DebugCmdRegNum*procmodel.RegBytes))
	if !ok {
		t.Fatal("ConvertAddress refused debug-cmd register")
	}
	statusAddr, ok := target.ConvertAddress(mock, core.Packed(), procmodel.RegisterFileBase+target.LocalAddr(procmodel.DebugStatusRegNum*procmodel.RegBytes))
	if !ok {
		t.Fatal("ConvertAddress refused debug-status register")
	}
	port := &autoHaltPort{Mock: mock, debugCmdAddr: cmdAddr, debugStatusAddr: statusAddr}

	mp := matchpoint.New()
	ctrl := control.New(reg, port, mp, logflags.New(logflags.LevelNone))
	return ctrl, reg, proc, th, port
}

func writeInstr(t *testing.T, port target.Port, core procmodel.CoreId, local uint32, instr uint16) {
	t.Helper()
	global, ok := target.ConvertAddress(port, core.Packed(), target.LocalAddr(local))
	if !ok {
		t.Fatalf("ConvertAddress refused local %#x", local)
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], instr)
	if err := port.Write(global, buf[:], 2); err != nil {
		t.Fatalf("write instruction at %#x: %v", local, err)
	}
}

// TestStepAcrossUnconditionalBranch reproduces spec.md §8 scenario 2:
// PC=0x1000 holds an unconditional 16-bit branch with displacement +4,
// so the predicted destination is 0x1008 and the fall-through is
// 0x1002.
func TestStepAcrossUnconditionalBranch(t *testing.T) {
	core := procmodel.CoreId{Row: 32, Col: 8}
	ctrl, _, proc, th, port := newTestController(t, core)

	th.Regs.SetPC(0x1000)
	writeInstr(t, port, core, 0x1000, 0x0422) // unconditional branch, disp=+4

	ev, err := ctrl.Step(proc, th.Tid, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if ev.Signal != procmodel.SignalTrap {
		t.Fatalf("signal = %v, want SignalTrap", ev.Signal)
	}

	mp := ctrl.MP
	if _, ok := mp.Lookup(matchpoint.SoftwareBreakpoint, 0x1008); ok {
		t.Fatal("temporary breakpoint at branch destination was not removed")
	}
	if _, ok := mp.Lookup(matchpoint.SoftwareBreakpoint, 0x1002); ok {
		t.Fatal("temporary breakpoint at fall-through was not removed")
	}

	// The original instruction bytes must be intact at both addresses;
	// nothing was written there before the step, so both read back as zero.
	for _, local := range []uint32{0x1002, 0x1008} {
		var restored [2]byte
		global, _ := target.ConvertAddress(port, core.Packed(), target.LocalAddr(local))
		if err := port.Read(global, restored[:], 2); err != nil {
			t.Fatalf("read back %#x: %v", local, err)
		}
		if restored != [2]byte{} {
			t.Fatalf("bytes at %#x = %x, want original 0000", local, restored)
		}
	}
}

// TestStepDoesNotClobberExistingUserBreakpoint covers spec.md §4.F step
// 5's "if one already existed, do not overwrite and do not record".
func TestStepDoesNotClobberExistingUserBreakpoint(t *testing.T) {
	core := procmodel.CoreId{Row: 1, Col: 1}
	ctrl, _, proc, th, port := newTestController(t, core)

	th.Regs.SetPC(0x2000)
	writeInstr(t, port, core, 0x2000, 0x0422) // branch +4 -> dest 0x2008, fall-through 0x2002

	userOriginal := []byte{0xAA, 0xBB}
	ctrl.MP.Insert(matchpoint.SoftwareBreakpoint, 0x2008, userOriginal)

	if _, err := ctrl.Step(proc, th.Tid, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}

	orig, ok := ctrl.MP.Lookup(matchpoint.SoftwareBreakpoint, 0x2008)
	if !ok {
		t.Fatal("user breakpoint at 0x2008 was removed by Step")
	}
	if string(orig) != string(userOriginal) {
		t.Fatalf("user breakpoint original bytes = %v, want %v", orig, userOriginal)
	}
}

func TestContinueStopsOnSemihostWrite(t *testing.T) {
	core := procmodel.CoreId{Row: 2, Col: 2}
	ctrl, _, proc, th, port := newTestController(t, core)

	th.Regs.SetPC(0x3000)
	// TrapWrite is carried in the upper 6 bits; low 10 bits are the fixed
	// TRAP encoding.
	trapInstr := uint16(0x03e2) | (uint16(control.TrapWrite) << 10)
	writeInstr(t, port, core, 0x3000, trapInstr)

	ev, err := ctrl.Continue(proc, th.Tid, nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Semihost == nil {
		t.Fatal("expected a semihosting request for TrapWrite")
	}
	if ev.Semihost.Call != "write" {
		t.Fatalf("call = %q, want write", ev.Semihost.Call)
	}

	// Resume with a reply; PC should have advanced past the TRAP so a
	// second continue sees ordinary TRAP-as-breakpoint-equivalent stop.
	writeInstr(t, port, core, 0x3002, 0x0422) // arbitrary next instruction, itself a branch
	_, err = ctrl.ResumeSemihost(proc, th.Tid, control.FileIOReply{RetCode: 4}, nil)
	if err != nil {
		t.Fatalf("ResumeSemihost: %v", err)
	}
	if th.Regs.GPR(0) != 4 {
		t.Fatalf("R0 after semihost reply = %d, want 4", th.Regs.GPR(0))
	}
}

func TestContinueReportsExitAsTerm(t *testing.T) {
	core := procmodel.CoreId{Row: 3, Col: 3}
	ctrl, _, proc, th, port := newTestController(t, core)

	th.Regs.SetPC(0x4000)
	trapInstr := uint16(0x03e2) | (uint16(control.TrapExit) << 10)
	writeInstr(t, port, core, 0x4000, trapInstr)

	ev, err := ctrl.Continue(proc, th.Tid, nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Signal != procmodel.SignalTerm {
		t.Fatalf("signal = %v, want SignalTerm", ev.Signal)
	}
	if ev.Semihost != nil {
		t.Fatal("exit should not produce a Semihost round-trip request")
	}
}

func TestBreakAllHaltsAndReportsInt(t *testing.T) {
	core := procmodel.CoreId{Row: 4, Col: 4}
	ctrl, _, proc, th, _ := newTestController(t, core)

	ev, err := ctrl.BreakAll(proc, th.Tid)
	if err != nil {
		t.Fatalf("BreakAll: %v", err)
	}
	if ev.Signal != procmodel.SignalInt {
		t.Fatalf("signal = %v, want SignalInt", ev.Signal)
	}
}
