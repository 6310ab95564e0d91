package server_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kmate/epiphany-libs/pkg/control"
	"github.com/kmate/epiphany-libs/pkg/logflags"
	"github.com/kmate/epiphany-libs/pkg/matchpoint"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
	"github.com/kmate/epiphany-libs/pkg/rsp"
	"github.com/kmate/epiphany-libs/pkg/server"
	"github.com/kmate/epiphany-libs/pkg/target"
)

// autoHaltPort wraps target.Mock so that a write to a core's
// debug-command register is immediately reflected in its debug-status
// register, standing in for real hardware that runs until it hits a
// planted breakpoint (no execution model of its own exists in Mock).
type autoHaltPort struct {
	*target.Mock
	cores []procmodel.CoreId
}

func (p *autoHaltPort) Write(addr target.GlobalAddr, buf []byte, n int) error {
	if err := p.Mock.Write(addr, buf, n); err != nil {
		return err
	}
	for _, core := range p.cores {
		cmdAddr, _ := target.ConvertAddress(p.Mock, core.Packed(), procmodel.RegisterFileBase+target.LocalAddr(procmodel.DebugCmdRegNum*procmodel.RegBytes))
		if addr == cmdAddr {
			statusAddr, _ := target.ConvertAddress(p.Mock, core.Packed(), procmodel.RegisterFileBase+target.LocalAddr(procmodel.DebugStatusRegNum*procmodel.RegBytes))
			var status [4]byte
			status[0] = 1
			_ = p.Mock.Write(statusAddr, status[:], 4)
		}
	}
	return nil
}

func newTestSession(t *testing.T, cores []procmodel.CoreId) (*server.Session, target.Port) {
	t.Helper()
	reg := procmodel.New()
	for _, c := range cores {
		reg.AddCore(c)
	}
	mock := target.NewMock(nil, nil)
	port := &autoHaltPort{Mock: mock, cores: cores}
	mp := matchpoint.New()
	logs := logflags.New(logflags.LevelNone)
	sess := server.NewSession(reg, port, mp, logs, server.Config{MultiProcess: true})
	return sess, port
}

func writeInstrAt(t *testing.T, port target.Port, core procmodel.CoreId, local uint32, instr uint16) {
	t.Helper()
	global, ok := target.ConvertAddress(port, core.Packed(), target.LocalAddr(local))
	if !ok {
		t.Fatalf("ConvertAddress refused local %#x", local)
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], instr)
	if err := port.Write(global, buf[:], 2); err != nil {
		t.Fatalf("write instruction: %v", err)
	}
}

// pipeHarness wires a Session's Serve loop to an in-process client Conn
// over net.Pipe, delve's own style of exercising a server loop without a
// real socket.
type pipeHarness struct {
	client *rsp.Conn
	cancel context.CancelFunc
	done   chan error
}

func startSession(t *testing.T, sess *server.Session) *pipeHarness {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sess.Serve(ctx, serverSide)
	}()
	h := &pipeHarness{
		client: rsp.NewConn(clientSide, logflags.New(logflags.LevelNone)),
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() {
		h.cancel()
		clientSide.Close()
	})
	return h
}

func (h *pipeHarness) exchange(t *testing.T, cmd string) string {
	t.Helper()
	if err := h.client.WritePacket([]byte(cmd)); err != nil {
		t.Fatalf("write %q: %v", cmd, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := h.client.ReadPacket(ctx)
	if err != nil {
		t.Fatalf("read reply to %q: %v", cmd, err)
	}
	return string(reply)
}

// TestAttachAndListThreads reproduces spec.md §8 scenario 1.
func TestAttachAndListThreads(t *testing.T) {
	cores := []procmodel.CoreId{{Row: 0, Col: 0}, {Row: 0, Col: 1}, {Row: 1, Col: 0}}
	sess, _ := newTestSession(t, cores)
	h := startSession(t, sess)

	supported := h.exchange(t, "qSupported:multiprocess+;xmlRegisters=i386")
	if !strings.Contains(supported, "multiprocess+") {
		t.Fatalf("qSupported reply missing multiprocess+: %q", supported)
	}

	threads := h.exchange(t, "qfThreadInfo")
	if !strings.HasPrefix(threads, "m") {
		t.Fatalf("qfThreadInfo reply = %q, want m-prefixed", threads)
	}
	if !strings.Contains(threads, "p1.") {
		t.Fatalf("qfThreadInfo reply %q missing idle-process prefix p1.", threads)
	}
	if got := strings.Count(threads, ","); got != len(cores)-1 {
		t.Fatalf("qfThreadInfo reply %q has %d commas, want %d", threads, got, len(cores)-1)
	}

	if more := h.exchange(t, "qsThreadInfo"); more != "l" {
		t.Fatalf("qsThreadInfo = %q, want l", more)
	}
}

// TestMemoryReadTranslatesAddress reproduces spec.md §8 scenario 3: core
// id 0x808 (row 32, col 8), local address f0000 holds de ad be ef.
func TestMemoryReadTranslatesAddress(t *testing.T) {
	core := procmodel.CoreId{Row: 32, Col: 8}
	sess, port := newTestSession(t, []procmodel.CoreId{core})
	h := startSession(t, sess)

	global, ok := target.ConvertAddress(port, core.Packed(), 0xf0000)
	if !ok {
		t.Fatal("ConvertAddress refused 0xf0000")
	}
	if err := port.WriteBurst(global, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	// No Hg is sent: the general thread defaults to the idle process's
	// first thread, which is this one, so the dispatcher translates
	// against its core.
	reply := h.exchange(t, "mf0000,4")
	if reply != "deadbeef" {
		t.Fatalf("m reply = %q, want deadbeef", reply)
	}
}

// TestSemihostingWriteRoundTrip reproduces spec.md §8 scenario 6 at the
// dispatcher level: TRAP(write) triggers an F-request, the client answers
// F5, and execution resumes.
func TestSemihostingWriteRoundTrip(t *testing.T) {
	core := procmodel.CoreId{Row: 0, Col: 0}
	sess, port := newTestSession(t, []procmodel.CoreId{core})
	h := startSession(t, sess)

	th, _ := sess.Reg.ThreadByCore(core)
	th.Regs.SetPC(0x1000)
	writeInstrAt(t, port, core, 0x1000, uint16(0x03e2)|uint16(control.TrapWrite)<<10)

	if err := h.client.WritePacket([]byte("vCont;c")); err != nil {
		t.Fatalf("write vCont;c: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fReq, err := h.client.ReadPacket(ctx)
	if err != nil {
		t.Fatalf("read F-request: %v", err)
	}
	if !strings.HasPrefix(string(fReq), "Fwrite,") {
		t.Fatalf("F-request = %q, want Fwrite,...", fReq)
	}

	if err := h.client.WritePacket([]byte("F5")); err != nil {
		t.Fatalf("write F-reply: %v", err)
	}
	stop, err := h.client.ReadPacket(ctx)
	if err != nil {
		t.Fatalf("read stop reply: %v", err)
	}
	if !strings.HasPrefix(string(stop), "T") {
		t.Fatalf("stop reply = %q, want T-prefixed", stop)
	}
}

// TestVContStepAcrossBranch reproduces spec.md §8 scenario 2 through the
// dispatcher: `vCont;s:tid` across an unconditional branch stops with a
// trap stop-reply naming that thread, paralleling
// pkg/control's TestStepAcrossUnconditionalBranch but driven over the
// wire instead of calling Controller.Step directly.
func TestVContStepAcrossBranch(t *testing.T) {
	core := procmodel.CoreId{Row: 32, Col: 8}
	sess, port := newTestSession(t, []procmodel.CoreId{core})
	h := startSession(t, sess)

	th, ok := sess.Reg.ThreadByCore(core)
	if !ok {
		t.Fatal("ThreadByCore: not found")
	}
	th.Regs.SetPC(0x1000)
	writeInstrAt(t, port, core, 0x1000, 0x0422) // unconditional branch, disp=+4

	reply := h.exchange(t, fmt.Sprintf("vCont;s:%d", th.Tid))
	if !strings.HasPrefix(reply, "T") {
		t.Fatalf("stop reply = %q, want T-prefixed", reply)
	}
	wantThread := fmt.Sprintf("thread:p1.%x;", th.Tid)
	if !strings.Contains(reply, wantThread) {
		t.Fatalf("stop reply = %q, want to contain %q", reply, wantThread)
	}

	if _, ok := sess.MP.Lookup(matchpoint.SoftwareBreakpoint, 0x1008); ok {
		t.Fatal("temporary breakpoint at branch destination was not removed")
	}
	if _, ok := sess.MP.Lookup(matchpoint.SoftwareBreakpoint, 0x1002); ok {
		t.Fatal("temporary breakpoint at fall-through was not removed")
	}
}

// TestNonStopVStoppedQueue reproduces spec.md §8 scenario 5: in non-stop
// mode, vCont replies OK immediately without waiting for the resumed
// thread to stop; the eventual stop is queued and delivered by polling
// vStopped, which then drains back to OK.
func TestNonStopVStoppedQueue(t *testing.T) {
	core := procmodel.CoreId{Row: 0, Col: 0}
	reg := procmodel.New()
	reg.AddCore(core)
	mock := target.NewMock(nil, nil)
	port := &autoHaltPort{Mock: mock, cores: []procmodel.CoreId{core}}
	mp := matchpoint.New()
	logs := logflags.New(logflags.LevelNone)
	sess := server.NewSession(reg, port, mp, logs, server.Config{MultiProcess: true, NonStop: true})
	h := startSession(t, sess)

	th, ok := sess.Reg.ThreadByCore(core)
	if !ok {
		t.Fatal("ThreadByCore: not found")
	}

	reply := h.exchange(t, fmt.Sprintf("vCont;c:%d", th.Tid))
	if reply != "OK" {
		t.Fatalf("non-stop vCont reply = %q, want OK", reply)
	}

	var stop string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stop = h.exchange(t, "vStopped")
		if stop != "OK" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.HasPrefix(stop, "T") {
		t.Fatalf("vStopped = %q, want eventual T-prefixed stop", stop)
	}
	wantThread := fmt.Sprintf("thread:p1.%x;", th.Tid)
	if !strings.Contains(stop, wantThread) {
		t.Fatalf("vStopped reply = %q, want to contain %q", stop, wantThread)
	}

	if drained := h.exchange(t, "vStopped"); drained != "OK" {
		t.Fatalf("vStopped after drain = %q, want OK", drained)
	}
}

// concurrentHaltPort simulates two cores with very different halt
// latencies: fast halts the instant its debug-command register is
// written, slow only halts after haltDelay. It records when fast's
// resume command was actually written, so a test can tell whether the
// dispatcher issued it promptly (concurrent resume) or only after
// waiting out slow's whole delay (the sequential-resume bug).
type concurrentHaltPort struct {
	*target.Mock
	fast, slow procmodel.CoreId
	haltDelay  time.Duration

	mu           sync.Mutex
	fastResumeAt time.Time
}

func (p *concurrentHaltPort) Write(addr target.GlobalAddr, buf []byte, n int) error {
	if err := p.Mock.Write(addr, buf, n); err != nil {
		return err
	}
	fastCmd, _ := target.ConvertAddress(p.Mock, p.fast.Packed(), procmodel.RegisterFileBase+target.LocalAddr(procmodel.DebugCmdRegNum*procmodel.RegBytes))
	slowCmd, _ := target.ConvertAddress(p.Mock, p.slow.Packed(), procmodel.RegisterFileBase+target.LocalAddr(procmodel.DebugCmdRegNum*procmodel.RegBytes))
	switch addr {
	case fastCmd:
		p.mu.Lock()
		if p.fastResumeAt.IsZero() {
			p.fastResumeAt = time.Now()
		}
		p.mu.Unlock()
		p.setHalted(p.fast)
	case slowCmd:
		go func() {
			time.Sleep(p.haltDelay)
			p.setHalted(p.slow)
		}()
	}
	return nil
}

func (p *concurrentHaltPort) setHalted(core procmodel.CoreId) {
	statusAddr, _ := target.ConvertAddress(p.Mock, core.Packed(), procmodel.RegisterFileBase+target.LocalAddr(procmodel.DebugStatusRegNum*procmodel.RegBytes))
	var status [4]byte
	status[0] = 1
	_ = p.Mock.Write(statusAddr, status[:], 4)
}

// TestVContMultiCoreResumesConcurrently reproduces the dispatcher's
// flagship multi-core use case: a vCont;c with no thread-id resumes
// every thread of the current (workgroup-formed) process. slow is
// registered first so it sorts first in ProcessInfo.Tids() and would be
// resumed first by a sequential implementation; if resuming were still
// sequential, fast's resume command would not be issued until slow's
// whole haltDelay had elapsed.
func TestVContMultiCoreResumesConcurrently(t *testing.T) {
	slow := procmodel.CoreId{Row: 0, Col: 1}
	fast := procmodel.CoreId{Row: 0, Col: 0}
	reg := procmodel.New()
	reg.AddCore(slow)
	reg.AddCore(fast)
	mock := target.NewMock(nil, nil)
	port := &concurrentHaltPort{Mock: mock, fast: fast, slow: slow, haltDelay: 200 * time.Millisecond}
	mp := matchpoint.New()
	logs := logflags.New(logflags.LevelNone)
	sess := server.NewSession(reg, port, mp, logs, server.Config{MultiProcess: true})
	h := startSession(t, sess)

	start := time.Now()
	reply := h.exchange(t, "vCont;c")
	if !strings.HasPrefix(reply, "T") {
		t.Fatalf("stop reply = %q, want T-prefixed", reply)
	}

	port.mu.Lock()
	fastResumeAt := port.fastResumeAt
	port.mu.Unlock()
	if fastResumeAt.IsZero() {
		t.Fatal("fast core's resume command was never issued")
	}
	if delay := fastResumeAt.Sub(start); delay > 100*time.Millisecond {
		t.Fatalf("fast core's resume was issued %v after vCont;c, want well under slow's %v halt latency (sequential resume regression)", delay, port.haltDelay)
	}
}

// TestContinueWithAddrSetsPC reproduces spec.md §4.G's `c addr` operand:
// a bare continue at an explicit address must set PC there before
// resuming, not just resume from wherever PC already was.
func TestContinueWithAddrSetsPC(t *testing.T) {
	core := procmodel.CoreId{Row: 0, Col: 0}
	sess, port := newTestSession(t, []procmodel.CoreId{core})
	h := startSession(t, sess)

	th, ok := sess.Reg.ThreadByCore(core)
	if !ok {
		t.Fatal("ThreadByCore: not found")
	}
	th.Regs.SetPC(0x2000)
	writeInstrAt(t, port, core, 0x3000, 0x0000) // NOP-equivalent at the new PC

	reply := h.exchange(t, "c3000")
	if !strings.HasPrefix(reply, "T") {
		t.Fatalf("stop reply = %q, want T-prefixed", reply)
	}
	if pc := th.Regs.PC(); pc != 0x3000 {
		t.Fatalf("PC after `c3000` = %#x, want 0x3000 (addr operand ignored)", pc)
	}
}

// TestStepWithAddrSetsPC covers the same operand for the bare `s [addr]`
// command.
func TestStepWithAddrSetsPC(t *testing.T) {
	core := procmodel.CoreId{Row: 0, Col: 0}
	sess, port := newTestSession(t, []procmodel.CoreId{core})
	h := startSession(t, sess)

	th, ok := sess.Reg.ThreadByCore(core)
	if !ok {
		t.Fatal("ThreadByCore: not found")
	}
	th.Regs.SetPC(0x2000)
	writeInstrAt(t, port, core, 0x4000, 0x0000)

	reply := h.exchange(t, "s4000")
	if !strings.HasPrefix(reply, "T") {
		t.Fatalf("stop reply = %q, want T-prefixed", reply)
	}
	if pc := th.Regs.PC(); pc != 0x4000 {
		t.Fatalf("PC after `s4000` = %#x, want 0x4000 (addr operand ignored)", pc)
	}
}
