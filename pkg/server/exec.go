package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kmate/epiphany-libs/pkg/control"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
	"github.com/kmate/epiphany-libs/pkg/rsp"
)

// signalName maps the subset of procmodel.Signal values this server ever
// reports into the two-hex-digit form GDB's stop-reply packets use.
func signalName(sig procmodel.Signal) string {
	return fmt.Sprintf("%02x", int(sig))
}

// formatStopReply renders a StopEvent as `Tsig thread:id;` (spec.md §4.G,
// §8 scenarios 2 and 4), also recording it as the session's last stop for
// a subsequent bare `?`.
func (s *Session) formatStopReply(ev control.StopEvent) []byte {
	s.mu.Lock()
	s.lastStop = ev
	s.haveLastStop = true
	s.isTargetRunning = false
	s.mu.Unlock()

	th, err := s.Reg.GetThread(ev.Tid, "stop-reply")
	pid := procmodel.IdlePid
	if err == nil {
		pid = th.Pid()
	}
	return []byte(fmt.Sprintf("T%sthread:%s;", signalName(ev.Signal), s.formatTid(pid, ev.Tid)))
}

// breakWatcher spawns a goroutine that reads from conn until it observes
// an inline Ctrl-C break, closing breakCh when it does (spec.md §5's
// in-band break). stop cancels the watch and must be called once the
// controlled operation (Continue/Step) returns, whether or not a break
// ever arrived.
func (s *Session) breakWatcher(ctx context.Context, conn *rsp.Conn) (breakCh chan struct{}, stop func()) {
	breakCh = make(chan struct{})
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			_, err := conn.ReadPacket(watchCtx)
			if err == rsp.ErrBreak {
				close(breakCh)
				return
			}
			if err != nil {
				return
			}
			// A real client only sends 0x03 while the target runs; any
			// other traffic here is unexpected and simply discarded.
		}
	}()
	return breakCh, cancel
}

// runContinue drives one thread through Continue, servicing any number
// of semihosting round trips over conn before the thread finally stops
// for a reason other than a recognized host-I/O trap (spec.md §6.3).
func (s *Session) runContinue(ctx context.Context, conn *rsp.Conn, process *procmodel.ProcessInfo, tid int) (control.StopEvent, error) {
	breakCh, stop := s.breakWatcher(ctx, conn)
	ev, err := s.Ctrl.Continue(process, tid, breakCh)
	stop()
	if err != nil {
		return control.StopEvent{}, err
	}
	for ev.Semihost != nil {
		reply, rerr := s.serviceSemihost(ctx, conn, ev.Semihost)
		if rerr != nil {
			return control.StopEvent{}, rerr
		}
		breakCh, stop = s.breakWatcher(ctx, conn)
		ev, err = s.Ctrl.ResumeSemihost(process, tid, reply, breakCh)
		stop()
		if err != nil {
			return control.StopEvent{}, err
		}
	}
	return ev, nil
}

// serviceSemihost sends the `F call,arg,...` request and parses the
// client's `F retcode,errno[,C]` reply (spec.md §6.3, §8 scenario 6).
func (s *Session) serviceSemihost(ctx context.Context, conn *rsp.Conn, req *control.FileIORequest) (control.FileIOReply, error) {
	argStrs := make([]string, len(req.Args))
	for i, a := range req.Args {
		argStrs[i] = strconv.FormatUint(uint64(a), 16)
	}
	packet := "F" + req.Call
	if len(argStrs) > 0 {
		packet += "," + strings.Join(argStrs, ",")
	}
	if err := conn.WritePacket([]byte(packet)); err != nil {
		return control.FileIOReply{}, err
	}

	raw, err := conn.ReadPacket(ctx)
	if err != nil {
		return control.FileIOReply{}, err
	}
	return parseFileIOReply(raw)
}

// parseFileIOReply parses `Fretcode[,errno[,C]]` (a leading 'F' already
// stripped by the caller's framing convention is NOT assumed here; GDB
// sends the leading 'F' itself).
func parseFileIOReply(raw []byte) (control.FileIOReply, error) {
	text := string(raw)
	text = strings.TrimPrefix(text, "F")
	fields := strings.Split(text, ",")
	var reply control.FileIOReply
	if len(fields) >= 1 && fields[0] != "" {
		v, err := strconv.ParseInt(fields[0], 16, 64)
		if err != nil {
			return reply, fmt.Errorf("server: bad F-reply retcode %q: %w", fields[0], err)
		}
		reply.RetCode = int32(v)
	}
	if len(fields) >= 2 && fields[1] != "" {
		v, err := strconv.ParseInt(fields[1], 16, 64)
		if err == nil {
			reply.Errno = int32(v)
		}
	}
	if len(fields) >= 3 && fields[2] == "C" {
		reply.CtrlC = true
	}
	return reply, nil
}

// parseResumeAddr extracts the optional new-PC operand from a bare
// c/C/s/S packet's payload: "[addr]" for c/s, "sig[;addr]" for C/S
// (spec.md §4.G's packet table). The signal field of C/S is parsed only
// to find the ';addr' that may follow it; it is not otherwise acted on,
// the same as vCont's C/S segments (control.ParseVCont/ResolveAction
// record a Signal field no caller reads either).
func parseResumeAddr(cmd byte, rest string) (addr uint32, hasAddr bool, ok bool) {
	if rest == "" {
		return 0, false, true
	}
	hexAddr := rest
	if cmd == 'C' || cmd == 'S' {
		parts := strings.SplitN(rest, ";", 2)
		if len(parts) != 2 || parts[1] == "" {
			return 0, false, true
		}
		hexAddr = parts[1]
	}
	v, err := strconv.ParseUint(hexAddr, 16, 32)
	if err != nil {
		return 0, false, false
	}
	return uint32(v), true, true
}

// handleContinue implements `c [addr]` / `C sig[;addr]`.
func (s *Session) handleContinue(ctx context.Context, conn *rsp.Conn, explicitTid int, hasTid bool, addr uint32, hasAddr bool) ([]byte, error) {
	tid, err := s.resolveCTid(explicitTid, hasTid)
	if err != nil {
		return encodeError(errThreadNotFound), nil
	}
	th, err := s.Reg.GetThread(tid, "continue")
	if err != nil {
		return encodeError(errThreadNotFound), nil
	}
	proc, err := s.Reg.GetProcess(th.Pid())
	if err != nil {
		return encodeError(errThreadNotFound), nil
	}
	if hasAddr {
		th.Regs.SetPC(addr)
	}
	s.mu.Lock()
	s.isTargetRunning = true
	s.mu.Unlock()

	ev, err := s.runContinue(ctx, conn, proc, tid)
	if err != nil {
		return encodeError(errShortTransfer), nil
	}
	return s.formatStopReply(ev), nil
}

// handleStep implements `s [addr]` / `S sig[;addr]`.
func (s *Session) handleStep(explicitTid int, hasTid bool, addr uint32, hasAddr bool) []byte {
	tid, err := s.resolveCTid(explicitTid, hasTid)
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	th, err := s.Reg.GetThread(tid, "step")
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	proc, err := s.Reg.GetProcess(th.Pid())
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	if hasAddr {
		th.Regs.SetPC(addr)
	}
	ev, err := s.Ctrl.Step(proc, tid, nil)
	if err != nil {
		return encodeError(errShortTransfer)
	}
	return s.formatStopReply(ev)
}

// handleVCont implements `vCont;action[:tid]…` (spec.md §4.F). A single
// all-stop resumption runs on the calling goroutine, servicing
// semihosting inline over conn. Resuming more than one thread together
// (the `workgroup`-formed multi-core case) fires each into its own
// goroutine so they actually run concurrently instead of the first one
// blocking the rest until it halts — Controller.reportStop already
// halts every other thread of the process the instant any one of them
// stops (spec.md §4.F: "any stop stops every thread in the current
// process"), so whichever goroutine finishes first forces the others
// down. Non-stop resumptions are fired in background goroutines whose
// eventual stop is queued for `vStopped`. Either way, a goroutine that
// cannot be the sole user of conn (every concurrent resumption, and all
// non-stop ones) auto-acknowledges any semihosting request it hits via
// runBackgroundContinue rather than racing for the one shared connection
// (see DESIGN.md's pkg/server entry).
func (s *Session) handleVCont(ctx context.Context, conn *rsp.Conn, payload string) ([]byte, error) {
	actions, err := control.ParseVCont(payload)
	if err != nil {
		return []byte{}, nil
	}

	proc, err := s.currentProcess()
	if err != nil {
		return encodeError(errThreadNotFound), nil
	}
	tids := proc.Tids()

	type resolved struct {
		tid  int
		step bool
	}
	var work []resolved
	for _, tid := range tids {
		a, ok := control.ResolveAction(actions, tid)
		if !ok {
			continue
		}
		switch a.Kind {
		case 'c', 'C':
			work = append(work, resolved{tid: tid, step: false})
		case 's', 'S':
			work = append(work, resolved{tid: tid, step: true})
		}
	}
	if len(work) == 0 {
		return []byte("OK"), nil
	}

	if s.Ctrl.NonStop {
		for _, w := range work {
			w := w
			go func() {
				if w.step {
					_, _ = s.Ctrl.Step(proc, w.tid, nil)
					return
				}
				_, _ = s.runBackgroundContinue(proc, w.tid)
			}()
		}
		return []byte("OK"), nil
	}

	if len(work) == 1 {
		w := work[0]
		var ev control.StopEvent
		var err error
		if w.step {
			ev, err = s.Ctrl.Step(proc, w.tid, nil)
		} else {
			s.mu.Lock()
			s.isTargetRunning = true
			s.mu.Unlock()
			ev, err = s.runContinue(ctx, conn, proc, w.tid)
		}
		if err != nil {
			return encodeError(errShortTransfer), nil
		}
		return s.formatStopReply(ev), nil
	}

	s.mu.Lock()
	s.isTargetRunning = true
	s.mu.Unlock()

	type result struct {
		ev  control.StopEvent
		err error
	}
	results := make(chan result, len(work))
	for _, w := range work {
		w := w
		go func() {
			var ev control.StopEvent
			var err error
			if w.step {
				ev, err = s.Ctrl.Step(proc, w.tid, nil)
			} else {
				ev, err = s.runBackgroundContinue(proc, w.tid)
			}
			results <- result{ev, err}
		}()
	}

	var first result
	for i := 0; i < len(work); i++ {
		r := <-results
		if i == 0 {
			first = r
		}
	}
	if first.err != nil {
		return encodeError(errShortTransfer), nil
	}
	return s.formatStopReply(first.ev), nil
}

// runBackgroundContinue drives one thread through Continue without
// touching conn: it cannot safely share the one client connection with
// the foreground dispatcher (or with any other concurrently resumed
// thread), so any semihosting request it encounters is acknowledged
// with a "denied" reply (errno EPERM) instead of round-tripping to the
// client. Used by the non-stop vCont path and by the all-stop path
// whenever more than one thread is resumed together.
func (s *Session) runBackgroundContinue(proc *procmodel.ProcessInfo, tid int) (control.StopEvent, error) {
	const errnoPerm = 1
	ev, err := s.Ctrl.Continue(proc, tid, nil)
	for err == nil && ev.Semihost != nil {
		ev, err = s.Ctrl.ResumeSemihost(proc, tid, control.FileIOReply{RetCode: -1, Errno: errnoPerm}, nil)
	}
	return ev, err
}

// handleVContQuery implements `vCont?`.
func (s *Session) handleVContQuery() []byte {
	return []byte("vCont;c;C;s;S;t")
}

// handleVStopped implements `vStopped` (spec.md §8 scenario 5): pop one
// queued non-stop stop, or reply OK once the queue is dry.
func (s *Session) handleVStopped() []byte {
	ev, ok := s.Ctrl.PopPending()
	if !ok {
		return []byte("OK")
	}
	return s.formatStopReply(ev)
}
