package server

import (
	"fmt"

	"github.com/kmate/epiphany-libs/pkg/control"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
)

// handleHaltReport implements `?`: report the last stop, or a trap stop
// for the current thread if nothing has happened yet.
func (s *Session) handleHaltReport() []byte {
	s.mu.Lock()
	ev, have := s.lastStop, s.haveLastStop
	s.mu.Unlock()
	if have {
		return s.formatStopReply(ev)
	}
	th, err := s.generalThread()
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	return s.formatStopReply(control.StopEvent{Tid: th.Tid, Signal: procmodel.SignalTrap})
}

// handleH implements `H {c,g} tid`.
func (s *Session) handleH(payload string) []byte {
	if len(payload) < 1 {
		return encodeError(errThreadNotFound)
	}
	op := payload[0]
	_, tid, err := parseTid(payload[1:])
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	s.mu.Lock()
	switch op {
	case 'c':
		s.currentCTid = tid
	case 'g':
		s.currentGTid = tid
	default:
		s.mu.Unlock()
		return []byte{}
	}
	s.mu.Unlock()
	return []byte("OK")
}

// handleT implements `T tid`: is the named thread alive.
func (s *Session) handleT(payload string) []byte {
	_, tid, err := parseTid(payload)
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	if _, err := s.Reg.GetThread(tid, "T"); err != nil {
		return encodeError(errThreadNotFound)
	}
	return []byte("OK")
}

// handleVAttach implements `vAttach;pid`: the named process must already
// exist (created via the `workgroup` monitor command or at startup); this
// server never spawns a new target to attach to.
func (s *Session) handleVAttach(payload string) []byte {
	pid, err := parseSignedHex(payload)
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	proc, err := s.Reg.GetProcess(pid)
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	tids := proc.Tids()
	if len(tids) == 0 {
		return encodeError(errThreadNotFound)
	}
	s.mu.Lock()
	s.currentPid = pid
	s.currentGTid = tids[0]
	s.currentCTid = tids[0]
	s.mu.Unlock()
	return s.formatStopReply(control.StopEvent{Tid: tids[0], Signal: procmodel.SignalTrap})
}

// handleD implements `D[;pid]`.
func (s *Session) handleD(payload string) []byte {
	s.mu.Lock()
	pid := s.currentPid
	s.mu.Unlock()
	if payload != "" {
		p, err := parseSignedHex(payload)
		if err != nil {
			return encodeError(errThreadNotFound)
		}
		pid = p
	}
	if err := s.Reg.Detach(pid); err != nil {
		return encodeError(errThreadNotFound)
	}
	return []byte("OK")
}

// handleRestart implements `R 00`: a platform reset failure is fatal
// (spec.md §7), signaled by the returned error so Serve can terminate.
func (s *Session) handleRestart() ([]byte, error) {
	if err := s.Port.Reset(); err != nil {
		return nil, fmt.Errorf("server: platform reset failed: %w", err)
	}
	proc, err := s.Reg.GetProcess(procmodel.IdlePid)
	if err == nil {
		_ = procmodel.ResumeAll(s.Reg, proc, s.Port)
	}
	return []byte("OK"), nil
}
