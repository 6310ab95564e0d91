// Package server implements spec.md §4.G's RSP command dispatcher: packet
// recognition and response formatting sitting on top of pkg/control's
// execution controller, pkg/procmodel's process/thread registry, and
// pkg/server/osdata's qXfer:osdata providers.
//
// Grounded on original_source/e-server/src/GdbServer.h's rspClientRequest
// big-switch (one method per packet family) and on delve's gdbserial
// package's multiprocess thread-ID (`pPID.TID`) parsing and formatting
// conventions.
package server

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/kmate/epiphany-libs/pkg/control"
	"github.com/kmate/epiphany-libs/pkg/logflags"
	"github.com/kmate/epiphany-libs/pkg/matchpoint"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
	"github.com/kmate/epiphany-libs/pkg/server/osdata"
	"github.com/kmate/epiphany-libs/pkg/target"
)

// anyThread and anyOfCurrent are the special values `Hc`/`Hg` selectors
// take (spec.md §3's Server state).
const (
	anyThread    = -1
	anyOfCurrent = 0
)

// Config bundles the flags that change dispatcher behavior, populated
// from cmd/esrv's CLI (spec.md §6.1).
type Config struct {
	MultiProcess       bool
	NonStop            bool
	DontCheckHWAddress bool
}

// Session holds all per-connection dispatcher state (spec.md §3's
// "Server state") and is the receiver for every packet handler. One
// Session serves exactly one RSP connection; the registry/port/
// controller it wraps are shared across the server's lifetime so that
// `vAttach`/`D` cycles see the same cores.
type Session struct {
	Reg  *procmodel.Registry
	Port target.Port
	MP   *matchpoint.Table
	Ctrl *control.Controller
	OS   *osdata.Providers
	Logs *logflags.Set
	Cfg  Config

	mu              sync.Mutex
	currentPid      int
	currentGTid     int
	currentCTid     int
	isTargetRunning bool
	lastStop        control.StopEvent
	haveLastStop    bool
	threadInfoDone  bool
}

// NewSession wires a fresh dispatcher around an already-populated
// registry (one Thread per core, all in the idle process) and port.
func NewSession(reg *procmodel.Registry, port target.Port, mp *matchpoint.Table, logs *logflags.Set, cfg Config) *Session {
	ctrl := control.New(reg, port, mp, logs)
	ctrl.NonStop = cfg.NonStop
	return &Session{
		Reg:         reg,
		Port:        port,
		MP:          mp,
		Ctrl:        ctrl,
		OS:          osdata.New(reg),
		Logs:        logs,
		Cfg:         cfg,
		currentPid:  procmodel.IdlePid,
		currentGTid: anyThread,
		currentCTid: anyThread,
	}
}

// formatTid renders a TID the way qfThreadInfo/stop-replies/Hc/Hg expect:
// `pPID.TID` under multiprocess, bare TID otherwise, all in hex (spec.md §8
// scenario 1's `m p1.1,p1.2,…`).
func (s *Session) formatTid(pid, tid int) string {
	if s.Cfg.MultiProcess {
		return fmt.Sprintf("p%x.%x", pid, tid)
	}
	return fmt.Sprintf("%x", tid)
}

// parseTid parses a thread-id operand in either `pPID.TID`, `PID.TID`
// (hex), or bare hex TID form, returning pid (0 if not specified) and
// tid. `-1` means "any".
func parseTid(s string) (pid, tid int, err error) {
	s = strings.TrimPrefix(s, "p")
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		pidPart, tidPart := s[:dot], s[dot+1:]
		pid64, err := strconv.ParseInt(pidPart, 16, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("server: bad pid in thread-id %q: %w", s, err)
		}
		tid, err = parseSignedHex(tidPart)
		if err != nil {
			return 0, 0, err
		}
		return int(pid64), tid, nil
	}
	tid, err = parseSignedHex(s)
	return 0, tid, err
}

func parseSignedHex(s string) (int, error) {
	if s == "-1" {
		return anyThread, nil
	}
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("server: bad thread-id %q: %w", s, err)
	}
	return int(v), nil
}

// resolveCTid returns the thread governing a continue/step request: an
// explicit tid on the command if present, else the `Hc` selector, else
// any thread of the current process.
func (s *Session) resolveCTid(explicit int, hasExplicit bool) (int, error) {
	if hasExplicit {
		return explicit, nil
	}
	s.mu.Lock()
	ctid := s.currentCTid
	pid := s.currentPid
	s.mu.Unlock()
	if ctid > 0 {
		return ctid, nil
	}
	proc, err := s.Reg.GetProcess(pid)
	if err != nil {
		return 0, err
	}
	tids := proc.Tids()
	if len(tids) == 0 {
		return 0, fmt.Errorf("server: process %d has no threads", pid)
	}
	return tids[0], nil
}

func (s *Session) currentProcess() (*procmodel.ProcessInfo, error) {
	s.mu.Lock()
	pid := s.currentPid
	s.mu.Unlock()
	return s.Reg.GetProcess(pid)
}
