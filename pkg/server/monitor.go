package server

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/cosiner/argv"

	"github.com/kmate/epiphany-libs/pkg/procmodel"
)

// handleQRcmd implements `qRcmd,HEXDATA`: GDB's `monitor` command,
// tokenized with github.com/cosiner/argv the same way delve tokenizes
// its own interactive command line.
func (s *Session) handleQRcmd(hexPayload string) []byte {
	raw, err := hex.DecodeString(hexPayload)
	if err != nil {
		return encodeError(errUnknownRegister)
	}

	groups, err := argv.Argv(string(raw), nil, nil)
	if err != nil || len(groups) == 0 || len(groups[0]) == 0 {
		return []byte("OK")
	}
	args := groups[0]

	var out string
	switch args[0] {
	case "help":
		out = "monitor commands: help, reset, halt, run, workgroup <row0> <col0> <rows> <cols>, process <pid>\n"
	case "reset":
		if err := s.Port.Reset(); err != nil {
			return hexEncodeReply(fmt.Sprintf("reset failed: %v\n", err))
		}
		out = "reset complete\n"
	case "halt":
		proc, err := s.currentProcess()
		if err != nil {
			return hexEncodeReply(fmt.Sprintf("halt failed: %v\n", err))
		}
		if _, err := procmodel.HaltAll(s.Reg, proc, s.Port); err != nil {
			return hexEncodeReply(fmt.Sprintf("halt failed: %v\n", err))
		}
		out = "halted\n"
	case "run":
		proc, err := s.currentProcess()
		if err != nil {
			return hexEncodeReply(fmt.Sprintf("run failed: %v\n", err))
		}
		if err := procmodel.ResumeAll(s.Reg, proc, s.Port); err != nil {
			return hexEncodeReply(fmt.Sprintf("run failed: %v\n", err))
		}
		out = "running\n"
	case "workgroup":
		out = s.monitorWorkgroup(args[1:])
	case "process":
		out = s.monitorProcess(args[1:])
	default:
		return []byte("OK")
	}
	return hexEncodeReply(out)
}

// monitorWorkgroup forms a process from a rectangular range of cores,
// `workgroup row0 col0 rows cols`, and returns its PID.
func (s *Session) monitorWorkgroup(args []string) string {
	if len(args) != 4 {
		return "usage: workgroup row0 col0 rows cols\n"
	}
	nums := make([]int, 4)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Sprintf("bad argument %q\n", a)
		}
		nums[i] = v
	}
	row0, col0, rows, cols := nums[0], nums[1], nums[2], nums[3]

	proc := s.Reg.NewProcess("workgroup")
	var tids []int
	for r := row0; r < row0+rows; r++ {
		for c := col0; c < col0+cols; c++ {
			th, ok := s.Reg.ThreadByCore(procmodel.CoreId{Row: uint8(r), Col: uint8(c)})
			if !ok {
				continue
			}
			tids = append(tids, th.Tid)
		}
	}
	if err := s.Reg.Attach(proc, tids); err != nil {
		return fmt.Sprintf("workgroup failed: %v\n", err)
	}
	return fmt.Sprintf("pid %d\n", proc.Pid)
}

// monitorProcess switches currentPid for subsequent core-scoped queries.
func (s *Session) monitorProcess(args []string) string {
	if len(args) != 1 {
		return "usage: process PID\n"
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("bad pid %q\n", args[0])
	}
	if _, err := s.Reg.GetProcess(pid); err != nil {
		return fmt.Sprintf("no such process %d\n", pid)
	}
	s.mu.Lock()
	s.currentPid = pid
	s.mu.Unlock()
	return fmt.Sprintf("current process now %d\n", pid)
}

func hexEncodeReply(s string) []byte {
	return []byte(hex.EncodeToString([]byte(s)))
}
