package control

import (
	"fmt"

	"github.com/kmate/epiphany-libs/pkg/procmodel"
)

// Trap codes carried in the upper 6 bits of a TRAP instruction,
// identifying the semihosting call (spec.md §6.3). Neither spec.md nor
// original_source/e-server/src/GdbServer.h's declarations-only header
// gives literal values (redirectStdioOnTrap/hostWrite are declared but
// not defined there), so this is a self-invented, internally-consistent
// numbering — the minimum set spec.md requires, in the order it lists
// them.
const (
	TrapOpen = iota
	TrapClose
	TrapRead
	TrapWrite
	TrapLseek
	TrapIsatty
	TrapSystem
	TrapExit
)

// FileIORequest is the "F call-id,arg,arg,…" request the dispatcher
// sends to the client for a semihosting call (spec.md §4.G's `F` row).
type FileIORequest struct {
	Tid     int
	Call    string
	Args    []uint32
	NoReply bool // marks a request that awaits no reply; handleSemihost never sets it, since exit produces no request
}

// FileIOReply is the client's "F retcode,errno,Ctrl-C-flag" answer,
// applied back to the thread's return-value register before resuming.
type FileIOReply struct {
	RetCode int32
	Errno   int32
	CtrlC   bool
}

type semihostOutcome struct {
	terminate bool
	signal    procmodel.Signal
	request   *FileIORequest
}

// handleSemihost classifies a TRAP and, for calls that need client
// round-tripping (open/close/read/write/lseek/isatty/system), returns
// the FileIORequest the caller (normally pkg/server) must send and wait
// on before calling ApplyFileIOReply. For exit it reports a TERM stop
// directly and the caller must not resume. There is no abort trap code:
// any code outside the listed ones is returned as an error.
func (c *Controller) handleSemihost(th *procmodel.Thread, trapCode uint8) (semihostOutcome, error) {
	switch trapCode {
	case TrapExit:
		return semihostOutcome{terminate: true, signal: procmodel.SignalTerm}, nil
	case TrapOpen, TrapClose, TrapRead, TrapWrite, TrapLseek, TrapIsatty, TrapSystem:
		return semihostOutcome{request: &FileIORequest{
			Tid:  th.Tid,
			Call: semihostCallName(trapCode),
			Args: semihostArgs(th),
		}}, nil
	default:
		return semihostOutcome{}, fmt.Errorf("control: semihost: unrecognized trap code %d", trapCode)
	}
}

func semihostCallName(trapCode uint8) string {
	switch trapCode {
	case TrapOpen:
		return "open"
	case TrapClose:
		return "close"
	case TrapRead:
		return "read"
	case TrapWrite:
		return "write"
	case TrapLseek:
		return "lseek"
	case TrapIsatty:
		return "isatty"
	case TrapSystem:
		return "system"
	default:
		return "?"
	}
}

// semihostArgs reads the call's argument registers per the standard
// File-I/O calling convention: R0..R3 hold up to four word arguments,
// mirroring original_source's hostWrite passing the buffer pointer and
// length out of the GPR bank.
func semihostArgs(th *procmodel.Thread) []uint32 {
	return []uint32{th.Regs.GPR(0), th.Regs.GPR(1), th.Regs.GPR(2), th.Regs.GPR(3)}
}

// ApplyFileIOReply writes the client's F-reply return code into R0 (the
// return-value register, spec.md §3's RVRegNum) so the semihosted
// routine sees its syscall result once resumed.
func ApplyFileIOReply(th *procmodel.Thread, reply FileIOReply) {
	th.Regs.Regs[procmodel.RVRegNum] = uint32(reply.RetCode)
}
