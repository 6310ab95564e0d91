package server

import (
	"strconv"

	"github.com/kmate/epiphany-libs/pkg/isa"
	"github.com/kmate/epiphany-libs/pkg/matchpoint"
	"github.com/kmate/epiphany-libs/pkg/target"
)

// isBreakpointKind reports whether kind patches target memory (the two
// breakpoint kinds) as opposed to a watchpoint, which this driver ABI has
// no hardware comparator for and is tracked as bookkeeping only (spec.md
// §4.A names the five kinds uniformly; only the breakpoint kinds have an
// instruction to substitute).
func isBreakpointKind(kind matchpoint.Kind) bool {
	return kind == matchpoint.SoftwareBreakpoint || kind == matchpoint.HardwareBreakpoint
}

func parseMatchpointOperands(payload string) (kind matchpoint.Kind, local target.LocalAddr, length int, ok bool) {
	kindPart, rest, ok := cutByte(payload, ',')
	if !ok {
		return 0, 0, 0, false
	}
	addrPart, lenPart, ok := cutByte(rest, ',')
	if !ok {
		return 0, 0, 0, false
	}
	digit, err := strconv.Atoi(kindPart)
	if err != nil {
		return 0, 0, 0, false
	}
	k, ok := matchpoint.ParseKind(digit)
	if !ok {
		return 0, 0, 0, false
	}
	loc, n, ok := parseAddrLen(addrPart, lenPart)
	if !ok {
		return 0, 0, 0, false
	}
	return k, loc, n, true
}

// handleInsertMatchpoint implements `Z kind,addr,len` (spec.md §4.A,
// §4.F step 5's insertion rule applied to a client-requested matchpoint
// rather than a temporary single-step one).
func (s *Session) handleInsertMatchpoint(payload string) []byte {
	kind, local, length, ok := parseMatchpointOperands(payload)
	if !ok {
		return []byte{}
	}

	if !isBreakpointKind(kind) {
		s.MP.Insert(kind, uint32(local), nil)
		return []byte("OK")
	}

	global, err := s.translate(local)
	if err != nil {
		return mapAccessError(err)
	}
	orig := make([]byte, length)
	if err := s.Port.ReadBurst(global, orig); err != nil {
		return mapAccessError(err)
	}

	bkpt := make([]byte, length)
	copy(bkpt, orig)
	if length >= 2 {
		bkptInstr := isa.BkptInstr
		bkpt[0] = byte(bkptInstr)
		bkpt[1] = byte(bkptInstr >> 8)
	}
	if err := s.Port.WriteBurst(global, bkpt); err != nil {
		return mapAccessError(err)
	}
	s.MP.Insert(kind, uint32(local), orig)
	return []byte("OK")
}

// handleRemoveMatchpoint implements `z kind,addr,len`.
func (s *Session) handleRemoveMatchpoint(payload string) []byte {
	kind, local, _, ok := parseMatchpointOperands(payload)
	if !ok {
		return []byte{}
	}

	orig, existed := s.MP.Remove(kind, uint32(local))
	if !existed {
		return []byte("OK")
	}
	if !isBreakpointKind(kind) {
		return []byte("OK")
	}

	global, err := s.translate(local)
	if err != nil {
		return mapAccessError(err)
	}
	if err := s.Port.WriteBurst(global, orig); err != nil {
		return mapAccessError(err)
	}
	return []byte("OK")
}
