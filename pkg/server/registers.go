package server

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/kmate/epiphany-libs/pkg/procmodel"
)

// handleReadRegisters implements `g`: the 106-register bank of the
// general thread (Hg selector), little-endian hex, spec.md §4.G.
func (s *Session) handleReadRegisters() []byte {
	th, err := s.generalThread()
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	var buf [procmodel.NumRegs * procmodel.RegBytes]byte
	for i, v := range th.Regs.Regs {
		binary.LittleEndian.PutUint32(buf[i*procmodel.RegBytes:], v)
	}
	return []byte(hex.EncodeToString(buf[:]))
}

// handleWriteRegisters implements `G hex…`.
func (s *Session) handleWriteRegisters(payload string) []byte {
	th, err := s.generalThread()
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	raw, err := hex.DecodeString(payload)
	if err != nil || len(raw) != procmodel.NumRegs*procmodel.RegBytes {
		return encodeError(errUnknownRegister)
	}
	for i := range th.Regs.Regs {
		th.Regs.Regs[i] = binary.LittleEndian.Uint32(raw[i*procmodel.RegBytes:])
	}
	return []byte("OK")
}

// handleReadOneRegister implements `p N`.
func (s *Session) handleReadOneRegister(payload string) []byte {
	th, err := s.generalThread()
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	n, err := strconv.ParseInt(payload, 16, 32)
	if err != nil || n < 0 || int(n) >= procmodel.NumRegs {
		return encodeError(errUnknownRegister)
	}
	var buf [procmodel.RegBytes]byte
	binary.LittleEndian.PutUint32(buf[:], th.Regs.Regs[n])
	return []byte(hex.EncodeToString(buf[:]))
}

// handleWriteOneRegister implements `P N=hex`.
func (s *Session) handleWriteOneRegister(payload string) []byte {
	th, err := s.generalThread()
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	numPart, valPart, ok := cutByte(payload, '=')
	if !ok {
		return encodeError(errUnknownRegister)
	}
	n, err := strconv.ParseInt(numPart, 16, 32)
	if err != nil || n < 0 || int(n) >= procmodel.NumRegs {
		return encodeError(errUnknownRegister)
	}
	raw, err := hex.DecodeString(valPart)
	if err != nil || len(raw) != procmodel.RegBytes {
		return encodeError(errUnknownRegister)
	}
	th.Regs.Regs[n] = binary.LittleEndian.Uint32(raw)
	return []byte("OK")
}

func (s *Session) generalThread() (*procmodel.Thread, error) {
	s.mu.Lock()
	gtid := s.currentGTid
	pid := s.currentPid
	s.mu.Unlock()
	if gtid <= 0 {
		proc, err := s.Reg.GetProcess(pid)
		if err != nil {
			return nil, err
		}
		tids := proc.Tids()
		if len(tids) == 0 {
			return nil, fmt.Errorf("server: process %d has no threads", pid)
		}
		gtid = tids[0]
	}
	return s.Reg.GetThread(gtid, "Hg")
}

func cutByte(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
