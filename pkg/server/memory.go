package server

import (
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/kmate/epiphany-libs/pkg/target"
)

// translate resolves a local address against the core of the current
// general thread, spec.md §4.C's convertAddress.
func (s *Session) translate(local target.LocalAddr) (target.GlobalAddr, error) {
	th, err := s.generalThread()
	if err != nil {
		return 0, err
	}
	global, ok := target.ConvertAddress(s.Port, th.Core.Packed(), local)
	if !ok {
		return 0, target.ErrAddressRefused
	}
	return global, nil
}

func parseAddrLen(addrPart, lenPart string) (target.LocalAddr, int, bool) {
	addr, err := strconv.ParseUint(addrPart, 16, 32)
	if err != nil {
		return 0, 0, false
	}
	n, err := strconv.ParseInt(lenPart, 16, 32)
	if err != nil || n < 0 {
		return 0, 0, false
	}
	return target.LocalAddr(addr), int(n), true
}

// handleReadMemory implements `m addr,len`.
func (s *Session) handleReadMemory(payload string) []byte {
	addrPart, lenPart, ok := cutByte(payload, ',')
	if !ok {
		return encodeError(errAddressRefused)
	}
	local, n, ok := parseAddrLen(addrPart, lenPart)
	if !ok {
		return encodeError(errAddressRefused)
	}
	global, err := s.translate(local)
	if err != nil {
		return mapAccessError(err)
	}
	buf := make([]byte, n)
	if err := s.Port.ReadBurst(global, buf); err != nil {
		return mapAccessError(err)
	}
	return []byte(hex.EncodeToString(buf))
}

// handleWriteMemoryHex implements `M addr,len:hex`.
func (s *Session) handleWriteMemoryHex(payload string) []byte {
	head, hexData, ok := cutByte(payload, ':')
	if !ok {
		return encodeError(errAddressRefused)
	}
	addrPart, lenPart, ok := cutByte(head, ',')
	if !ok {
		return encodeError(errAddressRefused)
	}
	local, n, ok := parseAddrLen(addrPart, lenPart)
	if !ok {
		return encodeError(errAddressRefused)
	}
	raw, err := hex.DecodeString(hexData)
	if err != nil || len(raw) != n {
		return encodeError(errAddressRefused)
	}
	return s.writeMemory(local, raw)
}

// handleWriteMemoryBinary implements `X addr,len:bin`, where bin is the
// already wire-decoded payload tail (the rsp codec resolves `}`-escapes
// before dispatch ever sees the packet).
func (s *Session) handleWriteMemoryBinary(payload []byte) []byte {
	colon := -1
	for i, b := range payload {
		if b == ':' {
			colon = i
			break
		}
	}
	if colon < 0 {
		return encodeError(errAddressRefused)
	}
	head := string(payload[:colon])
	bin := payload[colon+1:]
	addrPart, lenPart, ok := cutByte(head, ',')
	if !ok {
		return encodeError(errAddressRefused)
	}
	local, n, ok := parseAddrLen(addrPart, lenPart)
	if !ok || len(bin) != n {
		return encodeError(errAddressRefused)
	}
	return s.writeMemory(local, bin)
}

func (s *Session) writeMemory(local target.LocalAddr, data []byte) []byte {
	global, err := s.translate(local)
	if err != nil {
		return mapAccessError(err)
	}
	if err := s.Port.WriteBurst(global, data); err != nil {
		return mapAccessError(err)
	}
	return []byte("OK")
}

// mapAccessError implements spec.md §7's C-layer error mapping.
func mapAccessError(err error) []byte {
	if errors.Is(err, target.ErrAddressRefused) {
		return encodeError(errAddressRefused)
	}
	var short *target.ErrShortTransfer
	if errors.As(err, &short) {
		return encodeError(errShortTransfer)
	}
	return encodeError(errShortTransfer)
}
