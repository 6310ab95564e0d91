package server

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/kmate/epiphany-libs/pkg/rsp"
)

// Dispatch resolves one decoded RSP command packet into its reply,
// spec.md §4.G's packet table. conn is needed only by the continue
// family, to drive the semihosting F-packet round trip and to watch for
// an inline Ctrl-C break while the target runs; every other packet is a
// single blocking request/response with no further I/O of its own.
//
// A non-nil error means a fatal condition (spec.md §7's "Platform reset
// failure") that Serve must act on by ending the session, not an
// ordinary RSP error reply. A connection failure during a continue or
// step is answered with an E-reply instead.
func (s *Session) Dispatch(ctx context.Context, conn *rsp.Conn, pkt []byte) ([]byte, error) {
	text := string(pkt)
	if text == "" {
		return []byte{}, nil
	}

	cmd := text[0]
	rest := strings.TrimPrefix(text[1:], " ")

	switch cmd {
	case '?':
		return s.handleHaltReport(), nil
	case 'g':
		return s.handleReadRegisters(), nil
	case 'G':
		return s.handleWriteRegisters(rest), nil
	case 'p':
		return s.handleReadOneRegister(rest), nil
	case 'P':
		return s.handleWriteOneRegister(rest), nil
	case 'm':
		return s.handleReadMemory(rest), nil
	case 'M':
		return s.handleWriteMemoryHex(rest), nil
	case 'X':
		return s.handleWriteMemoryBinary(pkt[1:]), nil
	case 'Z':
		return s.handleInsertMatchpoint(rest), nil
	case 'z':
		return s.handleRemoveMatchpoint(rest), nil
	case 'H':
		return s.handleH(rest), nil
	case 'T':
		return s.handleT(rest), nil
	case 'D':
		return s.handleD(strings.TrimPrefix(rest, ";")), nil
	case 'R':
		return s.handleRestart()
	case 'c', 'C':
		addr, hasAddr, ok := parseResumeAddr(cmd, rest)
		if !ok {
			return encodeError(errAddressRefused), nil
		}
		return s.handleContinue(ctx, conn, 0, false, addr, hasAddr)
	case 's', 'S':
		addr, hasAddr, ok := parseResumeAddr(cmd, rest)
		if !ok {
			return encodeError(errAddressRefused), nil
		}
		return s.handleStep(0, false, addr, hasAddr), nil
	case 'v':
		return s.dispatchV(ctx, conn, text)
	case 'q':
		return s.dispatchQ(text)
	case 'F':
		// An F packet outside a server-initiated semihost round trip is
		// unexpected; ignore rather than erroring the whole session.
		return []byte{}, nil
	default:
		return []byte{}, nil
	}
}

func (s *Session) dispatchV(ctx context.Context, conn *rsp.Conn, text string) ([]byte, error) {
	switch {
	case text == "vCont?":
		return s.handleVContQuery(), nil
	case strings.HasPrefix(text, "vCont;"):
		return s.handleVCont(ctx, conn, text[len("vCont;"):])
	case text == "vStopped":
		return s.handleVStopped(), nil
	case strings.HasPrefix(text, "vAttach;"):
		return s.handleVAttach(text[len("vAttach;"):]), nil
	case strings.HasPrefix(text, "vRun"):
		return s.handleVRun(text[len("vRun"):]), nil
	default:
		return []byte{}, nil
	}
}

func (s *Session) dispatchQ(text string) ([]byte, error) {
	switch {
	case strings.HasPrefix(text, "qSupported"):
		rest := strings.TrimPrefix(text, "qSupported")
		rest = strings.TrimPrefix(rest, ":")
		return s.handleQSupported(rest), nil
	case strings.HasPrefix(text, "qXfer:"):
		return s.handleQXfer(text[len("qXfer:"):]), nil
	case text == "qfThreadInfo":
		return s.handleQfThreadInfo(), nil
	case text == "qsThreadInfo":
		return s.handleQsThreadInfo(), nil
	case strings.HasPrefix(text, "qThreadExtraInfo,"):
		return s.handleQThreadExtraInfo(text[len("qThreadExtraInfo,"):]), nil
	case text == "qC":
		return s.handleQC(), nil
	case strings.HasPrefix(text, "qAttached"):
		return s.handleQAttached(), nil
	case text == "qOffsets":
		return s.handleQOffsets(), nil
	case strings.HasPrefix(text, "qRcmd,"):
		return s.handleQRcmd(text[len("qRcmd,"):]), nil
	default:
		return []byte{}, nil
	}
}

// handleVRun implements `vRun;filename;arg,…`: forms a new process named
// after the (hex-encoded) program path. This server debugs cores that are
// already executing a resident image rather than spawning one, so vRun
// only does the bookkeeping half of a normal gdbserver's vRun — creating
// the ProcessInfo the client will then populate via the `workgroup`
// monitor command or `vAttach`.
func (s *Session) handleVRun(payload string) []byte {
	fields := strings.Split(strings.TrimPrefix(payload, ";"), ";")
	command := "a.out"
	if len(fields) > 0 && fields[0] != "" {
		if decoded, ok := decodeHexOrEmpty(fields[0]); ok {
			command = decoded
		}
	}
	proc := s.Reg.NewProcess(command)
	s.mu.Lock()
	s.currentPid = proc.Pid
	s.mu.Unlock()
	return []byte("OK")
}

func decodeHexOrEmpty(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
