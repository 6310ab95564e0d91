package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kmate/epiphany-libs/pkg/rsp"
)

const packetSizeAdvertised = 4096

// targetDescriptionXML is the qXfer:features:read payload: a minimal
// target description giving the architecture name and a single 32-bit
// register, r0. It does not list the other registers of the 106-register
// layout.
const targetDescriptionXML = `<?xml version="1.0"?>
<!DOCTYPE target SYSTEM "gdb-target.dtd">
<target>
  <architecture>epiphany</architecture>
  <feature name="org.gnu.gdb.epiphany.core">
    <reg name="r0" bitsize="32" type="uint32"/>
  </feature>
</target>
`

// handleQSupported implements `qSupported:…` (spec.md §4.G scenario 1).
func (s *Session) handleQSupported(payload string) []byte {
	if strings.Contains(payload, "multiprocess+") {
		s.Cfg.MultiProcess = true
	}
	parts := []string{
		fmt.Sprintf("PacketSize=%x", packetSizeAdvertised),
		"multiprocess+",
		"qXfer:osdata:read+",
		"qXfer:features:read+",
		"QStartNoAckMode-",
		"vContSupported+",
	}
	return []byte(strings.Join(parts, ";"))
}

// handleQXfer implements `qXfer:object:read:annex:offset,length`.
func (s *Session) handleQXfer(payload string) []byte {
	fields := strings.SplitN(payload, ":", 4)
	if len(fields) != 4 || fields[1] != "read" {
		return []byte{}
	}
	object, annex, region := fields[0], fields[2], fields[3]
	offsetPart, lengthPart, ok := cutByte(region, ',')
	if !ok {
		return []byte{}
	}
	offset, err1 := strconv.ParseInt(offsetPart, 16, 32)
	length, err2 := strconv.ParseInt(lengthPart, 16, 32)
	if err1 != nil || err2 != nil || offset < 0 || length < 0 {
		return []byte{}
	}

	switch object {
	case "osdata":
		chunk, more, err := s.OS.Read(annex, int(offset), int(length))
		if err != nil {
			return []byte{}
		}
		return xferReply(chunk, more)
	case "features":
		full := []byte(targetDescriptionXML)
		if int(offset) >= len(full) {
			return []byte("l")
		}
		end := int(offset) + int(length)
		more := end < len(full)
		if !more {
			end = len(full)
		}
		return xferReply(full[offset:end], more)
	default:
		return []byte{}
	}
}

func xferReply(chunk []byte, more bool) []byte {
	marker := byte('l')
	if more {
		marker = 'm'
	}
	out := make([]byte, 0, len(chunk)+1)
	out = append(out, marker)
	out = append(out, rsp.EncodeBinary(chunk)...)
	return out
}

// handleQfThreadInfo implements `qfThreadInfo`: the first (and, for this
// server's thread counts, only) chunk of the full thread list.
func (s *Session) handleQfThreadInfo() []byte {
	s.mu.Lock()
	s.threadInfoDone = false
	s.mu.Unlock()

	var ids []string
	for _, proc := range s.Reg.AllProcesses() {
		for _, tid := range proc.Tids() {
			ids = append(ids, s.formatTid(proc.Pid, tid))
		}
	}

	s.mu.Lock()
	s.threadInfoDone = true
	s.mu.Unlock()

	if len(ids) == 0 {
		return []byte("l")
	}
	return []byte("m" + strings.Join(ids, ","))
}

// handleQsThreadInfo implements `qsThreadInfo`: always "l" since
// qfThreadInfo already returned every thread in one chunk.
func (s *Session) handleQsThreadInfo() []byte {
	return []byte("l")
}

// handleQThreadExtraInfo implements `qThreadExtraInfo,TID`.
func (s *Session) handleQThreadExtraInfo(payload string) []byte {
	_, tid, err := parseTid(payload)
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	th, err := s.Reg.GetThread(tid, "qThreadExtraInfo")
	if err != nil {
		return encodeError(errThreadNotFound)
	}
	text := fmt.Sprintf("core %s", th.Core)
	return []byte(hexEncodeString(text))
}

// handleQC implements `qC`: the current general thread id.
func (s *Session) handleQC() []byte {
	th, err := s.generalThread()
	if err != nil {
		return []byte("QC0")
	}
	return []byte("QC" + s.formatTid(th.Pid(), th.Tid))
}

// handleQAttached implements `qAttached[:pid]`: this server always
// attaches to an already-running target, never spawns one.
func (s *Session) handleQAttached() []byte {
	return []byte("1")
}

// handleQOffsets implements `qOffsets`: no relocation, the mesh's cores
// execute position-independent firmware images already resident in core
// memory.
func (s *Session) handleQOffsets() []byte {
	return []byte("Text=0;Data=0;Bss=0")
}

func hexEncodeString(s string) string {
	const hexdigit = "0123456789abcdef"
	out := make([]byte, len(s)*2)
	for i := 0; i < len(s); i++ {
		out[i*2] = hexdigit[s[i]>>4]
		out[i*2+1] = hexdigit[s[i]&0xf]
	}
	return string(out)
}
