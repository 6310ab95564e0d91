// Package rsp implements the GDB Remote Serial Protocol packet codec
// described in spec.md §4.B: `$payload#cc` framing, mod-256 checksums,
// the `}` escape and `*` run-length encoding used in binary payloads, and
// the `+`/`-` acknowledgment exchange.
//
// This is the stub side of the protocol: the debugger (delve's
// pkg/proc/gdbserial is the same protocol from the other side) sends a
// command packet and awaits a reply; here we receive the command packet
// and send the reply. The wire-level math — checksum, escape, RLE — is
// identical in both directions.
package rsp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/kmate/epiphany-libs/pkg/logflags"
	"github.com/sirupsen/logrus"
)

// ErrTooManyAttempts is returned by WritePacket when a packet was not
// acknowledged within the allowed number of retransmission attempts.
var ErrTooManyAttempts = errors.New("rsp: too many transmit attempts")

// ErrBreak is returned by ReadPacket when the client sends an inline
// 0x03 (Ctrl-C) while the codec is waiting for the start of a packet.
var ErrBreak = errors.New("rsp: client break")

const maxTransmitAttempts = 10

const escapeXor byte = 0x20

// hexdigit is used when formatting the trailing checksum.
const hexdigit = "0123456789abcdef"

// Conn wraps a byte stream with RSP framing, ack handling, and escape
// decoding. It is not safe for concurrent use; the server serializes all
// RSP exchanges per spec.md §5.
type Conn struct {
	rw  io.ReadWriter
	rdr *bufio.Reader

	ackEnabled bool

	log *logrus.Entry
}

// NewConn wraps rw (typically a net.Conn) in an RSP Conn. Acknowledgment
// packets start enabled, matching GDB's own default; QStartNoAckMode is
// not offered by this server so ack stays on for the life of the
// connection.
func NewConn(rw io.ReadWriter, logs *logflags.Set) *Conn {
	l := (*logrus.Entry)(nil)
	if logs != nil {
		l = logs.GdbWire()
	}
	return &Conn{
		rw:         rw,
		rdr:        bufio.NewReader(rw),
		ackEnabled: true,
		log:        l,
	}
}

func (c *Conn) debugf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Debugf(format, args...)
	}
}

// ReadPacket reads the next RSP command packet, validating its checksum
// and replying with '+' or '-' as appropriate (spec.md §4.B). If the
// client sends an inline 0x03 while the codec is scanning for the start
// of a packet ('$'), ReadPacket returns ErrBreak immediately: the caller
// (the execution controller, while polling for a stop during c/s) treats
// this as a client break rather than a malformed packet.
func (c *Conn) ReadPacket(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		b, err := c.rdr.ReadByte()
		if err != nil {
			return nil, err
		}

		if b == 0x03 {
			c.debugf("-> <break>")
			return nil, ErrBreak
		}

		if b != '$' {
			continue
		}

		payload, err := c.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		payload = payload[:len(payload)-1] // drop trailing '#'

		var csumBuf [2]byte
		if _, err := io.ReadFull(c.rdr, csumBuf[:]); err != nil {
			return nil, err
		}

		if !checksumOK(payload, csumBuf) {
			c.debugf("-> $%s#%s (bad checksum)", payload, csumBuf)
			if err := c.sendAck('-'); err != nil {
				return nil, err
			}
			continue
		}

		c.debugf("-> $%s#%s", payload, csumBuf)
		if err := c.sendAck('+'); err != nil {
			return nil, err
		}

		decoded := decodeWire(payload)
		if bytes.Contains(decoded, []byte{'*'}) {
			rle, err := decodeRLE(decoded)
			if err != nil {
				return nil, err
			}
			return rle, nil
		}
		return decoded, nil
	}
}

// WritePacket frames payload as `$payload#cc`, sends it, and waits for
// an ack. On '-' it resends, up to maxTransmitAttempts times.
func (c *Conn) WritePacket(payload []byte) error {
	framed := make([]byte, 0, len(payload)+5)
	framed = append(framed, '$')
	framed = append(framed, payload...)
	framed = append(framed, '#')
	sum := checksum(payload)
	framed = append(framed, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		c.debugf("<- %s", framed)
		if _, err := c.rw.Write(framed); err != nil {
			return err
		}

		ok, err := c.readAck()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		attempt++
		if attempt > maxTransmitAttempts {
			return ErrTooManyAttempts
		}
	}
}

// WriteEmpty sends the empty packet `$#00`, the RSP convention for
// "unsupported command" (spec.md §4.G, §7).
func (c *Conn) WriteEmpty() error {
	return c.WritePacket(nil)
}

func (c *Conn) sendAck(b byte) error {
	c.debugf("<- %c", b)
	_, err := c.rw.Write([]byte{b})
	return err
}

func (c *Conn) readAck() (bool, error) {
	b, err := c.rdr.ReadByte()
	if err != nil {
		return false, err
	}
	c.debugf("-> %c", b)
	return b == '+', nil
}

// decodeWire resolves `}`-escapes within a received payload, leaving RLE
// markers ('*') untouched for a subsequent decodeRLE pass.
func decodeWire(in []byte) []byte {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i] == '}' && i+1 < len(in) {
			out = append(out, in[i+1]^escapeXor)
			i++
			continue
		}
		out = append(out, in[i])
	}
	return out
}

// decodeRLE expands `*n` run-length markers: the byte preceding `*` is
// repeated n-29 additional times.
func decodeRLE(in []byte) ([]byte, error) {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i] == '*' {
			if i == 0 || i+1 >= len(in) {
				return nil, fmt.Errorf("rsp: invalid RLE marker in %q", in)
			}
			rep := in[i+1] - 29
			prev := out[len(out)-1]
			for j := byte(0); j < rep; j++ {
				out = append(out, prev)
			}
			i++
			continue
		}
		out = append(out, in[i])
	}
	return out, nil
}

// EncodeBinary escapes '$', '#', '*' and '}' with the `}`-XOR-0x20 scheme
// required for binary ('X' and qXfer) responses (spec.md §4.B).
func EncodeBinary(in []byte) []byte {
	out := make([]byte, 0, len(in))
	for _, b := range in {
		if b == '$' || b == '#' || b == '*' || b == '}' {
			out = append(out, '}', b^escapeXor)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func checksum(payload []byte) (sum uint8) {
	for _, b := range payload {
		sum += b
	}
	return sum
}

func checksumOK(payload []byte, csumHex [2]byte) bool {
	want, err := strconv.ParseUint(string(csumHex[:]), 16, 8)
	if err != nil {
		return false
	}
	return checksum(payload) == uint8(want)
}
