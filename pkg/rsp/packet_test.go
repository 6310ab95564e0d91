package rsp_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/kmate/epiphany-libs/pkg/rsp"
)

// loopback is an in-memory io.ReadWriter splicing a client and server
// together, used to drive Conn against a scripted remote peer without a
// real socket.
type loopback struct {
	toServer   *bytes.Buffer
	fromServer *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.toServer.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.fromServer.Write(p) }

func newLoopback() *loopback {
	return &loopback{toServer: &bytes.Buffer{}, fromServer: &bytes.Buffer{}}
}

func TestReadPacketChecksumRoundTrip(t *testing.T) {
	lb := newLoopback()
	conn := rsp.NewConn(lb, nil)

	lb.toServer.WriteString("$g#67")

	got, err := conn.ReadPacket(context.Background())
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(got) != "g" {
		t.Fatalf("got %q, want %q", got, "g")
	}
	if lb.fromServer.String() != "+" {
		t.Fatalf("ack = %q, want %q", lb.fromServer.String(), "+")
	}
}

func TestReadPacketBadChecksumNaks(t *testing.T) {
	lb := newLoopback()
	conn := rsp.NewConn(lb, nil)

	lb.toServer.WriteString("$g#00")
	lb.toServer.WriteString("$g#67")

	got, err := conn.ReadPacket(context.Background())
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(got) != "g" {
		t.Fatalf("got %q, want %q", got, "g")
	}
	if lb.fromServer.String() != "-+" {
		t.Fatalf("acks = %q, want %q", lb.fromServer.String(), "-+")
	}
}

func TestReadPacketBreak(t *testing.T) {
	lb := newLoopback()
	conn := rsp.NewConn(lb, nil)

	lb.toServer.WriteByte(0x03)

	_, err := conn.ReadPacket(context.Background())
	if err != rsp.ErrBreak {
		t.Fatalf("err = %v, want ErrBreak", err)
	}
}

func TestWritePacketAwaitsAck(t *testing.T) {
	lb := newLoopback()
	conn := rsp.NewConn(lb, nil)

	lb.toServer.WriteByte('+')

	if err := conn.WritePacket([]byte("T05thread:p2.1;")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	want := "$T05thread:p2.1;#"
	if !bytes.HasPrefix(lb.fromServer.Bytes(), []byte(want)) {
		t.Fatalf("wrote %q, want prefix %q", lb.fromServer.Bytes(), want)
	}
}

func TestWritePacketResendsOnNak(t *testing.T) {
	lb := newLoopback()
	conn := rsp.NewConn(lb, nil)

	lb.toServer.WriteByte('-')
	lb.toServer.WriteByte('+')

	if err := conn.WritePacket([]byte("OK")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	count := bytes.Count(lb.fromServer.Bytes(), []byte("$OK#"))
	if count != 2 {
		t.Fatalf("sent %d times, want 2", count)
	}
}

func TestRLEDecode(t *testing.T) {
	lb := newLoopback()
	conn := rsp.NewConn(lb, nil)

	// "aaaaa" encoded as a* followed by a repeat-count byte (29+n).
	raw := []byte{'$', 'a', '*', 0}
	raw[3] = byte(29 + 4) // repeat 'a' 4 more times -> total 5 'a's
	lb.toServer.Write(raw[:1])
	lb.toServer.Write(raw[1:4])

	sum := byte('a') + byte('*') + raw[3]
	hexbuf := []byte{"0123456789abcdef"[sum>>4], "0123456789abcdef"[sum&0xf]}
	lb.toServer.WriteByte('#')
	lb.toServer.Write(hexbuf)

	got, err := conn.ReadPacket(context.Background())
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(got) != "aaaaa" {
		t.Fatalf("got %q, want %q", got, "aaaaa")
	}
}

func TestEncodeBinaryEscapesSpecialBytes(t *testing.T) {
	in := []byte{'$', '#', '*', '}', 'x'}
	out := rsp.EncodeBinary(in)
	want := []byte{'}', '$' ^ 0x20, '}', '#' ^ 0x20, '}', '*' ^ 0x20, '}', '}' ^ 0x20, 'x'}
	if !bytes.Equal(out, want) {
		t.Fatalf("EncodeBinary = %v, want %v", out, want)
	}
}
