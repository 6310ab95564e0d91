package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/kmate/epiphany-libs/pkg/rsp"
)

// Serve runs the single-connection RSP loop described in spec.md §5: read
// one command packet, dispatch it, write the reply, repeat. It serializes
// every request/response pair on the calling goroutine; the only
// concurrency it introduces is the per-command break-watcher spawned
// inside the continue family and the per-thread continuations launched
// by vCont in non-stop mode or when it resumes more than one thread.
//
// Serve returns nil on a clean client disconnect (io.EOF), and a non-nil
// error for anything else: a malformed-beyond-recovery stream or a fatal
// condition reported by Dispatch (a failed platform reset).
func (s *Session) Serve(ctx context.Context, conn net.Conn) error {
	rc := rsp.NewConn(conn, s.Logs)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, err := rc.ReadPacket(ctx)
		if errors.Is(err, rsp.ErrBreak) {
			// A break with no continue/step in flight has nothing to
			// interrupt; spec.md §5 only defines Ctrl-C as meaningful
			// while the target runs.
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		reply, err := s.Dispatch(ctx, rc, pkt)
		if err != nil {
			return err
		}
		if err := rc.WritePacket(reply); err != nil {
			return err
		}
	}
}
