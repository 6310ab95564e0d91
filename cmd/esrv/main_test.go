package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kmate/epiphany-libs/pkg/logflags"
	"github.com/kmate/epiphany-libs/pkg/matchpoint"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
	"github.com/kmate/epiphany-libs/pkg/server"
	"github.com/kmate/epiphany-libs/pkg/target"
)

// TestAcceptLoopStopsOnCancel covers the SIGINT path's effect on
// acceptLoop without actually sending a signal: cancelling ctx and
// closing the listener (what the real signal handler in run() does)
// must make acceptLoop return a nil error rather than an Accept error.
func TestAcceptLoopStopsOnCancel(t *testing.T) {
	reg := procmodel.New()
	reg.AddCore(procmodel.CoreId{Row: 0, Col: 0})
	sess := server.NewSession(reg, target.NewMock(nil, nil), matchpoint.New(), logflags.New(logflags.LevelNone), server.Config{MultiProcess: true})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- acceptLoop(ctx, listener, sess)
	}()

	cancel()
	listener.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acceptLoop after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acceptLoop did not return after cancel + listener close")
	}
}

// TestAcceptLoopServesConnections covers the ordinary path: a live
// connection is handed to Session.Serve, and acceptLoop still returns
// nil on cancel after serving it.
func TestAcceptLoopServesConnections(t *testing.T) {
	reg := procmodel.New()
	reg.AddCore(procmodel.CoreId{Row: 0, Col: 0})
	sess := server.NewSession(reg, target.NewMock(nil, nil), matchpoint.New(), logflags.New(logflags.LevelNone), server.Config{MultiProcess: true})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- acceptLoop(ctx, listener, sess)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()

	cancel()
	listener.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acceptLoop = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acceptLoop did not return after serving a connection and cancel")
	}
}
