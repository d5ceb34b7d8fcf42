package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// chanStream is an in-memory Stream backed by channels, one per direction.
type chanStream struct {
	in  chan []byte
	out chan<- []byte

	mu       sync.Mutex
	closed   bool
	closeCh  chan struct{}
	writeErr error
}

func newChanStream(in chan []byte, out chan<- []byte) *chanStream {
	return &chanStream{in: in, out: out, closeCh: make(chan struct{})}
}

func (s *chanStream) ReadFrame() ([]byte, error) {
	select {
	case frame, ok := <-s.in:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-s.closeCh:
		return nil, io.EOF
	}
}

func (s *chanStream) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.closed {
		return io.ErrClosedPipe
	}
	s.out <- frame
	return nil
}

func (s *chanStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

func frames(n int, prefix string) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("%s-%03d", prefix, i))
	}
	return out
}

func TestRunPreservesCallerOrder(t *testing.T) {
	callerIn := make(chan []byte, 64)
	engineIn := make(chan []byte)
	toEngine := make(chan []byte, 64)
	toCaller := make(chan []byte, 64)

	caller := newChanStream(callerIn, toCaller)
	engine := newChanStream(engineIn, toEngine)

	upstream := frames(20, "up")
	for _, f := range upstream {
		callerIn <- f
	}
	// Only the caller hangs up; every queued frame must reach the engine
	// before the relay tears the other direction down.
	close(callerIn)

	if err := New(nil).Run(context.Background(), caller, engine); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	close(toEngine)
	i := 0
	for f := range toEngine {
		if !bytes.Equal(f, upstream[i]) {
			t.Fatalf("caller frame %d out of order: got %q want %q", i, f, upstream[i])
		}
		i++
	}
	if i != len(upstream) {
		t.Fatalf("expected %d caller frames relayed, got %d", len(upstream), i)
	}
}

func TestRunPreservesEngineOrder(t *testing.T) {
	callerIn := make(chan []byte)
	engineIn := make(chan []byte, 64)
	toEngine := make(chan []byte, 64)
	toCaller := make(chan []byte, 64)

	caller := newChanStream(callerIn, toCaller)
	engine := newChanStream(engineIn, toEngine)

	downstream := frames(20, "down")
	for _, f := range downstream {
		engineIn <- f
	}
	close(engineIn)

	if err := New(nil).Run(context.Background(), caller, engine); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	close(toCaller)
	i := 0
	for f := range toCaller {
		if !bytes.Equal(f, downstream[i]) {
			t.Fatalf("engine frame %d out of order: got %q want %q", i, f, downstream[i])
		}
		i++
	}
	if i != len(downstream) {
		t.Fatalf("expected %d engine frames relayed, got %d", len(downstream), i)
	}
}

func TestRunClosesPeerWhenOneSideEnds(t *testing.T) {
	callerIn := make(chan []byte)
	engineIn := make(chan []byte)
	sink := make(chan []byte, 8)

	caller := newChanStream(callerIn, sink)
	engine := newChanStream(engineIn, sink)

	done := make(chan error, 1)
	go func() {
		done <- New(nil).Run(context.Background(), caller, engine)
	}()

	// Hang up the caller side; the engine side must be torn down too.
	close(callerIn)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("clean hangup should not error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after one side closed")
	}

	engine.mu.Lock()
	closed := engine.closed
	engine.mu.Unlock()
	if !closed {
		t.Fatal("expected the engine stream to be closed")
	}
}

func TestRunReportsTransportFailure(t *testing.T) {
	callerIn := make(chan []byte, 1)
	engineIn := make(chan []byte)
	sink := make(chan []byte, 8)

	caller := newChanStream(callerIn, sink)
	engine := newChanStream(engineIn, sink)
	engine.writeErr = errors.New("connection reset")

	callerIn <- []byte("frame")

	err := New(nil).Run(context.Background(), caller, engine)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRunHonorsContextCancel(t *testing.T) {
	callerIn := make(chan []byte)
	engineIn := make(chan []byte)
	sink := make(chan []byte, 8)

	caller := newChanStream(callerIn, sink)
	engine := newChanStream(engineIn, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(nil).Run(ctx, caller, engine)
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
}
