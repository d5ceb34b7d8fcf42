// Package relay moves audio frames between the caller's media stream and the
// speech engine, one goroutine per direction, preserving frame order within
// each direction.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/allballa/call-scheduler/pkg/logging"
)

var relayTracer = otel.Tracer("scheduler.internal.relay")

// ErrTransport marks a stream failure that ended the relay. A clean
// end-of-stream from either side is not an error.
var ErrTransport = errors.New("relay: transport failure")

// Stream is a duplex frame transport. ReadFrame blocks until a frame
// arrives and returns io.EOF when the peer closes cleanly. Close unblocks
// any pending ReadFrame.
type Stream interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Relay pumps frames between two streams until either side closes.
type Relay struct {
	logger *logging.Logger
}

// New constructs a relay.
func New(logger *logging.Logger) *Relay {
	if logger == nil {
		logger = logging.Default()
	}
	return &Relay{logger: logger.Component("relay")}
}

// Run relays frames in both directions until one side closes or fails, then
// tears down both streams and waits for the surviving direction to drain.
// Frames are never reordered within a direction; the two directions make
// independent progress. Returns nil on a clean close, ErrTransport otherwise.
func (r *Relay) Run(ctx context.Context, caller, engine Stream) error {
	ctx, span := relayTracer.Start(ctx, "relay.run")
	defer span.End()

	// Cancellation closes both streams, which unblocks pending reads.
	stop := context.AfterFunc(ctx, func() {
		_ = caller.Close()
		_ = engine.Close()
	})
	defer stop()

	results := make(chan pumpResult, 2)
	go r.pump("caller_to_engine", caller, engine, results)
	go r.pump("engine_to_caller", engine, caller, results)

	first := <-results
	_ = caller.Close()
	_ = engine.Close()
	second := <-results

	span.SetAttributes(
		attribute.Int(first.direction+".frames", first.frames),
		attribute.Int(second.direction+".frames", second.frames),
	)

	if err := ctx.Err(); err != nil {
		return err
	}
	// The second pump's error is a consequence of the teardown above; only
	// the first termination decides the outcome.
	if first.err != nil {
		span.RecordError(first.err)
		return first.err
	}
	return nil
}

type pumpResult struct {
	direction string
	frames    int
	err       error
}

func (r *Relay) pump(direction string, src, dst Stream, results chan<- pumpResult) {
	frames := 0
	var failure error
	for {
		frame, err := src.ReadFrame()
		if err != nil {
			if !cleanClose(err) {
				failure = fmt.Errorf("%w: %s: read: %v", ErrTransport, direction, err)
			}
			break
		}
		if len(frame) == 0 {
			continue
		}
		if err := dst.WriteFrame(frame); err != nil {
			if !cleanClose(err) {
				failure = fmt.Errorf("%w: %s: write: %v", ErrTransport, direction, err)
			}
			break
		}
		frames++
	}
	r.logger.Debug("relay direction finished", "direction", direction, "frames", frames, "error", failure)
	results <- pumpResult{direction: direction, frames: frames, err: failure}
}

func cleanClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
