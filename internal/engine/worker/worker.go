// Package worker implements the connection worker: the state machine that
// owns one transport client bound to one [current_byte, last_byte) range,
// pulls bytes off it in bounded slices, and writes them into the shared
// output file at the right offset.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ctdl/dget/internal/engine/enginerr"
	"github.com/ctdl/dget/internal/engine/filebacking"
	"github.com/ctdl/dget/internal/engine/message"
	"github.com/ctdl/dget/internal/engine/transport"
)

// State is one of the five values in the connection worker's state machine.
type State int

const (
	Init State = iota
	Connecting
	Transferring
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Connecting:
		return "connecting"
	case Transferring:
		return "transferring"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Worker drives one connection end-to-end for one byte range. Step runs on
// a goroutine the coordinator starts for each slice; the other exported
// methods are called from the coordinator's goroutine between slices.
// currentByte and lastTransfer are published via atomics so the coordinator
// can read them at step boundaries without a mutex.
type Worker struct {
	Index int

	state atomic.Int32 // State

	currentByte  atomic.Int64
	lastByte     atomic.Int64
	supported    atomic.Bool
	lastTransfer atomic.Int64 // UnixNano

	client transport.Client
	file   *filebacking.File
	msgs   *message.Queue

	rangeStart int64 // fixed for the lifetime of one assigned range

	lastErr error
}

// New creates a worker for range [start, end) (end == -1 means unbounded),
// not yet connected.
func New(index int, start, end int64, file *filebacking.File, msgs *message.Queue) *Worker {
	w := &Worker{Index: index, file: file, msgs: msgs, rangeStart: start}
	w.state.Store(int32(Init))
	w.currentByte.Store(start)
	w.lastByte.Store(end)
	return w
}

func (w *Worker) State() State          { return State(w.state.Load()) }
func (w *Worker) CurrentByte() int64    { return w.currentByte.Load() }
func (w *Worker) LastByte() int64       { return w.lastByte.Load() }
func (w *Worker) RangeStart() int64     { return w.rangeStart }
func (w *Worker) Supported() bool       { return w.supported.Load() }
func (w *Worker) LastError() error      { return w.lastErr }
func (w *Worker) LastTransferTime() time.Time {
	ns := w.lastTransfer.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reassign moves a FAILED worker onto a new client for a (possibly
// extended) range and transitions it back to CONNECTING. currentByte is
// left untouched when extending the same logical range (slack donation
// only ever grows lastByte).
func (w *Worker) Reassign(client transport.Client, lastByte int64) {
	w.client = client
	w.lastByte.Store(lastByte)
	w.lastErr = nil
	w.state.Store(int32(Connecting))
}

// ExtendLastByte grows the worker's upper bound, used when it absorbs a
// failed neighbor's remaining range.
func (w *Worker) ExtendLastByte(newLastByte int64) {
	w.lastByte.Store(newLastByte)
}

// SetClient assigns the transport client this worker should open on its
// next step (used the first time a worker is armed).
func (w *Worker) SetClient(client transport.Client) {
	w.client = client
}

// Disable puts the worker in the FAILED state; it stays there until a
// later Reassign moves it back to CONNECTING.
func (w *Worker) Disable() {
	w.state.Store(int32(Failed))
}

// MarkDone records that the assigned range was already complete when the
// worker was created (a resumed connection with nothing left to fetch).
func (w *Worker) MarkDone() {
	w.state.Store(int32(Done))
}

// IsComplete reports current_byte == last_byte.
func (w *Worker) IsComplete() bool {
	return w.currentByte.Load() == w.lastByte.Load()
}

// Step advances the worker by at most budget bytes (0 = unlimited for this
// slice) and returns quickly: it performs at most one connect-or-read
// syscall round before returning, so the coordinator's step stays bounded.
func (w *Worker) Step(ctx context.Context, budget int64, readStallTimeout time.Duration) {
	switch w.State() {
	case Init, Connecting:
		w.connect(ctx)
	case Transferring:
		w.transfer(ctx, budget, readStallTimeout)
	case Done, Failed:
		// Terminal for this step; the coordinator decides reassignment.
	}
}

func (w *Worker) connect(ctx context.Context) {
	w.state.Store(int32(Connecting))
	if w.client == nil {
		w.fail(fmt.Errorf("%w: no client assigned", enginerr.ErrConnect))
		return
	}

	start := w.currentByte.Load()
	end := w.lastByte.Load()
	openEnd := end - 1 // Open takes an inclusive end; lastByte is exclusive.
	if end < 0 {
		openEnd = transport.NoUpperBound
	}

	result, err := w.client.Open(ctx, start, openEnd)
	if err != nil {
		var te *enginerr.TransportError
		if errors.As(err, &te) {
			w.msgs.Warn(fmt.Sprintf("connection %d: %v", w.Index, te))
		}
		w.fail(err)
		return
	}

	w.supported.Store(result.Supported)
	if !result.Supported {
		if start > 0 {
			// The body starts at offset 0, not at our range; writing it
			// here would corrupt the neighbors' regions.
			w.fail(fmt.Errorf("%w: body restarts at 0, range began at %d", enginerr.ErrRangeUnsupported, start))
			return
		}
		w.msgs.Warn(fmt.Sprintf("connection %d: server ignored range request, falling back to single stream", w.Index))
	}

	w.state.Store(int32(Transferring))
	w.lastTransfer.Store(time.Now().UnixNano())
}

func (w *Worker) transfer(ctx context.Context, budget int64, readStallTimeout time.Duration) {
	if stall := time.Since(w.LastTransferTime()); readStallTimeout > 0 && !w.LastTransferTime().IsZero() && stall > readStallTimeout {
		w.fail(fmt.Errorf("%w: no data for %s", enginerr.ErrIoTimeout, stall))
		return
	}

	bufSize := budget
	if bufSize <= 0 || bufSize > 256*1024 {
		bufSize = 256 * 1024
	}
	// Never read past lastByte: HTTP 206 bodies end at the range boundary
	// anyway, but an FTP data connection streams to EOF of the whole file.
	if last := w.lastByte.Load(); last >= 0 {
		if remaining := last - w.currentByte.Load(); remaining < bufSize {
			bufSize = remaining
		}
	}
	if bufSize <= 0 {
		w.state.Store(int32(Done))
		w.client.Close()
		return
	}
	buf := make([]byte, bufSize)

	n, err := w.client.Read(buf)
	if n > 0 {
		offset := w.currentByte.Load()
		if _, werr := w.file.WriteAt(buf[:n], offset); werr != nil {
			w.fail(werr)
			return
		}
		w.currentByte.Store(offset + int64(n))
		w.lastTransfer.Store(time.Now().UnixNano())
	}

	if err != nil {
		if errors.Is(err, io.EOF) {
			if w.lastByte.Load() < 0 {
				// Unbounded range: EOF is completion.
				w.lastByte.Store(w.currentByte.Load())
			}
			if w.currentByte.Load() >= w.lastByte.Load() {
				w.state.Store(int32(Done))
				w.client.Close()
			} else {
				w.fail(fmt.Errorf("%w: connection closed early at %d/%d",
					enginerr.ErrIoTimeout, w.currentByte.Load(), w.lastByte.Load()))
			}
			return
		}
		w.fail(err)
		return
	}

	if w.currentByte.Load() >= w.lastByte.Load() && w.lastByte.Load() >= 0 {
		w.state.Store(int32(Done))
		w.client.Close()
	}
}

func (w *Worker) fail(err error) {
	w.lastErr = err
	w.state.Store(int32(Failed))
	if w.client != nil {
		w.client.Close()
	}
}

// CloseClient releases the current transport client, if any. Used by the
// coordinator when raising the stop flag.
func (w *Worker) CloseClient() error {
	if w.client == nil {
		return nil
	}
	return w.client.Close()
}
