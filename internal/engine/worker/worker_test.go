package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctdl/dget/internal/engine/enginerr"
	"github.com/ctdl/dget/internal/engine/filebacking"
	"github.com/ctdl/dget/internal/engine/message"
	"github.com/ctdl/dget/internal/engine/transport"
)

// stubClient is a minimal transport.Client test double. It serves body
// through Read, optionally refusing to ever return bytes (blockReads, used
// to simulate a stalled connection) and reports whatever Open behavior the
// test configures.
type stubClient struct {
	body       []byte
	pos        int
	supported  bool
	totalSize  int64
	openErr    error
	blockReads bool
	closed     bool
}

func (s *stubClient) Open(ctx context.Context, start, end int64) (transport.OpenResult, error) {
	if s.openErr != nil {
		return transport.OpenResult{}, s.openErr
	}
	return transport.OpenResult{Supported: s.supported, TotalSize: s.totalSize}, nil
}

func (s *stubClient) Read(p []byte) (int, error) {
	if s.blockReads {
		return 0, nil
	}
	if s.pos >= len(s.body) {
		return 0, io.EOF
	}
	n := copy(p, s.body[s.pos:])
	s.pos += n
	return n, nil
}

func (s *stubClient) Close() error {
	s.closed = true
	return nil
}

func newFileAt(t *testing.T, size int64) (*filebacking.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.bin")
	f, _, err := filebacking.Open(path, size)
	if err != nil {
		t.Fatalf("filebacking.Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func TestStepInitConnectsThenTransfers(t *testing.T) {
	file, path := newFileAt(t, 10)
	w := New(0, 0, 10, file, message.New(0))
	w.SetClient(&stubClient{body: []byte("ABCDEFGHIJ"), supported: true})

	w.Step(context.Background(), 0, time.Second)
	if w.State() != Transferring {
		t.Fatalf("expected Transferring after connect, got %v", w.State())
	}
	if !w.Supported() {
		t.Errorf("expected Supported true")
	}

	for i := 0; i < 5 && w.State() == Transferring; i++ {
		w.Step(context.Background(), 0, time.Second)
	}
	if w.State() != Done {
		t.Fatalf("expected Done after full transfer, got %v (current=%d last=%d)", w.State(), w.CurrentByte(), w.LastByte())
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("ABCDEFGHIJ")) {
		t.Errorf("expected ABCDEFGHIJ on disk, got %q", got)
	}
}

func TestStepFailsOnOpenError(t *testing.T) {
	file, _ := newFileAt(t, 10)
	w := New(0, 0, 10, file, message.New(0))
	w.SetClient(&stubClient{openErr: &enginerr.TransportError{Status: 403}})

	w.Step(context.Background(), 0, time.Second)
	if w.State() != Failed {
		t.Fatalf("expected Failed, got %v", w.State())
	}
	if w.LastError() == nil {
		t.Errorf("expected a recorded error")
	}
}

func TestStepUnboundedRangeCompletesOnEOF(t *testing.T) {
	file, _ := newFileAt(t, 5)
	w := New(0, 0, -1, file, message.New(0))
	w.SetClient(&stubClient{body: []byte("HELLO"), supported: false})

	w.Step(context.Background(), 0, time.Second) // connect
	for i := 0; i < 5 && w.State() == Transferring; i++ {
		w.Step(context.Background(), 0, time.Second)
	}
	if w.State() != Done {
		t.Fatalf("expected Done, got %v", w.State())
	}
	if w.LastByte() != 5 {
		t.Errorf("expected lastByte to settle at 5 for unbounded completion, got %d", w.LastByte())
	}
}

func TestStepFailsWhenConnectionClosesEarly(t *testing.T) {
	file, _ := newFileAt(t, 10)
	w := New(0, 0, 10, file, message.New(0))
	w.SetClient(&stubClient{body: []byte("ABC"), supported: true}) // only 3 of 10 bytes

	w.Step(context.Background(), 0, time.Second) // connect
	for i := 0; i < 5 && w.State() == Transferring; i++ {
		w.Step(context.Background(), 0, time.Second)
	}
	if w.State() != Failed {
		t.Fatalf("expected Failed on early close, got %v", w.State())
	}
}

func TestStepFailsOnReadStall(t *testing.T) {
	file, _ := newFileAt(t, 10)
	w := New(0, 0, 10, file, message.New(0))
	w.SetClient(&stubClient{body: []byte("ABCDE"), supported: true, blockReads: true})

	w.Step(context.Background(), 0, time.Millisecond) // connect
	w.lastTransfer.Store(time.Now().Add(-time.Hour).UnixNano())
	w.Step(context.Background(), 0, time.Millisecond)
	if w.State() != Failed {
		t.Fatalf("expected Failed on read stall, got %v", w.State())
	}
	if !errors.Is(w.LastError(), enginerr.ErrIoTimeout) {
		t.Errorf("expected ErrIoTimeout, got %v", w.LastError())
	}
}

func TestStepNeverReadsPastLastByte(t *testing.T) {
	// An FTP data connection streams to EOF of the whole file; the worker
	// must stop at its own upper bound anyway.
	file, path := newFileAt(t, 10)
	w := New(0, 0, 5, file, message.New(0))
	w.SetClient(&stubClient{body: []byte("ABCDEFGHIJ"), supported: true})

	w.Step(context.Background(), 0, time.Second) // connect
	for i := 0; i < 5 && w.State() == Transferring; i++ {
		w.Step(context.Background(), 0, time.Second)
	}
	if w.State() != Done {
		t.Fatalf("expected Done, got %v", w.State())
	}
	if w.CurrentByte() != 5 {
		t.Errorf("expected currentByte to stop at 5, got %d", w.CurrentByte())
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got[:5], []byte("ABCDE")) {
		t.Errorf("expected ABCDE in the assigned region, got %q", got[:5])
	}
	if !bytes.Equal(got[5:], make([]byte, 5)) {
		t.Errorf("expected the neighbor region untouched, got %q", got[5:])
	}
}

func TestStepFailsWhenRangeIgnoredMidRange(t *testing.T) {
	// A peer answering 200 to a non-zero range would hand us the file from
	// offset 0; writing that at our offset corrupts the neighbors.
	file, _ := newFileAt(t, 10)
	w := New(1, 5, 10, file, message.New(0))
	w.SetClient(&stubClient{body: []byte("ABCDEFGHIJ"), supported: false})

	w.Step(context.Background(), 0, time.Second)
	if w.State() != Failed {
		t.Fatalf("expected Failed when range is ignored mid-range, got %v", w.State())
	}
	if !errors.Is(w.LastError(), enginerr.ErrRangeUnsupported) {
		t.Errorf("expected ErrRangeUnsupported, got %v", w.LastError())
	}
}

func TestMarkDoneSkipsConnect(t *testing.T) {
	file, _ := newFileAt(t, 10)
	w := New(0, 10, 10, file, message.New(0))
	w.MarkDone()
	if w.State() != Done {
		t.Fatalf("expected Done, got %v", w.State())
	}
	w.Step(context.Background(), 0, time.Second)
	if w.State() != Done {
		t.Errorf("expected Done to be terminal, got %v", w.State())
	}
}

func TestReassignMovesFailedBackToConnecting(t *testing.T) {
	file, _ := newFileAt(t, 10)
	w := New(0, 0, 10, file, message.New(0))
	w.fail(errors.New("boom"))
	if w.State() != Failed {
		t.Fatalf("setup: expected Failed")
	}

	w.Reassign(&stubClient{body: []byte("ABCDEFGHIJ"), supported: true}, 10)
	if w.State() != Connecting {
		t.Fatalf("expected Connecting after Reassign, got %v", w.State())
	}
	if w.LastError() != nil {
		t.Errorf("expected lastErr cleared after Reassign")
	}
}

func TestExtendLastByteGrowsRange(t *testing.T) {
	file, _ := newFileAt(t, 10)
	w := New(0, 0, 5, file, message.New(0))
	w.ExtendLastByte(10)
	if w.LastByte() != 10 {
		t.Errorf("expected LastByte 10, got %d", w.LastByte())
	}
}

func TestIsComplete(t *testing.T) {
	file, _ := newFileAt(t, 10)
	w := New(0, 5, 5, file, message.New(0))
	if !w.IsComplete() {
		t.Errorf("expected IsComplete true when current==last")
	}
}
