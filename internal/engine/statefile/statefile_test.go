package statefile

import (
	"path/filepath"
	"testing"
)

func sampleState() State {
	return State{
		TotalSize: 1 << 20,
		Connections: []ConnectionState{
			{CurrentByte: 0, LastByte: 262144},
			{CurrentByte: 100000, LastByte: 524288},
			{CurrentByte: 524288, LastByte: 786432},
			{CurrentByte: 786432, LastByte: 1 << 20},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := sampleState()
	buf := Encode(s)

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.TotalSize != s.TotalSize {
		t.Errorf("TotalSize: got %d, want %d", got.TotalSize, s.TotalSize)
	}
	if len(got.Connections) != len(s.Connections) {
		t.Fatalf("Connections length: got %d, want %d", len(got.Connections), len(s.Connections))
	}
	for i := range s.Connections {
		if got.Connections[i] != s.Connections[i] {
			t.Errorf("Connections[%d]: got %+v, want %+v", i, got.Connections[i], s.Connections[i])
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := Encode(sampleState())
	buf[0] = 'X'
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	buf := Encode(sampleState())
	buf[4] = 0xFF
	buf[5] = 0xFF
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for version mismatch")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	buf := Encode(sampleState())
	if _, err := Decode(buf[:len(buf)-4]); err == nil {
		t.Fatalf("expected error for truncated buffer")
	}
}

func TestDecodeRejectsInconsistentBounds(t *testing.T) {
	s := State{
		TotalSize:   100,
		Connections: []ConnectionState{{CurrentByte: 50, LastByte: 10}},
	}
	buf := Encode(s)
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for current_byte > last_byte")
	}
}

func TestCheckpointThenLoadThenCheckpointIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "movie.mp4")
	s := sampleState()

	if err := Checkpoint(output, s); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	loaded, ok, err := Load(output)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatalf("expected state file to exist")
	}

	if err := Checkpoint(output, loaded); err != nil {
		t.Fatalf("second Checkpoint: %v", err)
	}

	firstBytes := Encode(s)
	reloaded, ok, err := Load(output)
	if err != nil || !ok {
		t.Fatalf("reload after second checkpoint: ok=%v err=%v", ok, err)
	}
	secondBytes := Encode(reloaded)
	if string(firstBytes) != string(secondBytes) {
		t.Errorf("expected byte-identical state file across reload/checkpoint cycle")
	}
}

func TestLoadMissingFileReportsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := Load(filepath.Join(dir, "nope.mp4"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for missing state file")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "movie.mp4")
	if err := Checkpoint(output, sampleState()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := Delete(output); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := Delete(output); err != nil {
		t.Fatalf("second Delete (missing file) should be a no-op: %v", err)
	}
}

func TestUnknownSizeSentinel(t *testing.T) {
	s := State{TotalSize: UnknownSize, Connections: []ConnectionState{{CurrentByte: 5, LastByte: 5}}}
	buf := Encode(s)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.TotalSize != UnknownSize {
		t.Errorf("expected UnknownSize sentinel preserved, got %d", got.TotalSize)
	}
}
