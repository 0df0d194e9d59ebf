// Package statefile implements the engine's crash-recoverable checkpoint:
// a small little-endian binary record bound to the output file by the
// convention "<output>.st", written atomically (temp file + fsync + rename)
// and read back at Open to resume an interrupted download.
package statefile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ctdl/dget/internal/engine/enginerr"
)

// Magic tags the file as this package's binary checkpoint format.
var Magic = [4]byte{'A', 'X', 'S', 'T'}

// Version is the current on-disk format version.
const Version uint16 = 1

// UnknownSize is the sentinel total_size meaning "unknown" (an
// identity-length stream whose size was never negotiated).
const UnknownSize int64 = -1

// ConnectionState is one connection's on-disk checkpoint.
type ConnectionState struct {
	CurrentByte int64
	LastByte    int64
}

// State is the full on-disk record.
type State struct {
	TotalSize   int64
	Connections []ConnectionState
}

// Suffix is appended to the output filename to derive the state file path.
const Suffix = ".st"

// PathFor returns "<output>.st".
func PathFor(outputPath string) string {
	return outputPath + Suffix
}

// Encode serializes s into the on-disk binary layout:
//
//	0       4    magic "AXST"
//	4       2    version (1)
//	6       2    reserved, zero
//	8       8    total_size (signed; UnknownSize for unknown)
//	16      4    connection_count (N)
//	20      8*N  current_byte per connection
//	20+8N   8*N  last_byte per connection
func Encode(s State) []byte {
	n := len(s.Connections)
	buf := make([]byte, 20+16*n)

	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.TotalSize))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(n))

	curOff := 20
	lastOff := 20 + 8*n
	for i, c := range s.Connections {
		binary.LittleEndian.PutUint64(buf[curOff+8*i:curOff+8*i+8], uint64(c.CurrentByte))
		binary.LittleEndian.PutUint64(buf[lastOff+8*i:lastOff+8*i+8], uint64(c.LastByte))
	}
	return buf
}

// Decode parses a binary record produced by Encode. A magic/version
// mismatch, or a buffer too short for its declared connection count,
// returns an error so the caller can discard and restart from scratch.
func Decode(buf []byte) (State, error) {
	if len(buf) < 20 {
		return State{}, fmt.Errorf("state file truncated: %d bytes", len(buf))
	}
	if !bytes.Equal(buf[0:4], Magic[:]) {
		return State{}, fmt.Errorf("state file magic mismatch")
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != Version {
		return State{}, fmt.Errorf("state file version mismatch: got %d, want %d", version, Version)
	}

	totalSize := int64(binary.LittleEndian.Uint64(buf[8:16]))
	n := int(binary.LittleEndian.Uint32(buf[16:20]))

	want := 20 + 16*n
	if len(buf) < want {
		return State{}, fmt.Errorf("state file truncated: have %d bytes, want %d", len(buf), want)
	}

	curOff := 20
	lastOff := 20 + 8*n
	conns := make([]ConnectionState, n)
	for i := range conns {
		conns[i].CurrentByte = int64(binary.LittleEndian.Uint64(buf[curOff+8*i : curOff+8*i+8]))
		conns[i].LastByte = int64(binary.LittleEndian.Uint64(buf[lastOff+8*i : lastOff+8*i+8]))
		if conns[i].CurrentByte > conns[i].LastByte {
			return State{}, fmt.Errorf("state file inconsistent: connection %d current_byte %d > last_byte %d",
				i, conns[i].CurrentByte, conns[i].LastByte)
		}
	}

	return State{TotalSize: totalSize, Connections: conns}, nil
}

// Checkpoint atomically writes s to PathFor(outputPath): write to a ".tmp"
// sibling, fsync, then rename over the real path. The rename is what makes
// a reader never observe a partial record.
func Checkpoint(outputPath string, s State) error {
	path := PathFor(outputPath)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", enginerr.ErrFileIo, tmp, err)
	}

	if _, err := f.Write(Encode(s)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", enginerr.ErrFileIo, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: fsync %s: %v", enginerr.ErrFileIo, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close %s: %v", enginerr.ErrFileIo, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %v", enginerr.ErrFileIo, tmp, path, err)
	}
	return nil
}

// Load reads and decodes PathFor(outputPath). It returns (State{}, false,
// nil) when no state file exists at all.
func Load(outputPath string) (State, bool, error) {
	path := PathFor(outputPath)
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("%w: read %s: %v", enginerr.ErrFileIo, path, err)
	}
	s, err := Decode(buf)
	if err != nil {
		return State{}, false, err
	}
	return s, true, nil
}

// Delete unlinks the state file. Not finding one is not an error: Delete is
// called both on successful completion and defensively at Open.
func Delete(outputPath string) error {
	path := PathFor(outputPath)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", enginerr.ErrFileIo, path, err)
	}
	return nil
}
