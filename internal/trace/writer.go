package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/roach88/lockstep/internal/engine"
)

// Writer streams trace records to a log. It satisfies engine.Tracer:
// Record never returns an error and never blocks on anything but its
// own mutex; I/O failures stick and surface at Close.
type Writer struct {
	mu   sync.Mutex
	w    *bufio.Writer
	file *os.File // nil when wrapping a caller-owned io.Writer
	err  error
	buf  [recordSize]byte
}

// Header carries the metadata written before the first record.
type Header struct {
	Version     uint16
	Start       int64
	ProgramHash string
	Program     string
	Objects     []Object
}

// NewWriter writes the header to w and returns a Writer appending
// records to it.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	bw := bufio.NewWriterSize(w, 1<<16)
	if err := writeHeader(bw, h); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

// Create opens path for writing, truncating any previous log.
func Create(path string, h Header) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace log: %w", err)
	}
	tw, err := NewWriter(f, h)
	if err != nil {
		f.Close()
		return nil, err
	}
	tw.file = f
	return tw, nil
}

func writeHeader(w *bufio.Writer, h Header) error {
	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("write trace header: %w", err)
	}
	version := h.Version
	if version == 0 {
		version = Version
	}
	var scratch [8]byte
	binary.LittleEndian.PutUint16(scratch[:2], version)
	w.Write(scratch[:2])
	binary.LittleEndian.PutUint64(scratch[:], uint64(h.Start))
	w.Write(scratch[:])
	writeString(w, h.ProgramHash)
	writeString(w, h.Program)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(h.Objects)))
	w.Write(scratch[:4])
	for _, o := range h.Objects {
		w.WriteByte(byte(o.Space))
		binary.LittleEndian.PutUint32(scratch[:4], uint32(o.ID))
		w.Write(scratch[:4])
		writeString(w, o.Name)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write trace header: %w", err)
	}
	return nil
}

func writeString(w *bufio.Writer, s string) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(s)))
	w.Write(scratch[:n])
	w.WriteString(s)
}

// Record appends one entry. Called concurrently by engine workers.
func (t *Writer) Record(kind engine.TraceKind, object int32, tag engine.Tag, physical int64, worker int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	b := t.buf[:]
	b[0] = byte(kind)
	binary.LittleEndian.PutUint32(b[1:5], uint32(object))
	binary.LittleEndian.PutUint64(b[5:13], uint64(tag.Time))
	binary.LittleEndian.PutUint32(b[13:17], tag.Microstep)
	binary.LittleEndian.PutUint64(b[17:25], uint64(physical))
	binary.LittleEndian.PutUint32(b[25:29], uint32(worker))
	if _, err := t.w.Write(b); err != nil {
		t.err = err
	}
}

// Close flushes buffered records and reports the first error the
// writer hit, including any swallowed by Record.
func (t *Writer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ferr := t.w.Flush()
	if t.err == nil {
		t.err = ferr
	}
	if t.file != nil {
		cerr := t.file.Close()
		if t.err == nil {
			t.err = cerr
		}
		t.file = nil
	}
	if t.err != nil {
		return fmt.Errorf("trace log: %w", t.err)
	}
	return nil
}
