package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/roach88/lockstep/internal/engine"
)

// ErrBadFormat reports a log that is not a trace file or is from an
// unsupported version.
var ErrBadFormat = errors.New("not a trace log")

// Reader decodes a log sequentially: header once, then Next until
// io.EOF.
type Reader struct {
	r      *bufio.Reader
	file   *os.File
	header Header
	names  map[ObjectSpace]map[int32]string
}

// NewReader reads the header from r and positions at the first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	tr := &Reader{r: br, header: h, names: map[ObjectSpace]map[int32]string{}}
	for _, o := range h.Objects {
		m := tr.names[o.Space]
		if m == nil {
			m = map[int32]string{}
			tr.names[o.Space] = m
		}
		m[o.ID] = o.Name
	}
	return tr, nil
}

// Open opens a log file for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace log: %w", err)
	}
	tr, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	tr.file = f
	return tr, nil
}

func readHeader(r *bufio.Reader) (Header, error) {
	var h Header
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return h, fmt.Errorf("read trace header: %w", err)
	}
	if m != magic {
		return h, ErrBadFormat
	}
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:2]); err != nil {
		return h, fmt.Errorf("read trace header: %w", err)
	}
	h.Version = binary.LittleEndian.Uint16(scratch[:2])
	if h.Version != Version {
		return h, fmt.Errorf("%w: version %d", ErrBadFormat, h.Version)
	}
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return h, fmt.Errorf("read trace header: %w", err)
	}
	h.Start = int64(binary.LittleEndian.Uint64(scratch[:]))

	var err error
	if h.ProgramHash, err = readString(r); err != nil {
		return h, err
	}
	if h.Program, err = readString(r); err != nil {
		return h, err
	}

	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return h, fmt.Errorf("read object table: %w", err)
	}
	n := binary.LittleEndian.Uint32(scratch[:4])
	h.Objects = make([]Object, 0, n)
	for i := uint32(0); i < n; i++ {
		space, err := r.ReadByte()
		if err != nil {
			return h, fmt.Errorf("read object table: %w", err)
		}
		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			return h, fmt.Errorf("read object table: %w", err)
		}
		id := int32(binary.LittleEndian.Uint32(scratch[:4]))
		name, err := readString(r)
		if err != nil {
			return h, err
		}
		h.Objects = append(h.Objects, Object{ObjectSpace(space), id, name})
	}
	return h, nil
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", fmt.Errorf("read trace string: %w", err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read trace string: %w", err)
	}
	return string(b), nil
}

// Header returns the log's metadata.
func (t *Reader) Header() Header { return t.header }

// ObjectName resolves a record's object to its instance name, "" when
// the record kind carries no object.
func (t *Reader) ObjectName(kind engine.TraceKind, id int32) string {
	return t.names[SpaceOf(kind)][id]
}

// Next decodes the next record. Returns io.EOF cleanly at the end of
// the log; a partial trailing record (a crashed run) reports
// io.ErrUnexpectedEOF.
func (t *Reader) Next() (Record, error) {
	var b [recordSize]byte
	if _, err := io.ReadFull(t.r, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("read trace record: %w", err)
	}
	return Record{
		Kind:     engine.TraceKind(b[0]),
		Object:   int32(binary.LittleEndian.Uint32(b[1:5])),
		Tag:      engine.Tag{Time: int64(binary.LittleEndian.Uint64(b[5:13])), Microstep: binary.LittleEndian.Uint32(b[13:17])},
		Physical: int64(binary.LittleEndian.Uint64(b[17:25])),
		Worker:   int32(binary.LittleEndian.Uint32(b[25:29])),
	}, nil
}

// Close closes the underlying file when the reader owns one.
func (t *Reader) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
