package protocol

import (
	"fmt"
	"hash"
	"io"
	"sort"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/lib/checksum"
)

const chunkSize = 8 * 1024

type flusher interface {
	Flush() error
}

// Writer frames records onto a sink and keeps a running CRC-32 over every
// byte it writes. A Writer is not safe for concurrent use.
type Writer struct {
	sink   io.Writer
	out    io.Writer
	crc    hash.Hash32
	buf    []byte
	count  int
	closed bool
}

func NewWriter(sink io.Writer) *Writer {
	crc := checksum.New()

	return &Writer{
		sink: sink,
		out:  io.MultiWriter(sink, crc),
		crc:  crc,
		buf:  make([]byte, chunkSize),
	}
}

// Write frames one record:
//
//	int32 attrCount, {int32 keyLen, key, int32 valLen, value}*, int64 size, payload
func (w *Writer) Write(rec model.Record) error {
	if w.closed {
		return ErrWriterClosed
	}

	attrs := rec.Attributes()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := WriteInt32(w.out, int32(len(keys))); err != nil {
		return err
	}

	for _, k := range keys {
		if err := writeBytes(w.out, []byte(k)); err != nil {
			return err
		}

		if err := writeBytes(w.out, []byte(attrs[k])); err != nil {
			return err
		}
	}

	size := rec.Size()
	if err := WriteInt64(w.out, size); err != nil {
		return err
	}

	if size > 0 {
		if err := w.writePayload(rec, size); err != nil {
			return err
		}
	}

	w.count++
	return nil
}

func (w *Writer) writePayload(rec model.Record, size int64) error {
	rc, err := rec.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	n, err := io.CopyBuffer(w.out, io.LimitReader(rc, size), w.buf)
	if err != nil {
		return err
	}

	if n != size {
		return fmt.Errorf("record payload: wrote %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}

	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	return w.count
}

func (w *Writer) Checksum() uint32 {
	return w.crc.Sum32()
}

func (w *Writer) Flush() error {
	if f, ok := w.sink.(flusher); ok {
		return f.Flush()
	}

	return nil
}

// Close flushes and closes the sink, returning the final checksum.
func (w *Writer) Close() (uint32, error) {
	sum, err := w.CloseKeepOpen()
	if err != nil {
		return sum, err
	}

	if c, ok := w.sink.(io.Closer); ok {
		return sum, c.Close()
	}

	return sum, nil
}

// CloseKeepOpen flushes the sink but leaves it open for further protocol
// exchanges. The Writer rejects further records either way.
func (w *Writer) CloseKeepOpen() (uint32, error) {
	if w.closed {
		return w.Checksum(), ErrWriterClosed
	}

	w.closed = true
	return w.Checksum(), w.Flush()
}
