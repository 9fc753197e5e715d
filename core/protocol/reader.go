package protocol

import (
	"fmt"
	"hash"
	"io"
	"math"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/lib/checksum"
)

// MaxAttributeLength bounds a single decoded attribute key or value.
const MaxAttributeLength = 1 << 20

// Reader decodes records framed by Writer and keeps the same running CRC-32.
type Reader struct {
	in  io.Reader
	crc hash.Hash32
}

func NewReader(source io.Reader) *Reader {
	crc := checksum.New()

	return &Reader{in: io.TeeReader(source, crc), crc: crc}
}

// Read decodes the next record, buffering its payload in memory.
func (r *Reader) Read() (*model.BytesRecord, error) {
	count, err := ReadInt32(r.in)
	if err != nil {
		return nil, err
	}

	if count < 0 {
		return nil, fmt.Errorf("%w: attribute count %d", ErrMalformedFrame, count)
	}

	attrs := make(map[string]string, min(count, mapSizeHint))
	for i := int32(0); i < count; i++ {
		k, err := readBytes(r.in, MaxAttributeLength)
		if err != nil {
			return nil, err
		}

		v, err := readBytes(r.in, MaxAttributeLength)
		if err != nil {
			return nil, err
		}

		attrs[string(k)] = string(v)
	}

	size, err := ReadInt64(r.in)
	if err != nil {
		return nil, err
	}

	if size < 0 || size > math.MaxInt32 {
		return nil, fmt.Errorf("%w: payload size %d", ErrMalformedFrame, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.in, payload); err != nil {
		return nil, err
	}

	return model.NewBytesRecord(attrs, payload), nil
}

func (r *Reader) Checksum() uint32 {
	return r.crc.Sum32()
}
