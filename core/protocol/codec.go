package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pyropy/s2s/core/model"
)

var (
	ErrUnknownCode             = fmt.Errorf("%w: unknown code", model.ErrProtocolViolation)
	ErrUnsupportedCodecVersion = fmt.Errorf("%w: unsupported codec version", model.ErrProtocolViolation)
	ErrWriterClosed            = fmt.Errorf("%w: writer closed", model.ErrUsage)
	ErrStringTooLong           = fmt.Errorf("%w: string too long", model.ErrUsage)
	ErrMalformedFrame          = fmt.Errorf("%w: malformed frame", model.ErrProtocolViolation)
)

// mapSizeHint caps map preallocation for counts read off the wire.
const mapSizeHint = 64

// WriteUTF writes s prefixed with its uint16 byte length.
func WriteUTF(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
	}

	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}

	_, err := io.WriteString(w, s)
	return err
}

func ReadUTF(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}

	return string(b), nil
}

func WriteInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func ReadInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func WriteInt64(w io.Writer, v int64) error {
	return binary.Write(w, binary.BigEndian, v)
}

func ReadInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

// writeBytes writes b prefixed with its int32 length.
func writeBytes(w io.Writer, b []byte) error {
	if err := WriteInt32(w, int32(len(b))); err != nil {
		return err
	}

	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader, limit int32) ([]byte, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return nil, err
	}

	if n < 0 || n > limit {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedFrame, n)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	return b, nil
}
