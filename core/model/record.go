package model

import (
	"bytes"
	"io"
	"os"
	fp "path/filepath"
)

// Standard attribute names set on records built from files.
const (
	AttrFilename     = "filename"
	AttrPath         = "path"
	AttrAbsolutePath = "absolute.path"
)

// Record is the unit of transfer: attributes plus a payload of known size.
type Record interface {
	Attributes() map[string]string
	Size() int64
	// Open returns a fresh stream over the payload. Each stream is read once.
	Open() (io.ReadCloser, error)
}

// BytesRecord holds its payload in memory.
type BytesRecord struct {
	attributes map[string]string
	data       []byte
}

func NewBytesRecord(attributes map[string]string, data []byte) *BytesRecord {
	return &BytesRecord{attributes: copyAttributes(attributes), data: data}
}

func (r *BytesRecord) Attributes() map[string]string { return copyAttributes(r.attributes) }
func (r *BytesRecord) Size() int64                   { return int64(len(r.data)) }

func (r *BytesRecord) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(r.data)), nil
}

// Bytes returns the payload without copying it.
func (r *BytesRecord) Bytes() []byte {
	return r.data
}

// FileRecord streams its payload lazily from disk.
type FileRecord struct {
	attributes map[string]string
	path       string
	size       int64
}

// NewFileRecord stats the file at path and derives the filename, path and
// absolute.path attributes from it.
func NewFileRecord(path string) (*FileRecord, error) {
	abs, err := fp.Abs(path)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}

	dir := fp.Dir(abs)
	attributes := map[string]string{
		AttrFilename:     fi.Name(),
		AttrPath:         fp.ToSlash(fp.Dir(path)) + "/",
		AttrAbsolutePath: fp.ToSlash(dir) + "/",
	}

	return &FileRecord{attributes: attributes, path: abs, size: fi.Size()}, nil
}

func (r *FileRecord) Attributes() map[string]string { return copyAttributes(r.attributes) }
func (r *FileRecord) Size() int64                   { return r.size }

func (r *FileRecord) Open() (io.ReadCloser, error) {
	return os.Open(r.path)
}

// EmptyRecord carries attributes only.
type EmptyRecord struct {
	attributes map[string]string
}

func NewEmptyRecord(attributes map[string]string) *EmptyRecord {
	return &EmptyRecord{attributes: copyAttributes(attributes)}
}

func (r *EmptyRecord) Attributes() map[string]string { return copyAttributes(r.attributes) }
func (r *EmptyRecord) Size() int64                   { return 0 }

func (r *EmptyRecord) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

// RecordData is the plain exchange encoding of a record, used when records
// cross a process boundary as JSON.
type RecordData struct {
	Attributes map[string]string `json:"attributes"`
	Payload    []byte            `json:"payload,omitempty"`
}

// ToRecordData drains the record payload into a RecordData.
func ToRecordData(r Record) (RecordData, error) {
	rc, err := r.Open()
	if err != nil {
		return RecordData{}, err
	}
	defer rc.Close()

	payload, err := io.ReadAll(io.LimitReader(rc, r.Size()))
	if err != nil {
		return RecordData{}, err
	}

	return RecordData{Attributes: r.Attributes(), Payload: payload}, nil
}

func (d RecordData) Record() Record {
	if len(d.Payload) == 0 {
		return NewEmptyRecord(d.Attributes)
	}

	return NewBytesRecord(d.Attributes, d.Payload)
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}
