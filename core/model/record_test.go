package model

import (
	"io"
	"os"
	fp "path/filepath"
	"testing"
	"time"
)

func readAll(t *testing.T, r Record) []byte {
	t.Helper()

	rc, err := r.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	return b
}

func TestBytesRecordAttributesAreCopied(t *testing.T) {
	attrs := map[string]string{"a": "1"}
	r := NewBytesRecord(attrs, []byte("hello"))
	attrs["a"] = "2"

	got := r.Attributes()
	if got["a"] != "1" {
		t.Fatalf("record attributes changed with caller map: %v", got)
	}

	got["a"] = "3"
	if r.Attributes()["a"] != "1" {
		t.Fatal("record attributes changed through returned map")
	}

	if r.Size() != 5 || string(readAll(t, r)) != "hello" {
		t.Fatal("unexpected payload")
	}
}

func TestFileRecord(t *testing.T) {
	dir := t.TempDir()
	path := fp.Join(dir, "data.txt")
	if err := os.WriteFile(path, []byte("file content"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewFileRecord(path)
	if err != nil {
		t.Fatal(err)
	}

	attrs := r.Attributes()
	if attrs[AttrFilename] != "data.txt" {
		t.Errorf("unexpected filename %q", attrs[AttrFilename])
	}

	if attrs[AttrAbsolutePath] != fp.ToSlash(dir)+"/" {
		t.Errorf("unexpected absolute.path %q", attrs[AttrAbsolutePath])
	}

	if r.Size() != int64(len("file content")) {
		t.Errorf("unexpected size %d", r.Size())
	}

	if string(readAll(t, r)) != "file content" {
		t.Error("unexpected content")
	}
}

func TestRecordDataRoundTrip(t *testing.T) {
	d, err := ToRecordData(NewBytesRecord(map[string]string{"k": "v"}, []byte("xyz")))
	if err != nil {
		t.Fatal(err)
	}

	r := d.Record()
	if r.Attributes()["k"] != "v" || string(readAll(t, r)) != "xyz" {
		t.Fatalf("unexpected record %+v", d)
	}

	empty := RecordData{Attributes: map[string]string{"k": "v"}}.Record()
	if _, ok := empty.(*EmptyRecord); !ok {
		t.Fatalf("expected empty record, got %T", empty)
	}
}

func TestQueueEntryExpiry(t *testing.T) {
	now := time.UnixMilli(1000)

	if (&QueueEntry{}).IsExpired(now) {
		t.Error("entry without expiration must never expire")
	}

	if !(&QueueEntry{Expiration: 1000}).IsExpired(now) {
		t.Error("entry at its expiration must be expired")
	}

	if (&QueueEntry{Expiration: 1001}).IsExpired(now) {
		t.Error("entry before its expiration must not be expired")
	}
}
