package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pyropy/s2s/core/client"
	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/core/queue"
)

type fakeSender struct {
	records []model.Record
	full    bool
}

func (f *fakeSender) Enqueue(_ context.Context, rec model.Record) (uint64, error) {
	if f.full {
		return 0, fmt.Errorf("%w: 10 rows", queue.ErrQueueFull)
	}

	f.records = append(f.records, rec)
	return uint64(len(f.records) - 1), nil
}

func (f *fakeSender) Status() client.Status {
	return client.Status{Cluster: "c", Queue: queue.Stats{Rows: int64(len(f.records))}}
}

type fakePeers map[string]model.PeerDirectoryState

func (f fakePeers) Clusters() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	return out
}

func (f fakePeers) State(cluster string) model.PeerDirectoryState {
	return f[cluster]
}

func TestAPIEnqueue(t *testing.T) {
	sender := &fakeSender{}
	srv := httptest.NewServer(newAPI(sender, fakePeers{}))
	defer srv.Close()

	body := `{"attributes": {"filename": "a.txt"}, "payload": "aGVsbG8="}`
	resp, err := http.Post(srv.URL+"/records", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var reply enqueueReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}

	if reply.ID != 0 || len(sender.records) != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	rec := sender.records[0]
	data, err := model.ToRecordData(rec)
	if err != nil {
		t.Fatal(err)
	}
	if string(data.Payload) != "hello" || data.Attributes["filename"] != "a.txt" {
		t.Fatalf("unexpected record %+v", data)
	}
}

func TestAPIEnqueueErrors(t *testing.T) {
	tests := []struct {
		name   string
		sender *fakeSender
		body   string
		status int
	}{
		{"malformed", &fakeSender{}, `{`, http.StatusBadRequest},
		{"full", &fakeSender{full: true}, `{"attributes": {}}`, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(newAPI(tt.sender, fakePeers{}))
			defer srv.Close()

			resp, err := http.Post(srv.URL+"/records", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestAPIStatusAndPeers(t *testing.T) {
	dir := fakePeers{"c": {Cluster: "c", Peers: []model.Peer{{Hostname: "n1", HTTPPort: 8080}}, LastRefresh: 5}}
	srv := httptest.NewServer(newAPI(&fakeSender{}, dir))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}

	var status client.Status
	err = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if err != nil || status.Cluster != "c" {
		t.Fatalf("unexpected status %+v, %v", status, err)
	}

	resp, err = http.Get(srv.URL + "/peers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var states []model.PeerDirectoryState
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		t.Fatal(err)
	}

	if len(states) != 1 || states[0].Peers[0].Hostname != "n1" {
		t.Fatalf("unexpected peers %+v", states)
	}
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"a=1", "b=x=y", "c="})
	if err != nil {
		t.Fatal(err)
	}

	if attrs["a"] != "1" || attrs["b"] != "x=y" || attrs["c"] != "" {
		t.Fatalf("unexpected attributes %v", attrs)
	}

	for _, bad := range []string{"novalue", "=v"} {
		if _, err := parseAttributes([]string{bad}); err == nil {
			t.Errorf("%q: expected an error", bad)
		}
	}
}

func TestCollectRecords(t *testing.T) {
	recs, err := collectRecords(nil, map[string]string{"k": "v"}, strings.NewReader("stdin data"))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Size() != 10 || recs[0].Attributes()["k"] != "v" {
		t.Fatalf("unexpected stdin record")
	}

	path := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(path, []byte("file"), 0o600); err != nil {
		t.Fatal(err)
	}

	recs, err = collectRecords([]string{path}, map[string]string{"k": "v"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	attrs := recs[0].Attributes()
	if attrs["filename"] != "in.txt" || attrs["k"] != "v" || recs[0].Size() != 4 {
		t.Fatalf("unexpected file record %v", attrs)
	}
}
