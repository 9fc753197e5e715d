package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/core/protocol"
	"github.com/pyropy/s2s/lib/checksum"
)

const (
	testPortID = "port-1"
	testTxPath = "/nifi-api/data-transfer/input-ports/port-1/transactions/tx-1"
)

type fakeHTTPPeer struct {
	srv *httptest.Server

	// response header overrides for transaction creation
	intent   string
	location string
	ttl      string

	checksumOverride string

	// stallUploads makes the record upload handler hang without reading
	// the body until the test ends.
	stallUploads bool
	stop         chan struct{}

	mu            sync.Mutex
	createHeaders http.Header
	received      []*model.BytesRecord

	extends chan struct{}
	deletes chan url.Values
}

func newFakeHTTPPeer(t *testing.T) *fakeHTTPPeer {
	t.Helper()

	p := &fakeHTTPPeer{
		intent:  LocationURIIntentTransaction,
		ttl:     "30",
		extends: make(chan struct{}, 16),
		deletes: make(chan url.Values, 16),
		stop:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /nifi-api/data-transfer/input-ports/port-1/transactions", p.create)
	mux.HandleFunc("PUT "+testTxPath, p.extend)
	mux.HandleFunc("POST "+testTxPath+"/flow-files", p.flowFiles)
	mux.HandleFunc("DELETE "+testTxPath, p.end)

	p.srv = httptest.NewServer(mux)
	p.location = p.srv.URL + testTxPath
	t.Cleanup(p.srv.Close)
	t.Cleanup(func() { close(p.stop) })

	return p
}

func (p *fakeHTTPPeer) peer(t *testing.T) model.Peer {
	t.Helper()

	peer, err := model.PeerFromURL(p.srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	return peer
}

func (p *fakeHTTPPeer) create(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.createHeaders = r.Header.Clone()
	p.mu.Unlock()

	if p.intent != "" {
		w.Header().Set(HeaderLocationURIIntent, p.intent)
	}
	if p.location != "" {
		w.Header().Set(HeaderLocation, p.location)
	}
	if p.ttl != "" {
		w.Header().Set(HeaderServerTransactionTTL, p.ttl)
	}

	w.WriteHeader(http.StatusCreated)
}

func (p *fakeHTTPPeer) extend(w http.ResponseWriter, _ *http.Request) {
	p.extends <- struct{}{}
	_, _ = io.WriteString(w, `{"responseCode":10}`)
}

func (p *fakeHTTPPeer) flowFiles(w http.ResponseWriter, r *http.Request) {
	if p.stallUploads {
		select {
		case <-p.stop:
		case <-r.Context().Done():
		}
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get(HeaderUseCompression) == "true" {
		body = snappy.NewReader(r.Body)
	}

	reader := protocol.NewReader(body)
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		p.mu.Lock()
		p.received = append(p.received, rec)
		p.mu.Unlock()
	}

	sum := checksum.Format(reader.Checksum())
	if p.checksumOverride != "" {
		sum = p.checksumOverride
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, sum)
}

func (p *fakeHTTPPeer) end(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p.deletes <- q

	p.mu.Lock()
	sent := len(p.received)
	p.mu.Unlock()

	result := map[string]any{"flowFileSent": sent, "message": ""}
	switch q.Get("responseCode") {
	case "12":
		result["responseCode"] = protocol.TransactionFinished.ID
	case "15":
		result["responseCode"] = protocol.CancelTransaction.ID
	default:
		result["responseCode"] = protocol.BadChecksum.ID
	}

	_ = json.NewEncoder(w).Encode(result)
}

func (p *fakeHTTPPeer) records() []*model.BytesRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*model.BytesRecord(nil), p.received...)
}

func testConfig() Config {
	return Config{PortID: testPortID, APIPath: "/nifi-api", Timeout: 5 * time.Second}
}

// stubTimeAfter makes the ttl extender wait on fire and reports each
// interval it waits for on requested.
func stubTimeAfter(t *testing.T) (requested chan time.Duration, fire chan time.Time) {
	t.Helper()

	requested = make(chan time.Duration, 16)
	fire = make(chan time.Time)

	timeAfter = func(d time.Duration) <-chan time.Time {
		requested <- d
		return fire
	}
	t.Cleanup(func() { timeAfter = time.After })

	return requested, fire
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}

	var zero T
	return zero
}

func TestHTTPTransactionHappyPath(t *testing.T) {
	requested, fire := stubTimeAfter(t)
	fake := newFakeHTTPPeer(t)
	ctx := context.Background()

	tx, err := OpenHTTP(ctx, fake.srv.Client(), fake.peer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if tx.TTL() != 30*time.Second || tx.URL() != fake.location {
		t.Fatalf("unexpected transaction ttl=%v url=%q", tx.TTL(), tx.URL())
	}

	if d := waitFor(t, requested, "extender schedule"); d != 15*time.Second {
		t.Fatalf("expected ttl extension every 15s, got %v", d)
	}

	rec := model.NewBytesRecord(map[string]string{"filename": "a.txt"}, []byte("payload"))
	if err := tx.Send(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if tx.State() != Sending {
		t.Fatalf("expected SENDING, got %s", tx.State())
	}

	fire <- time.Now()
	waitFor(t, fake.extends, "ttl extension")

	if err := tx.Confirm(ctx); err != nil {
		t.Fatal(err)
	}

	if tx.State() != Confirming {
		t.Fatalf("expected CONFIRMING, got %s", tx.State())
	}

	outcome, err := tx.Complete(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if outcome.RecordsSent != 1 || outcome.Code != protocol.TransactionFinished {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	if tx.State() != Completed {
		t.Fatalf("expected COMPLETED, got %s", tx.State())
	}

	q := waitFor(t, fake.deletes, "commit")
	if q.Get("responseCode") != "12" || q.Get("checksum") == "" {
		t.Fatalf("unexpected commit query %v", q)
	}

	got := fake.records()
	if len(got) != 1 || got[0].Attributes()["filename"] != "a.txt" || string(got[0].Bytes()) != "payload" {
		t.Fatalf("unexpected records received %v", got)
	}

	select {
	case <-fake.extends:
		t.Fatal("ttl extension fired after the transaction finished")
	default:
	}

	if err := tx.Send(ctx, rec); !errors.Is(err, ErrTransactionClosed) {
		t.Fatalf("expected ErrTransactionClosed, got %v", err)
	}
}

func TestHTTPTransactionOmitsUnsetHandshakeHeaders(t *testing.T) {
	fake := newFakeHTTPPeer(t)

	tx, err := OpenHTTP(context.Background(), fake.srv.Client(), fake.peer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Cancel(context.Background(), "test done")

	fake.mu.Lock()
	h := fake.createHeaders
	fake.mu.Unlock()

	for _, name := range []string{HeaderUseCompression, HeaderRequestExpiration, HeaderBatchCount, HeaderBatchSize, HeaderBatchDuration} {
		if v := h.Get(name); v != "" {
			t.Errorf("header %s sent as %q while unset", name, v)
		}
	}

	if h.Get(HeaderProtocolVersion) != HTTPProtocolVersion {
		t.Errorf("missing protocol version header")
	}
}

func TestHTTPTransactionHandshakeHeaders(t *testing.T) {
	fake := newFakeHTTPPeer(t)

	compress := true
	cfg := testConfig()
	cfg.UseCompression = &compress
	cfg.BatchCount = 5
	cfg.BatchSize = 1024
	cfg.BatchDuration = 2 * time.Second
	cfg.RequestExpiration = 30 * time.Second

	ctx := context.Background()
	tx, err := OpenHTTP(ctx, fake.srv.Client(), fake.peer(t), cfg)
	if err != nil {
		t.Fatal(err)
	}

	fake.mu.Lock()
	h := fake.createHeaders
	fake.mu.Unlock()

	want := map[string]string{
		HeaderUseCompression:    "true",
		HeaderBatchCount:        "5",
		HeaderBatchSize:         "1024",
		HeaderBatchDuration:     "2000",
		HeaderRequestExpiration: "30000",
	}
	for name, v := range want {
		if got := h.Get(name); got != v {
			t.Errorf("header %s = %q, want %q", name, got, v)
		}
	}

	// the compressed stream must still verify against the uncompressed checksum
	payload := strings.Repeat("compress me ", 1000)
	if err := tx.Send(ctx, model.NewBytesRecord(map[string]string{"k": "v"}, []byte(payload))); err != nil {
		t.Fatal(err)
	}

	if err := tx.Confirm(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := tx.Complete(ctx); err != nil {
		t.Fatal(err)
	}

	got := fake.records()
	if len(got) != 1 || string(got[0].Bytes()) != payload {
		t.Fatal("compressed payload did not round trip")
	}
}

func TestHTTPTransactionCreateResponseValidation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *fakeHTTPPeer)
		wantErr error
		mention string
	}{
		{"missing ttl", func(p *fakeHTTPPeer) { p.ttl = "" }, ErrMissingHeader, HeaderServerTransactionTTL},
		{"non numeric ttl", func(p *fakeHTTPPeer) { p.ttl = "soon" }, ErrInvalidHeader, "soon"},
		{"missing intent", func(p *fakeHTTPPeer) { p.intent = "" }, ErrMissingHeader, HeaderLocationURIIntent},
		{"wrong intent", func(p *fakeHTTPPeer) { p.intent = "something-else" }, ErrInvalidHeader, "something-else"},
		{"missing location", func(p *fakeHTTPPeer) { p.location = "" }, ErrMissingHeader, HeaderLocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeHTTPPeer(t)
			tt.setup(fake)

			tx, err := OpenHTTP(context.Background(), fake.srv.Client(), fake.peer(t), testConfig())
			if err == nil {
				tx.Cancel(context.Background(), "unexpected")
				t.Fatal("expected create to fail")
			}

			if !errors.Is(err, tt.wantErr) || !errors.Is(err, model.ErrProtocolViolation) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			if !strings.Contains(err.Error(), tt.mention) {
				t.Fatalf("error %q does not mention %q", err, tt.mention)
			}

			if len(fake.records()) != 0 {
				t.Fatal("no record may be sent after a failed create")
			}
		})
	}
}

func TestHTTPTransactionChecksumMismatch(t *testing.T) {
	fake := newFakeHTTPPeer(t)
	fake.checksumOverride = "1"
	ctx := context.Background()

	tx, err := OpenHTTP(ctx, fake.srv.Client(), fake.peer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if err := tx.Send(ctx, model.NewBytesRecord(nil, []byte("data"))); err != nil {
		t.Fatal(err)
	}

	err = tx.Confirm(ctx)
	if !errors.Is(err, ErrChecksumMismatch) || !errors.Is(err, model.ErrIntegrityFailure) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}

	q := waitFor(t, fake.deletes, "bad checksum report")
	if q.Get("responseCode") != "19" {
		t.Fatalf("expected BAD_CHECKSUM to be reported, got %v", q)
	}

	if tx.State() != Closed {
		t.Fatalf("expected CLOSED, got %s", tx.State())
	}

	if _, err := tx.Complete(ctx); !errors.Is(err, ErrTransactionClosed) {
		t.Fatalf("expected ErrTransactionClosed, got %v", err)
	}
}

func TestHTTPTransactionCancel(t *testing.T) {
	fake := newFakeHTTPPeer(t)
	ctx := context.Background()

	tx, err := OpenHTTP(ctx, fake.srv.Client(), fake.peer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if err := tx.Send(ctx, model.NewBytesRecord(nil, []byte("data"))); err != nil {
		t.Fatal(err)
	}

	outcome, err := tx.Cancel(ctx, "no longer needed")
	if err != nil {
		t.Fatal(err)
	}

	if outcome.Code != protocol.CancelTransaction {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	if tx.State() != Cancelled {
		t.Fatalf("expected CANCELLED, got %s", tx.State())
	}

	if q := waitFor(t, fake.deletes, "cancel"); q.Get("responseCode") != "15" {
		t.Fatalf("unexpected cancel query %v", q)
	}

	if _, err := tx.Cancel(ctx, "again"); !errors.Is(err, ErrTransactionClosed) {
		t.Fatalf("expected ErrTransactionClosed, got %v", err)
	}
}

func TestHTTPTransactionCompleteBeforeSendIsInvalid(t *testing.T) {
	fake := newFakeHTTPPeer(t)
	ctx := context.Background()

	tx, err := OpenHTTP(ctx, fake.srv.Client(), fake.peer(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Cancel(ctx, "test done")

	if _, err := tx.Complete(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestHTTPTransactionSendHonoursDeadline(t *testing.T) {
	fake := newFakeHTTPPeer(t)
	fake.stallUploads = true

	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond

	tx, err := OpenHTTP(context.Background(), fake.srv.Client(), fake.peer(t), cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	rec := model.NewBytesRecord(nil, make([]byte, 64<<20))

	done := make(chan error, 1)
	go func() {
		done <- tx.Send(ctx, rec)
	}()

	err = waitFor(t, done, "send to a peer that never reads")
	if !errors.Is(err, model.ErrConnectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}

	if tx.State() != Closed {
		t.Fatalf("expected CLOSED, got %s", tx.State())
	}
}

func TestHTTPTransactionConfirmHonoursDeadline(t *testing.T) {
	fake := newFakeHTTPPeer(t)
	fake.stallUploads = true

	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond

	tx, err := OpenHTTP(context.Background(), fake.srv.Client(), fake.peer(t), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := tx.Send(context.Background(), model.NewBytesRecord(nil, []byte("data"))); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- tx.Confirm(ctx)
	}()

	err = waitFor(t, done, "confirm against a peer that never answers")
	if !errors.Is(err, model.ErrConnectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}

	if tx.State() != Closed {
		t.Fatalf("expected CLOSED, got %s", tx.State())
	}
}
