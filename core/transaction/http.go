package transaction

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/core/protocol"
	"github.com/pyropy/s2s/lib/checksum"
	"github.com/pyropy/s2s/rpc/s2s"
)

const (
	HeaderProtocolVersion        = "x-nifi-site-to-site-protocol-version"
	HeaderServerTransactionTTL   = "x-nifi-site-to-site-server-transaction-ttl"
	HeaderLocationURIIntent      = "x-location-uri-intent"
	HeaderLocation               = "Location"
	HeaderUseCompression         = "x-nifi-site-to-site-use-compression"
	HeaderRequestExpiration      = "x-nifi-site-to-site-request-expiration"
	HeaderBatchCount             = "x-nifi-site-to-site-batch-count"
	HeaderBatchSize              = "x-nifi-site-to-site-batch-size"
	HeaderBatchDuration          = "x-nifi-site-to-site-batch-duration"
	LocationURIIntentTransaction = "transaction-url"

	HTTPProtocolVersion = "1"

	streamBufferSize  = 32 * 1024
	maxChecksumLength = 64
)

var errStreamAborted = errors.New("stream aborted")

type streamResult struct {
	checksum string
	err      error
}

// HTTPTransaction runs a transaction as a series of request/response
// exchanges against a peer assigned transaction url. Records are streamed as
// the body of a single POST while a background extender keeps the server
// side transaction alive.
type HTTPTransaction struct {
	client *http.Client
	cfg    Config
	peer   model.Peer
	url    string
	ttl    time.Duration
	state  State
	sent   int

	extender *ttlExtender

	writer       *protocol.Writer
	buffered     *bufio.Writer
	compressor   *snappy.Writer
	pipe         *io.PipeWriter
	streamCancel context.CancelFunc
	streamFailed atomic.Bool
	result       chan streamResult
}

// NewHTTPFactory returns a Factory opening http transactions with client.
// client should not set a Timeout since the record stream is long lived;
// cfg.Timeout bounds the individual exchanges instead.
func NewHTTPFactory(client *http.Client, cfg Config) Factory {
	return func(ctx context.Context, peer model.Peer) (Transaction, error) {
		return OpenHTTP(ctx, client, peer, cfg)
	}
}

// OpenHTTP creates a transaction on the peer's input port and starts
// extending its ttl.
func OpenHTTP(ctx context.Context, client *http.Client, peer model.Peer, cfg Config) (*HTTPTransaction, error) {
	if cfg.PortID == "" {
		return nil, fmt.Errorf("%w: port id is required", model.ErrUsage)
	}

	createURL := peer.BaseURL(cfg.APIPath) + "/data-transfer/input-ports/" + url.PathEscape(cfg.PortID) + "/transactions"

	cctx, cancel := withTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, createURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set(HeaderProtocolVersion, HTTPProtocolVersion)
	setHandshakeHeaders(req.Header, cfg)

	resp, err := client.Do(req)
	if err != nil {
		return nil, connectivity(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "create transaction")
	}

	txURL, ttl, err := parseCreateResponse(resp.Header)
	if err != nil {
		return nil, err
	}

	t := &HTTPTransaction{
		client: client,
		cfg:    cfg,
		peer:   peer,
		url:    txURL,
		ttl:    ttl,
		state:  Open,
	}
	t.extender = startExtender(ttl/2, t.extendTTL)

	log.Infow("transaction opened", "transport", "http", "peer", peer.String(), "url", txURL, "ttl", ttl)
	return t, nil
}

// setHandshakeHeaders adds only the parameters that were explicitly set.
func setHandshakeHeaders(h http.Header, cfg Config) {
	if cfg.UseCompression != nil {
		h.Set(HeaderUseCompression, strconv.FormatBool(*cfg.UseCompression))
	}

	if cfg.RequestExpiration > 0 {
		h.Set(HeaderRequestExpiration, strconv.FormatInt(cfg.RequestExpiration.Milliseconds(), 10))
	}

	if cfg.BatchCount > 0 {
		h.Set(HeaderBatchCount, strconv.Itoa(cfg.BatchCount))
	}

	if cfg.BatchSize > 0 {
		h.Set(HeaderBatchSize, strconv.FormatInt(cfg.BatchSize, 10))
	}

	if cfg.BatchDuration > 0 {
		h.Set(HeaderBatchDuration, strconv.FormatInt(cfg.BatchDuration.Milliseconds(), 10))
	}
}

func parseCreateResponse(h http.Header) (string, time.Duration, error) {
	intent := h.Get(HeaderLocationURIIntent)
	if intent == "" {
		return "", 0, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderLocationURIIntent)
	}

	if intent != LocationURIIntentTransaction {
		return "", 0, fmt.Errorf("%w: %s is %q, expected %q", ErrInvalidHeader, HeaderLocationURIIntent, intent, LocationURIIntentTransaction)
	}

	txURL := h.Get(HeaderLocation)
	if txURL == "" {
		return "", 0, fmt.Errorf("%w: %s, no transaction url returned", ErrMissingHeader, HeaderLocation)
	}

	rawTTL := h.Get(HeaderServerTransactionTTL)
	if rawTTL == "" {
		return "", 0, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderServerTransactionTTL)
	}

	secs, err := strconv.Atoi(rawTTL)
	if err != nil || secs <= 0 {
		return "", 0, fmt.Errorf("%w: %s is %q, expected a positive number of seconds", ErrInvalidHeader, HeaderServerTransactionTTL, rawTTL)
	}

	return txURL, time.Duration(secs) * time.Second, nil
}

func (t *HTTPTransaction) State() State {
	return t.state
}

// URL returns the peer assigned transaction url.
func (t *HTTPTransaction) URL() string {
	return t.url
}

// TTL returns the peer assigned transaction time to live.
func (t *HTTPTransaction) TTL() time.Duration {
	return t.ttl
}

func (t *HTTPTransaction) Send(ctx context.Context, rec model.Record) error {
	if err := checkSend(t.state); err != nil {
		return err
	}

	if t.writer == nil {
		if err := t.openStream(); err != nil {
			return t.fail(err)
		}
	}

	err := t.guardStream(ctx, func() error {
		return t.writer.Write(rec)
	})
	if err != nil {
		if t.streamFailed.Load() {
			err = connectivity(err)
		}

		return t.fail(err)
	}

	t.sent++
	t.state = Sending
	return nil
}

func (t *HTTPTransaction) openStream() error {
	pr, pw := io.Pipe()

	var sink io.Writer
	if t.compressed() {
		t.compressor = snappy.NewBufferedWriter(pw)
		sink = t.compressor
	} else {
		t.buffered = bufio.NewWriterSize(pw, streamBufferSize)
		sink = t.buffered
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/flow-files", pr)
	if err != nil {
		cancel()
		return err
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderProtocolVersion, HTTPProtocolVersion)
	if t.compressed() {
		req.Header.Set(HeaderUseCompression, "true")
	}

	t.pipe = pw
	t.writer = protocol.NewWriter(sink)
	t.streamCancel = cancel
	t.result = make(chan streamResult, 1)

	go func() {
		sum, err := t.stream(req, pr)
		if err != nil {
			t.streamFailed.Store(true)
			pr.CloseWithError(err)
		} else {
			pr.Close()
		}

		t.result <- streamResult{checksum: sum, err: err}
	}()

	return nil
}

// stream performs the record upload and returns the checksum the peer
// computed over what it received.
func (t *HTTPTransaction) stream(req *http.Request, body io.Reader) (string, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return "", connectivity(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", statusError(resp, "send records")
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxChecksumLength))
	if err != nil {
		return "", connectivity(err)
	}

	return strings.TrimSpace(string(b)), nil
}

// finishStream closes the record stream and waits for the peer checksum.
func (t *HTTPTransaction) finishStream(ctx context.Context) (string, error) {
	if t.writer == nil {
		if err := t.openStream(); err != nil {
			return "", err
		}
	}

	err := t.guardStream(ctx, func() error {
		if _, err := t.writer.CloseKeepOpen(); err != nil {
			return err
		}

		if t.compressor != nil {
			if err := t.compressor.Close(); err != nil {
				return err
			}
		}

		return t.pipe.Close()
	})
	if err != nil {
		return "", t.streamError(err)
	}

	ctx, cancel := withTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	select {
	case res := <-t.result:
		return res.checksum, res.err
	case <-ctx.Done():
		t.streamCancel()
		return "", connectivity(ctx.Err())
	}
}

// guardStream runs op, which writes into the upload pipe, and aborts the
// upload when ctx ends or the per call timeout passes first. A peer that stops
// reading the body would otherwise block op forever.
func (t *HTTPTransaction) guardStream(ctx context.Context, op func() error) error {
	ctx, cancel := withTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		t.streamCancel()
		_ = t.pipe.CloseWithError(ctx.Err())
		<-done

		return connectivity(fmt.Errorf("streaming records: %w", ctx.Err()))
	}
}

// streamError prefers the reason the upload failed over the pipe error seen
// by the writer.
func (t *HTTPTransaction) streamError(err error) error {
	if !t.streamFailed.Load() {
		return err
	}

	select {
	case res := <-t.result:
		if res.err != nil {
			return res.err
		}
	default:
	}

	return connectivity(err)
}

func (t *HTTPTransaction) Confirm(ctx context.Context) error {
	if err := checkConfirm(t.state); err != nil {
		return err
	}

	t.extender.Stop()

	peerSum, err := t.finishStream(ctx)
	if err != nil {
		return t.fail(err)
	}

	localSum := checksum.Format(t.writer.Checksum())
	if peerSum != localSum {
		if _, err := t.sendFinal(ctx, protocol.BadChecksum, ""); err != nil {
			log.Warnw("failed to report bad checksum", "url", t.url, "error", err)
		}

		return t.fail(fmt.Errorf("%w: local %s, peer %q", ErrChecksumMismatch, localSum, peerSum))
	}

	t.state = Confirming
	return nil
}

func (t *HTTPTransaction) Complete(ctx context.Context) (*TransferOutcome, error) {
	if err := checkComplete(t.state); err != nil {
		return nil, err
	}

	t.extender.Stop()

	if t.state == Sending {
		if _, err := t.finishStream(ctx); err != nil {
			return nil, t.fail(err)
		}
	}

	res, err := t.sendFinal(ctx, protocol.ConfirmTransaction, checksum.Format(t.writer.Checksum()))
	if err != nil {
		return nil, t.fail(err)
	}

	outcome, err := t.outcome(res, protocol.TransactionFinished)
	if err != nil {
		return nil, t.fail(err)
	}

	switch outcome.Code {
	case protocol.TransactionFinished, protocol.TransactionFinishedButDestinationFull:
		t.finish(Completed)
		log.Infow("transaction completed", "transport", "http", "url", t.url, "sent", outcome.RecordsSent, "code", outcome.Code.Token)
		return outcome, nil
	case protocol.BadChecksum:
		return nil, t.fail(fmt.Errorf("%w: peer reported %s", ErrChecksumMismatch, outcome.Code))
	}

	return nil, t.fail(fmt.Errorf("%w: %s on complete: %s", ErrUnexpectedCode, outcome.Code, outcome.Message))
}

func (t *HTTPTransaction) Cancel(ctx context.Context, explanation string) (*TransferOutcome, error) {
	if err := checkCancel(t.state); err != nil {
		return nil, err
	}

	t.extender.Stop()
	t.abortStream()

	res, err := t.sendFinal(ctx, protocol.CancelTransaction, "")
	if err != nil {
		return nil, t.fail(err)
	}

	outcome, err := t.outcome(res, protocol.CancelTransaction)
	if err != nil {
		return nil, t.fail(err)
	}

	if outcome.Code != protocol.CancelTransaction {
		return nil, t.fail(fmt.Errorf("%w: %s on cancel: %s", ErrUnexpectedCode, outcome.Code, outcome.Message))
	}

	t.finish(Cancelled)
	log.Infow("transaction cancelled", "transport", "http", "url", t.url, "reason", explanation)
	return outcome, nil
}

func (t *HTTPTransaction) abortStream() {
	if t.writer == nil || t.pipe == nil {
		return
	}

	_ = t.pipe.CloseWithError(errStreamAborted)
	t.streamCancel()
}

// sendFinal ends the transaction on the peer with code and returns the
// decoded result body.
func (t *HTTPTransaction) sendFinal(ctx context.Context, code protocol.ResponseCode, sum string) (*s2s.TransactionResult, error) {
	q := url.Values{}
	q.Set("responseCode", strconv.Itoa(code.ID))
	if sum != "" {
		q.Set("checksum", sum)
	}

	ctx, cancel := withTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderProtocolVersion, HTTPProtocolVersion)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, connectivity(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp, "end transaction")
	}

	var res s2s.TransactionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decoding transaction result: %v", model.ErrProtocolViolation, err)
	}

	return &res, nil
}

// outcome converts a result body, defaulting absent fields to the local
// record count and fallback code.
func (t *HTTPTransaction) outcome(res *s2s.TransactionResult, fallback protocol.ResponseCode) (*TransferOutcome, error) {
	outcome := &TransferOutcome{RecordsSent: t.sent, Code: fallback}

	if res.FlowFileSent != nil {
		outcome.RecordsSent = *res.FlowFileSent
	}

	if res.ResponseCode != nil {
		code, err := protocol.ResponseCodeByID(*res.ResponseCode)
		if err != nil {
			return nil, err
		}
		outcome.Code = code
	}

	if res.Message != nil {
		outcome.Message = *res.Message
	}

	return outcome, nil
}

func (t *HTTPTransaction) extendTTL(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderProtocolVersion, HTTPProtocolVersion)

	resp, err := t.client.Do(req)
	if err != nil {
		return connectivity(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "extend transaction")
	}

	log.Debugw("transaction ttl extended", "url", t.url)
	return nil
}

func (t *HTTPTransaction) compressed() bool {
	return t.cfg.UseCompression != nil && *t.cfg.UseCompression
}

func (t *HTTPTransaction) finish(s State) {
	t.state = s
	t.release()
}

func (t *HTTPTransaction) fail(err error) error {
	t.state = Closed
	t.release()
	return err
}

func (t *HTTPTransaction) release() {
	t.extender.Stop()
	if t.streamCancel != nil {
		t.streamCancel()
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d)
}

func statusError(resp *http.Response, op string) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %s returned %d: %s", ErrUnexpectedStatus, op, resp.StatusCode, strings.TrimSpace(string(b)))
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	if err := body.Close(); err != nil {
		log.Warnw("failed to close response body", "error", err)
	}
}
