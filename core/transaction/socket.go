package transaction

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/core/protocol"
	"github.com/pyropy/s2s/lib/checksum"
)

// SocketTransaction runs a transaction over a persistent binary session.
type SocketTransaction struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	writer  *protocol.Writer
	cfg     Config
	peer    model.Peer
	state   State
	sent    int
	version int
	commsID string
}

// NewSocketFactory returns a Factory dialing peers on their raw port.
func NewSocketFactory(cfg Config) Factory {
	return func(ctx context.Context, peer model.Peer) (Transaction, error) {
		return DialSocket(ctx, peer, cfg)
	}
}

// DialSocket connects to the peer's raw port, negotiates protocol and codec
// versions, sends the handshake and requests to send records.
func DialSocket(ctx context.Context, peer model.Peer, cfg Config) (*SocketTransaction, error) {
	if cfg.PortID == "" {
		return nil, fmt.Errorf("%w: port id is required", model.ErrUsage)
	}

	if peer.RawPort <= 0 {
		return nil, fmt.Errorf("%w: peer %s has no raw port", model.ErrUsage, peer)
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if peer.Secure {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg.TLS}
		conn, err = tlsDialer.DialContext(ctx, "tcp", peer.RawAddr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", peer.RawAddr())
	}
	if err != nil {
		return nil, connectivity(err)
	}

	t := NewSocketTransaction(conn, peer, cfg)
	if err := t.begin(ctx); err != nil {
		t.closeConn()
		return nil, err
	}

	log.Infow("transaction opened", "transport", "socket", "peer", peer.String(), "protocolVersion", t.version, "commsId", t.commsID)
	return t, nil
}

// NewSocketTransaction wraps an established connection. begin must run
// before records are sent; DialSocket does both.
func NewSocketTransaction(conn net.Conn, peer model.Peer, cfg Config) *SocketTransaction {
	w := bufio.NewWriter(conn)

	return &SocketTransaction{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       w,
		writer:  protocol.NewWriter(w),
		cfg:     cfg,
		peer:    peer,
		state:   Closed,
		commsID: uuid.NewString(),
	}
}

func (t *SocketTransaction) begin(ctx context.Context) error {
	t.deadline(ctx)

	if _, err := t.w.Write(protocol.MagicBytes); err != nil {
		return connectivity(err)
	}

	if err := t.negotiateProtocol(); err != nil {
		return err
	}

	if err := t.handshake(); err != nil {
		return err
	}

	if err := t.negotiateCodec(); err != nil {
		return err
	}

	if err := protocol.WriteRequestType(t.w, protocol.SendFlowFiles); err != nil {
		return connectivity(err)
	}

	if err := t.w.Flush(); err != nil {
		return connectivity(err)
	}

	t.state = Open
	return nil
}

// negotiateProtocol offers protocol versions, newest first, until the peer
// accepts one.
func (t *SocketTransaction) negotiateProtocol() error {
	offered := protocol.SupportedProtocolVersions[0]

	for {
		if err := protocol.WriteUTF(t.w, protocol.ProtocolResourceName); err != nil {
			return connectivity(err)
		}

		if err := protocol.WriteInt32(t.w, int32(offered)); err != nil {
			return connectivity(err)
		}

		if err := t.w.Flush(); err != nil {
			return connectivity(err)
		}

		status, err := t.r.ReadByte()
		if err != nil {
			return connectivity(err)
		}

		switch status {
		case protocol.ResourceOK:
			t.version = offered
			return nil
		case protocol.DifferentResourceVersion:
			preferred, err := protocol.ReadInt32(t.r)
			if err != nil {
				return connectivity(err)
			}

			next, ok := nextProtocolVersion(int(preferred))
			if !ok || next == offered {
				return fmt.Errorf("%w: peer requested protocol version %d, no compatible version", model.ErrProtocolViolation, preferred)
			}
			offered = next
		case protocol.ResourceAbort:
			msg, err := protocol.ReadUTF(t.r)
			if err != nil {
				return connectivity(err)
			}

			return fmt.Errorf("%w: peer aborted protocol negotiation: %s", model.ErrProtocolViolation, msg)
		default:
			return fmt.Errorf("%w: resource negotiation status %d", protocol.ErrUnknownCode, status)
		}
	}
}

// nextProtocolVersion picks the newest supported version not above preferred.
func nextProtocolVersion(preferred int) (int, bool) {
	for _, v := range protocol.SupportedProtocolVersions {
		if v <= preferred {
			return v, true
		}
	}

	return 0, false
}

func (t *SocketTransaction) handshake() error {
	if t.version >= protocol.CommsIdentifierProtocolVersion {
		if err := protocol.WriteUTF(t.w, t.commsID); err != nil {
			return connectivity(err)
		}
	}

	if err := protocol.WriteProperties(t.w, t.handshakeProperties()); err != nil {
		return connectivity(err)
	}

	if err := t.w.Flush(); err != nil {
		return connectivity(err)
	}

	resp, err := t.readResponse()
	if err != nil {
		return err
	}

	if resp.Code != protocol.PropertiesOK {
		return fmt.Errorf("%w: handshake refused with %s", ErrUnexpectedCode, resp)
	}

	return nil
}

func (t *SocketTransaction) handshakeProperties() map[string]string {
	props := map[string]string{
		protocol.PropPortIdentifier: t.cfg.PortID,
	}

	if t.cfg.RequestExpiration > 0 {
		props[protocol.PropRequestExpirationMilli] = strconv.FormatInt(t.cfg.RequestExpiration.Milliseconds(), 10)
	}

	if t.cfg.BatchCount > 0 {
		props[protocol.PropBatchCount] = strconv.Itoa(t.cfg.BatchCount)
	}

	if t.cfg.BatchSize > 0 {
		props[protocol.PropBatchSize] = strconv.FormatInt(t.cfg.BatchSize, 10)
	}

	if t.cfg.BatchDuration > 0 {
		props[protocol.PropBatchDuration] = strconv.FormatInt(t.cfg.BatchDuration.Milliseconds(), 10)
	}

	return props
}

// negotiateCodec requests the record codec. Only version 1 exists; any other
// answer is fatal.
func (t *SocketTransaction) negotiateCodec() error {
	if err := protocol.WriteRequestType(t.w, protocol.NegotiateFlowFileCodec); err != nil {
		return connectivity(err)
	}

	if err := protocol.WriteUTF(t.w, protocol.CodecResourceName); err != nil {
		return connectivity(err)
	}

	if err := protocol.WriteInt32(t.w, protocol.CodecVersion); err != nil {
		return connectivity(err)
	}

	if err := t.w.Flush(); err != nil {
		return connectivity(err)
	}

	status, err := t.r.ReadByte()
	if err != nil {
		return connectivity(err)
	}

	switch status {
	case protocol.ResourceOK:
		return nil
	case protocol.DifferentResourceVersion:
		v, err := protocol.ReadInt32(t.r)
		if err != nil {
			return connectivity(err)
		}

		return fmt.Errorf("%w: peer requested codec version %d, only %d is supported", protocol.ErrUnsupportedCodecVersion, v, protocol.CodecVersion)
	case protocol.ResourceAbort:
		msg, err := protocol.ReadUTF(t.r)
		if err != nil {
			return connectivity(err)
		}

		return fmt.Errorf("%w: peer aborted codec negotiation: %s", model.ErrProtocolViolation, msg)
	}

	return fmt.Errorf("%w: codec negotiation status %d", protocol.ErrUnknownCode, status)
}

func (t *SocketTransaction) State() State {
	return t.state
}

// ProtocolVersion returns the negotiated protocol version.
func (t *SocketTransaction) ProtocolVersion() int {
	return t.version
}

func (t *SocketTransaction) Send(ctx context.Context, rec model.Record) error {
	if err := checkSend(t.state); err != nil {
		return err
	}

	t.deadline(ctx)

	if t.sent > 0 {
		if err := protocol.WriteResponse(t.w, protocol.ContinueTransaction, ""); err != nil {
			return t.fail(connectivity(err))
		}
	}

	if err := t.writer.Write(rec); err != nil {
		return t.fail(err)
	}

	t.sent++
	t.state = Sending
	return nil
}

func (t *SocketTransaction) Confirm(ctx context.Context) error {
	if err := checkConfirm(t.state); err != nil {
		return err
	}

	return t.finishSending(ctx, true)
}

// finishSending writes the finish code and reads the peer confirmation. The
// peer checksum is compared only when verify is set and the negotiated
// version carries it.
func (t *SocketTransaction) finishSending(ctx context.Context, verify bool) error {
	t.deadline(ctx)

	if err := protocol.WriteResponse(t.w, protocol.FinishTransaction, ""); err != nil {
		return t.fail(connectivity(err))
	}

	if _, err := t.writer.CloseKeepOpen(); err != nil {
		return t.fail(connectivity(err))
	}

	resp, err := t.readResponse()
	if err != nil {
		return t.fail(err)
	}

	if resp.Code != protocol.ConfirmTransaction {
		return t.fail(fmt.Errorf("%w: %s on confirm", ErrUnexpectedCode, resp))
	}

	if verify && t.version >= protocol.ChecksumProtocolVersion {
		localSum := checksum.Format(t.writer.Checksum())
		if resp.Message != localSum {
			if err := protocol.WriteResponse(t.w, protocol.BadChecksum, ""); err == nil {
				_ = t.w.Flush()
			}

			return t.fail(fmt.Errorf("%w: local %s, peer %q", ErrChecksumMismatch, localSum, resp.Message))
		}
	}

	t.state = Confirming
	return nil
}

func (t *SocketTransaction) Complete(ctx context.Context) (*TransferOutcome, error) {
	if err := checkComplete(t.state); err != nil {
		return nil, err
	}

	if t.state == Sending {
		if err := t.finishSending(ctx, false); err != nil {
			return nil, err
		}
	}

	t.deadline(ctx)

	if err := protocol.WriteResponse(t.w, protocol.ConfirmTransaction, ""); err != nil {
		return nil, t.fail(connectivity(err))
	}

	if err := t.w.Flush(); err != nil {
		return nil, t.fail(connectivity(err))
	}

	resp, err := t.readResponse()
	if err != nil {
		return nil, t.fail(err)
	}

	outcome := &TransferOutcome{RecordsSent: t.sent, Code: resp.Code, Message: resp.Message}

	switch resp.Code {
	case protocol.TransactionFinished, protocol.TransactionFinishedButDestinationFull:
		t.shutdown(Completed)
		log.Infow("transaction completed", "transport", "socket", "peer", t.peer.String(), "sent", t.sent, "code", resp.Code.Token)
		return outcome, nil
	case protocol.BadChecksum:
		return nil, t.fail(fmt.Errorf("%w: peer reported %s", ErrChecksumMismatch, resp.Code))
	}

	return nil, t.fail(fmt.Errorf("%w: %s on complete", ErrUnexpectedCode, resp))
}

func (t *SocketTransaction) Cancel(ctx context.Context, explanation string) (*TransferOutcome, error) {
	if err := checkCancel(t.state); err != nil {
		return nil, err
	}

	t.deadline(ctx)

	if err := protocol.WriteResponse(t.w, protocol.CancelTransaction, explanation); err != nil {
		return nil, t.fail(connectivity(err))
	}

	if err := t.w.Flush(); err != nil {
		return nil, t.fail(connectivity(err))
	}

	resp, err := t.readResponse()
	if err != nil {
		return nil, t.fail(err)
	}

	if resp.Code != protocol.CancelTransaction {
		return nil, t.fail(fmt.Errorf("%w: %s on cancel", ErrUnexpectedCode, resp))
	}

	t.shutdown(Cancelled)
	log.Infow("transaction cancelled", "transport", "socket", "peer", t.peer.String(), "reason", explanation, "peerResponse", resp.String())
	return &TransferOutcome{RecordsSent: t.sent, Code: resp.Code, Message: resp.Message}, nil
}

func (t *SocketTransaction) readResponse() (protocol.Response, error) {
	resp, err := protocol.ReadResponse(t.r)
	if err != nil && !isProtocolError(err) {
		return resp, connectivity(err)
	}

	return resp, err
}

// shutdown releases the session with a shutdown request. Failures are
// logged only, the outcome is already settled.
func (t *SocketTransaction) shutdown(s State) {
	t.state = s

	if err := protocol.WriteRequestType(t.w, protocol.Shutdown); err != nil {
		log.Warnw("failed to write shutdown request", "peer", t.peer.String(), "error", err)
	} else if err := t.w.Flush(); err != nil {
		log.Warnw("failed to flush shutdown request", "peer", t.peer.String(), "error", err)
	}

	t.closeConn()
}

func (t *SocketTransaction) fail(err error) error {
	t.state = Closed
	t.closeConn()
	return err
}

func (t *SocketTransaction) closeConn() {
	if err := t.conn.Close(); err != nil {
		log.Warnw("failed to close connection", "peer", t.peer.String(), "error", err)
	}
}

// deadline bounds the next exchange by the configured timeout or the context
// deadline, whichever is sooner.
func (t *SocketTransaction) deadline(ctx context.Context) {
	var d time.Time
	if t.cfg.Timeout > 0 {
		d = time.Now().Add(t.cfg.Timeout)
	}

	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}

	if err := t.conn.SetDeadline(d); err != nil {
		log.Debugw("failed to set deadline", "error", err)
	}
}
