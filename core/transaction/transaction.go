package transaction

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/core/protocol"
	"github.com/pyropy/s2s/lib/logger"
)

var log, _ = logger.New("transaction")

var (
	ErrTransactionClosed = fmt.Errorf("%w: transaction closed", model.ErrUsage)
	ErrInvalidState      = fmt.Errorf("%w: operation not valid in current state", model.ErrUsage)
	ErrMissingHeader     = fmt.Errorf("%w: missing header", model.ErrProtocolViolation)
	ErrInvalidHeader     = fmt.Errorf("%w: invalid header", model.ErrProtocolViolation)
	ErrUnexpectedStatus  = fmt.Errorf("%w: unexpected status", model.ErrProtocolViolation)
	ErrUnexpectedCode    = fmt.Errorf("%w: unexpected response code", model.ErrProtocolViolation)
	ErrChecksumMismatch  = fmt.Errorf("%w: checksum mismatch", model.ErrIntegrityFailure)
)

type State int

const (
	Open State = iota
	Sending
	Confirming
	Completed
	Cancelled
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Sending:
		return "SENDING"
	case Confirming:
		return "CONFIRMING"
	case Completed:
		return "COMPLETED"
	case Cancelled:
		return "CANCELLED"
	case Closed:
		return "CLOSED"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further operation is accepted.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Closed
}

// Transaction transfers one batch of records to a peer. It is used by a
// single caller, sequentially.
type Transaction interface {
	// Send frames one record. Valid in OPEN and SENDING.
	Send(ctx context.Context, rec model.Record) error
	// Confirm finishes sending and verifies the peer computed the same checksum.
	Confirm(ctx context.Context) error
	// Complete tells the peer to commit the batch.
	Complete(ctx context.Context) (*TransferOutcome, error)
	// Cancel tells the peer to discard the batch.
	Cancel(ctx context.Context, explanation string) (*TransferOutcome, error)
	State() State
}

// TransferOutcome is the peer reported result of a finished transaction.
type TransferOutcome struct {
	RecordsSent int
	Code        protocol.ResponseCode
	Message     string
}

// Config carries the handshake parameters and per call limits shared by both
// transports. Zero values are left out of the handshake so the peer applies
// its own defaults.
type Config struct {
	PortID            string
	BatchCount        int
	BatchSize         int64
	BatchDuration     time.Duration
	RequestExpiration time.Duration
	UseCompression    *bool

	// Timeout bounds each network call, 0 for none.
	Timeout time.Duration
	// APIPath is the REST api root on http peers, e.g. /nifi-api.
	APIPath string
	TLS     *tls.Config
}

// Factory opens a transaction against a peer.
type Factory func(ctx context.Context, peer model.Peer) (Transaction, error)

// checkSend verifies a record may be sent in state s.
func checkSend(s State) error {
	switch {
	case s.Terminal():
		return ErrTransactionClosed
	case s == Open || s == Sending:
		return nil
	}

	return fmt.Errorf("%w: send in %s", ErrInvalidState, s)
}

func checkConfirm(s State) error {
	switch {
	case s.Terminal():
		return ErrTransactionClosed
	case s == Open || s == Sending:
		return nil
	}

	return fmt.Errorf("%w: confirm in %s", ErrInvalidState, s)
}

func checkComplete(s State) error {
	switch {
	case s.Terminal():
		return ErrTransactionClosed
	case s == Sending || s == Confirming:
		return nil
	}

	return fmt.Errorf("%w: complete in %s", ErrInvalidState, s)
}

func checkCancel(s State) error {
	if s.Terminal() {
		return ErrTransactionClosed
	}

	return nil
}

func connectivity(err error) error {
	if err == nil || errors.Is(err, model.ErrConnectivity) {
		return err
	}

	return fmt.Errorf("%w: %w", model.ErrConnectivity, err)
}

func isProtocolError(err error) bool {
	return errors.Is(err, model.ErrProtocolViolation)
}
