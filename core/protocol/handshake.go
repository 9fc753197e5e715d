package protocol

import (
	"fmt"
	"io"
	"sort"
)

// MagicBytes open every socket session.
var MagicBytes = []byte("NiFi")

const (
	ProtocolResourceName = "SocketFlowFileProtocol"
	CodecResourceName    = "StandardFlowFileCodec"
	CodecVersion         = 1

	// ChecksumProtocolVersion is the first protocol version in which the peer
	// echoes its checksum on confirmation and the client verifies it.
	ChecksumProtocolVersion = 4
	// CommsIdentifierProtocolVersion is the first version that sends a
	// communications identifier ahead of the handshake properties.
	CommsIdentifierProtocolVersion = 3
)

// SupportedProtocolVersions lists the versions the client speaks, preferred first.
var SupportedProtocolVersions = []int{5, 4, 3, 2, 1}

// Resource negotiation status bytes.
const (
	ResourceOK               byte = 20
	DifferentResourceVersion byte = 21
	ResourceAbort            byte = 255
)

// Handshake property names sent on the socket transport.
const (
	PropPortIdentifier         = "PORT_IDENTIFIER"
	PropRequestExpirationMilli = "REQUEST_EXPIRATION_MILLIS"
	PropBatchCount             = "BATCH_COUNT"
	PropBatchSize              = "BATCH_SIZE"
	PropBatchDuration          = "BATCH_DURATION"
)

// WriteProperties writes the map as an int32 count followed by UTF key/value
// pairs in key order.
func WriteProperties(w io.Writer, props map[string]string) error {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := WriteInt32(w, int32(len(keys))); err != nil {
		return err
	}

	for _, k := range keys {
		if err := WriteUTF(w, k); err != nil {
			return err
		}

		if err := WriteUTF(w, props[k]); err != nil {
			return err
		}
	}

	return nil
}

func ReadProperties(r io.Reader) (map[string]string, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return nil, err
	}

	if n < 0 {
		return nil, fmt.Errorf("%w: property count %d", ErrMalformedFrame, n)
	}

	props := make(map[string]string, min(n, mapSizeHint))
	for i := int32(0); i < n; i++ {
		k, err := ReadUTF(r)
		if err != nil {
			return nil, err
		}

		v, err := ReadUTF(r)
		if err != nil {
			return nil, err
		}

		props[k] = v
	}

	return props, nil
}
