package protocol

import (
	"fmt"
	"io"
)

// ResponseCode is one of the closed set of codes peers exchange. On the socket
// transport it travels as its token, on http as its numeric id.
type ResponseCode struct {
	ID         int
	Token      string
	HasMessage bool
}

func (c ResponseCode) String() string {
	return c.Token
}

var (
	Reserved                              = ResponseCode{0, "RESERVED", false}
	PropertiesOK                          = ResponseCode{1, "PROPERTIES_OK", false}
	ContinueTransaction                   = ResponseCode{10, "CONTINUE_TRANSACTION", false}
	FinishTransaction                     = ResponseCode{11, "FINISH_TRANSACTION", false}
	ConfirmTransaction                    = ResponseCode{12, "CONFIRM_TRANSACTION", true}
	TransactionFinished                   = ResponseCode{13, "TRANSACTION_FINISHED", false}
	TransactionFinishedButDestinationFull = ResponseCode{14, "TRANSACTION_FINISHED_BUT_DESTINATION_FULL", false}
	CancelTransaction                     = ResponseCode{15, "CANCEL_TRANSACTION", true}
	BadChecksum                           = ResponseCode{19, "BAD_CHECKSUM", false}
	MoreData                              = ResponseCode{20, "MORE_DATA", false}
	NoMoreData                            = ResponseCode{21, "NO_MORE_DATA", false}
	UnknownPort                           = ResponseCode{200, "UNKNOWN_PORT", false}
	PortNotInValidState                   = ResponseCode{201, "PORT_NOT_IN_VALID_STATE", true}
	PortsDestinationFull                  = ResponseCode{202, "PORTS_DESTINATION_FULL", false}
	UnknownPropertyName                   = ResponseCode{230, "UNKNOWN_PROPERTY_NAME", true}
	IllegalPropertyValue                  = ResponseCode{231, "ILLEGAL_PROPERTY_VALUE", true}
	MissingProperty                       = ResponseCode{232, "MISSING_PROPERTY", true}
	Unauthorized                          = ResponseCode{240, "UNAUTHORIZED", true}
	Abort                                 = ResponseCode{250, "ABORT", true}
	UnrecognizedResponseCode              = ResponseCode{254, "UNRECOGNIZED_RESPONSE_CODE", false}
	EndOfStream                           = ResponseCode{255, "END_OF_STREAM", false}
)

var responseCodes = []ResponseCode{
	Reserved, PropertiesOK, ContinueTransaction, FinishTransaction,
	ConfirmTransaction, TransactionFinished, TransactionFinishedButDestinationFull,
	CancelTransaction, BadChecksum, MoreData, NoMoreData, UnknownPort,
	PortNotInValidState, PortsDestinationFull, UnknownPropertyName,
	IllegalPropertyValue, MissingProperty, Unauthorized, Abort,
	UnrecognizedResponseCode, EndOfStream,
}

func ResponseCodeByToken(token string) (ResponseCode, error) {
	for _, c := range responseCodes {
		if c.Token == token {
			return c, nil
		}
	}

	return ResponseCode{}, fmt.Errorf("%w: response code %q", ErrUnknownCode, token)
}

func ResponseCodeByID(id int) (ResponseCode, error) {
	for _, c := range responseCodes {
		if c.ID == id {
			return c, nil
		}
	}

	return ResponseCode{}, fmt.Errorf("%w: response code id %d", ErrUnknownCode, id)
}

// Response is a decoded response code plus its message, if the code carries one.
type Response struct {
	Code    ResponseCode
	Message string
}

func (r Response) String() string {
	if r.Message == "" {
		return r.Code.Token
	}

	return fmt.Sprintf("%s: %s", r.Code.Token, r.Message)
}

// WriteResponse writes the code token followed by message when the code
// carries one. message is ignored for codes without a message.
func WriteResponse(w io.Writer, code ResponseCode, message string) error {
	if err := WriteUTF(w, code.Token); err != nil {
		return err
	}

	if !code.HasMessage {
		return nil
	}

	return WriteUTF(w, message)
}

func ReadResponse(r io.Reader) (Response, error) {
	token, err := ReadUTF(r)
	if err != nil {
		return Response{}, err
	}

	code, err := ResponseCodeByToken(token)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Code: code}
	if code.HasMessage {
		resp.Message, err = ReadUTF(r)
		if err != nil {
			return Response{}, err
		}
	}

	return resp, nil
}

// RequestType selects what the peer should do next on a socket session.
type RequestType string

const (
	NegotiateFlowFileCodec RequestType = "NEGOTIATE_FLOWFILE_CODEC"
	RequestPeerList        RequestType = "REQUEST_PEER_LIST"
	SendFlowFiles          RequestType = "SEND_FLOWFILES"
	ReceiveFlowFiles       RequestType = "RECEIVE_FLOWFILES"
	Shutdown               RequestType = "SHUTDOWN"
)

var requestTypes = []RequestType{
	NegotiateFlowFileCodec, RequestPeerList, SendFlowFiles, ReceiveFlowFiles, Shutdown,
}

func ParseRequestType(token string) (RequestType, error) {
	for _, t := range requestTypes {
		if string(t) == token {
			return t, nil
		}
	}

	return "", fmt.Errorf("%w: request type %q", ErrUnknownCode, token)
}

func WriteRequestType(w io.Writer, t RequestType) error {
	return WriteUTF(w, string(t))
}

func ReadRequestType(r io.Reader) (RequestType, error) {
	token, err := ReadUTF(r)
	if err != nil {
		return "", err
	}

	return ParseRequestType(token)
}
