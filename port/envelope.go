package port

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Kind is the closed set of envelope kinds.
type Kind uint8

const (
	KindEvent  Kind = 0 // named request or notification
	KindResult Kind = 1 // successful reply to a request
	KindError  Kind = 2 // failed reply to a request
	KindInit   Kind = 3 // one-time bootstrap message
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindResult:
		return NameResult
	case KindError:
		return NameError
	case KindInit:
		return NameInit
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func kindFromString(s string) (Kind, bool) {
	switch s {
	case "event":
		return KindEvent, true
	case NameResult:
		return KindResult, true
	case NameError:
		return KindError, true
	case NameInit:
		return KindInit, true
	}
	return 0, false
}

// Reserved control names. Extension code may never use them as event names.
const (
	NameInit   = "init"
	NameResult = "result"
	NameError  = "error"
)

// IsReserved reports whether name is a control name.
func IsReserved(name string) bool {
	return name == NameInit || name == NameResult || name == NameError
}

// ErrorInfo is the payload of an ERROR envelope.
type ErrorInfo struct {
	Code    string `cbor:"code,omitempty" json:"code,omitempty"`
	Message string `cbor:"message" json:"message"`
	Stack   string `cbor:"stack,omitempty" json:"stack,omitempty"`
}

// Envelope is the unit exchanged over a Channel.
//
// Args and Result hold CBOR-encoded values. Transfer holds buffers whose
// ownership moves with the envelope; args or results of type Transfer are
// replaced by a reference into this list.
type Envelope struct {
	Kind      Kind
	Name      string
	MessageId string
	Args      []cbor.RawMessage
	Result    cbor.RawMessage
	Error     *ErrorInfo
	Transfer  [][]byte
}

// NewMessageId returns a fresh correlation id.
func NewMessageId() string {
	return uuid.NewString()
}

// NewEvent builds a notification envelope (no messageId).
func NewEvent(name string, args ...interface{}) (*Envelope, error) {
	encoded, transfer, err := encodeValues(args, nil)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindEvent, Name: name, Args: encoded, Transfer: transfer}, nil
}

// NewRequest builds a request envelope addressed by messageId.
func NewRequest(name, messageId string, args ...interface{}) (*Envelope, error) {
	env, err := NewEvent(name, args...)
	if err != nil {
		return nil, err
	}
	env.MessageId = messageId
	return env, nil
}

// NewResult builds a RESULT envelope for messageId.
func NewResult(messageId string, value interface{}) (*Envelope, error) {
	if reply, ok := value.(*Reply); ok {
		return &Envelope{Kind: KindResult, MessageId: messageId, Result: reply.Result, Transfer: reply.Transfer}, nil
	}
	encoded, transfer, err := encodeValues([]interface{}{value}, nil)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindResult, MessageId: messageId, Result: encoded[0], Transfer: transfer}, nil
}

// NewError builds an ERROR envelope for messageId.
func NewError(messageId, code, message string) *Envelope {
	return &Envelope{
		Kind:      KindError,
		MessageId: messageId,
		Error:     &ErrorInfo{Code: code, Message: message},
	}
}

// NewInit builds the bootstrap envelope posted once per channel.
func NewInit(value interface{}) (*Envelope, error) {
	encoded, transfer, err := encodeValues([]interface{}{value}, nil)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindInit, Name: NameInit, Args: encoded, Transfer: transfer}, nil
}

// IsRequest reports whether the sender awaits a reply.
func (e *Envelope) IsRequest() bool {
	return e.Kind == KindEvent && e.MessageId != ""
}

// Validate checks the structural rules of the envelope.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindEvent:
		if e.Name == "" {
			return malformed("event without name")
		}
		if IsReserved(e.Name) {
			return malformed("event uses reserved name %q", e.Name)
		}
	case KindResult:
		if e.MessageId == "" {
			return malformed("result without messageId")
		}
		if e.Error != nil {
			return malformed("result %s also carries an error", e.MessageId)
		}
	case KindError:
		if e.MessageId == "" {
			return malformed("error without messageId")
		}
		if e.Error == nil {
			return malformed("error %s without error payload", e.MessageId)
		}
	case KindInit:
	default:
		return malformed("unknown kind %d", uint8(e.Kind))
	}
	return nil
}

// DecodeArg decodes argument i into dst, resolving transfer references.
func (e *Envelope) DecodeArg(i int, dst interface{}) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("argument %d out of range (%d args)", i, len(e.Args))
	}
	return decodeValue(e.Args[i], e.Transfer, dst)
}

// DecodeResult decodes the RESULT payload into dst.
func (e *Envelope) DecodeResult(dst interface{}) error {
	return decodeValue(e.Result, e.Transfer, dst)
}

func (e *Envelope) remoteError() *RemoteError {
	if e.Error == nil {
		return &RemoteError{Message: "unknown remote error"}
	}
	return &RemoteError{Code: e.Error.Code, Message: e.Error.Message, Stack: e.Error.Stack}
}
