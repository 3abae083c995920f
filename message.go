package workers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	resultSuffix = "Result"
	errorSuffix  = "Error"
)

// Message is the only wire unit exchanged between host and worker. Result
// messages use Type "<orig>Result" and error messages "<orig>Error"; both
// conventions are inferred from the type-string suffix, not a separate
// discriminator field.
type Message struct {
	Type    string `json:"type" msgpack:"type"`
	Payload any    `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Tx      string `json:"tx,omitempty" msgpack:"tx,omitempty"`
}

// TxGenerator assigns a transaction id to a draft request. The draft carries
// type and payload so deterministic generators can derive ids from it.
type TxGenerator func(draft Message) string

func defaultTxGenerator(Message) string {
	return uuid.NewString()
}

// newRequest builds a request message and assigns its tx via gen.
func newRequest(msgType string, payload any, gen TxGenerator) Message {
	if gen == nil {
		gen = defaultTxGenerator
	}
	draft := Message{Type: msgType, Payload: payload}
	draft.Tx = gen(draft)
	return draft
}

// newResponse builds the "<type>Result" message reusing the request's tx.
func newResponse(tx, msgType string, payload any) Message {
	return Message{Type: msgType + resultSuffix, Payload: payload, Tx: tx}
}

// newErrorResponse wraps err into a "<type>Error" message whose payload is a
// SerializedError.
func newErrorResponse(tx, msgType string, err error) Message {
	return Message{Type: msgType + errorSuffix, Payload: serializeError(err), Tx: tx}
}

// IsResult reports whether m is a result message.
func IsResult(m Message) bool {
	return m.Tx != "" && strings.HasSuffix(m.Type, resultSuffix)
}

// IsError reports whether m is an error-response message.
func IsError(m Message) bool {
	return m.Tx != "" && strings.HasSuffix(m.Type, errorSuffix)
}

// IsRequest reports whether m is a request awaiting a response.
func IsRequest(m Message) bool {
	return m.Tx != "" && !IsResult(m) && !IsError(m)
}

// SerializedError is the wire form of a worker-side error. Name, message and
// code are the only fields guaranteed to round-trip.
type SerializedError struct {
	Name    string `json:"name" msgpack:"name"`
	Message string `json:"message" msgpack:"message"`
	Code    string `json:"code,omitempty" msgpack:"code,omitempty"`
}

// RemoteError is an error reconstructed from a SerializedError payload.
type RemoteError struct {
	Name    string
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// serializeError converts err into its wire form. RemoteError values keep
// their original name and code across hops.
func serializeError(err error) SerializedError {
	var re *RemoteError
	if errors.As(err, &re) {
		return SerializedError{Name: re.Name, Message: re.Message, Code: re.Code}
	}
	return SerializedError{Name: "Error", Message: err.Error()}
}

// deserializeError reconstructs an error from an error-response payload. The
// payload arrives either as a SerializedError (in-process transports) or as a
// decoded map (stream transports).
func deserializeError(payload any) *RemoteError {
	switch v := payload.(type) {
	case SerializedError:
		return &RemoteError{Name: v.Name, Message: v.Message, Code: v.Code}
	case *SerializedError:
		return &RemoteError{Name: v.Name, Message: v.Message, Code: v.Code}
	case map[string]any:
		re := &RemoteError{}
		if s, ok := v["name"].(string); ok {
			re.Name = s
		}
		if s, ok := v["message"].(string); ok {
			re.Message = s
		}
		if s, ok := v["code"].(string); ok {
			re.Code = s
		}
		if re.Name == "" {
			re.Name = "Error"
		}
		return re
	default:
		return &RemoteError{Name: "Error", Message: fmt.Sprintf("%v", payload)}
	}
}
