package workers

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single decoded frame (DoS protection).
const maxFrameSize = 10 * 1024 * 1024 // 10MB

// Serializer encodes messages for the wire. Stream transports additionally
// require a non-empty frame terminator; message-oriented transports ignore
// it. Both ends of a connection must use the same serializer; a mismatch is
// rejected at startup, not discovered as runtime corruption.
type Serializer interface {
	Name() string
	Terminator() []byte
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// JSONSerializer returns the default serializer: JSON text frames terminated
// by a newline. json.Marshal escapes control characters, so an encoded frame
// never contains a raw newline.
func JSONSerializer() Serializer {
	return jsonSerializer{}
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string       { return "json" }
func (jsonSerializer) Terminator() []byte { return []byte{'\n'} }

func (jsonSerializer) Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", m.Type, err)
	}
	return data, nil
}

func (jsonSerializer) Decode(data []byte) (Message, error) {
	var m Message
	if len(data) > maxFrameSize {
		return m, fmt.Errorf("frame size %d exceeds limit %d", len(data), maxFrameSize)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode failed: %w", err)
	}
	return m, nil
}

// MsgpackSerializer returns a msgpack codec. It declares no frame terminator
// (msgpack output may contain any byte), so it is only accepted by
// message-oriented transports such as the ZeroMQ driver.
func MsgpackSerializer() Serializer {
	return msgpackSerializer{}
}

type msgpackSerializer struct{}

func (msgpackSerializer) Name() string       { return "msgpack" }
func (msgpackSerializer) Terminator() []byte { return nil }

func (msgpackSerializer) Encode(m Message) ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", m.Type, err)
	}
	return data, nil
}

func (msgpackSerializer) Decode(data []byte) (Message, error) {
	var m Message
	if len(data) > maxFrameSize {
		return m, fmt.Errorf("frame size %d exceeds limit %d", len(data), maxFrameSize)
	}
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode failed: %w", err)
	}
	return m, nil
}

// validateStreamSerializer rejects serializers that cannot delimit frames on
// a byte stream.
func validateStreamSerializer(s Serializer) error {
	if len(s.Terminator()) == 0 {
		return fmt.Errorf("serializer %q declares no frame terminator; stream transports require one", s.Name())
	}
	return nil
}
