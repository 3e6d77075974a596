package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolTag = "ordsync"
	Version     = 2
)

const (
	KindRequest  = "request"
	KindResponse = "response"
	KindError    = "error"
)

// Frame is one serialized round trip: a batch of messages sent together.
type Frame struct {
	ProtocolTag string    `json:"protocolTag"`
	Version     int       `json:"version"`
	Messages    []Message `json:"messages"`
}

// Message is a single request, response or error entry within a frame.
type Message struct {
	RequestID  int             `json:"requestId"`
	Kind       string          `json:"kind"`
	Channel    string          `json:"channel,omitempty"`
	Key        string          `json:"key,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	ErrorType  string          `json:"errorType,omitempty"`
	CommsFatal bool            `json:"commsFatal,omitempty"`
}

// Transport sends one serialized frame and returns the serialized reply.
// Implementations know nothing about descriptors, handles or sync ops.
type Transport interface {
	Exchange(ctx context.Context, frame []byte) ([]byte, error)
}

// Exchanger is the server-side counterpart of Transport.
type Exchanger interface {
	Exchange(ctx context.Context, frame []byte) ([]byte, error)
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(ctx context.Context, frame []byte) ([]byte, error)

func (f TransportFunc) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	return f(ctx, frame)
}

func NewFrame(msgs ...Message) Frame {
	return Frame{ProtocolTag: ProtocolTag, Version: Version, Messages: msgs}
}

func EncodeFrame(f Frame) ([]byte, error) {
	if strings.TrimSpace(f.ProtocolTag) == "" {
		f.ProtocolTag = ProtocolTag
	}
	if f.Version == 0 {
		f.Version = Version
	}
	if f.Messages == nil {
		f.Messages = []Message{}
	}
	return json.Marshal(f)
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("malformed frame: %v", err)}
	}
	if f.ProtocolTag != ProtocolTag {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unexpected protocol tag %q", f.ProtocolTag)}
	}
	if f.Version != Version {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unsupported version %d", f.Version)}
	}
	for i, m := range f.Messages {
		switch m.Kind {
		case KindRequest, KindResponse, KindError:
		default:
			return Frame{}, &ProtocolError{Reason: fmt.Sprintf("message %d has unknown kind %q", i, m.Kind)}
		}
	}
	return f, nil
}

// Request builds a request message with a JSON-encoded body.
func Request(id int, channel, key string, body any) (Message, error) {
	msg := Message{RequestID: id, Kind: KindRequest, Channel: channel, Key: key}
	if body == nil {
		return msg, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		msg.Body = raw
		return msg, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s/%s body: %w", channel, key, err)
	}
	msg.Body = raw
	return msg, nil
}

// Response builds a response message answering the request with id.
func Response(id int, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return Message{RequestID: id, Kind: KindResponse, Body: raw}, nil
}

// ErrorReply builds an error message answering the request with id.
func ErrorReply(id int, errType, text string, commsFatal bool) Message {
	raw, _ := json.Marshal(text)
	return Message{RequestID: id, Kind: KindError, ErrorType: errType, Body: raw, CommsFatal: commsFatal}
}
