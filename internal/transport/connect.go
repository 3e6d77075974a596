package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"ordsync/internal/wire"
)

// ExchangeProcedure is the Connect unary procedure carrying frames.
const ExchangeProcedure = "/ordsync.v1.FrameService/Exchange"

// rawFrame is the message type of the Connect procedure. The frame is
// already JSON, so the codec passes the bytes through untouched.
type rawFrame struct {
	data []byte
}

type frameCodec struct{}

func (frameCodec) Name() string { return "json" }

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

// ConnectTransport sends frames as a Connect unary call.
type ConnectTransport struct {
	client *connect.Client[rawFrame, rawFrame]
}

func NewConnect(httpClient connect.HTTPClient, baseURL string) *ConnectTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	url := strings.TrimSuffix(strings.TrimSpace(baseURL), "/") + ExchangeProcedure
	return &ConnectTransport{
		client: connect.NewClient[rawFrame, rawFrame](httpClient, url, connect.WithCodec(frameCodec{})),
	}
}

func (t *ConnectTransport) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	resp, err := t.client.CallUnary(ctx, connect.NewRequest(&rawFrame{data: frame}))
	if err != nil {
		return nil, connectError(err)
	}
	return resp.Msg.data, nil
}

// connectError maps Connect codes onto transport errors.
func connectError(err error) error {
	var ce *connect.Error
	if !errors.As(err, &ce) {
		return &wire.TransportError{Err: err}
	}
	switch ce.Code() {
	case connect.CodeUnauthenticated, connect.CodePermissionDenied:
		return &wire.TransportError{Status: http.StatusUnauthorized, SessionInvalid: true, Err: ce}
	case connect.CodeInvalidArgument:
		return &wire.TransportError{Status: http.StatusBadRequest, Err: ce}
	case connect.CodeDeadlineExceeded, connect.CodeCanceled:
		return &wire.TransportError{Status: http.StatusGatewayTimeout, Err: ce}
	default:
		return &wire.TransportError{Status: http.StatusServiceUnavailable, Err: ce}
	}
}

// codeFor is the Connect code a server reports for an exchange error.
func codeFor(err error) connect.Code {
	switch errorStatus(err) {
	case http.StatusUnauthorized:
		return connect.CodeUnauthenticated
	case http.StatusBadRequest:
		return connect.CodeInvalidArgument
	case http.StatusGatewayTimeout:
		return connect.CodeDeadlineExceeded
	default:
		return connect.CodeUnavailable
	}
}

// ConnectHandler returns the path and handler serving ExchangeProcedure,
// ready for http.ServeMux.Handle.
func (h *Handlers) ConnectHandler() (string, http.Handler) {
	handler := connect.NewUnaryHandler(ExchangeProcedure,
		func(ctx context.Context, req *connect.Request[rawFrame]) (*connect.Response[rawFrame], error) {
			out, err := h.x.Exchange(ctx, req.Msg.data)
			if err != nil {
				h.logger.Printf("transport: connect exchange failed: %v", err)
				return nil, connect.NewError(codeFor(err), err)
			}
			return connect.NewResponse(&rawFrame{data: out}), nil
		},
		connect.WithCodec(frameCodec{}),
	)
	return ExchangeProcedure, handler
}
