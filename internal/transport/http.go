package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"ordsync/internal/wire"
)

const (
	FramePath     = "/ord/frame"
	WebSocketPath = "/ord/ws"
	ContentType   = "application/json"

	maxFrameBytes  = 8 << 20
	defaultTimeout = 30 * time.Second
)

// HTTPTransport posts each frame to a station and returns the reply body.
type HTTPTransport struct {
	url    string
	client *http.Client
	header http.Header
}

type HTTPOption func(*HTTPTransport)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithHeader adds a header to every request, for example a cookie the
// station issued at login.
func WithHeader(key, value string) HTTPOption {
	return func(t *HTTPTransport) {
		t.header.Add(key, value)
	}
}

// WithH2C speaks cleartext HTTP/2 with prior knowledge, matching servers
// wrapped in h2c.NewHandler.
func WithH2C() HTTPOption {
	return func(t *HTTPTransport) {
		t.client = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			},
		}
	}
}

// NewHTTP returns a transport posting to baseURL + FramePath.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		url:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/") + FramePath,
		client: &http.Client{Timeout: defaultTimeout},
		header: http.Header{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &wire.TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, &wire.TransportError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, string(body))
	}
	return body, nil
}

// statusError classifies a non-success reply. 401 and 403 mean the
// session itself was rejected.
func statusError(status int, text string) *wire.TransportError {
	text = strings.TrimSpace(text)
	if text == "" {
		text = http.StatusText(status)
	}
	return &wire.TransportError{
		Status:         status,
		SessionInvalid: status == http.StatusUnauthorized || status == http.StatusForbidden,
		Err:            errors.New(text),
	}
}

// errorStatus is the HTTP status a server reports for an exchange error.
func errorStatus(err error) int {
	var (
		te *wire.TransportError
		pe *wire.ProtocolError
	)
	switch {
	case wire.IsSessionInvalid(err):
		return http.StatusUnauthorized
	case errors.As(err, &pe):
		return http.StatusBadRequest
	case errors.As(err, &te) && te.Status >= 400:
		return te.Status
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

// Handlers serves a wire.Exchanger over plain HTTP, WebSocket and Connect.
type Handlers struct {
	x      wire.Exchanger
	logger *log.Logger
}

func NewHandlers(x wire.Exchanger, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.Default()
	}
	return &Handlers{x: x, logger: logger}
}

// HandleFrame answers one posted frame.
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	frame, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
		return
	}
	out, err := h.x.Exchange(r.Context(), frame)
	if err != nil {
		h.logger.Printf("transport: http exchange failed: %v", err)
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	w.Header().Set("Content-Type", ContentType)
	if _, err := w.Write(out); err != nil {
		h.logger.Printf("transport: write reply failed: %v", err)
	}
}
