package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"ordsync/internal/wire"
)

// Kinds accepted by Open.
const (
	KindHTTP      = "http"
	KindH2C       = "h2c"
	KindWebSocket = "ws"
	KindConnect   = "connect"
)

// Open builds the transport named by kind. The returned close function
// releases long-lived connections and is never nil.
func Open(ctx context.Context, kind, baseURL string) (wire.Transport, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindHTTP:
		return NewHTTP(baseURL), noop, nil
	case KindH2C:
		return NewHTTP(baseURL, WithH2C()), noop, nil
	case KindWebSocket:
		t, err := DialWebSocket(ctx, baseURL, nil)
		if err != nil {
			return nil, noop, err
		}
		return t, t.Close, nil
	case KindConnect:
		return NewConnect(http.DefaultClient, baseURL), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown transport %q", kind)
	}
}
