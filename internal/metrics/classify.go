package metrics

import (
	"context"
	"errors"

	"ordsync/internal/wire"
)

func classify(err error) string {
	var (
		pe  *wire.ParseError
		re  *wire.ResolveError
		te  *wire.TransportError
		pre *wire.ProtocolError
		rme *wire.RemoteError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &pe):
		return "parse"
	case errors.As(err, &te):
		if te.SessionInvalid {
			return "session"
		}
		return "transport"
	case errors.As(err, &pre):
		return "protocol"
	case errors.As(err, &rme):
		return "remote"
	case errors.As(err, &re):
		return "resolve"
	default:
		return "other"
	}
}
