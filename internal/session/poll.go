package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordsync/internal/metrics"
	"ordsync/internal/wire"
)

// Poll performs one poll call and dispatches each batch to its handler in
// server order. Mirror ops are applied before Poll returns.
func (s *Session) Poll(ctx context.Context) error {
	id := s.ID()
	if id == "" {
		return ErrNotConnected
	}
	resp, err := Call[wire.PollResponse](ctx, s, wire.ChannelPoll, wire.KeyPoll, wire.SessionRequest{SessionID: id})
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	var errs []error
	for _, b := range resp.Batches {
		if err := s.dispatch(ctx, b.Handler, b.Ops); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) dispatch(ctx context.Context, handler string, entries []json.RawMessage) error {
	if handler == HandlerMirror {
		res := s.mirror.ApplyRaw(entries)
		if res.Invalid > 0 {
			s.logger.Printf("session: %d of %d sync ops were invalid", res.Invalid, len(entries))
		}
		return nil
	}
	s.mu.Lock()
	h, ok := s.handlers[handler]
	s.mu.Unlock()
	if !ok {
		s.logger.Printf("session: no poll handler %q, dropping %d entries", handler, len(entries))
		return nil
	}
	if err := h(ctx, entries); err != nil {
		return fmt.Errorf("poll handler %s: %w", handler, err)
	}
	return nil
}

// StartPolling polls every interval until StopPolling, Disconnect, or the
// server rejects the session. A recoverable transport failure switches to
// reconnect probes paced by the reconnect interval; the first successful
// probe resumes normal polling.
func (s *Session) StartPolling(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	s.mu.Lock()
	if s.poller != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{cancel: cancel, done: make(chan struct{})}
	s.poller = p
	s.mu.Unlock()

	go s.pollLoop(ctx, p, interval)
}

// StopPolling clears the poll schedule and waits for an in-flight poll.
func (s *Session) StopPolling() {
	s.mu.Lock()
	p := s.poller
	s.poller = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

// Polling reports whether a poll schedule is active.
func (s *Session) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poller != nil
}

func (s *Session) pollLoop(ctx context.Context, p *poller, interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	limiter := s.newLimiter()
	offline := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if offline && !limiter.Allow() {
			metrics.PollCycles.WithLabelValues("waiting").Inc()
			continue
		}
		err := s.Poll(ctx)
		switch {
		case err == nil:
			if offline {
				s.logger.Printf("session: connectivity restored")
				offline = false
			}
			metrics.PollCycles.WithLabelValues("ok").Inc()
		case ctx.Err() != nil:
			return
		case wire.IsSessionInvalid(err):
			metrics.PollCycles.WithLabelValues("session_lost").Inc()
			s.logger.Printf("session: polling stopped: %v", err)
			s.mu.Lock()
			if s.poller == p {
				s.poller = nil
			}
			s.mu.Unlock()
			if s.onLost != nil {
				s.onLost(err)
			}
			return
		case wire.IsRecoverable(err):
			metrics.PollCycles.WithLabelValues("offline").Inc()
			if !offline {
				s.logger.Printf("session: poll failed, probing every %s: %v", s.reconnectEvery, err)
				offline = true
				limiter = s.newLimiter()
				limiter.Allow()
			}
		default:
			metrics.PollCycles.WithLabelValues("error").Inc()
			s.logger.Printf("session: poll: %v", err)
		}
	}
}
