package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/errors"
	"github.com/Shugur-Network/relayfetch/internal/event"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// SubOptions configure one subscription.
type SubOptions struct {
	// ID is generated when empty.
	ID                 string
	SkipVerification   bool
	SkipFilterMatching bool
	// AbortTimeout is the inactivity window before EOSE. Zero disables it.
	AbortTimeout time.Duration
}

// Subscription is one REQ/EOSE cycle on one connection. Exactly one of
// the terminal callbacks (OnEOSE, OnClosed, OnFailure) fires.
type Subscription struct {
	ID      string
	Filters []nostr.Filter

	conn *Connection
	opts SubOptions

	// cbMu serialises callbacks so no event is delivered after a terminal.
	cbMu     sync.Mutex
	onEvent  func(*nostr.Event)
	onReject func(evt *nostr.Event, reason string)
	onEOSE   func(aborted bool)
	onClosed func(reason string)
	onFail   func(error)
	finished atomic.Bool

	mu           sync.Mutex
	timer        *time.Timer
	stopCtx      func() bool
	opened       bool
	serverClosed bool
	closeOnce    sync.Once
}

// PrepareSub registers a subscription without sending anything.
func (c *Connection) PrepareSub(filters []nostr.Filter, opts SubOptions) *Subscription {
	if opts.ID == "" {
		opts.ID = c.newSubID()
	}
	sub := &Subscription{
		ID:      opts.ID,
		Filters: filters,
		conn:    c,
		opts:    opts,
	}
	c.register(sub)
	return sub
}

// OnEvent sets the callback for accepted events.
func (s *Subscription) OnEvent(fn func(*nostr.Event)) { s.cbMu.Lock(); s.onEvent = fn; s.cbMu.Unlock() }

// OnReject sets the callback for events dropped by validation, signature
// or filter checks. reason is one of the metrics.Reject* values.
func (s *Subscription) OnReject(fn func(evt *nostr.Event, reason string)) {
	s.cbMu.Lock()
	s.onReject = fn
	s.cbMu.Unlock()
}

// OnEOSE sets the callback for end of stored events. aborted is true when
// the inactivity timer or the Req context ended the subscription.
func (s *Subscription) OnEOSE(fn func(aborted bool)) { s.cbMu.Lock(); s.onEOSE = fn; s.cbMu.Unlock() }

// OnClosed sets the callback for a relay-sent CLOSED.
func (s *Subscription) OnClosed(fn func(reason string)) {
	s.cbMu.Lock()
	s.onClosed = fn
	s.cbMu.Unlock()
}

// OnFailure sets the callback for relevant NOTICEs and transport errors.
func (s *Subscription) OnFailure(fn func(error)) { s.cbMu.Lock(); s.onFail = fn; s.cbMu.Unlock() }

// Req sends the REQ and arms the inactivity timer. Cancelling ctx aborts
// the subscription. A failure to send is reported through OnFailure and
// also returned.
func (s *Subscription) Req(ctx context.Context) error {
	if s.conn.State() != StateOpen {
		err := errors.RelayDisconnectedError(s.conn.url, nil)
		s.fail(err)
		return err
	}
	if err := s.conn.limiter.Wait(ctx); err != nil {
		s.abort()
		return err
	}

	data, err := encodeReq(s.ID, s.Filters)
	if err != nil {
		wrapped := errors.InternalError("encode REQ", err)
		s.fail(wrapped)
		return wrapped
	}

	s.mu.Lock()
	s.opened = true
	if s.opts.AbortTimeout > 0 {
		s.timer = time.AfterFunc(s.opts.AbortTimeout, s.abort)
	}
	s.stopCtx = context.AfterFunc(ctx, s.abort)
	s.mu.Unlock()
	metrics.SubscriptionOpened()

	if err := s.conn.writeMessage(data); err != nil {
		wrapped := errors.RelayDisconnectedError(s.conn.url, err)
		s.fail(wrapped)
		return wrapped
	}
	return nil
}

// Close unregisters the subscription and sends CLOSE if the relay still
// holds it. It never fails and may be called at any time.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopTimersLocked()
		sendClose := s.opened && !s.serverClosed
		s.mu.Unlock()

		s.conn.unregister(s)
		if s.finished.CompareAndSwap(false, true) && s.isOpened() {
			metrics.SubscriptionFinished(metrics.OutcomeClosed)
		}

		if !sendClose || s.conn.State() != StateOpen {
			return
		}
		data, err := encodeClose(s.ID)
		if err == nil {
			err = s.conn.writeMessage(data)
		}
		if err != nil {
			s.conn.log.Debug("CLOSE not delivered", zap.String("sub_id", s.ID), zap.Error(err))
		}
	})
}

func (s *Subscription) isOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Subscription) stopTimersLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.stopCtx != nil {
		s.stopCtx()
	}
}

func (s *Subscription) resetTimer() {
	s.mu.Lock()
	if s.timer != nil && !s.finished.Load() {
		s.timer.Reset(s.opts.AbortTimeout)
	}
	s.mu.Unlock()
}

func (s *Subscription) handleEvent(evt *nostr.Event) {
	metrics.EventsReceived.Inc()
	s.resetTimer()

	if err := event.ValidateShape(evt); err != nil {
		s.reject(evt, metrics.RejectShape, err)
		return
	}
	if !s.opts.SkipVerification {
		if err := event.VerifySignature(evt); err != nil {
			s.reject(evt, metrics.RejectSignature, err)
			return
		}
	}
	if !s.opts.SkipFilterMatching && !event.MatchFilters(evt, s.Filters) {
		s.reject(evt, metrics.RejectFilter, nil)
		return
	}

	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.finished.Load() || s.onEvent == nil {
		return
	}
	s.onEvent(evt)
}

func (s *Subscription) reject(evt *nostr.Event, reason string, err error) {
	metrics.EventsRejected.WithLabelValues(reason).Inc()
	s.conn.log.Debug("Dropping event",
		zap.String("sub_id", s.ID),
		zap.String("event_id", evt.ID),
		zap.String("reason", reason),
		zap.Error(err))

	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if !s.finished.Load() && s.onReject != nil {
		s.onReject(evt, reason)
	}
}

// finish delivers one terminal callback.
func (s *Subscription) finish(outcome string, deliver func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if !s.finished.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.stopTimersLocked()
	opened := s.opened
	s.mu.Unlock()
	if opened {
		metrics.SubscriptionFinished(outcome)
	}
	deliver()
}

func (s *Subscription) handleEOSE() {
	s.finish(metrics.OutcomeEOSE, func() {
		if s.onEOSE != nil {
			s.onEOSE(false)
		}
	})
}

func (s *Subscription) abort() {
	s.finish(metrics.OutcomeAborted, func() {
		if s.onEOSE != nil {
			s.onEOSE(true)
		}
	})
}

func (s *Subscription) handleClosed(reason string) {
	s.mu.Lock()
	s.serverClosed = true
	s.mu.Unlock()
	s.finish(metrics.OutcomeClosed, func() {
		if s.onClosed != nil {
			s.onClosed(reason)
		}
	})
}

func (s *Subscription) fail(err error) {
	s.finish(metrics.OutcomeFailed, func() {
		if s.onFail != nil {
			s.onFail(err)
		}
	})
}
