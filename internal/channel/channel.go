// Package channel bridges push-style producers (socket callbacks, relay
// loops) to a single pull-style consumer.
package channel

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
)

// ErrConcurrentConsumer is returned when a second consumer tries to read
// while another read is in progress.
var ErrConcurrentConsumer = errors.New("channel: concurrent consumer")

// Option configures a channel built by New.
type Option func(*options)

type options struct {
	hwm int
}

// WithHighWaterMark enables advisory backpressure: WaitUntilDrained blocks
// while more than n items are buffered. n <= 0 disables it.
func WithHighWaterMark(n int) Option {
	return func(o *options) { o.hwm = n }
}

type state[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int
	closed bool
	err    error

	// notify has capacity 1 and wakes the single consumer.
	notify    chan struct{}
	consuming bool

	hwm     int
	drained chan struct{}
}

// Sender is the producer handle. It is safe for concurrent use.
type Sender[T any] struct{ s *state[T] }

// Receiver is the consumer handle.
type Receiver[T any] struct{ s *state[T] }

// New returns the two ends of an unbounded queue.
func New[T any](opts ...Option) (*Sender[T], *Receiver[T]) {
	var o options
	for _, apply := range opts {
		apply(&o)
	}
	s := &state[T]{notify: make(chan struct{}, 1), hwm: o.hwm}
	return &Sender[T]{s}, &Receiver[T]{s}
}

func (s *state[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *state[T]) terminal() bool { return s.closed || s.err != nil }

func (s *state[T]) len() int { return len(s.buf) - s.head }

// Send enqueues item. It never blocks and never drops; items sent after
// Close or Error are discarded.
func (p *Sender[T]) Send(item T) {
	s := p.s
	s.mu.Lock()
	if s.terminal() {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, item)
	s.mu.Unlock()
	s.wake()
}

// Close ends the stream after the buffered items are consumed.
func (p *Sender[T]) Close() {
	s := p.s
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
	s.releaseDrainWaiters()
}

// Error ends the stream with err. Buffered items are still delivered first.
// The first Error wins, and an Error after Close replaces the end-of-stream.
func (p *Sender[T]) Error(err error) {
	if err == nil {
		p.Close()
		return
	}
	s := p.s
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
	s.releaseDrainWaiters()
}

// WaitUntilDrained blocks while the buffer holds more than the high-water
// mark. It returns immediately in unbounded mode or after the stream ended.
func (p *Sender[T]) WaitUntilDrained(ctx context.Context) error {
	s := p.s
	for {
		s.mu.Lock()
		if s.hwm <= 0 || s.terminal() || s.len() <= s.hwm {
			s.mu.Unlock()
			return nil
		}
		if s.drained == nil {
			s.drained = make(chan struct{})
		}
		ch := s.drained
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *state[T]) releaseDrainWaiters() {
	s.mu.Lock()
	if s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
	s.mu.Unlock()
}

// Len returns the number of buffered items.
func (r *Receiver[T]) Len() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.len()
}

// Next returns the next item, io.EOF after Close, or the error passed to
// Error once the buffer is empty.
func (r *Receiver[T]) Next(ctx context.Context) (T, error) {
	var zero T
	s := r.s

	s.mu.Lock()
	if s.consuming {
		s.mu.Unlock()
		return zero, ErrConcurrentConsumer
	}
	s.consuming = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.consuming = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if s.len() > 0 {
			item := s.buf[s.head]
			s.buf[s.head] = zero
			s.head++
			if s.head == len(s.buf) {
				s.buf, s.head = s.buf[:0], 0
			}
			if s.drained != nil && s.len() <= s.hwm {
				close(s.drained)
				s.drained = nil
			}
			s.mu.Unlock()
			return item, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return zero, err
		}
		if s.closed {
			s.mu.Unlock()
			return zero, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// All adapts the receiver to range-over-func. A terminal error other than
// io.EOF is yielded once as the last element.
func (r *Receiver[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := r.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains the receiver into a slice.
func (r *Receiver[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for item, err := range r.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
