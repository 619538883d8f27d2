package logger

import (
	"context"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
)

type loggerKey struct{}

var fetchSeq atomic.Uint64

// New returns a child of the global logger tagged with component.
func New(component string) *zap.Logger {
	return get().With(zap.String("component", component))
}

// WithLogger attaches l to ctx.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger attached to ctx, or the global one.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return get()
}

// StartFetch tags base with a process-unique fetch id and the fetch mode
// and attaches the result to ctx. Every relay loop of the call logs
// through it, so one grep on fetch_id shows the whole call.
func StartFetch(ctx context.Context, base *zap.Logger, mode string) (context.Context, *zap.Logger) {
	l := base.With(
		zap.String("fetch_id", "f"+strconv.FormatUint(fetchSeq.Add(1), 36)),
		zap.String("mode", mode))
	return WithLogger(ctx, l), l
}

// ForRelay narrows the logger in ctx to one relay.
func ForRelay(ctx context.Context, url string) *zap.Logger {
	return FromContext(ctx).With(zap.String("relay", url))
}
