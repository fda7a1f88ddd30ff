package responder

import (
	"time"

	"github.com/drblury/paybridge/internal/runtime/logging"
)

// DispatchInfo describes one request as seen by hooks.
type DispatchInfo struct {
	CorrelationID string
	// Method is the request method as received, supported or not.
	Method    string
	StartedAt time.Time
	// Duration is only set for OnDone and OnError.
	Duration time.Duration
}

// DispatchHooks are optional callbacks around every dispatched request.
// OnError receives the failure that was turned into an error response, or
// the publish failure itself.
type DispatchHooks struct {
	OnStart func(DispatchInfo)
	OnDone  func(DispatchInfo)
	OnError func(DispatchInfo, error)
}

// Merge returns hooks calling h first, then other.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnStart: chain(h.OnStart, other.OnStart),
		OnDone:  chain(h.OnDone, other.OnDone),
		OnError: chainErr(h.OnError, other.OnError),
	}
}

func chain(a, b func(DispatchInfo)) func(DispatchInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info DispatchInfo) {
		a(info)
		b(info)
	}
}

func chainErr(a, b func(DispatchInfo, error)) func(DispatchInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info DispatchInfo, err error) {
		a(info, err)
		b(info, err)
	}
}

func (h DispatchHooks) start(info DispatchInfo) {
	if h.OnStart != nil {
		h.OnStart(info)
	}
}

func (h DispatchHooks) finish(info DispatchInfo, err error) {
	info.Duration = time.Since(info.StartedAt)
	if err != nil {
		if h.OnError != nil {
			h.OnError(info, err)
		}
		return
	}
	if h.OnDone != nil {
		h.OnDone(info)
	}
}

// LoggingHooks logs completion and failure of every dispatch at info level.
func LoggingHooks(logger logging.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnDone: func(info DispatchInfo) {
			logger.Info("Dispatch completed", logging.LogFields{
				"correlation_id": info.CorrelationID,
				"method":         info.Method,
				"duration_ms":    info.Duration.Milliseconds(),
			})
		},
		OnError: func(info DispatchInfo, err error) {
			logger.Error("Dispatch failed", err, logging.LogFields{
				"correlation_id": info.CorrelationID,
				"method":         info.Method,
				"duration_ms":    info.Duration.Milliseconds(),
			})
		},
	}
}
