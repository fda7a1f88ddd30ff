package bus

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/transport"
)

// PumpConfig controls how Pump keeps credits flowing.
type PumpConfig struct {
	// BatchSize is granted up front, again after every batch and on every
	// keep-alive tick.
	BatchSize int
	// KeepAlive re-grants BatchSize on an independent timer so the
	// subscription does not idle out. Zero disables it.
	KeepAlive time.Duration
}

// Pump drives sub until ctx ends or the subscription closes, handing each
// batch to handle on the calling goroutine. It returns nil when ctx is
// cancelled and perrors.ErrClosed when the subscription ended on its own.
func Pump(ctx context.Context, sub transport.Subscription, cfg PumpConfig, handle func(context.Context, []*message.Message)) error {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if err := sub.Request(cfg.BatchSize); err != nil {
		return err
	}

	var tick <-chan time.Time
	if cfg.KeepAlive > 0 {
		ticker := time.NewTicker(cfg.KeepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	batches := sub.Batches()
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-batches:
			if !ok {
				return stopErr(ctx, perrors.ErrClosed)
			}
			// re-grant before handling so the transport fetches while we work
			if err := sub.Request(cfg.BatchSize); err != nil {
				return stopErr(ctx, err)
			}
			handle(ctx, batch)
		case <-tick:
			if err := sub.Request(cfg.BatchSize); err != nil {
				return stopErr(ctx, err)
			}
		}
	}
}

// stopErr hides errors caused by the subscription winding down after ctx ended.
func stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
