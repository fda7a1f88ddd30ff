package transport

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ReplayPreset selects where a new subscription starts reading.
type ReplayPreset string

const (
	ReplayLatest   ReplayPreset = "LATEST"
	ReplayEarliest ReplayPreset = "EARLIEST"
	ReplayCustom   ReplayPreset = "CUSTOM"
)

// ParseReplayPreset maps a config value onto a preset, defaulting to latest.
func ParseReplayPreset(s string) ReplayPreset {
	switch ReplayPreset(strings.ToUpper(strings.TrimSpace(s))) {
	case ReplayEarliest:
		return ReplayEarliest
	case ReplayCustom:
		return ReplayCustom
	default:
		return ReplayLatest
	}
}

// SubscribeOptions tune a pull subscription.
type SubscribeOptions struct {
	// Replay and ReplayID pick the starting point for transports that retain
	// history. Others only ever deliver new events.
	Replay   ReplayPreset
	ReplayID string
	// Ephemeral subscriptions disappear with the subscriber instead of
	// leaving a durable consumer behind.
	Ephemeral bool
	// MaxOutstanding caps granted-but-unfilled credits. Zero means 4 times the
	// first Request.
	MaxOutstanding int
}

// Bus publishes to and pull-subscribes from named topics.
type Bus interface {
	// Publish returns once the transport acknowledged every message.
	Publish(ctx context.Context, topic string, msgs ...*message.Message) error
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions) (Subscription, error)
	Close() error
}

// Subscription is a pull-based stream of message batches. Nothing is
// delivered until credits are granted with Request.
type Subscription interface {
	// Request grants n more events ("fetch n more"). It never blocks.
	Request(n int) error
	// Batches yields fetched batches and is closed when the subscription ends.
	Batches() <-chan []*message.Message
	Close() error
}
