// Package bus turns the configured transport into a pull-based transport.Bus.
// Push-style Watermill subscribers are adapted with a credit counter so that
// nothing is delivered until the consumer asks for it.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/transport"
	_ "github.com/drblury/paybridge/transport/transports"
)

// Open builds the transport named by cfg.GetPubSubSystem and returns it as a
// Bus. Transports with native pull consumers are returned as-is.
func Open(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	tr, err := transport.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if tr.Bus != nil {
		return tr.Bus, nil
	}
	if !tr.Capabilities.RequiresPullEmulation() {
		closeTransport(tr)
		return nil, fmt.Errorf("paybridge: transport %s advertises native pull but built no bus", cfg.GetPubSubSystem())
	}
	wb := NewWatermillBus(tr.Publisher, tr.Subscriber, logger)
	wb.caps = tr.Capabilities
	return wb, nil
}

func closeTransport(tr transport.Transport) {
	if tr.Publisher != nil {
		_ = tr.Publisher.Close()
	}
	if tr.Subscriber != nil {
		_ = tr.Subscriber.Close()
	}
}

// WatermillBus adapts a Watermill publisher/subscriber pair to transport.Bus.
// Either side may be nil; the matching operation then fails.
type WatermillBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
	// caps bounds payload sizes on Publish. Zero means unlimited.
	caps transport.Capabilities

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewWatermillBus wraps pub and sub.
func NewWatermillBus(pub message.Publisher, sub message.Subscriber, logger watermill.LoggerAdapter) *WatermillBus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &WatermillBus{
		publisher:  pub,
		subscriber: sub,
		logger:     logger,
		subs:       make(map[*subscription]struct{}),
	}
}

// Publish forwards to the Watermill publisher, which returns once the broker
// accepted the messages.
func (b *WatermillBus) Publish(ctx context.Context, topic string, msgs ...*message.Message) error {
	if b.publisher == nil {
		return perrors.ErrPublisherRequired
	}
	if topic == "" {
		return perrors.ErrTopicRequired
	}
	if b.isClosed() {
		return perrors.ErrClosed
	}
	for _, msg := range msgs {
		if !b.caps.Fits(len(msg.Payload)) {
			return fmt.Errorf("%w: %d bytes, limit %d", perrors.ErrMessageTooLarge, len(msg.Payload), b.caps.MaxMessageSize)
		}
		msg.SetContext(ctx)
	}
	return b.publisher.Publish(topic, msgs...)
}

// Subscribe starts a push subscription and gates it behind credits. A
// Watermill subscriber fixes its start offset when it is built, so opts.Replay
// must already be baked into the Config handed to Open (see
// transport.WithReplay).
func (b *WatermillBus) Subscribe(ctx context.Context, topic string, opts transport.SubscribeOptions) (transport.Subscription, error) {
	if b.subscriber == nil {
		return nil, perrors.ErrSubscriberRequired
	}
	if topic == "" {
		return nil, perrors.ErrTopicRequired
	}
	if b.isClosed() {
		return nil, perrors.ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &subscription{
		bus:      b,
		messages: messages,
		credits:  transport.NewCredits(opts.MaxOutstanding),
		batches:  make(chan []*message.Message),
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   b.logger.With(watermill.LogFields{"topic": topic}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run(subCtx)
	return s, nil
}

// Close ends all subscriptions and closes the underlying pair.
func (b *WatermillBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}

	var errs []error
	if b.subscriber != nil {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (b *WatermillBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *WatermillBus) forget(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type subscription struct {
	bus      *WatermillBus
	messages <-chan *message.Message
	credits  *transport.Credits
	batches  chan []*message.Message
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	logger   watermill.LoggerAdapter
}

func (s *subscription) Request(n int) error {
	select {
	case <-s.done:
		return perrors.ErrClosed
	default:
	}
	return s.credits.Grant(n)
}

func (s *subscription) Batches() <-chan []*message.Message {
	return s.batches
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.bus.forget(s)
	})
	return nil
}

// run waits for credits, blocks for the first message, then drains whatever
// is already buffered up to the credit count. Messages are acked as soon as
// they join a batch.
func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.batches)

	for {
		want, err := s.credits.Wait(ctx)
		if err != nil {
			return
		}

		var first *message.Message
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.messages:
			if !ok {
				s.logger.Debug("Subscriber channel closed", nil)
				return
			}
			first = msg
		}

		first.Ack()
		batch := []*message.Message{first}
	drain:
		for len(batch) < want {
			select {
			case msg, ok := <-s.messages:
				if !ok {
					break drain
				}
				msg.Ack()
				batch = append(batch, msg)
			default:
				break drain
			}
		}
		s.credits.Consume(len(batch))

		select {
		case s.batches <- batch:
		case <-ctx.Done():
			return
		}
	}
}
