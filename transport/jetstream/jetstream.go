// Package jetstream provides a NATS JetStream transport that implements
// transport.Bus directly on pull consumers, so granted credits turn into
// broker-side Fetch calls instead of an emulated push stream.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStream is used when no stream name is configured.
	DefaultStream = "PAYBRIDGE"

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchWait bounds a single Fetch long poll.
	DefaultFetchWait = time.Second

	// DefaultMaxAge is how long the stream retains events.
	DefaultMaxAge = 7 * 24 * time.Hour

	maxFetch     = 256
	errorBackoff = 250 * time.Millisecond
)

// JetStream is the subset of nats.JetStreamContext the bus uses.
type JetStream interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Puller is a pull consumer subscription.
type Puller interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// Conn bundles a JetStream context with its pull-subscribe call and the
// connection teardown.
type Conn struct {
	JetStream
	PullSubscribe func(subject, durable string, opts ...nats.SubOpt) (Puller, error)
	Close         func()
}

// Dial allows overriding the NATS connection for testing.
var Dial = func(url string) (*Conn, error) {
	nc, err := nats.Connect(url, nats.Name("paybridge"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Conn{
		JetStream: js,
		PullSubscribe: func(subject, durable string, opts ...nats.SubOpt) (Puller, error) {
			return js.PullSubscribe(subject, durable, opts...)
		},
		Close: nc.Close,
	}, nil
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to NATS, ensures the stream exists and returns a native Bus.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	conn, err := Dial(cfg.GetNATSURL())
	if err != nil {
		return transport.Transport{}, err
	}
	bus, err := New(conn, Config{
		StreamName: cfg.GetJetStreamStream(),
		Group:      cfg.GetSubscriberGroup(),
	}, logger)
	if err != nil {
		conn.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Bus: bus}, nil
}

// Config holds JetStream-specific settings.
type Config struct {
	// StreamName is the stream holding every topic. Defaults to PAYBRIDGE.
	StreamName string
	// Group names the durable consumer non-ephemeral subscriptions share.
	Group     string
	AckWait   time.Duration
	FetchWait time.Duration
	MaxAge    time.Duration
	Replicas  int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStream
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Bus is a transport.Bus on JetStream pull consumers.
type Bus struct {
	conn   *Conn
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New ensures the stream exists and returns a Bus using conn.
func New(conn *Conn, cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	b := &Bus{
		conn:   conn,
		config: cfg.withDefaults(),
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
	if err := b.ensureStream(); err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	_, err := b.conn.StreamInfo(b.config.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = b.conn.AddStream(&nats.StreamConfig{
		Name:      b.config.StreamName,
		Subjects:  []string{b.config.StreamName + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    b.config.MaxAge,
		Replicas:  b.config.Replicas,
	})
	if err == nil {
		b.logger.Info("Created JetStream stream", watermill.LogFields{"stream": b.config.StreamName})
	}
	return err
}

// Subject maps a topic like "/event/KodyPayment__e" onto a subject inside
// the stream, "PAYBRIDGE.event.KodyPayment__e".
func (b *Bus) Subject(topic string) string {
	return b.config.StreamName + "." + subjectToken(topic)
}

func subjectToken(topic string) string {
	topic = strings.Trim(topic, "/")
	return strings.Map(func(r rune) rune {
		switch r {
		case '/':
			return '.'
		case '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, topic)
}

func durableName(group string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, group)
}

// Publish waits for a PubAck per message. The Watermill UUID doubles as the
// JetStream dedup id.
func (b *Bus) Publish(ctx context.Context, topic string, msgs ...*message.Message) error {
	if b.isClosed() {
		return perrors.ErrClosed
	}
	subject := b.Subject(topic)
	for _, msg := range msgs {
		header := nats.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(nats.MsgIdHdr, msg.UUID)

		if _, err := b.conn.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: header}, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe creates a pull consumer on topic. Ephemeral subscriptions get a
// server-named consumer removed on Close; others bind the group durable.
func (b *Bus) Subscribe(ctx context.Context, topic string, opts transport.SubscribeOptions) (transport.Subscription, error) {
	if b.isClosed() {
		return nil, perrors.ErrClosed
	}
	subject := b.Subject(topic)

	deliver, err := deliverOptions(opts)
	if err != nil {
		return nil, err
	}

	var puller Puller
	if opts.Ephemeral || b.config.Group == "" {
		subOpts := append([]nats.SubOpt{nats.AckExplicit(), nats.AckWait(b.config.AckWait)}, deliver.subOpt)
		puller, err = b.conn.PullSubscribe(subject, "", subOpts...)
	} else {
		durable := durableName(b.config.Group)
		consumerCfg := &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: subject,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       b.config.AckWait,
			DeliverPolicy: deliver.policy,
			OptStartSeq:   deliver.startSeq,
		}
		if _, err := b.conn.AddConsumer(b.config.StreamName, consumerCfg); err != nil {
			// Another instance may own it with different settings; binding decides.
			b.logger.Info("JetStream consumer not created", watermill.LogFields{"durable": durable, "reason": err.Error()})
		}
		puller, err = b.conn.PullSubscribe(subject, durable, nats.Bind(b.config.StreamName, durable))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		bus:     b,
		puller:  puller,
		topic:   topic,
		credits: transport.NewCredits(opts.MaxOutstanding),
		batches: make(chan []*message.Message),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run(subCtx)
	return s, nil
}

type deliverSpec struct {
	policy   nats.DeliverPolicy
	startSeq uint64
	subOpt   nats.SubOpt
}

func deliverOptions(opts transport.SubscribeOptions) (deliverSpec, error) {
	switch opts.Replay {
	case transport.ReplayEarliest:
		return deliverSpec{policy: nats.DeliverAllPolicy, subOpt: nats.DeliverAll()}, nil
	case transport.ReplayCustom:
		seq, err := strconv.ParseUint(opts.ReplayID, 10, 64)
		if err != nil || seq == 0 {
			return deliverSpec{}, fmt.Errorf("replay id %q is not a JetStream sequence", opts.ReplayID)
		}
		return deliverSpec{policy: nats.DeliverByStartSequencePolicy, startSeq: seq, subOpt: nats.StartSequence(seq)}, nil
	default:
		return deliverSpec{policy: nats.DeliverNewPolicy, subOpt: nats.DeliverNew()}, nil
	}
}

// Close stops every subscription and closes the connection.
func (b *Bus) Close() error {
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
	if b.conn.Close != nil {
		b.conn.Close()
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) forget(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type subscription struct {
	bus     *Bus
	puller  Puller
	topic   string
	credits *transport.Credits
	batches chan []*message.Message
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
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
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.puller.Unsubscribe()
		s.bus.forget(s)
	})
	return err
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.batches)

	logger := s.bus.logger.With(watermill.LogFields{"topic": s.topic})
	for {
		want, err := s.credits.Wait(ctx)
		if err != nil {
			return
		}
		if want > maxFetch {
			want = maxFetch
		}

		msgs, err := s.puller.Fetch(want, nats.MaxWait(s.bus.config.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				logger.Error("JetStream subscription ended", err, nil)
				return
			}
			logger.Error("Failed to fetch messages", err, nil)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		batch := make([]*message.Message, 0, len(msgs))
		for _, m := range msgs {
			batch = append(batch, toMessage(m))
			if err := m.Ack(); err != nil {
				logger.Error("Failed to ack", err, nil)
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

func toMessage(m *nats.Msg) *message.Message {
	id := m.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, m.Data)
	for k, v := range m.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}
