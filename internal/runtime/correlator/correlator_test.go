package correlator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/paybridge/internal/runtime/bus"
	"github.com/drblury/paybridge/internal/runtime/codec"
	"github.com/drblury/paybridge/internal/runtime/envelope"
	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/internal/runtime/jsoncodec"
	"github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/metrics"
	"github.com/drblury/paybridge/transport"
)

const testTopic = "/event/KodyPayment__e"

func newBus(t *testing.T) *bus.WatermillBus {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	b := bus.NewWatermillBus(pubSub, pubSub, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(codec.DefaultSchema())
	require.NoError(t, err)
	return c
}

// replyFunc answers one request by calling send for every response it wants
// on the topic. It runs on its own goroutine.
type replyFunc func(req envelope.Envelope, send func(envelope.Envelope))

// startResponder plays the far side of the topic.
func startResponder(t *testing.T, b transport.Bus, c *codec.Codec, reply replyFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, testTopic, transport.SubscribeOptions{})
	require.NoError(t, err)

	send := func(env envelope.Envelope) {
		msg, err := c.NewMessage(env)
		if err != nil {
			return
		}
		_ = b.Publish(context.Background(), testTopic, msg)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Pump(ctx, sub, bus.PumpConfig{BatchSize: 10}, func(_ context.Context, batch []*message.Message) {
			for _, m := range batch {
				env, err := c.FromMessage(m)
				if err != nil || !env.IsRequest() {
					continue
				}
				go reply(env, send)
			}
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = sub.Close()
	})
}

func echo(req envelope.Envelope, send func(envelope.Envelope)) {
	send(envelope.NewResponse(req, envelope.ResponseMethodFor(req.Method), req.Payload, envelope.Meta{}))
}

func statusUpdates(gap time.Duration, statuses ...string) replyFunc {
	return func(req envelope.Envelope, send func(envelope.Envelope)) {
		for _, s := range statuses {
			payload := fmt.Sprintf(`{"status":%q,"paymentId":"P1"}`, s)
			send(envelope.NewResponse(req, envelope.ResponseMethodFor(req.Method), payload, envelope.Meta{}))
			time.Sleep(gap)
		}
	}
}

func isRefund(method string) bool { return strings.HasSuffix(method, ".Refund") }

func newStartedCorrelator(t *testing.T, b transport.Bus, c *codec.Codec, opts Options) *Correlator {
	t.Helper()
	opts.Topic = testTopic
	corr, err := New(b, c, logging.NewNopServiceLogger(), opts)
	require.NoError(t, err)
	require.NoError(t, corr.Start(context.Background()))
	t.Cleanup(func() { _ = corr.Close() })
	return corr
}

func payloadMap(t *testing.T, payload string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, jsoncodec.UnmarshalString(payload, &out))
	return out
}

func TestNewValidation(t *testing.T) {
	b := newBus(t)
	c := testCodec(t)
	log := logging.NewNopServiceLogger()

	_, err := New(nil, c, log, Options{})
	assert.ErrorIs(t, err, perrors.ErrBusRequired)
	_, err = New(b, nil, log, Options{})
	assert.ErrorIs(t, err, perrors.ErrSchemaRequired)
	_, err = New(b, c, nil, Options{})
	assert.ErrorIs(t, err, perrors.ErrLoggerRequired)
}

func TestSendBeforeStart(t *testing.T) {
	corr, err := New(newBus(t), testCodec(t), logging.NewNopServiceLogger(), Options{Topic: testTopic})
	require.NoError(t, err)

	_, err = corr.SendAndWait(context.Background(), Request{Method: "request.ecom.v1.GetPayments", Payload: "{}"}, time.Second)
	assert.ErrorIs(t, err, perrors.ErrNotStarted)
}

func TestStartTwice(t *testing.T) {
	corr := newStartedCorrelator(t, newBus(t), testCodec(t), Options{})
	assert.Error(t, corr.Start(context.Background()))
}

func TestSendAndWaitUnary(t *testing.T) {
	b := newBus(t)
	c := testCodec(t)

	var (
		mu   sync.Mutex
		seen []envelope.Envelope
	)
	startResponder(t, b, c, func(req envelope.Envelope, send func(envelope.Envelope)) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		echo(req, send)
	})
	corr := newStartedCorrelator(t, b, c, Options{UserID: "005xx0000012345"})

	resp, err := corr.SendAndWait(context.Background(), Request{
		Method:     "request.ecom.v1.GetPayments",
		Payload:    `{"storeId":"S1"}`,
		Credential: "K",
	}, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "response.ecom.v1.GetPayments", resp.Method)
	assert.Equal(t, `{"storeId":"S1"}`, resp.Payload)
	assert.Empty(t, resp.Credential)
	assert.Empty(t, corr.Pending())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "K", seen[0].Credential)
	assert.Equal(t, "005xx0000012345", seen[0].Meta.CreatedBy)
	assert.Equal(t, resp.CorrelationID, seen[0].CorrelationID)
}

func TestErrorResponseIsNotAnError(t *testing.T) {
	b := newBus(t)
	c := testCodec(t)
	startResponder(t, b, c, func(req envelope.Envelope, send func(envelope.Envelope)) {
		send(envelope.NewErrorResponse(req, "Error: API key is required in event payload", envelope.Meta{}))
	})
	corr := newStartedCorrelator(t, b, c, Options{})

	resp, err := corr.SendAndWait(context.Background(), Request{Method: "request.ecom.v1.Refund", Payload: "{}"}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	msg, ok := envelope.ErrorMessage(resp.Payload)
	require.True(t, ok)
	assert.Equal(t, "Error: API key is required in event payload", msg)
}

func TestTimeoutLeavesNothingPending(t *testing.T) {
	b := newBus(t)
	reg := prometheus.NewRegistry()
	corr := newStartedCorrelator(t, b, testCodec(t), Options{Metrics: metrics.NewWith(reg)})

	start := time.Now()
	_, err := corr.SendAndWaitWithID(context.Background(), "lonely", Request{Method: "request.ecom.v1.PaymentDetails", Payload: "{}"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrTimeout)
	assert.NotErrorIs(t, err, perrors.ErrNoInitialResponse)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var timeout *perrors.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "lonely", timeout.CorrelationID)
	assert.Equal(t, 50*time.Millisecond, timeout.Waited)
	assert.Empty(t, corr.Pending())
}

func TestConcurrentCallsDoNotCrossDeliver(t *testing.T) {
	b := newBus(t)
	c := testCodec(t)
	// answer in reverse arrival order
	startResponder(t, b, c, func(req envelope.Envelope, send func(envelope.Envelope)) {
		var body struct {
			N int `json:"n"`
		}
		_ = jsoncodec.UnmarshalString(req.Payload, &body)
		time.Sleep(time.Duration(60-body.N*20) * time.Millisecond)
		echo(req, send)
	})
	corr := newStartedCorrelator(t, b, c, Options{})

	var wg sync.WaitGroup
	results := make([]envelope.Envelope, 3)
	errs := make([]error, 3)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = corr.SendAndWait(context.Background(), Request{
				Method:  "request.ecom.v1.PaymentDetails",
				Payload: fmt.Sprintf(`{"n":%d}`, i),
			}, 3*time.Second)
		}()
	}
	wg.Wait()

	ids := map[string]struct{}{}
	for i := range 3 {
		require.NoError(t, errs[i])
		assert.Equal(t, float64(i), payloadMap(t, results[i].Payload)["n"])
		ids[results[i].CorrelationID] = struct{}{}
	}
	assert.Len(t, ids, 3)
	assert.Empty(t, corr.Pending())
}

func TestForeignResponsesAreIgnored(t *testing.T) {
	b := newBus(t)
	c := testCodec(t)
	startResponder(t, b, c, func(req envelope.Envelope, send func(envelope.Envelope)) {
		other := req
		other.CorrelationID = "someone-else"
		send(envelope.NewResponse(other, envelope.ResponseMethodFor(req.Method), `{"wrong":true}`, envelope.Meta{}))
		// a request carrying our id must not resolve the wait either
		send(envelope.Envelope{CorrelationID: req.CorrelationID, Method: req.Method, Payload: `{"wrong":true}`})
		send(envelope.Envelope{CorrelationID: req.CorrelationID, Method: "audit.trail", Payload: `{"wrong":true}`})
		time.Sleep(20 * time.Millisecond)
		send(envelope.NewResponse(req, envelope.ResponseMethodFor(req.Method), `{"right":true}`, envelope.Meta{}))
	})
	corr := newStartedCorrelator(t, b, c, Options{})

	resp, err := corr.SendAndWait(context.Background(), Request{Method: "request.ecom.v1.PaymentDetails", Payload: "{}"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, payloadMap(t, resp.Payload)["right"])
}

func TestDuplicateUnaryResponsesUseFirst(t *testing.T) {
	b := newBus(t)
	c := testCodec(t)
	startResponder(t, b, c, func(req envelope.Envelope, send func(envelope.Envelope)) {
		send(envelope.NewResponse(req, envelope.ResponseMethodFor(req.Method), `{"n":1}`, envelope.Meta{}))
		send(envelope.NewResponse(req, envelope.ResponseMethodFor(req.Method), `{"n":2}`, envelope.Meta{}))
	})
	corr := newStartedCorrelator(t, b, c, Options{})

	resp, err := corr.SendAndWait(context.Background(), Request{Method: "request.ecom.v1.PaymentDetails", Payload: "{}"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(1), payloadMap(t, resp.Payload)["n"])
}

func TestStreamingReturnsTerminalResponse(t *testing.T) {
	b := newBus(t)
	c := testCodec(t)
	startResponder(t, b, c, statusUpdates(10*time.Millisecond, "PENDING", "PENDING", "REQUESTED"))
	reg := prometheus.NewRegistry()
	corr := newStartedCorrelator(t, b, c, Options{IsStreaming: isRefund, Metrics: metrics.NewWith(reg)})

	resp, err := corr.SendAndWait(context.Background(), Request{Method: "request.ecom.v1.Refund", Payload: `{"paymentId":"P1"}`, Credential: "K"}, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "response.ecom.v1.Refund", resp.Method)
	assert.Equal(t, "REQUESTED", payloadMap(t, resp.Payload)["status"])
	assert.Empty(t, corr.Pending())
}

func TestStreamingTimeoutReturnsLatest(t *testing.T) {
	b := newBus(t)
	c := testCodec(t)
	startResponder(t, b, c, statusUpdates(5*time.Millisecond, "PENDING", "PENDING"))
	corr := newStartedCorrelator(t, b, c, Options{IsStreaming: isRefund})

	resp, err := corr.SendAndWait(context.Background(), Request{Method: "request.ecom.v1.Refund", Payload: "{}"}, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", payloadMap(t, resp.Payload)["status"])
	assert.Empty(t, corr.Pending())
}

func TestStreamingWithoutInitialResponse(t *testing.T) {
	corr := newStartedCorrelator(t, newBus(t), testCodec(t), Options{
		IsStreaming:        isRefund,
		StreamInitialGrace: 30 * time.Millisecond,
	})

	start := time.Now()
	_, err := corr.SendAndWait(context.Background(), Request{Method: "request.ecom.v1.Refund", Payload: "{}"}, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrNoInitialResponse)
	assert.ErrorIs(t, err, perrors.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, corr.Pending())
}

type failingPublishBus struct {
	transport.Bus
	err error
}

func (f failingPublishBus) Publish(context.Context, string, ...*message.Message) error { return f.err }

func TestPublishFailure(t *testing.T) {
	cause := errors.New("broker unavailable")
	corr := newStartedCorrelator(t, failingPublishBus{Bus: newBus(t), err: cause}, testCodec(t), Options{})

	_, err := corr.SendAndWaitWithID(context.Background(), "c-1", Request{Method: "request.ecom.v1.GetPayments", Payload: "{}"}, time.Second)
	var pubErr *perrors.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "c-1", pubErr.CorrelationID)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, perrors.CategoryTransport, perrors.Classify(err))
	assert.Empty(t, corr.Pending())
}

func TestDuplicateCorrelationID(t *testing.T) {
	corr := newStartedCorrelator(t, newBus(t), testCodec(t), Options{})

	done := make(chan error, 1)
	go func() {
		_, err := corr.SendAndWaitWithID(context.Background(), "dup", Request{Method: "request.ecom.v1.GetPayments"}, 300*time.Millisecond)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(corr.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := corr.SendAndWaitWithID(context.Background(), "dup", Request{Method: "request.ecom.v1.GetPayments"}, time.Second)
	assert.ErrorIs(t, err, perrors.ErrDuplicateCorrelationID)
	assert.ErrorIs(t, <-done, perrors.ErrTimeout)
}

func TestSendRejectsNonRequestMethods(t *testing.T) {
	corr := newStartedCorrelator(t, newBus(t), testCodec(t), Options{})

	_, err := corr.SendAndWait(context.Background(), Request{Method: "response.ecom.v1.GetPayments"}, time.Second)
	assert.ErrorIs(t, err, perrors.ErrMethodRequired)
	_, err = corr.SendAndWaitWithID(context.Background(), "", Request{Method: "request.ecom.v1.GetPayments"}, time.Second)
	assert.Error(t, err)
	assert.Empty(t, corr.Pending())
}

func TestContextCancelAndClose(t *testing.T) {
	corr := newStartedCorrelator(t, newBus(t), testCodec(t), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := corr.SendAndWait(ctx, Request{Method: "request.ecom.v1.GetPayments"}, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	done := make(chan error, 1)
	go func() {
		_, err := corr.SendAndWait(context.Background(), Request{Method: "request.ecom.v1.GetPayments"}, 5*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(corr.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, corr.Close())
	assert.ErrorIs(t, <-done, perrors.ErrClosed)

	_, err = corr.SendAndWait(context.Background(), Request{Method: "request.ecom.v1.GetPayments"}, time.Second)
	assert.ErrorIs(t, err, perrors.ErrClosed)
}

func TestDeliverIgnoresGarbage(t *testing.T) {
	corr, err := New(newBus(t), testCodec(t), logging.NewNopServiceLogger(), Options{Topic: testTopic})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		corr.Deliver(message.NewMessage("x", []byte{0xff}))
		corr.Deliver(message.NewMessage("y", nil))
	})
}
