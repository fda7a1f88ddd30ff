package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/paybridge/internal/runtime"
	configpkg "github.com/drblury/paybridge/internal/runtime/config"
	loggingpkg "github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/responder"
	channeltransport "github.com/drblury/paybridge/transport/channel"
)

type emptyCaller struct{}

func (emptyCaller) Unary(context.Context, string, string, proto.Message, proto.Message) error {
	return nil
}

func (emptyCaller) ServerStream(context.Context, string, string, proto.Message, func() proto.Message, func(proto.Message) error) error {
	return nil
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func testConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.PubSubSystem = "channel"
	conf.KeepAliveInterval = 50 * time.Millisecond
	return conf
}

func useConfig(t *testing.T, conf *configpkg.Config) {
	t.Helper()
	prev := loadConfig
	loadConfig = func(environment string) (*configpkg.Config, error) {
		assert.Equal(t, "test", environment)
		return conf, nil
	}
	t.Cleanup(func() { loadConfig = prev })
}

func TestMethodsListsRegistry(t *testing.T) {
	out, err := execute(t, "methods")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], "REQUEST")
	assert.Contains(t, out, "request.ecom.v1.Refund")
	assert.Contains(t, out, "response.ecom.v1.GetPayments")
}

func TestSendValidatesArguments(t *testing.T) {
	_, err := execute(t, "send", "test", "request.ecom.v1.GetPayments")
	require.Error(t, err)

	_, err = execute(t, "send", "test", "request.ecom.v1.GetPayments", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestServeRequiresEnvironment(t *testing.T) {
	_, err := execute(t, "serve")
	require.Error(t, err)
}

func TestSendRoundTrip(t *testing.T) {
	t.Cleanup(func() { _ = channeltransport.Reset() })
	conf := testConfig()
	useConfig(t, conf)

	svc, err := runtimepkg.NewService(context.Background(), conf, loggingpkg.NewNopServiceLogger(),
		runtimepkg.ServiceDependencies{Caller: emptyCaller{}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return svc.State() == responder.StateListening }, 2*time.Second, 5*time.Millisecond)

	out, err := execute(t, "send", "test", "request.ecom.v1.GetPayments", `{"storeId":"S1"}`, "key-123456789", "--timeout", "5s")
	require.NoError(t, err)
	assert.Equal(t, "{}", strings.TrimSpace(out))

	_, err = execute(t, "send", "test", "request.ecom.v1.GetPayments", `{"storeId":"S1"}`, "--timeout", "5s")
	require.Error(t, err)
	assert.Equal(t, "Error: API key is required in event payload", err.Error())
}
