package paybridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"world"}`), &payload))
}

func TestEnvelopeHelpers(t *testing.T) {
	assert.Equal(t, "response.ecom.v1.Refund", ResponseMethodFor("request.ecom.v1.Refund"))
	assert.Equal(t, "response.error", ErrorMethod)

	msg, ok := ErrorMessage(`{"error":{"message":"Error: boom"}}`)
	require.True(t, ok)
	assert.Equal(t, "Error: boom", msg)
}

func TestErrorExports(t *testing.T) {
	err := &TimeoutError{CorrelationID: "c", Waited: time.Second}
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, ErrorCategoryTransport, ClassifyError(err))
	assert.Equal(t, ErrorCategoryValidation, ClassifyError(ErrCredentialRequired))
	assert.Equal(t, ErrorCategoryNone, ClassifyError(nil))
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, ValidateConfig(cfg))
	assert.True(t, cfg.RequireCredential)
	assert.Equal(t, "channel", cfg.PubSubSystem)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "draining", StateDraining.String())
}

func TestMaskSecretExport(t *testing.T) {
	masked := MaskSecret("sk_live_abcdef123456")
	assert.NotContains(t, masked, "abcdef123456")
}

func TestTransportRegistryExports(t *testing.T) {
	assert.True(t, DefaultTransportRegistry.Has("channel"))
}
