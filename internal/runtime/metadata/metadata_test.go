package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestWatermillOmitsEmptyValues(t *testing.T) {
	md := Headers{CorrelationID: "c-1", Method: "request.ecom.v1.Refund"}.Watermill()

	assert.Equal(t, message.Metadata{
		KeyCorrelationID: "c-1",
		KeyMethod:        "request.ecom.v1.Refund",
	}, md)
	assert.Empty(t, Headers{}.Watermill())
}

func TestReadRoundTrip(t *testing.T) {
	h := Headers{SchemaID: "42", CorrelationID: "c-1", Method: "response.error", Kind: "response"}
	md := h.Watermill()
	md.Set("unrelated", "x")

	assert.Equal(t, h, Read(md))
	assert.Equal(t, Headers{}, Read(nil))
}

func TestLogFields(t *testing.T) {
	fields := Headers{CorrelationID: "c-2", Kind: "request"}.LogFields()

	assert.Len(t, fields, 2)
	assert.Equal(t, "c-2", fields[KeyCorrelationID])
	assert.Equal(t, "request", fields[KeyKind])
}
