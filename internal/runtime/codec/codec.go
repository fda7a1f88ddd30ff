// Package codec encodes envelopes as Avro binary records and wraps them in
// Watermill messages for the bus.
package codec

import (
	"context"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hamba/avro/v2"

	"github.com/drblury/paybridge/internal/runtime/envelope"
	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/internal/runtime/ids"
	"github.com/drblury/paybridge/internal/runtime/metadata"
)

//go:embed schema/kodypayment.avsc
var defaultSchema string

// MaxPayloadBytes caps the payload field.
const MaxPayloadBytes = 1 << 20

// Field names every envelope schema must declare.
const (
	FieldCreatedDate   = "CreatedDate"
	FieldCreatedByID   = "CreatedById"
	FieldCorrelationID = "correlation_id__c"
	FieldMethod        = "method__c"
	FieldPayload       = "payload__c"
	FieldCredential    = "api_key__c"
)

var requiredFields = []string{
	FieldCreatedDate,
	FieldCreatedByID,
	FieldCorrelationID,
	FieldMethod,
	FieldPayload,
	FieldCredential,
}

// Record mirrors the Avro record. Nullable string fields are pointers.
type Record struct {
	CreatedDate   int64   `avro:"CreatedDate"`
	CreatedByID   string  `avro:"CreatedById"`
	CorrelationID *string `avro:"correlation_id__c"`
	Method        *string `avro:"method__c"`
	Payload       *string `avro:"payload__c"`
	Credential    *string `avro:"api_key__c"`
}

// SchemaSource supplies the schema JSON at startup.
type SchemaSource interface {
	FetchSchema(ctx context.Context) (string, error)
}

// StaticSchema serves a schema held in memory. The zero value serves the
// embedded default schema.
type StaticSchema string

func (s StaticSchema) FetchSchema(context.Context) (string, error) {
	if s == "" {
		return defaultSchema, nil
	}
	return string(s), nil
}

// FileSchema reads the schema from a file path.
type FileSchema string

func (f FileSchema) FetchSchema(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("read schema %s: %w", string(f), err)
	}
	return string(data), nil
}

// DefaultSchema returns the embedded envelope schema JSON.
func DefaultSchema() string { return defaultSchema }

// Codec converts envelopes to and from the bus wire format.
type Codec struct {
	schema   avro.Schema
	schemaID string
}

// Load fetches the schema from src and builds a Codec.
func Load(ctx context.Context, src SchemaSource) (*Codec, error) {
	if src == nil {
		src = StaticSchema("")
	}
	raw, err := src.FetchSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch envelope schema: %w", err)
	}
	return New(raw)
}

// New parses schemaJSON and checks it declares every envelope field.
func New(schemaJSON string) (*Codec, error) {
	if schemaJSON == "" {
		return nil, perrors.ErrSchemaRequired
	}
	schema, err := avro.Parse(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("parse envelope schema: %w", err)
	}
	rec, ok := schema.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("envelope schema must be a record, got %s", schema.Type())
	}
	declared := make(map[string]struct{}, len(rec.Fields()))
	for _, f := range rec.Fields() {
		declared[f.Name()] = struct{}{}
	}
	for _, name := range requiredFields {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("envelope schema %s is missing field %q", rec.FullName(), name)
		}
	}
	fp := schema.Fingerprint()
	return &Codec{schema: schema, schemaID: hex.EncodeToString(fp[:8])}, nil
}

// SchemaID is a short, stable identifier derived from the schema fingerprint.
func (c *Codec) SchemaID() string { return c.schemaID }

// Encode serialises env. Empty optional fields are written as null.
func (c *Codec) Encode(env envelope.Envelope) ([]byte, error) {
	if env.Method == "" {
		return nil, perrors.ErrMethodRequired
	}
	if len(env.Payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d byte limit", len(env.Payload), MaxPayloadBytes)
	}
	createdAt := env.Meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	rec := Record{
		CreatedDate:   createdAt.UnixMilli(),
		CreatedByID:   env.Meta.CreatedBy,
		CorrelationID: optional(env.CorrelationID),
		Method:        optional(env.Method),
		Payload:       optional(env.Payload),
		Credential:    optional(env.Credential),
	}
	data, err := avro.Marshal(c.schema, rec)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses data. Records without a correlation id or method are
// reported as ErrMalformedEnvelope.
func (c *Codec) Decode(data []byte) (envelope.Envelope, error) {
	var rec Record
	if err := avro.Unmarshal(c.schema, data, &rec); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", perrors.ErrMalformedEnvelope, err)
	}
	env := envelope.Envelope{
		CorrelationID: deref(rec.CorrelationID),
		Method:        deref(rec.Method),
		Payload:       deref(rec.Payload),
		Credential:    deref(rec.Credential),
		Meta: envelope.Meta{
			CreatedAt: time.UnixMilli(rec.CreatedDate),
			CreatedBy: rec.CreatedByID,
		},
	}
	if env.CorrelationID == "" || env.Method == "" {
		return envelope.Envelope{}, fmt.Errorf("%w: correlation id and method are required", perrors.ErrMalformedEnvelope)
	}
	return env, nil
}

// NewMessage encodes env into a Watermill message with routing headers. The
// credential only travels inside the encoded record, never in headers.
func (c *Codec) NewMessage(env envelope.Envelope) (*message.Message, error) {
	data, err := c.Encode(env)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(ids.CreateULID(), data)
	msg.Metadata = metadata.Headers{
		SchemaID:      c.schemaID,
		CorrelationID: env.CorrelationID,
		Method:        env.Method,
		Kind:          env.Kind().String(),
	}.Watermill()
	return msg, nil
}

// FromMessage decodes the envelope carried by msg.
func (c *Codec) FromMessage(msg *message.Message) (envelope.Envelope, error) {
	if msg == nil || len(msg.Payload) == 0 {
		return envelope.Envelope{}, perrors.ErrMalformedEnvelope
	}
	return c.Decode(msg.Payload)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
