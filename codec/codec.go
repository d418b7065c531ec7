// Package codec implements the deterministic envelope encoding.
//
// The canonical byte form is the input to signing and verification:
// fixed field order (positional arrays, no maps), fixed integer widths,
// sorted tag sets, and no default-value omission. Two envelopes that are
// semantically identical ignoring the signature produce identical
// canonical bytes.
//
// The wire form is the canonical form plus the trailing signature field.
// The schema version participates in canonical bytes, so a new encoding
// bumps types.SchemaVersion.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/bastion/types"
)

// ErrMalformed indicates bytes that do not decode as an envelope.
// Use errors.Is(err, ErrMalformed) for typed assertions.
var ErrMalformed = errors.New("malformed envelope encoding")

// Field counts for the positional arrays. Decoders reject any other
// arity so that a field added without a version bump is caught.
const (
	wireFieldCount      = 6 // canonical fields + signature
	canonicalFieldCount = 5
	eventFieldCount     = 6
	ackFieldCount       = 3
)

// Marshal encodes an envelope in wire form (signature included).
func Marshal(env *types.Envelope) ([]byte, error) {
	return encodeEnvelope(env, true)
}

// Canonical encodes an envelope in canonical form: the wire fields in
// order with the signature cleared. This is the exact byte sequence
// over which signatures are computed.
func Canonical(env *types.Envelope) ([]byte, error) {
	return encodeEnvelope(env, false)
}

func encodeEnvelope(env *types.Envelope, withSignature bool) ([]byte, error) {
	if !env.Body.Valid() {
		return nil, fmt.Errorf("%w: body variant does not match kind", ErrMalformed)
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(false)
	enc.UseCompactFloats(false)

	n := canonicalFieldCount
	if withSignature {
		n = wireFieldCount
	}
	if err := enc.EncodeArrayLen(n); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(env.Version); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(env.DeviceID); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt64(env.TimestampNS); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(env.IdempotencyKey); err != nil {
		return nil, err
	}
	if err := encodeBody(enc, &env.Body); err != nil {
		return nil, err
	}
	if withSignature {
		if err := enc.EncodeBytes(env.Signature); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeBody(enc *msgpack.Encoder, body *types.Body) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(body.Kind)); err != nil {
		return err
	}
	switch body.Kind {
	case types.BodyKindDeviceTelemetry:
		if err := enc.EncodeArrayLen(3); err != nil {
			return err
		}
		if err := enc.EncodeString(body.Device.Hostname); err != nil {
			return err
		}
		if err := enc.EncodeString(body.Device.Platform); err != nil {
			return err
		}
		return encodeEvents(enc, body.Device.Events)
	case types.BodyKindProcessTelemetry:
		return encodeEvents(enc, body.Process.Events)
	case types.BodyKindSecurityEvent:
		return encodeEvents(enc, body.Security.Events)
	case types.BodyKindAuditEvent:
		return encodeEvents(enc, body.Audit.Events)
	default:
		return fmt.Errorf("%w: unknown body kind %d", ErrMalformed, body.Kind)
	}
}

func encodeEvents(enc *msgpack.Encoder, events []types.TelemetryEvent) error {
	if err := enc.EncodeArrayLen(len(events)); err != nil {
		return err
	}
	for i := range events {
		if err := encodeEvent(enc, &events[i]); err != nil {
			return err
		}
	}
	return nil
}

func encodeEvent(enc *msgpack.Encoder, ev *types.TelemetryEvent) error {
	if err := enc.EncodeArrayLen(eventFieldCount); err != nil {
		return err
	}
	if err := enc.EncodeString(ev.EventID); err != nil {
		return err
	}
	if err := enc.EncodeString(string(ev.Type)); err != nil {
		return err
	}
	if err := enc.EncodeString(string(ev.Severity)); err != nil {
		return err
	}
	if err := enc.EncodeInt64(ev.TimestampNS); err != nil {
		return err
	}
	// Tags are a set; sort a copy so encoding is order-independent.
	tags := append([]string(nil), ev.Tags...)
	sort.Strings(tags)
	if err := enc.EncodeArrayLen(len(tags)); err != nil {
		return err
	}
	for _, t := range tags {
		if err := enc.EncodeString(t); err != nil {
			return err
		}
	}
	return encodePayload(enc, &ev.Payload)
}

func encodePayload(enc *msgpack.Encoder, p *types.EventPayload) error {
	switch p.Kind {
	case types.PayloadKindNone:
		if err := enc.EncodeArrayLen(1); err != nil {
			return err
		}
		return enc.EncodeUint8(uint8(p.Kind))
	case types.PayloadKindMetric:
		if p.Metric == nil {
			return fmt.Errorf("%w: metric payload missing", ErrMalformed)
		}
		if err := enc.EncodeArrayLen(5); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(p.Kind)); err != nil {
			return err
		}
		if err := enc.EncodeString(p.Metric.Name); err != nil {
			return err
		}
		if err := enc.EncodeString(string(p.Metric.Type)); err != nil {
			return err
		}
		if err := enc.EncodeFloat64(p.Metric.Value); err != nil {
			return err
		}
		return enc.EncodeString(p.Metric.Unit)
	case types.PayloadKindProcess:
		if p.Process == nil {
			return fmt.Errorf("%w: process payload missing", ErrMalformed)
		}
		if err := enc.EncodeArrayLen(4); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(p.Kind)); err != nil {
			return err
		}
		if err := enc.EncodeInt64(p.Process.PID); err != nil {
			return err
		}
		if err := enc.EncodeString(p.Process.Name); err != nil {
			return err
		}
		return enc.EncodeString(p.Process.Cmdline)
	case types.PayloadKindAudit:
		if p.Audit == nil {
			return fmt.Errorf("%w: audit payload missing", ErrMalformed)
		}
		if err := enc.EncodeArrayLen(4); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(p.Kind)); err != nil {
			return err
		}
		if err := enc.EncodeString(p.Audit.ObjectType); err != nil {
			return err
		}
		if err := enc.EncodeString(p.Audit.Path); err != nil {
			return err
		}
		return enc.EncodeString(p.Audit.Action)
	case types.PayloadKindSecurity:
		if p.Security == nil {
			return fmt.Errorf("%w: security payload missing", ErrMalformed)
		}
		if err := enc.EncodeArrayLen(6); err != nil {
			return err
		}
		if err := enc.EncodeUint8(uint8(p.Kind)); err != nil {
			return err
		}
		if err := enc.EncodeString(p.Security.Action); err != nil {
			return err
		}
		if err := enc.EncodeString(p.Security.User); err != nil {
			return err
		}
		if err := enc.EncodeString(p.Security.SourceAddr); err != nil {
			return err
		}
		if err := enc.EncodeString(p.Security.Mechanism); err != nil {
			return err
		}
		return enc.EncodeBool(p.Security.Success)
	default:
		return fmt.Errorf("%w: unknown payload kind %d", ErrMalformed, p.Kind)
	}
}

// MarshalAck encodes an ack in wire form.
func MarshalAck(ack *types.Ack) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(false)
	if err := enc.EncodeArrayLen(ackFieldCount); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(string(ack.Status)); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(ack.Reason); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt64(ack.BackoffHintMS); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
