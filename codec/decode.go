package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/bastion/types"
)

// Unmarshal decodes wire bytes into an envelope. The decoder preserves
// field order exactly, so re-encoding a decoded envelope reproduces the
// canonical bytes the sender signed.
func Unmarshal(data []byte) (*types.Envelope, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n != wireFieldCount {
		return nil, fmt.Errorf("%w: envelope has %d fields, want %d", ErrMalformed, n, wireFieldCount)
	}

	env := &types.Envelope{}
	if env.Version, err = dec.DecodeString(); err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrMalformed, err)
	}
	if env.DeviceID, err = dec.DecodeString(); err != nil {
		return nil, fmt.Errorf("%w: device_id: %v", ErrMalformed, err)
	}
	if env.TimestampNS, err = dec.DecodeInt64(); err != nil {
		return nil, fmt.Errorf("%w: timestamp_ns: %v", ErrMalformed, err)
	}
	if env.IdempotencyKey, err = dec.DecodeString(); err != nil {
		return nil, fmt.Errorf("%w: idempotency_key: %v", ErrMalformed, err)
	}
	if err = decodeBody(dec, &env.Body); err != nil {
		return nil, err
	}
	if env.Signature, err = dec.DecodeBytes(); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	return env, nil
}

func decodeBody(dec *msgpack.Decoder, body *types.Body) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	if n != 2 {
		return fmt.Errorf("%w: body has %d fields, want 2", ErrMalformed, n)
	}
	kind, err := dec.DecodeUint8()
	if err != nil {
		return fmt.Errorf("%w: body kind: %v", ErrMalformed, err)
	}
	body.Kind = types.BodyKind(kind)

	switch body.Kind {
	case types.BodyKindDeviceTelemetry:
		vn, err := dec.DecodeArrayLen()
		if err != nil || vn != 3 {
			return fmt.Errorf("%w: device telemetry body", ErrMalformed)
		}
		dt := &types.DeviceTelemetry{}
		if dt.Hostname, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: hostname: %v", ErrMalformed, err)
		}
		if dt.Platform, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: platform: %v", ErrMalformed, err)
		}
		if dt.Events, err = decodeEvents(dec); err != nil {
			return err
		}
		body.Device = dt
	case types.BodyKindProcessTelemetry:
		events, err := decodeEvents(dec)
		if err != nil {
			return err
		}
		body.Process = &types.ProcessTelemetry{Events: events}
	case types.BodyKindSecurityEvent:
		events, err := decodeEvents(dec)
		if err != nil {
			return err
		}
		body.Security = &types.SecurityEvent{Events: events}
	case types.BodyKindAuditEvent:
		events, err := decodeEvents(dec)
		if err != nil {
			return err
		}
		body.Audit = &types.AuditEvent{Events: events}
	default:
		return fmt.Errorf("%w: unknown body kind %d", ErrMalformed, kind)
	}
	return nil
}

func decodeEvents(dec *msgpack.Decoder) ([]types.TelemetryEvent, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("%w: events: %v", ErrMalformed, err)
	}
	events := make([]types.TelemetryEvent, n)
	for i := range events {
		if err := decodeEvent(dec, &events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func decodeEvent(dec *msgpack.Decoder, ev *types.TelemetryEvent) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("%w: event: %v", ErrMalformed, err)
	}
	if n != eventFieldCount {
		return fmt.Errorf("%w: event has %d fields, want %d", ErrMalformed, n, eventFieldCount)
	}
	if ev.EventID, err = dec.DecodeString(); err != nil {
		return fmt.Errorf("%w: event_id: %v", ErrMalformed, err)
	}
	typ, err := dec.DecodeString()
	if err != nil {
		return fmt.Errorf("%w: event type: %v", ErrMalformed, err)
	}
	ev.Type = types.EventType(typ)
	sev, err := dec.DecodeString()
	if err != nil {
		return fmt.Errorf("%w: severity: %v", ErrMalformed, err)
	}
	ev.Severity = types.Severity(sev)
	if ev.TimestampNS, err = dec.DecodeInt64(); err != nil {
		return fmt.Errorf("%w: event timestamp: %v", ErrMalformed, err)
	}

	tn, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("%w: tags: %v", ErrMalformed, err)
	}
	if tn > 0 {
		ev.Tags = make([]string, tn)
		for i := range ev.Tags {
			if ev.Tags[i], err = dec.DecodeString(); err != nil {
				return fmt.Errorf("%w: tag: %v", ErrMalformed, err)
			}
		}
	}
	return decodePayload(dec, &ev.Payload)
}

func decodePayload(dec *msgpack.Decoder, p *types.EventPayload) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	kind, err := dec.DecodeUint8()
	if err != nil {
		return fmt.Errorf("%w: payload kind: %v", ErrMalformed, err)
	}
	p.Kind = types.PayloadKind(kind)

	switch p.Kind {
	case types.PayloadKindNone:
		if n != 1 {
			return fmt.Errorf("%w: empty payload has %d fields", ErrMalformed, n)
		}
	case types.PayloadKindMetric:
		if n != 5 {
			return fmt.Errorf("%w: metric payload has %d fields", ErrMalformed, n)
		}
		m := &types.MetricPayload{}
		if m.Name, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: metric name: %v", ErrMalformed, err)
		}
		mt, err := dec.DecodeString()
		if err != nil {
			return fmt.Errorf("%w: metric type: %v", ErrMalformed, err)
		}
		m.Type = types.MetricType(mt)
		if m.Value, err = dec.DecodeFloat64(); err != nil {
			return fmt.Errorf("%w: metric value: %v", ErrMalformed, err)
		}
		if m.Unit, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: metric unit: %v", ErrMalformed, err)
		}
		p.Metric = m
	case types.PayloadKindProcess:
		if n != 4 {
			return fmt.Errorf("%w: process payload has %d fields", ErrMalformed, n)
		}
		pp := &types.ProcessPayload{}
		if pp.PID, err = dec.DecodeInt64(); err != nil {
			return fmt.Errorf("%w: pid: %v", ErrMalformed, err)
		}
		if pp.Name, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: process name: %v", ErrMalformed, err)
		}
		if pp.Cmdline, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: cmdline: %v", ErrMalformed, err)
		}
		p.Process = pp
	case types.PayloadKindAudit:
		if n != 4 {
			return fmt.Errorf("%w: audit payload has %d fields", ErrMalformed, n)
		}
		a := &types.AuditPayload{}
		if a.ObjectType, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: object type: %v", ErrMalformed, err)
		}
		if a.Path, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: audit path: %v", ErrMalformed, err)
		}
		if a.Action, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: audit action: %v", ErrMalformed, err)
		}
		p.Audit = a
	case types.PayloadKindSecurity:
		if n != 6 {
			return fmt.Errorf("%w: security payload has %d fields", ErrMalformed, n)
		}
		s := &types.SecurityPayload{}
		if s.Action, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: security action: %v", ErrMalformed, err)
		}
		if s.User, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: user: %v", ErrMalformed, err)
		}
		if s.SourceAddr, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: source addr: %v", ErrMalformed, err)
		}
		if s.Mechanism, err = dec.DecodeString(); err != nil {
			return fmt.Errorf("%w: mechanism: %v", ErrMalformed, err)
		}
		if s.Success, err = dec.DecodeBool(); err != nil {
			return fmt.Errorf("%w: success: %v", ErrMalformed, err)
		}
		p.Security = s
	default:
		return fmt.Errorf("%w: unknown payload kind %d", ErrMalformed, kind)
	}
	return nil
}

// UnmarshalAck decodes wire bytes into an ack.
func UnmarshalAck(data []byte) (*types.Ack, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("%w: ack: %v", ErrMalformed, err)
	}
	if n != ackFieldCount {
		return nil, fmt.Errorf("%w: ack has %d fields, want %d", ErrMalformed, n, ackFieldCount)
	}
	ack := &types.Ack{}
	status, err := dec.DecodeString()
	if err != nil {
		return nil, fmt.Errorf("%w: ack status: %v", ErrMalformed, err)
	}
	ack.Status = types.AckStatus(status)
	if ack.Reason, err = dec.DecodeString(); err != nil {
		return nil, fmt.Errorf("%w: ack reason: %v", ErrMalformed, err)
	}
	if ack.BackoffHintMS, err = dec.DecodeInt64(); err != nil {
		return nil, fmt.Errorf("%w: backoff hint: %v", ErrMalformed, err)
	}
	return ack, nil
}
