package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/pithecene-io/bastion/types"
)

func TestWireCodec_Envelope(t *testing.T) {
	env := &types.Envelope{
		Version:        types.SchemaVersion,
		DeviceID:       "a1",
		TimestampNS:    100,
		IdempotencyKey: "a1_100",
		Body: types.Body{
			Kind:    types.BodyKindProcessTelemetry,
			Process: &types.ProcessTelemetry{},
		},
		Signature: make([]byte, types.SignatureSize),
	}

	c := wireCodec{}
	data, err := c.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded types.Envelope
	if err := c.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.IdempotencyKey != env.IdempotencyKey || decoded.DeviceID != env.DeviceID {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestWireCodec_Ack(t *testing.T) {
	ack := &types.Ack{Status: types.AckRetry, Reason: types.ReasonOverload, BackoffHintMS: 1500}

	c := wireCodec{}
	data, err := c.Marshal(ack)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded types.Ack
	if err := c.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded != *ack {
		t.Errorf("decoded = %+v, want %+v", decoded, *ack)
	}
}

func TestWireCodec_RejectsForeignTypes(t *testing.T) {
	c := wireCodec{}
	if _, err := c.Marshal("not a message"); err == nil {
		t.Error("marshal of foreign type succeeded")
	}
	var s string
	if err := c.Unmarshal([]byte{0x90}, &s); err == nil {
		t.Error("unmarshal into foreign type succeeded")
	}
}

func TestPeerCN(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "agent-7"}}
	ctx := peer.NewContext(context.Background(), &peer.Peer{
		AuthInfo: credentials.TLSInfo{
			State: tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}},
		},
	})

	cn, ok := PeerCN(ctx)
	if !ok || cn != "agent-7" {
		t.Errorf("PeerCN = %q, %v", cn, ok)
	}

	if _, ok := PeerCN(context.Background()); ok {
		t.Error("PeerCN found identity without a peer")
	}

	// A peer without TLS info (plaintext) has no identity.
	plain := peer.NewContext(context.Background(), &peer.Peer{})
	if _, ok := PeerCN(plain); ok {
		t.Error("PeerCN found identity without TLS")
	}
}
