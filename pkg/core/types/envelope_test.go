package types

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestDecodeEnvelope_RejectsMissingType(t *testing.T) {
	t.Parallel()

	_, err := DecodeEnvelope([]byte(`{"content":"hi"}`))
	if err == nil {
		t.Fatalf("expected missing type error")
	}
	if !strings.Contains(err.Error(), "missing type") {
		t.Fatalf("error=%q, expected missing type", err.Error())
	}
}

func TestDecodeEnvelope_TrimsType(t *testing.T) {
	t.Parallel()

	env, err := DecodeEnvelope([]byte(`{"type":" response ","content":"hello","request_id":"req_1"}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope error: %v", err)
	}
	if env.Type != TypeResponse {
		t.Fatalf("type=%q, expected %q", env.Type, TypeResponse)
	}
	if env.RequestID != "req_1" {
		t.Fatalf("request_id=%q", env.RequestID)
	}
}

func TestEnvelope_AudioBytes(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	env := Envelope{Type: TypeAudio, Content: base64.StdEncoding.EncodeToString(pcm)}
	got, err := env.AudioBytes()
	if err != nil {
		t.Fatalf("AudioBytes error: %v", err)
	}
	if string(got) != string(pcm) {
		t.Fatalf("audio bytes mismatch")
	}

	if _, err := (Envelope{Type: TypeAudio, Content: "not base64!!"}).AudioBytes(); err == nil {
		t.Fatalf("expected base64 decode error")
	}
	if _, err := (Envelope{Type: TypeResponse, Content: "x"}).AudioBytes(); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestEnvelope_Known(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{TypeMessage, TypeResponse, TypeAudio, TypeStatus, TypeError, TypeHeartbeat, TypeHeartbeatAck} {
		if !(Envelope{Type: typ}).Known() {
			t.Fatalf("type %q should be known", typ)
		}
	}
	if (Envelope{Type: "telepathy"}).Known() {
		t.Fatalf("unknown type reported as known")
	}
}
