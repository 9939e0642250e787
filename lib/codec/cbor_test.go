// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

type sampleParams struct {
	Bridge uint16 `cbor:"i"`
	Body   []byte `cbor:"body"`
}

type sampleEnvelope struct {
	ID     *uint32      `cbor:"id,omitempty"`
	Method string       `cbor:"method"`
	Params sampleParams `cbor:"params"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	id := uint32(7)
	original := sampleEnvelope{
		ID:     &id,
		Method: "servermsg",
		Params: sampleParams{Bridge: 3, Body: []byte("hello")},
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleEnvelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.ID == nil || *decoded.ID != id {
		t.Errorf("id = %v, want %d", decoded.ID, id)
	}
	if decoded.Method != original.Method {
		t.Errorf("method = %q, want %q", decoded.Method, original.Method)
	}
	if decoded.Params.Bridge != 3 || !bytes.Equal(decoded.Params.Body, original.Params.Body) {
		t.Errorf("params = %+v, want %+v", decoded.Params, original.Params)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	message := map[string]any{"method": "servermsg", "id": 1, "params": map[string]any{"i": 2}}

	first, err := Marshal(message)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(message)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("deterministic encoding violated: %x != %x", first, again)
		}
	}
}

func TestOmittedIDIsAbsent(t *testing.T) {
	data, err := Marshal(sampleEnvelope{Method: "serverclose"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if strings.Contains(notation, `"id"`) {
		t.Errorf("one-way envelope carries an id: %s", notation)
	}
	if !strings.Contains(notation, `"method": "serverclose"`) {
		t.Errorf("notation %q does not contain the method", notation)
	}
}

func TestByteStringBody(t *testing.T) {
	// Bodies must be CBOR byte strings (major type 2). A text string
	// would reject non-UTF-8 payloads on strict decoders.
	data, err := Marshal(sampleParams{Body: []byte{0xff, 0x00, 0xfe}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(notation, "h'ff00fe'") {
		t.Errorf("body not encoded as a byte string: %s", notation)
	}
}

func TestRawMessageDefersParams(t *testing.T) {
	data, err := Marshal(sampleEnvelope{
		Method: "servermsg",
		Params: sampleParams{Bridge: 9, Body: []byte("x")},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var generic struct {
		Method string     `cbor:"method"`
		Params RawMessage `cbor:"params"`
	}
	if err := Unmarshal(data, &generic); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}

	var params sampleParams
	if err := Unmarshal(generic.Params, &params); err != nil {
		t.Fatalf("Unmarshal params: %v", err)
	}
	if params.Bridge != 9 {
		t.Errorf("bridge = %d, want 9", params.Bridge)
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var envelope sampleEnvelope
	if err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &envelope); err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func BenchmarkMarshalServerMessage(b *testing.B) {
	message := sampleEnvelope{
		Method: "servermsg",
		Params: sampleParams{Bridge: 1, Body: bytes.Repeat([]byte("x"), 1024)},
	}

	b.ReportAllocs()
	for b.Loop() {
		Marshal(message)
	}
}
