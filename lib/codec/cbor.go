// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, definite lengths. The
// same envelope always produces the same bytes, which keeps wire
// captures diffable and lets tests compare frames directly.
var encMode cbor.EncMode

// decMode accepts any well-formed CBOR. Unknown map keys are ignored
// so a peer running a newer protocol revision can add envelope fields
// without breaking older relays.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Envelope params are decoded into any only when the method
		// is unknown (debug logging). Relay peers only use string
		// keys, so map[string]any is the useful shape there.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Bridge bodies can legitimately be large; the transport
		// already bounds the frame, so only guard against absurd
		// declared lengths inside a frame.
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an encoded CBOR value whose decoding is deferred. The
// envelope keeps its params as a RawMessage until the method tag has
// selected the concrete params type.
type RawMessage = cbor.RawMessage

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for
// data. The relay uses it to log envelopes it could not interpret.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
