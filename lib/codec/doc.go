// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the relay's CBOR encoding configuration.
//
// Every envelope that crosses a tunnel is a CBOR map with named
// fields: {"id", "method", "params"}. CBOR is self-describing, so a
// peer can decode an envelope without knowing the sender's in-memory
// representation, and byte strings carry bridge payloads without the
// base64 expansion JSON would need.
//
//	data, err := codec.Marshal(envelope)
//	err = codec.Unmarshal(data, &envelope)
//
// [Diagnose] renders a payload in CBOR diagnostic notation for logs.
//
// Types serialized here use `cbor` struct tags. Field names are part
// of the wire contract: renaming a tag breaks interoperability with
// deployed peers.
package codec
