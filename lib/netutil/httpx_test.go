// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	t.Run("health document", func(t *testing.T) {
		body := strings.NewReader(`{"status":"ok","connections":3,"open_bridges":12}`)
		var health struct {
			Status      string `json:"status"`
			Connections int    `json:"connections"`
			OpenBridges int    `json:"open_bridges"`
		}
		if err := DecodeResponse(body, &health); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if health.Status != "ok" || health.Connections != 3 || health.OpenBridges != 12 {
			t.Fatalf("decoded %+v", health)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if err := DecodeResponse(bytes.NewReader([]byte(`not json`)), &struct{}{}); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("read error propagates", func(t *testing.T) {
		if err := DecodeResponse(&failReader{}, &struct{}{}); err == nil {
			t.Fatal("expected error from failing reader")
		}
	})
}

func TestErrorBody(t *testing.T) {
	if got := ErrorBody(strings.NewReader("relay draining")); got != "relay draining" {
		t.Fatalf("got %q, want %q", got, "relay draining")
	}
	if got := ErrorBody(&failReader{}); got != "" {
		t.Fatalf("expected empty from failing reader, got %q", got)
	}

	oversized := io.LimitReader(zeroReader{}, MaxResponseSize+4096)
	if got := ErrorBody(oversized); int64(len(got)) != MaxResponseSize {
		t.Fatalf("read %d bytes, want %d", len(got), MaxResponseSize)
	}
}

// failReader always returns an error on Read.
type failReader struct{}

func (*failReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated read failure")
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
