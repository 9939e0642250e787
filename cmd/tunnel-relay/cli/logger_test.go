// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerFormats(t *testing.T) {
	tests := []struct {
		format   string
		terminal bool
		wantJSON bool
	}{
		{"auto", true, false},
		{"auto", false, true},
		{"text", false, false},
		{"json", true, true},
	}
	for _, test := range tests {
		var output bytes.Buffer
		logger, err := newLogger(&output, test.terminal, "info", test.format)
		if err != nil {
			t.Fatalf("newLogger(%q): %v", test.format, err)
		}
		logger.Info("bridge opened", "bridge", 3)

		isJSON := strings.HasPrefix(output.String(), "{")
		if isJSON != test.wantJSON {
			t.Errorf("format %q terminal %v: output %q", test.format, test.terminal, output.String())
		}
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var output bytes.Buffer
	logger, err := newLogger(&output, false, "warn", "json")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(output.String(), "hidden") || !strings.Contains(output.String(), "shown") {
		t.Errorf("output = %q", output.String())
	}

	if _, err := newLogger(&output, false, "trace", "json"); err == nil {
		t.Error("newLogger accepted an unknown level")
	}
	if _, err := newLogger(&output, false, "info", "xml"); err == nil {
		t.Error("newLogger accepted an unknown format")
	}
}
