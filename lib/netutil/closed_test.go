// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("reading frame: %w", io.EOF), true},
		{"closed connection", net.ErrClosed, true},
		{"closed pipe", io.ErrClosedPipe, true},
		{"broken pipe", &os.SyscallError{Syscall: "write", Err: syscall.EPIPE}, true},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"connection refused", syscall.ECONNREFUSED, false},
		{"websocket normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}, true},
		{"websocket going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"websocket no status", &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, true},
		{"websocket abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, false},
		{"websocket too big", &websocket.CloseError{Code: websocket.CloseMessageTooBig}, false},
		{"other", errors.New("corrupt frame"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsExpectedCloseError(test.err); got != test.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}
