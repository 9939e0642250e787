// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit ends the process for an error returned by a command. An error
// carrying an ExitCode() method exits with that code and prints nothing,
// since the command already wrote its own output. Any other error is
// written to stderr as "error: err" and exits 1, which covers failures
// before the structured logger exists. A nil error exits 0.
func Exit(err error) {
	os.Exit(report(err, os.Stderr))
}

// report writes err to w when it needs printing and returns the exit
// code for it.
func report(err error, w io.Writer) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}
