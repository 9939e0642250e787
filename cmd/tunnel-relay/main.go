// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/bureau-foundation/tunnelrelay/lib/process"
)

func main() {
	if err := root().Execute(os.Args[1:]); err != nil {
		process.Exit(err)
	}
}
