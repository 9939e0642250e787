// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind tunnel-relay.
//
// A [Command] tree dispatches on positional names, parses each leaf's
// pflag set, and prints structured help with close-match suggestions
// for mistyped commands and flags. [NewLogger] builds the process
// logger from the configured level and format. [ExitError] lets a
// command choose its exit code without an extra error line.
package cli
