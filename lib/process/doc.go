// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for reporting a
// fatal error before or after the structured logger exists.
//
// [Exit] maps a command's error to a process exit: errors that carry
// their own exit code (like the status command's unhealthy result) exit
// quietly with that code, and everything else is printed to stderr.
package process
