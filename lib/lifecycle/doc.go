// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle runs the relay as a background service.
//
// [Manager] is the service collaborator: Register installs and starts
// the service, Unregister removes it, Run runs the relay in the
// foreground with a one-shot [ShutdownSignal] channel fed by SIGINT
// and SIGTERM, and ShowLogs follows the service's output.
//
// [Systemd] implements Manager with a systemd user unit. The unit file
// is written by [RenderUnit] into a state directory and linked with
// "systemctl --user link"; commands run through a [CommandRunner] so
// they can be observed in tests. [ShutdownContext] adapts the shutdown
// channel to context cancellation.
package lifecycle
