// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// ShutdownSignal tells a running service why it should stop.
type ShutdownSignal uint8

const (
	// ShutdownInterrupt is an interactive interrupt (SIGINT, Ctrl-C).
	ShutdownInterrupt ShutdownSignal = iota + 1
	// ShutdownTerminate is a service manager stop (SIGTERM).
	ShutdownTerminate
)

func (s ShutdownSignal) String() string {
	switch s {
	case ShutdownInterrupt:
		return "interrupt"
	case ShutdownTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("ShutdownSignal(%d)", uint8(s))
	}
}

// Handler runs the service. shutdown delivers at most one value and is
// never closed; the handler should begin an orderly stop when it
// arrives.
type Handler func(ctx context.Context, shutdown <-chan ShutdownSignal) error

// Manager registers the relay as a background service and runs it.
type Manager interface {
	// Register installs a service that runs exe with args and starts it.
	Register(ctx context.Context, exe string, args []string) error

	// Unregister stops the service and removes its registration.
	Unregister(ctx context.Context) error

	// Run calls handler with a shutdown channel fed by the process's
	// interrupt and terminate signals, and returns its result.
	Run(ctx context.Context, handler Handler) error

	// ShowLogs prints the service status, then follows its log.
	ShowLogs(ctx context.Context) error
}

// NotifyFunc registers channel for signals, like signal.Notify, and
// returns a function that undoes the registration.
type NotifyFunc func(channel chan<- os.Signal, signals ...os.Signal) (stop func())

// SignalNotify is the NotifyFunc backed by os/signal.
func SignalNotify(channel chan<- os.Signal, signals ...os.Signal) func() {
	signal.Notify(channel, signals...)
	return func() { signal.Stop(channel) }
}

// RunHandler calls handler with a one-shot shutdown channel fed by
// SIGINT and SIGTERM as delivered by notify. Only the first signal is
// forwarded; later ones are ignored while the handler stops.
func RunHandler(ctx context.Context, notify NotifyFunc, handler Handler) error {
	if notify == nil {
		notify = SignalNotify
	}
	signals := make(chan os.Signal, 1)
	stop := notify(signals, unix.SIGINT, unix.SIGTERM)
	defer stop()

	shutdown := make(chan ShutdownSignal, 1)
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case received := <-signals:
			if received == unix.SIGTERM {
				shutdown <- ShutdownTerminate
			} else {
				shutdown <- ShutdownInterrupt
			}
		case <-handlerCtx.Done():
		}
	}()

	return handler(handlerCtx, shutdown)
}

// ShutdownContext returns a context cancelled when shutdown delivers a
// signal or parent is done, for code that stops on cancellation.
func ShutdownContext(parent context.Context, shutdown <-chan ShutdownSignal) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case received := <-shutdown:
			cancel(fmt.Errorf("received %s signal", received))
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
