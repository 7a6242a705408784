// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package extension is the SDK for extensions compiled into the TripVault
// binary. A native extension registers a Factory under its manifest ID and
// implements the Extension contract; the runtime drives the lifecycle
// hooks and delivers events and HTTP requests the same way it does for
// interpreted extensions.
package extension

import (
	"context"
	"net/http"
	"time"
)

// Settings is a read-only view of the extension's decrypted settings.
// The runtime swaps in updated values without reloading the extension,
// so values must be fetched per use rather than cached.
type Settings interface {
	// Get returns the value for key and whether it is set.
	Get(key string) (any, bool)
	// Snapshot returns a copy of all current settings.
	Snapshot() map[string]any
}

// Event is a domain event delivered to a subscribed extension.
type Event struct {
	ID        string
	Type      string
	Timestamp time.Time
	Data      map[string]any

	// SourcePluginID names the extension that published the event, or
	// is empty for host-published events.
	SourcePluginID string
}

// Subscription declares interest in one event type. Blocking handlers run
// before the triggering operation completes; keep them fast.
type Subscription struct {
	EventType string
	Blocking  bool
}

// Extension is the contract a compiled-in extension implements. Embed
// Base to get no-op defaults for the hooks you do not need.
type Extension interface {
	// OnInstall runs once when the extension is installed, after its
	// schema migrations have been applied.
	OnInstall(ctx context.Context) error
	// OnUninstall runs before the extension's record and schema are
	// removed.
	OnUninstall(ctx context.Context) error
	// OnEnable runs when the extension transitions to enabled,
	// including at startup for extensions already enabled.
	OnEnable(ctx context.Context) error
	// OnDisable runs when the extension transitions to disabled.
	OnDisable(ctx context.Context) error

	// Subscriptions lists the event types the extension handles.
	Subscriptions() []Subscription
	// HandleEvent is called for each event matching a subscription.
	HandleEvent(ctx context.Context, event Event) error

	// Routes returns the extension's HTTP handler, mounted under
	// /plugins/<id>/, or nil if the extension serves no routes. The
	// handler sees paths with the mount prefix stripped.
	Routes() http.Handler

	// Close releases any resources held by the extension.
	Close(ctx context.Context) error
}

// Factory builds an extension instance. It is called each time the
// extension is loaded, with its current settings.
type Factory func(settings Settings) (Extension, error)

// Base provides no-op implementations of every Extension method except
// Subscriptions and Routes, which return nothing.
type Base struct{}

func (Base) OnInstall(context.Context) error   { return nil }
func (Base) OnUninstall(context.Context) error { return nil }
func (Base) OnEnable(context.Context) error    { return nil }
func (Base) OnDisable(context.Context) error   { return nil }

func (Base) Subscriptions() []Subscription { return nil }

func (Base) HandleEvent(context.Context, Event) error { return nil }

func (Base) Routes() http.Handler { return nil }

func (Base) Close(context.Context) error { return nil }
