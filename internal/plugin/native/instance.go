// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package native

import (
	"context"
	"net/http"

	plugins "github.com/tripvault/tripvault/internal/plugin"
	"github.com/tripvault/tripvault/internal/plugin/eventbus"
	"github.com/tripvault/tripvault/pkg/extension"
)

// Instance adapts one compiled-in extension onto the runtime contract.
type Instance struct {
	host     *Host
	pluginID string
	ext      extension.Extension
}

// Compile-time interface check.
var _ plugins.Instance = (*Instance)(nil)

func (i *Instance) OnInstall(ctx context.Context) error   { return i.ext.OnInstall(ctx) }
func (i *Instance) OnUninstall(ctx context.Context) error { return i.ext.OnUninstall(ctx) }
func (i *Instance) OnEnable(ctx context.Context) error    { return i.ext.OnEnable(ctx) }
func (i *Instance) OnDisable(ctx context.Context) error   { return i.ext.OnDisable(ctx) }

// Subscriptions converts the SDK's declared subscriptions.
func (i *Instance) Subscriptions() []plugins.EventSubscription {
	declared := i.ext.Subscriptions()
	subs := make([]plugins.EventSubscription, 0, len(declared))
	for _, s := range declared {
		subs = append(subs, plugins.EventSubscription{
			EventType: s.EventType,
			Blocking:  s.Blocking,
		})
	}
	return subs
}

// HandleEvent converts the bus event into the SDK shape and delivers it.
func (i *Instance) HandleEvent(ctx context.Context, event eventbus.Event) error {
	return i.ext.HandleEvent(ctx, extension.Event{
		ID:             event.ID.String(),
		Type:           event.Type,
		Timestamp:      event.Timestamp,
		Data:           event.Data,
		SourcePluginID: event.SourcePluginID,
	})
}

// Routes exposes the extension's HTTP handler.
func (i *Instance) Routes() http.Handler { return i.ext.Routes() }

// Close releases the extension and removes it from the host.
func (i *Instance) Close(ctx context.Context) error {
	err := i.ext.Close(ctx)
	i.host.remove(i.pluginID)
	return err
}
