// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package eventbus delivers named events to extension subscribers.
//
// Subscribers come in two styles. Blocking handlers run synchronously and
// must not perform long-running I/O. Async handlers take a context and are
// awaited one at a time. A publish call invokes the blocking group first,
// then the async group; within each group, delivery follows subscription
// order. A failing handler never stops delivery to the rest.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is a single published notification.
type Event struct {
	ID        ulid.ULID
	Type      string
	Timestamp time.Time
	Data      map[string]any
	// SourcePluginID is empty for host-originated events.
	SourcePluginID string
}

// BlockingHandler is invoked synchronously during publish.
type BlockingHandler func(Event)

// AsyncHandler is awaited during publish; errors are logged, not propagated.
type AsyncHandler func(context.Context, Event) error

// Subscription is the handle returned by Subscribe calls. It identifies
// one (eventType, handler, owner) triple for targeted removal.
type Subscription struct {
	EventType string
	Owner     string

	blocking BlockingHandler
	async    AsyncHandler
}

// Bus is an in-process publish/subscribe mechanism.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]*Subscription
	observer func(eventType string)
}

// SetObserver installs a callback invoked once per publish, before
// delivery. Used for metrics. Call before the bus is in use.
func (b *Bus) SetObserver(fn func(eventType string)) {
	b.observer = fn
}

func (b *Bus) observe(eventType string) {
	if b.observer != nil {
		b.observer(eventType)
	}
}

// New creates an event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*Subscription),
	}
}

// SubscribeBlocking registers a blocking-style handler owned by the given
// plugin id. Host-owned handlers use an empty owner.
func (b *Bus) SubscribeBlocking(eventType, owner string, h BlockingHandler) *Subscription {
	sub := &Subscription{EventType: eventType, Owner: owner, blocking: h}
	b.add(sub)
	return sub
}

// Subscribe registers an async-style handler owned by the given plugin id.
func (b *Bus) Subscribe(eventType, owner string, h AsyncHandler) *Subscription {
	sub := &Subscription{EventType: eventType, Owner: owner, async: h}
	b.add(sub)
	return sub
}

func (b *Bus) add(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.EventType] = append(b.subs[sub.EventType], sub)
}

// Unsubscribe removes a single subscription. Unknown subscriptions are a
// no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.EventType]
	for i, s := range list {
		if s == sub {
			b.subs[sub.EventType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription owned by the given plugin id
// across all event types. Used on disable and uninstall.
func (b *Bus) UnsubscribeAll(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, list := range b.subs {
		kept := list[:0]
		for _, s := range list {
			if s.Owner != owner {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = kept
		}
	}
}

// Publish delivers an event to all subscribers of its type: the blocking
// group first, then the async group, sequentially within each. Handler
// panics and errors are logged with the owning plugin id and never stop
// delivery to the remaining subscribers.
func (b *Bus) Publish(ctx context.Context, eventType string, data map[string]any, sourcePluginID string) {
	event := newEvent(eventType, data, sourcePluginID)
	b.observe(eventType)
	blocking, async := b.snapshot(eventType)

	for _, sub := range blocking {
		b.deliverBlocking(sub, event)
	}
	for _, sub := range async {
		if err := b.deliverAsync(ctx, sub, event); err != nil {
			slog.Error("event handler failed",
				"event_type", eventType,
				"event_id", event.ID.String(),
				"plugin", sub.Owner,
				"error", err)
		}
	}
}

// PublishBlockingOnly delivers an event to blocking subscribers only, for
// call sites that cannot suspend. Skipped async subscribers are logged as
// a warning.
func (b *Bus) PublishBlockingOnly(eventType string, data map[string]any, sourcePluginID string) {
	event := newEvent(eventType, data, sourcePluginID)
	b.observe(eventType)
	blocking, async := b.snapshot(eventType)

	if len(async) > 0 {
		slog.Warn("async subscribers skipped by blocking-only publish",
			"event_type", eventType,
			"skipped", len(async))
	}

	for _, sub := range blocking {
		b.deliverBlocking(sub, event)
	}
}

func newEvent(eventType string, data map[string]any, sourcePluginID string) Event {
	return Event{
		ID:             ulid.Make(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		Data:           data,
		SourcePluginID: sourcePluginID,
	}
}

// snapshot copies the subscriber lists so handlers may subscribe or
// unsubscribe during delivery without corrupting iteration.
func (b *Bus) snapshot(eventType string) (blocking, async []*Subscription) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[eventType] {
		if sub.blocking != nil {
			blocking = append(blocking, sub)
		} else {
			async = append(async, sub)
		}
	}
	return blocking, async
}

func (b *Bus) deliverBlocking(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID.String(),
				"plugin", sub.Owner,
				"panic", r)
		}
	}()
	sub.blocking(event)
}

func (b *Bus) deliverAsync(ctx context.Context, sub *Subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID.String(),
				"plugin", sub.Owner,
				"panic", r)
		}
	}()
	return sub.async(ctx, event)
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// SubscribedEvents returns the event types the given plugin id is
// subscribed to, deduplicated, in no particular order.
func (b *Bus) SubscribedEvents(owner string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	var events []string
	for eventType, list := range b.subs {
		for _, s := range list {
			if s.Owner == owner {
				if _, ok := seen[eventType]; !ok {
					seen[eventType] = struct{}{}
					events = append(events, eventType)
				}
				break
			}
		}
	}
	return events
}
