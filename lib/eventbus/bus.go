// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus provides a typed publish/subscribe bus with
// revocable subscriptions.
//
// Every Freeflow component that emits events (relay state, incoming
// connection requests, peer state changes, received messages) owns one
// Bus per event type. Subscribers receive a [Subscription] whose
// Cancel removes the handler; cancelling twice is harmless. Handlers
// run synchronously on the publishing goroutine, in subscription order,
// so publishers control ordering. A handler that panics is recovered
// and logged; it does not prevent delivery to later handlers.
package eventbus

import (
	"log/slog"
	"sync"
)

// Bus fans an event of type T out to its subscribers.
type Bus[T any] struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers []subscriber[T]
}

type subscriber[T any] struct {
	id      uint64
	handler func(T)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the subscription. Safe to call more than once and on
// a nil Subscription.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// New returns an empty bus. name appears in panic logs.
func New[T any](name string, logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus[T]{name: name, logger: logger}
}

// Subscribe registers handler for every future Publish.
func (b *Bus[T]) Subscribe(handler func(T)) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscriber[T]{id: id, handler: handler})
	b.mu.Unlock()

	return &Subscription{cancel: func() { b.remove(id) }}
}

// Publish delivers event to a snapshot of the current subscribers.
// Subscriptions added or cancelled by a handler take effect on the
// next Publish.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	snapshot := make([]subscriber[T], len(b.handlers))
	copy(snapshot, b.handlers)
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(sub, event)
	}
}

// Reset drops every subscription and returns how many there were.
// Owners call it from Close once their final events are published.
func (b *Bus[T]) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := len(b.handlers)
	b.handlers = nil
	return dropped
}

func (b *Bus[T]) deliver(sub subscriber[T], event T) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event handler panicked",
				"bus", b.name,
				"subscription", sub.id,
				"panic", recovered,
			)
		}
	}()
	sub.handler(event)
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for index, sub := range b.handlers {
		if sub.id == id {
			b.handlers = append(b.handlers[:index:index], b.handlers[index+1:]...)
			return
		}
	}
}
