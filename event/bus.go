// Copyright 2025 The binrunner Authors
// This file is part of the binrunner library.
//
// The binrunner library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The binrunner library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the binrunner library. If not, see <http://www.gnu.org/licenses/>.

// Package event implements the in-process fan-out bus that carries
// engine emissions to interested consumers. Subscriptions are keyed by
// user or by bot; a published event is delivered to every subscriber
// of its user plus every subscriber of its bot.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/solfleet/binrunner/core"
)

var (
	publishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published to the bus, by type.",
	}, []string{"type"})
	deliveredCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "events",
		Name:      "delivered_total",
		Help:      "Handler invocations performed by the bus.",
	})
	panicCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "binrunner",
		Subsystem: "events",
		Name:      "handler_panics_total",
		Help:      "Subscriber handlers that panicked during delivery.",
	})
)

// Handler consumes one event. Handlers run on the publisher's
// goroutine and must not block; anything slow belongs on the
// handler's own queue.
type Handler func(core.BotEvent)

// Bus is a subscription registry with synchronous fan-out. A panicking
// handler is isolated and logged, never taking down the publisher or
// its sibling subscribers. The zero value is not usable; construct
// with NewBus.
type Bus struct {
	log *zap.Logger
	now func() time.Time

	seq atomic.Uint64

	mu       sync.RWMutex
	nextID   uint64
	userSubs map[string]map[uint64]Handler
	botSubs  map[string]map[uint64]Handler
	closed   bool
}

// NewBus returns an empty bus logging through log.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:      log.Named("bus"),
		now:      time.Now,
		userSubs: make(map[string]map[uint64]Handler),
		botSubs:  make(map[string]map[uint64]Handler),
	}
}

// Subscription is a handle for removing a handler from the bus.
type Subscription struct {
	bus    *Bus
	id     uint64
	userID string
	botID  string
	once   sync.Once
}

// Unsubscribe removes the handler. It is idempotent and safe to call
// while a publish is in flight; a delivery already snapshotted may
// still invoke the handler once more.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// SubscribeUser registers h for every event belonging to userID.
func (b *Bus) SubscribeUser(userID string, h Handler) *Subscription {
	return b.subscribe(userID, "", h)
}

// SubscribeBot registers h for every event emitted by botID.
func (b *Bus) SubscribeBot(botID string, h Handler) *Subscription {
	return b.subscribe("", botID, h)
}

func (b *Bus) subscribe(userID, botID string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID, userID: userID, botID: botID}
	if b.closed {
		// Late subscribers get a valid but inert handle.
		return sub
	}
	switch {
	case userID != "":
		m := b.userSubs[userID]
		if m == nil {
			m = make(map[uint64]Handler)
			b.userSubs[userID] = m
		}
		m[sub.id] = h
	case botID != "":
		m := b.botSubs[botID]
		if m == nil {
			m = make(map[uint64]Handler)
			b.botSubs[botID] = m
		}
		m[sub.id] = h
	}
	return sub
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.userID != "" {
		if m := b.userSubs[s.userID]; m != nil {
			delete(m, s.id)
			if len(m) == 0 {
				delete(b.userSubs, s.userID)
			}
		}
	}
	if s.botID != "" {
		if m := b.botSubs[s.botID]; m != nil {
			delete(m, s.id)
			if len(m) == 0 {
				delete(b.botSubs, s.botID)
			}
		}
	}
}

// Publish stamps ev with the next sequence number and delivers it to
// every matching subscriber on the calling goroutine. Events published
// later always carry a larger Seq. Publishing on a closed bus drops
// the event.
func (b *Bus) Publish(ev core.BotEvent) {
	ev.Seq = b.seq.Add(1)
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	publishedCounter.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var handlers []Handler
	if m := b.userSubs[ev.UserID]; len(m) > 0 {
		for _, h := range m {
			handlers = append(handlers, h)
		}
	}
	if m := b.botSubs[ev.BotID]; len(m) > 0 {
		for _, h := range m {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev core.BotEvent) {
	defer func() {
		if r := recover(); r != nil {
			panicCounter.Inc()
			b.log.Error("event handler panicked",
				zap.String("type", string(ev.Type)),
				zap.String("bot", ev.BotID),
				zap.Any("panic", r))
		}
	}()
	h(ev)
	deliveredCounter.Inc()
}

// SubscriberCount reports the number of registered handlers, for
// telemetry endpoints.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.userSubs {
		n += len(m)
	}
	for _, m := range b.botSubs {
		n += len(m)
	}
	return n
}

// Close drops all subscriptions. Subsequent publishes are discarded
// and subsequent subscriptions are inert.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.userSubs = make(map[string]map[uint64]Handler)
	b.botSubs = make(map[string]map[uint64]Handler)
}
