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

package event

import (
	"sync"
	"testing"

	"github.com/solfleet/binrunner/core"
)

func TestBusRouting(t *testing.T) {
	bus := NewBus(nil)
	var userGot, botGot, otherGot []core.BotEvent
	bus.SubscribeUser("alice", func(ev core.BotEvent) { userGot = append(userGot, ev) })
	bus.SubscribeBot("bot-1", func(ev core.BotEvent) { botGot = append(botGot, ev) })
	bus.SubscribeUser("carol", func(ev core.BotEvent) { otherGot = append(otherGot, ev) })

	bus.Publish(core.BotEvent{Type: core.EventScanCompleted, BotID: "bot-1", UserID: "alice"})
	bus.Publish(core.BotEvent{Type: core.EventScanCompleted, BotID: "bot-2", UserID: "alice"})

	if len(userGot) != 2 {
		t.Errorf("user subscriber deliveries: have %d, want 2", len(userGot))
	}
	if len(botGot) != 1 {
		t.Errorf("bot subscriber deliveries: have %d, want 1", len(botGot))
	}
	if len(otherGot) != 0 {
		t.Errorf("unrelated subscriber deliveries: have %d, want 0", len(otherGot))
	}
}

func TestBusSequenceMonotonic(t *testing.T) {
	bus := NewBus(nil)
	var seqs []uint64
	bus.SubscribeBot("b", func(ev core.BotEvent) { seqs = append(seqs, ev.Seq) })
	for i := 0; i < 10; i++ {
		bus.Publish(core.BotEvent{BotID: "b"})
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not increasing at %d: %v", i, seqs)
		}
	}
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	sub := bus.SubscribeBot("b", func(core.BotEvent) { calls++ })
	bus.Publish(core.BotEvent{BotID: "b"})
	sub.Unsubscribe()
	sub.Unsubscribe() // second call must be a no-op
	bus.Publish(core.BotEvent{BotID: "b"})
	if calls != 1 {
		t.Errorf("handler calls: have %d, want 1", calls)
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count after unsubscribe: have %d, want 0", n)
	}
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	bus := NewBus(nil)
	var delivered bool
	bus.SubscribeBot("b", func(core.BotEvent) { panic("boom") })
	bus.SubscribeBot("b", func(core.BotEvent) { delivered = true })
	bus.Publish(core.BotEvent{BotID: "b"}) // must not panic the publisher
	if !delivered {
		t.Error("sibling handler starved by panicking handler")
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	bus.SubscribeBot("b", func(core.BotEvent) { calls++ })
	bus.Close()
	bus.Publish(core.BotEvent{BotID: "b"})
	sub := bus.SubscribeBot("b", func(core.BotEvent) { calls++ })
	bus.Publish(core.BotEvent{BotID: "b"})
	sub.Unsubscribe()
	if calls != 0 {
		t.Errorf("deliveries after close: have %d, want 0", calls)
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	bus.SubscribeBot("b", func(ev core.BotEvent) {
		mu.Lock()
		seen[ev.Seq] = true
		mu.Unlock()
	})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(core.BotEvent{BotID: "b"})
			}
		}()
	}
	wg.Wait()
	if len(seen) != 400 {
		t.Errorf("distinct sequence numbers: have %d, want 400", len(seen))
	}
}
