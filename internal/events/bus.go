package events

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// Bus fans transitions out to the SQLite log and the optional NATS mirror.
// Appends happen on a single background goroutine so publishers never block
// on disk or network.
type Bus struct {
	store  *SQLiteStore
	mirror *NATSPublisher
	ch     chan Transition
	done   chan struct{}
}

// NewBus creates a bus writing to store, optionally mirroring to NATS.
// mirror may be nil.
func NewBus(store *SQLiteStore, mirror *NATSPublisher) *Bus {
	b := &Bus{
		store:  store,
		mirror: mirror,
		ch:     make(chan Transition, 256),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Publish implements Sink.
func (b *Bus) Publish(t Transition) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	select {
	case b.ch <- t:
	default:
		// A full buffer means the disk is badly behind; drop rather than
		// stall state transitions.
		slog.Warn("event bus buffer full, dropping transition", logfields.JobID(t.JobID))
	}
}

func (b *Bus) loop() {
	defer close(b.done)
	for t := range b.ch {
		if b.store != nil {
			if err := b.store.Append(context.Background(), t); err != nil {
				slog.Warn("event log append failed", logfields.JobID(t.JobID), logfields.Error(err))
			}
		}
		if b.mirror != nil {
			b.mirror.Publish(t)
		}
	}
}

// Close flushes buffered transitions and stops the bus.
func (b *Bus) Close() {
	close(b.ch)
	<-b.done
	if b.mirror != nil {
		b.mirror.Close()
	}
}
