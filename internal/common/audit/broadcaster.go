package audit

import (
	"sync"

	"github.com/madrox/madrox/pkg/wire"
)

// Broadcaster fans log messages out to WebSocket subscribers. There is
// one singleton per category (system, audit). A subscriber that cannot
// keep up is pruned rather than allowed to block the emitter.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan *wire.LogMessage]struct{}
}

var (
	systemBroadcaster     *Broadcaster
	systemBroadcasterOnce sync.Once
	auditBroadcaster      *Broadcaster
	auditBroadcasterOnce  sync.Once
)

// SystemBroadcaster returns the singleton broadcaster for the system stream.
func SystemBroadcaster() *Broadcaster {
	systemBroadcasterOnce.Do(func() {
		systemBroadcaster = newBroadcaster()
	})
	return systemBroadcaster
}

// AuditBroadcaster returns the singleton broadcaster for the audit stream.
func AuditBroadcaster() *Broadcaster {
	auditBroadcasterOnce.Do(func() {
		auditBroadcaster = newBroadcaster()
	})
	return auditBroadcaster
}

func newBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan *wire.LogMessage]struct{})}
}

// Subscribe registers a new subscriber channel.
func (b *Broadcaster) Subscribe() chan *wire.LogMessage {
	ch := make(chan *wire.LogMessage, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call for
// an already-pruned channel.
func (b *Broadcaster) Unsubscribe(ch chan *wire.LogMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers msg to every subscriber. Subscribers with a full
// buffer are pruned.
func (b *Broadcaster) Publish(msg *wire.LogMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
