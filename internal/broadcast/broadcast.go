// Package broadcast fans engine events out to subscribers.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/applier"
	"github.com/google/uuid"
)

const subscriberBuffer = 64

type Kind int

const (
	KindTick Kind = iota
	KindTransition
	KindManual
	KindForcedSafe
	KindConfigReload
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindTransition:
		return "transition"
	case KindManual:
		return "manual"
	case KindForcedSafe:
		return "forced_safe"
	case KindConfigReload:
		return "config_reload"
	default:
		return "unknown"
	}
}

// Event is one engine observation. Temperature and load are NaN-free: the
// Has flags tell whether the signal was available.
type Event struct {
	Kind        Kind
	At          time.Time
	Rule        string
	Phase       string
	From        string
	To          string
	Source      string
	Temperature float64
	HasTemp     bool
	Load        float64
	HasLoad     bool
	Interval    time.Duration
	Report      *applier.Report
}

// Subscriber receives events of the kinds it asked for on Events.
type Subscriber struct {
	ID     string
	Events chan Event
	kinds  map[Kind]bool
}

func (s *Subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	dropped     atomic.Uint64
}

func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers for the given kinds, or for everything when none are
// given. It returns nil once the broadcaster is closed.
func (b *Broadcaster) Subscribe(kinds ...Kind) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscriber{
		ID:     uuid.New().String(),
		Events: make(chan Event, subscriberBuffer),
		kinds:  make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.subscribers[sub.ID] = sub
	return sub
}

func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Publish never blocks; a full subscriber loses the event.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.Events <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts events lost to full subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subscribers {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}
