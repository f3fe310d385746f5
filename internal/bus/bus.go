// Package bus fans dev-server and control-loop events out to in-process
// listeners such as the console and the tests.
package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// BufferSize is the per-subscriber queue length. A dev server in watch mode
// prints in bursts; anything past the queue is counted and dropped.
const BufferSize = 256

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// Publisher is what producers hold; *Bus satisfies it, including a nil *Bus.
type Publisher interface {
	Publish(topic string, payload any)
}

// Subscription receives events whose topic starts with one of its prefixes.
type Subscription struct {
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

// Ch is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// TakeDropped returns how many events were lost to a full queue since the
// last call, and resets the count.
func (s *Subscription) TakeDropped() int64 {
	return s.dropped.Swap(0)
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus delivers to subscribers in subscription order. Publish never blocks,
// since the supervisor's pipe reader publishes from its own goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers interest in the given topic prefixes; none means
// every topic.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	sub := &Subscription{
		prefixes: slices.Clone(prefixes),
		ch:       make(chan Event, BufferSize),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.subs, sub)
	if i < 0 {
		return
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	close(sub.ch)
}

// Publish is safe on a nil *Bus, which drops everything.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
