// Package eventbus is an in-process publish/subscribe adapter with
// ordered, at-least-once delivery per subscriber and configurable
// backpressure.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the domain event kinds.
type Kind string

const (
	KindSecretCreated        Kind = "secret.created"
	KindSecretUpdated        Kind = "secret.updated"
	KindSecretRotated        Kind = "secret.rotated"
	KindSecretAccessed       Kind = "secret.accessed"
	KindSecretRevealedFailed Kind = "secret.revealed_failed"
	KindTokenIssued          Kind = "token.issued"
	KindTokenRevoked         Kind = "token.revoked"
	KindTokenValidatedFailed Kind = "token.validated_failed"
	KindProjectCreated       Kind = "project.created"
	KindProjectDeleted       Kind = "project.deleted"
	KindVaultSaved           Kind = "vault.saved"
	KindVaultLoadFailed      Kind = "vault.load_failed"
	KindVaultIntegrityViol   Kind = "vault.integrity_violated"
)

// Outcome mirrors audit.Outcome without importing the audit package, to
// keep the event payload a plain value type.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event is the value every subscriber receives. Subscribers get copies —
// Event has no pointer/slice fields that let one subscriber mutate state
// visible to another.
type Event struct {
	Kind          Kind
	Timestamp     time.Time
	Actor         string
	Project       string
	Key           string
	Version       int
	Outcome       Outcome
	CorrelationID string
	Terminal      bool
}

// Policy is the backpressure policy applied when a subscriber's bounded
// queue is full.
type Policy string

const (
	PolicyBlock      Policy = "block"
	PolicyDropOldest Policy = "drop_oldest"
	PolicyDropNewest Policy = "drop_newest"
)

// ParsePolicy maps a config string to a Policy, defaulting to PolicyBlock.
func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case PolicyDropOldest:
		return PolicyDropOldest
	case PolicyDropNewest:
		return PolicyDropNewest
	default:
		return PolicyBlock
	}
}

type subscriber struct {
	id     int
	ch     chan Event
	kinds  map[Kind]bool
	policy Policy
}

func (s *subscriber) wants(kind Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	return s.kinds[kind]
}

// Bus is the in-process event bus. Zero value is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	queueDepth  int
	policy      Policy
}

// New creates a Bus whose subscriber queues have the given depth and
// overflow policy.
func New(queueDepth int, policy Policy) *Bus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		queueDepth:  queueDepth,
		policy:      policy,
	}
}

// Subscribe registers a new subscriber interested in kinds (all kinds if
// empty) and returns its delivery channel and an unsubscribe function.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}

	sub := &subscriber{
		id:     id,
		ch:     make(chan Event, b.queueDepth),
		kinds:  set,
		policy: b.policy,
	}
	b.subscribers[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers e, in publication order, to every subscriber interested
// in its kind. Delivery to each subscriber is independent: a full queue
// under PolicyBlock blocks the publisher until space frees; under the
// drop policies, Publish never blocks.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(e.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		deliver(sub, e)
	}
}

func deliver(sub *subscriber, e Event) {
	defer func() {
		// The channel may have been closed by a concurrent Unsubscribe
		// between the RLock snapshot and delivery; a send on a closed
		// channel panics, which we treat as "subscriber is gone".
		_ = recover()
	}()

	switch sub.policy {
	case PolicyDropOldest:
		for {
			select {
			case sub.ch <- e:
				return
			default:
				select {
				case <-sub.ch:
				default:
				}
			}
		}
	case PolicyDropNewest:
		select {
		case sub.ch <- e:
		default:
		}
	default: // PolicyBlock
		sub.ch <- e
	}
}

// SubscriberCount reports how many subscribers are currently registered,
// for tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
