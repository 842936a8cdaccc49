// Package broker fans trip snapshots out to connected subscribers. A
// subscriber watches a single scope, either one trip or a whole school,
// and receives every snapshot published for it through a bounded buffer
// that sheds the oldest entries first. Publishing never blocks on a slow
// consumer: a phone on a bad connection only ever costs itself stale
// frames, never the ingest path or its peers.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer depth used when the
// configured size is zero or negative. Snapshots supersede each other, so
// a short buffer loses nothing a client cares about.
const DefaultQueueSize = 16

// Metrics is the slice of instrumentation the broker reports to.
type Metrics interface {
	SubscriberAdd()
	SubscriberRemove()
	DeliveredInc()
	DroppedInc()
}

// SnapshotSource supplies current state so a new subscriber sees the
// present before the first live update arrives.
type SnapshotSource interface {
	LatestOrLoad(ctx context.Context, tripID uuid.UUID) (domain.TripSnapshot, error)
	ActiveBySchool(schoolID uuid.UUID) []domain.TripSnapshot
}

// Subscriber is one registered consumer. Read from Snapshots until it is
// no longer needed, then Close. The channel is never closed; readers
// should also select on their own context.
type Subscriber struct {
	scope domain.SubscriptionScope
	ch    chan domain.TripSnapshot
	done  chan struct{}
	once  sync.Once
	b     *Broker
}

func (s *Subscriber) Snapshots() <-chan domain.TripSnapshot { return s.ch }

func (s *Subscriber) Scope() domain.SubscriptionScope { return s.scope }

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.done)
		s.b.unsubscribe(s)
	})
}

// offer enqueues without blocking, evicting the oldest buffered snapshot
// when the buffer is full. Reports whether anything was evicted.
func (s *Subscriber) offer(snap domain.TripSnapshot) (delivered, dropped bool) {
	for {
		select {
		case <-s.done:
			return false, dropped
		default:
		}
		select {
		case s.ch <- snap:
			return true, dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}

// Broker is the subscription registry. Safe for concurrent use.
type Broker struct {
	source    SnapshotSource
	log       *slog.Logger
	metrics   Metrics // optional
	queueSize int

	mu       sync.RWMutex
	byTrip   map[uuid.UUID]map[*Subscriber]struct{}
	bySchool map[uuid.UUID]map[*Subscriber]struct{}
}

func New(source SnapshotSource, queueSize int, m Metrics, log *slog.Logger) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{
		source:    source,
		log:       log,
		metrics:   m,
		queueSize: queueSize,
		byTrip:    make(map[uuid.UUID]map[*Subscriber]struct{}),
		bySchool:  make(map[uuid.UUID]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a consumer for the given scope and seeds its buffer
// with current state: the trip's snapshot for a trip scope, one snapshot
// per active trip for a school scope.
//
// The seed is resolved before the registry lock is taken: loading a cold
// trip hits the store, and a slow read there must not stall publishing for
// every other trip. A snapshot published in the window between the seed
// read and registration may be missed; the seed reflects at least the state
// preceding it, and the next publish supersedes both.
func (b *Broker) Subscribe(ctx context.Context, scope domain.SubscriptionScope) (*Subscriber, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("broker.Broker.Subscribe: %w", err)
	}

	var seeds []domain.TripSnapshot
	switch scope.Kind {
	case domain.ScopeTrip:
		snap, err := b.source.LatestOrLoad(ctx, scope.ID)
		if err != nil {
			return nil, fmt.Errorf("broker.Broker.Subscribe: %w", err)
		}
		seeds = []domain.TripSnapshot{snap}
	case domain.ScopeSchool:
		seeds = b.source.ActiveBySchool(scope.ID)
	}

	sub := &Subscriber{
		scope: scope,
		ch:    make(chan domain.TripSnapshot, b.queueSize),
		done:  make(chan struct{}),
		b:     b,
	}
	for _, snap := range seeds {
		sub.offer(snap)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var byID map[uuid.UUID]map[*Subscriber]struct{}
	switch scope.Kind {
	case domain.ScopeTrip:
		byID = b.byTrip
	case domain.ScopeSchool:
		byID = b.bySchool
	}
	set, ok := byID[scope.ID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		byID[scope.ID] = set
	}
	set[sub] = struct{}{}

	if b.metrics != nil {
		b.metrics.SubscriberAdd()
	}
	b.log.Debug("subscriber attached", "scope", scope.String())
	return sub, nil
}

// Publish delivers a snapshot to every subscriber of the trip and of the
// trip's school. Non-blocking; slow subscribers shed their oldest frames.
func (b *Broker) Publish(snap domain.TripSnapshot) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.byTrip[snap.TripID])+len(b.bySchool[snap.SchoolID]))
	for sub := range b.byTrip[snap.TripID] {
		subs = append(subs, sub)
	}
	for sub := range b.bySchool[snap.SchoolID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		delivered, dropped := sub.offer(snap)
		if b.metrics == nil {
			continue
		}
		if delivered {
			b.metrics.DeliveredInc()
		}
		if dropped {
			b.metrics.DroppedInc()
		}
	}
}

// SubscriberCount reports the number of registered subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.byTrip {
		n += len(set)
	}
	for _, set := range b.bySchool {
		n += len(set)
	}
	return n
}

func (b *Broker) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var set map[*Subscriber]struct{}
	var byID map[uuid.UUID]map[*Subscriber]struct{}
	switch sub.scope.Kind {
	case domain.ScopeTrip:
		byID = b.byTrip
	case domain.ScopeSchool:
		byID = b.bySchool
	}
	set = byID[sub.scope.ID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(byID, sub.scope.ID)
	}
	if b.metrics != nil {
		b.metrics.SubscriberRemove()
	}
	b.log.Debug("subscriber detached", "scope", sub.scope.String())
}
