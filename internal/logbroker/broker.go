// Package logbroker fans out job output to live subscribers while
// persisting every chunk to the Store, so a subscriber that connects after
// some output was produced can replay it before joining the live tail.
//
// The concurrency shape — a mutex held only long enough to copy the
// subscriber set, non-blocking sends, and disconnecting a subscriber whose
// buffer fills up — mirrors the teacher's websocket hub; the wire protocol
// on top is SSE instead of WebSocket frames, built in internal/httpapi.
package logbroker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/deploybot/controller/internal/clock"
	"github.com/deploybot/controller/internal/store"
)

// DefaultRingSize is how many recent chunks are kept in memory per job for
// fast replay, independent of the persisted append log.
const DefaultRingSize = 4096

// DefaultSubscriberBackpressureLimit is how many queued events a
// subscriber may hold. A subscriber that falls this far behind is
// disconnected rather than allowed to stall publishing for everyone else.
// Its channel has one more slot than the limit, kept free for the drop
// marker.
const DefaultSubscriberBackpressureLimit = 1024

// Store is the subset of store.LogStore the broker needs.
type Store interface {
	Append(ctx context.Context, chunk store.LogChunk) error
	Read(ctx context.Context, jobID uuid.UUID, fromSequence uint64) ([]store.LogChunk, error)
}

// Event is what a subscriber channel carries: either a chunk, a
// backpressure-drop marker, or the terminal close sentinel.
type Event struct {
	Chunk   *store.LogChunk
	Dropped bool
	Closed  bool
}

// Broker is safe for concurrent use.
type Broker struct {
	store                       Store
	clock                       clock.Clock
	ringSize                    int
	subscriberBackpressureLimit int

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobState
}

type subscriber struct {
	ch chan Event
}

type jobState struct {
	mu         sync.Mutex
	nextSeq    uint64
	ringStart  uint64 // sequence number of ring[0]
	ring       []store.LogChunk
	subs       map[*subscriber]struct{}
	closed     bool
}

// Config tunes ring size and backpressure limit.
type Config struct {
	RingSize                    int
	SubscriberBackpressureLimit int
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.SubscriberBackpressureLimit <= 0 {
		c.SubscriberBackpressureLimit = DefaultSubscriberBackpressureLimit
	}
	return c
}

// New returns an empty Broker backed by s. c defaults to clock.System{} if
// nil.
func New(s Store, c clock.Clock, cfg Config) *Broker {
	if c == nil {
		c = clock.System{}
	}
	cfg = cfg.withDefaults()
	return &Broker{
		store:                       s,
		clock:                       c,
		ringSize:                    cfg.RingSize,
		subscriberBackpressureLimit: cfg.SubscriberBackpressureLimit,
		jobs:                        make(map[uuid.UUID]*jobState),
	}
}

func (b *Broker) getOrCreate(jobID uuid.UUID) *jobState {
	b.mu.Lock()
	defer b.mu.Unlock()
	js, ok := b.jobs[jobID]
	if !ok {
		js = &jobState{subs: make(map[*subscriber]struct{})}
		b.jobs[jobID] = js
	}
	return js
}

// Publish appends a batch of chunks to jobID's log in order, assigning
// each the next monotonic sequence number, persisting it, and fanning it
// out to live subscribers. Persistence happens before fanout so a slow or
// disconnected subscriber can never see a chunk the Store does not yet
// have.
func (b *Broker) Publish(ctx context.Context, jobID uuid.UUID, stream string, batches [][]byte) error {
	for _, bytes := range batches {
		if err := b.PublishChunk(ctx, jobID, stream, bytes); err != nil {
			return err
		}
	}
	return nil
}

// PublishChunk appends a single chunk.
func (b *Broker) PublishChunk(ctx context.Context, jobID uuid.UUID, stream string, bytes []byte) error {
	js := b.getOrCreate(jobID)

	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return fmt.Errorf("logbroker: job %s is closed", jobID)
	}
	seq := js.nextSeq
	js.nextSeq++
	js.mu.Unlock()

	chunk := store.LogChunk{JobID: jobID, Sequence: seq, Stream: stream, Bytes: bytes, Timestamp: b.clock.Now()}
	if err := b.store.Append(ctx, chunk); err != nil {
		return fmt.Errorf("logbroker: persist chunk: %w", err)
	}

	js.mu.Lock()
	js.ring = append(js.ring, chunk)
	if len(js.ring) > b.ringSize {
		trim := len(js.ring) - b.ringSize
		js.ring = js.ring[trim:]
		js.ringStart += uint64(trim)
	}
	subs := make([]*subscriber, 0, len(js.subs))
	for s := range js.subs {
		subs = append(subs, s)
	}
	js.mu.Unlock()

	for _, s := range subs {
		b.deliver(js, s, Event{Chunk: &chunk})
	}
	return nil
}

// deliver sends ev to s without blocking. If s already holds
// subscriberBackpressureLimit queued events it is dropped: a "dropped"
// marker is sent into the spare slot of its own channel and the channel is
// closed, so that stream alone observes the disconnect.
func (b *Broker) deliver(js *jobState, s *subscriber, ev Event) {
	if len(s.ch) < b.subscriberBackpressureLimit {
		select {
		case s.ch <- ev:
			return
		default:
		}
	}

	js.mu.Lock()
	delete(js.subs, s)
	js.mu.Unlock()

	select {
	case s.ch <- Event{Dropped: true}:
	default:
	}
	close(s.ch)
}

// Subscribe returns a channel that first replays every persisted chunk for
// jobID from fromSequence onward, then joins the live tail, then closes
// once the job is marked closed. If fromSequence is older than the
// in-memory ring's tail, the replay falls back to a Store read for the gap.
//
// The returned cancel func must be called when the caller is done (e.g. on
// client disconnect) to release the subscription.
func (b *Broker) Subscribe(ctx context.Context, jobID uuid.UUID, fromSequence uint64) (<-chan Event, func(), error) {
	js := b.getOrCreate(jobID)
	sub := &subscriber{ch: make(chan Event, b.subscriberBackpressureLimit+1)}

	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return b.replayThenClose(ctx, jobID, fromSequence)
	}

	var replay []store.LogChunk
	if fromSequence < js.ringStart {
		js.mu.Unlock()
		persisted, err := b.store.Read(ctx, jobID, fromSequence)
		if err != nil {
			return nil, nil, fmt.Errorf("logbroker: replay from store: %w", err)
		}
		replay = persisted
		js.mu.Lock()
	} else {
		for _, c := range js.ring {
			if c.Sequence >= fromSequence {
				replay = append(replay, c)
			}
		}
	}

	js.subs[sub] = struct{}{}
	js.mu.Unlock()

	// Queue the replay ahead of anything published after registration.
	// Registration happens before this loop runs, so no live chunk can be
	// missed, though a chunk may rarely be double-delivered if it was
	// published between the ring scan and registration — acceptable under
	// the documented at-least-once delivery guarantee.
	go func() {
		for i := range replay {
			select {
			case sub.ch <- Event{Chunk: &replay[i]}:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		js.mu.Lock()
		delete(js.subs, sub)
		js.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

func (b *Broker) replayThenClose(ctx context.Context, jobID uuid.UUID, fromSequence uint64) (<-chan Event, func(), error) {
	persisted, err := b.store.Read(ctx, jobID, fromSequence)
	if err != nil {
		return nil, nil, fmt.Errorf("logbroker: replay from store: %w", err)
	}
	ch := make(chan Event, len(persisted)+1)
	for i := range persisted {
		ch <- Event{Chunk: &persisted[i]}
	}
	ch <- Event{Closed: true}
	close(ch)
	return ch, func() {}, nil
}

// Close emits the terminal sentinel to every live subscriber and frees the
// in-memory ring. The persisted log is left intact in the Store.
func (b *Broker) Close(jobID uuid.UUID) {
	b.mu.Lock()
	js, ok := b.jobs[jobID]
	if ok {
		delete(b.jobs, jobID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	js.mu.Lock()
	js.closed = true
	subs := make([]*subscriber, 0, len(js.subs))
	for s := range js.subs {
		subs = append(subs, s)
	}
	js.subs = nil
	js.ring = nil
	js.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- Event{Closed: true}:
		default:
		}
		close(s.ch)
	}
}
