package pipeline

import (
	"sync"

	"github.com/seantiz/shipwright/internal/model"
)

// subscriberBufferSize bounds how far a watcher may lag behind a run before
// transitions are dropped for it.
const subscriberBufferSize = 64

// EventBroker delivers state transitions of runs executing on this engine to
// SSE watchers. A run has a live feed from Open until Close; outside that
// window there is nothing to watch and Subscribe reports so.
type EventBroker struct {
	mu    sync.Mutex
	feeds map[string]*runFeed
}

type runFeed struct {
	watchers map[int]chan model.RunEvent
	nextID   int
}

// NewEventBroker creates an event broker with no open feeds.
func NewEventBroker() *EventBroker {
	return &EventBroker{feeds: make(map[string]*runFeed)}
}

// Open starts the feed for a submitted run. Opening an open feed is a no-op.
func (b *EventBroker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.feeds[runID]; !ok {
		b.feeds[runID] = &runFeed{watchers: make(map[int]chan model.RunEvent)}
	}
}

// Subscribe attaches a watcher to runID's feed. ok is false when the run is
// not executing here: it finished, or it was never submitted to this engine.
func (b *EventBroker) Subscribe(runID string) (events <-chan model.RunEvent, unsubscribe func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.feeds[runID]
	if !ok {
		return nil, func() {}, false
	}

	ch := make(chan model.RunEvent, subscriberBufferSize)
	id := f.nextID
	f.nextID++
	f.watchers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(f.watchers, id)
	}, true
}

// Publish hands ev to every watcher of its run without blocking.
func (b *EventBroker) Publish(ev model.RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.feeds[ev.RunID]
	if !ok {
		return
	}
	for _, ch := range f.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends runID's feed, closing every watcher channel, and forgets the run.
func (b *EventBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.feeds[runID]
	if !ok {
		return
	}
	for _, ch := range f.watchers {
		close(ch)
	}
	delete(b.feeds, runID)
}

// Len reports the number of open feeds.
func (b *EventBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.feeds)
}
