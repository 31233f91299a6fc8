package engine

import (
	"sync"

	"github.com/seantiz/easel/internal/model"
)

// subscriberBufferSize is the channel buffer for each stream subscriber.
// Events are dropped if a subscriber falls this far behind; the store keeps
// the full history and Seq lets a reader find the gap.
const subscriberBufferSize = 256

// Event is one output message of a render as seen by live subscribers.
type Event struct {
	Seq  int
	Kind string
	Body string
}

// MessageBroker fans out render output to stream subscribers, one topic per
// task. A topic opened without progress streaming only forwards terminal
// messages.
//
// Closed topics stay behind as markers so that subscribing after a render
// finished yields a closed channel.
type MessageBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs         map[int]chan Event
	nextID       int
	withholdProg bool
	closed       bool
}

func newTopic() *topic {
	return &topic{subs: make(map[int]chan Event)}
}

// NewMessageBroker creates a new message broker.
func NewMessageBroker() *MessageBroker {
	return &MessageBroker{
		topics: make(map[string]*topic),
	}
}

func (b *MessageBroker) topic(taskID string) *topic {
	t, ok := b.topics[taskID]
	if !ok {
		t = newTopic()
		b.topics[taskID] = t
	}
	return t
}

// Open prepares the topic of a render about to start. With streamProgress
// false, progress events are withheld from subscribers.
func (b *MessageBroker) Open(taskID string, streamProgress bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topic(taskID).withholdProg = !streamProgress
}

// Subscribe returns a channel of the task's events and an unsubscribe
// function. The channel is closed when the render finishes, or at once if it
// already has.
func (b *MessageBroker) Subscribe(taskID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(taskID)
	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish forwards ev to the task's subscribers unless the topic withholds
// its kind.
func (b *MessageBroker) Publish(taskID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}
	if !Streams(ev.Kind, !t.withholdProg) {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the render.
		}
	}
}

// Close ends the task's stream. Subscriber channels are closed and later
// Subscribe calls return a closed channel.
func (b *MessageBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(taskID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Streams reports whether a message of kind reaches stream subscribers of a
// render with the given progress setting. Terminal messages always do.
func Streams(kind string, streamProgress bool) bool {
	return kind != model.MessageProgress || streamProgress
}
