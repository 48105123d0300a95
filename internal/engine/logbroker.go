package engine

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each log subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// backlogSize is how many recent lines a topic keeps for replay to
	// subscribers that join mid-run. Must not exceed subscriberBufferSize.
	backlogSize = 32
)

// LogBroker fans task log lines out to live subscribers.
// It is safe for concurrent use.
//
// A topic exists from Open until Close. A subscriber joining while it is
// open first receives the most recent backlogSize lines. Close forgets the
// topic, so subscribing to a finished or unknown task yields a closed
// channel and the caller falls back to stored history.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs    map[int]chan string
	nextID  int
	backlog []string // ring, oldest at head once full
	head    int
}

func (t *logTopic) remember(line string) {
	if len(t.backlog) < backlogSize {
		t.backlog = append(t.backlog, line)
		return
	}
	t.backlog[t.head] = line
	t.head = (t.head + 1) % backlogSize
}

func (t *logTopic) replay(ch chan<- string) {
	n := len(t.backlog)
	for i := 0; i < n; i++ {
		ch <- t.backlog[(t.head+i)%n]
	}
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Open starts a topic for taskID. Opening an open topic is a no-op.
func (b *LogBroker) Open(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[taskID]; !ok {
		b.topics[taskID] = &logTopic{subs: make(map[int]chan string)}
	}
}

// Subscribe returns a channel that receives log lines for the given task
// and an unsubscribe function. If the topic is not open the returned
// channel is already closed.
func (b *LogBroker) Subscribe(taskID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, subscriberBufferSize)
	t, ok := b.topics[taskID]
	if !ok {
		close(ch)
		return ch, func() {}
	}
	t.replay(ch)

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a log line to all subscribers of the given task.
// Lines for a topic that is not open are discarded. Lines are dropped for
// subscribers whose buffers are full.
func (b *LogBroker) Publish(taskID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		return
	}
	t.remember(line)

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			droppedLines.Inc()
		}
	}
}

// Close ends the topic: every subscriber channel is closed and the topic
// is forgotten.
func (b *LogBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		return
	}
	delete(b.topics, taskID)
	for _, ch := range t.subs {
		close(ch)
	}
}

// Topics returns the number of open topics.
func (b *LogBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
