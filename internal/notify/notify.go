// Package notify fans status messages out to any number of observers.
//
// Publishers never block: each subscriber has its own buffered channel and
// a message that does not fit is dropped for that subscriber only. Observers
// that need the full picture re-read state through the query side.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/stream"
)

type Kind string

const (
	RunStatus         Kind = "run_status"
	RunEvent          Kind = "run_event"
	ImagePullProgress Kind = "image_pull_progress"
	CronJobStarted    Kind = "cron_job_started"
	CronJobCompleted  Kind = "cron_job_completed"
)

// Message is one pushed notification. Which fields are set depends on Kind.
type Message struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	RunID  string `json:"run_id,omitempty"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
	PRURL  string `json:"pr_url,omitempty"`

	Event *stream.Record `json:"event,omitempty"`

	Progress *engine.PullProgress `json:"progress,omitempty"`

	JobID    string `json:"job_id,omitempty"`
	JobRunID string `json:"job_run_id,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Publisher is the producer side of a Bus.
type Publisher interface {
	Publish(Message)
}

// Bus is a non-blocking broadcast channel. The zero value is not usable;
// call New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Message
	next        int
	dropped     atomic.Int64
}

func New() *Bus {
	return &Bus{subscribers: make(map[int]chan Message)}
}

// Subscribe registers an observer with the given buffer size and returns
// its channel and a cancel func that unregisters it and closes the
// channel. Cancel is idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber that has room for it.
func (b *Bus) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Message) {}
