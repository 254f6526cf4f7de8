package transport

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sent is one message recorded by Fake.
type Sent struct {
	To   Target
	Text string
}

// Fake is an in-memory Transport. Push queues inbound events; Close makes
// Receive fail once the queue is drained.
type Fake struct {
	mu      sync.Mutex
	sent    []Sent
	groups  int
	events  chan Event
	closed  chan struct{}
	once    sync.Once
	SendErr error // returned by every Send when set
}

var _ Transport = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{events: make(chan Event, 128), closed: make(chan struct{})}
}

// Push queues a message from sender. groupID may be empty.
func (f *Fake) Push(sender, text, groupID string) Event {
	ev := Event{ID: uuid.New(), Sender: sender, Text: text, GroupID: groupID, Timestamp: time.Now().UnixMilli(), ReceivedAt: time.Now()}
	f.events <- ev
	return ev
}

// PushEvent queues ev as is, for redelivery tests.
func (f *Fake) PushEvent(ev Event) { f.events <- ev }

func (f *Fake) Close() { f.once.Do(func() { close(f.closed) }) }

func (f *Fake) Receive(ctx context.Context) (Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev := <-f.events:
		return ev, nil
	case <-f.closed:
		return Event{}, ErrClosed
	}
}

func (f *Fake) Send(_ context.Context, to Target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, Sent{To: to, Text: text})
	return nil
}

func (f *Fake) CreateGroup(_ context.Context, name string, members []string) (string, error) {
	if name == "" || len(members) == 0 {
		return "", errors.New("group needs a name and members")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups++
	return "group-" + strconv.Itoa(f.groups), nil
}

// Sent returns a copy of everything sent so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// SentTo filters Sent by direct recipient.
func (f *Fake) SentTo(phone string) []string {
	var out []string
	for _, s := range f.Sent() {
		if s.To.Recipient == phone {
			out = append(out, s.Text)
		}
	}
	return out
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}
