// Package transport is the chat channel: inbound events in, text messages out.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event is one inbound chat message.
type Event struct {
	ID      uuid.UUID
	Sender  string
	Text    string
	GroupID string // empty for direct messages
	// Timestamp is the sender-side timestamp in milliseconds. Together with
	// Sender it identifies a redelivered message.
	Timestamp  int64
	ReceivedAt time.Time
}

func (e Event) IsGroup() bool { return e.GroupID != "" }

// Target is where a message goes: a group when GroupID is set, the recipient
// otherwise.
type Target struct {
	Recipient string
	GroupID   string
}

func Direct(phone string) Target { return Target{Recipient: phone} }

func Group(id string) Target { return Target{GroupID: id} }

// ReplyTo answers in the group the event came from, or directly to the sender.
func ReplyTo(e Event) Target {
	if e.GroupID != "" {
		return Group(e.GroupID)
	}
	return Direct(e.Sender)
}

func (t Target) String() string {
	if t.GroupID != "" {
		return "group:" + t.GroupID
	}
	return t.Recipient
}

// Transport is the chat collaborator.
type Transport interface {
	// Receive blocks until the next event, ctx is done, or the channel fails.
	Receive(ctx context.Context) (Event, error)
	Send(ctx context.Context, to Target, text string) error
	CreateGroup(ctx context.Context, name string, members []string) (string, error)
}

var ErrClosed = errors.New("transport closed")
