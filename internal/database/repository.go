package database

import (
	"context"
	"errors"

	"github.com/npezzotti/caresync-rtc/internal/types"
)

var ErrInvalidRole = errors.New("role does not take part in conversations")

// MessageStore is the durable log of chat messages. Implementations must make
// a message visible to readers once CreateMessage returns without error.
type MessageStore interface {
	Ping(ctx context.Context) error
	CreateMessage(ctx context.Context, msg types.Message) error
	// ListConversation returns the messages exchanged between the two users in
	// either patient/doctor order, oldest first.
	ListConversation(ctx context.Context, userId, counterpartId string, page Page) ([]types.Message, error)
	// CountUnread groups the viewer's unread incoming messages by sender id.
	CountUnread(ctx context.Context, viewerId string, viewerRole types.Role) (types.UnreadCounts, error)
	// MarkRead flags every unread message sent by counterpartId to viewerId
	// as read and returns how many were changed.
	MarkRead(ctx context.Context, viewerId string, viewerRole types.Role, counterpartId string) (int64, error)
	Close() error
}

// Page selects a window of a conversation. A zero Limit returns everything
// after the cursor.
type Page struct {
	After *Cursor
	Limit int
}

// incomingSender returns the sender role of messages addressed to a viewer.
func incomingSender(viewerRole types.Role) (types.Role, error) {
	if !viewerRole.IsParticipant() {
		return "", ErrInvalidRole
	}
	return viewerRole.Counterpart(), nil
}
