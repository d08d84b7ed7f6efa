package database

import (
	"context"
	"sort"
	"sync"

	"github.com/npezzotti/caresync-rtc/internal/types"
)

// MemoryStore keeps messages in process memory. It is meant for local
// development and tests; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []types.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateMessage(ctx context.Context, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.messages), func(i int) bool {
		return (&Cursor{CreatedAt: msg.CreatedAt, Id: msg.Id}).after(s.messages[i])
	})
	s.messages = append(s.messages, types.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg

	return nil
}

func (s *MemoryStore) ListConversation(ctx context.Context, userId, counterpartId string, page Page) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]types.Message, 0)
	for _, m := range s.messages {
		if !inConversation(m, userId, counterpartId) {
			continue
		}
		if page.After != nil && !page.After.after(m) {
			continue
		}

		messages = append(messages, m)
		if page.Limit > 0 && len(messages) == page.Limit {
			break
		}
	}

	return messages, nil
}

func inConversation(m types.Message, a, b string) bool {
	return (m.PatientId == a && m.DoctorId == b) || (m.PatientId == b && m.DoctorId == a)
}

func (s *MemoryStore) CountUnread(ctx context.Context, viewerId string, viewerRole types.Role) (types.UnreadCounts, error) {
	sender, err := incomingSender(viewerRole)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(types.UnreadCounts)
	for _, m := range s.messages {
		if m.Read || m.Sender != sender || m.Recipient() != viewerId {
			continue
		}
		counts[senderId(m)]++
	}

	return counts, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, viewerId string, viewerRole types.Role, counterpartId string) (int64, error) {
	sender, err := incomingSender(viewerRole)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i, m := range s.messages {
		if m.Read || m.Sender != sender || m.Recipient() != viewerId || senderId(m) != counterpartId {
			continue
		}
		s.messages[i].Read = true
		n++
	}

	return n, nil
}

func senderId(m types.Message) string {
	if m.Sender == types.RoleDoctor {
		return m.DoctorId
	}
	return m.PatientId
}
