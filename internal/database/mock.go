package database

import (
	"context"

	"github.com/npezzotti/caresync-rtc/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockMessageStore) CreateMessage(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockMessageStore) ListConversation(ctx context.Context, userId, counterpartId string, page Page) ([]types.Message, error) {
	args := m.Called(ctx, userId, counterpartId, page)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessageStore) CountUnread(ctx context.Context, viewerId string, viewerRole types.Role) (types.UnreadCounts, error) {
	args := m.Called(ctx, viewerId, viewerRole)
	if counts, ok := args.Get(0).(types.UnreadCounts); ok {
		return counts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessageStore) MarkRead(ctx context.Context, viewerId string, viewerRole types.Role, counterpartId string) (int64, error) {
	args := m.Called(ctx, viewerId, viewerRole, counterpartId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockMessageStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
