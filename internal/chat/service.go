package chat

import (
	"context"
	"strings"

	"github.com/npezzotti/caresync-rtc/internal/database"
	"github.com/npezzotti/caresync-rtc/internal/stats"
	"github.com/npezzotti/caresync-rtc/internal/types"
	"go.uber.org/zap"
)

const (
	EventMessage      = "message"
	EventNewMessage   = "newMessage"
	EventMessagesRead = "messagesRead"

	MetricMessagesSent = "NumMessagesSent"

	MaxBodyLength = 4096
)

// Broadcaster delivers an event to every live connection joined to a room.
// Delivering to an empty room does nothing.
type Broadcaster interface {
	Broadcast(room, event string, data any)
}

type SendParams struct {
	PatientId string       `json:"patientId"`
	DoctorId  string       `json:"doctorId"`
	Body      string       `json:"message"`
	Sender    types.Sender `json:"sender"`
}

// SentBy reports whether id may author this message: the caller must be the
// party named by Sender.
func (p SendParams) SentBy(id types.Identity) bool {
	p = p.normalized()
	switch p.Sender {
	case types.RolePatient:
		return id.Role == types.RolePatient && id.UserId == p.PatientId
	case types.RoleDoctor:
		return id.Role == types.RoleDoctor && id.UserId == p.DoctorId
	}
	return false
}

func (p SendParams) normalized() SendParams {
	p.PatientId = types.NormalizeId(p.PatientId)
	p.DoctorId = types.NormalizeId(p.DoctorId)
	return p
}

func (p SendParams) validate() error {
	if !types.ValidId(p.PatientId) {
		return &ValidationError{Field: "patientId", Reason: "malformed identifier"}
	}
	if !types.ValidId(p.DoctorId) {
		return &ValidationError{Field: "doctorId", Reason: "malformed identifier"}
	}
	if !p.Sender.IsParticipant() {
		return &ValidationError{Field: "sender", Reason: "must be patient or doctor"}
	}
	if strings.TrimSpace(p.Body) == "" {
		return &ValidationError{Field: "message", Reason: "empty"}
	}
	if len(p.Body) > MaxBodyLength {
		return &ValidationError{Field: "message", Reason: "too long"}
	}
	return nil
}

// Service persists chat messages and fans them out to live connections. It
// holds no state of its own between calls.
type Service struct {
	log    *zap.Logger
	store  database.MessageStore
	out    Broadcaster
	stats  stats.StatsProvider
	notify map[types.Role]bool
}

// NewService returns a chat service. notifyRoles lists the recipient roles
// that get a newMessage event in their personal room for every message
// addressed to them.
func NewService(logger *zap.Logger, store database.MessageStore, out Broadcaster, su stats.StatsProvider, notifyRoles []types.Role) *Service {
	notify := make(map[types.Role]bool, len(notifyRoles))
	for _, r := range notifyRoles {
		notify[r] = true
	}

	su.RegisterMetric(MetricMessagesSent)

	return &Service{
		log:    logger.Named("chat"),
		store:  store,
		out:    out,
		stats:  su,
		notify: notify,
	}
}

// SendMessage stores a new message and only then delivers it to the
// conversation room and, when configured, to the recipient's personal room.
func (s *Service) SendMessage(ctx context.Context, p SendParams) (types.Message, error) {
	p = p.normalized()
	if err := p.validate(); err != nil {
		return types.Message{}, err
	}

	msg := types.Message{
		Id:        types.NewId(),
		PatientId: p.PatientId,
		DoctorId:  p.DoctorId,
		Body:      p.Body,
		Sender:    p.Sender,
		CreatedAt: types.Now(),
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.log.Error("create message",
			zap.String("patient_id", msg.PatientId),
			zap.String("doctor_id", msg.DoctorId),
			zap.Error(err),
		)
		return types.Message{}, &PersistenceError{Op: "create message", Err: err}
	}

	s.stats.Incr(MetricMessagesSent)

	s.out.Broadcast(types.ConversationRoom(msg.PatientId, msg.DoctorId), EventMessage, msg)

	if s.notify[msg.Sender.Counterpart()] {
		s.out.Broadcast(msg.Recipient(), EventNewMessage, types.NewMessageNotification{
			PatientId: msg.PatientId,
			DoctorId:  msg.DoctorId,
			Body:      msg.Body,
			Sender:    msg.Sender,
			Timestamp: msg.CreatedAt,
			Read:      msg.Read,
		})
	}

	s.log.Debug("message sent", zap.String("id", msg.Id), zap.String("sender", string(msg.Sender)))
	return msg, nil
}

// History returns the conversation between two users oldest first. When the
// page is limited and full, next holds the cursor of the following page.
func (s *Service) History(ctx context.Context, userId, counterpartId string, page database.Page) (msgs []types.Message, next string, err error) {
	userId, counterpartId = types.NormalizeId(userId), types.NormalizeId(counterpartId)
	if !types.ValidId(userId) {
		return nil, "", &ValidationError{Field: "userId", Reason: "malformed identifier"}
	}
	if !types.ValidId(counterpartId) {
		return nil, "", &ValidationError{Field: "otherUserId", Reason: "malformed identifier"}
	}
	if page.Limit < 0 {
		return nil, "", &ValidationError{Field: "limit", Reason: "negative"}
	}

	msgs, err = s.store.ListConversation(ctx, userId, counterpartId, page)
	if err != nil {
		return nil, "", &PersistenceError{Op: "list conversation", Err: err}
	}

	if page.Limit > 0 && len(msgs) == page.Limit {
		next = database.CursorFor(msgs[len(msgs)-1]).Encode()
	}

	return msgs, next, nil
}

// UnreadCounts reports, per counterpart, how many messages addressed to the
// viewer are still unread. It always reads through to the store.
func (s *Service) UnreadCounts(ctx context.Context, viewerId string, viewerRole types.Role) (types.UnreadCounts, error) {
	viewerId = types.NormalizeId(viewerId)
	if !types.ValidId(viewerId) {
		return nil, &ValidationError{Field: "viewerId", Reason: "malformed identifier"}
	}
	if !viewerRole.IsParticipant() {
		return nil, &ValidationError{Field: "role", Reason: "must be patient or doctor"}
	}

	counts, err := s.store.CountUnread(ctx, viewerId, viewerRole)
	if err != nil {
		return nil, &PersistenceError{Op: "count unread", Err: err}
	}

	return counts, nil
}

// MarkRead flags the counterpart's messages to the viewer as read. Calling it
// again, or with nothing unread, succeeds and changes nothing.
func (s *Service) MarkRead(ctx context.Context, viewerId string, viewerRole types.Role, counterpartId string) (int64, error) {
	viewerId, counterpartId = types.NormalizeId(viewerId), types.NormalizeId(counterpartId)
	if !types.ValidId(viewerId) {
		return 0, &ValidationError{Field: "viewerId", Reason: "malformed identifier"}
	}
	if !types.ValidId(counterpartId) {
		return 0, &ValidationError{Field: "counterpartId", Reason: "malformed identifier"}
	}
	if !viewerRole.IsParticipant() {
		return 0, &ValidationError{Field: "role", Reason: "must be patient or doctor"}
	}

	n, err := s.store.MarkRead(ctx, viewerId, viewerRole, counterpartId)
	if err != nil {
		return 0, &PersistenceError{Op: "mark read", Err: err}
	}

	if n > 0 {
		// lets the viewer's other tabs clear their badge
		s.out.Broadcast(viewerId, EventMessagesRead, types.MessagesRead{
			ViewerId:      viewerId,
			CounterpartId: counterpartId,
			Count:         n,
		})
	}

	return n, nil
}
