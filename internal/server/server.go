package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/caresync-rtc/internal/chat"
	"github.com/npezzotti/caresync-rtc/internal/signaling"
	"github.com/npezzotti/caresync-rtc/internal/stats"
	"github.com/npezzotti/caresync-rtc/internal/types"
	"go.uber.org/zap"
)

const (
	MetricConnections = "NumConnections"

	requestTimeout = 10 * time.Second
)

// ChatServer owns the live connections and routes their events to the chat
// and signaling services.
type ChatServer struct {
	log         *zap.Logger
	dir         *Directory
	chat        *chat.Service
	calls       *signaling.Service
	stats       stats.StatsProvider
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	readers     sync.WaitGroup
	closing     bool
}

func NewChatServer(logger *zap.Logger, dir *Directory, chatSvc *chat.Service, calls *signaling.Service, su stats.StatsProvider) *ChatServer {
	su.RegisterMetric(MetricConnections)

	return &ChatServer{
		log:     logger.Named("chatserver"),
		dir:     dir,
		chat:    chatSvc,
		calls:   calls,
		stats:   su,
		clients: make(map[*Client]struct{}),
	}
}

// Connect registers an upgraded connection and starts its pumps.
func (cs *ChatServer) Connect(conn *websocket.Conn, identity types.Identity) (*Client, error) {
	c := NewClient(identity, conn, cs, cs.log)

	if !cs.addClient(c) {
		return nil, ErrShuttingDown
	}

	c.log.Info("connection opened", zap.String("role", string(identity.Role)))

	go c.Write()
	go func() {
		defer cs.readers.Done()
		c.Read()
	}()

	return c, nil
}

var ErrShuttingDown = errors.New("chat server shutting down")

func (cs *ChatServer) addClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if cs.closing {
		return false
	}

	cs.clients[c] = struct{}{}
	cs.readers.Add(1)
	cs.stats.Incr(MetricConnections)
	return true
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}

	delete(cs.clients, c)
	cs.stats.Decr(MetricConnections)
	return true
}

func (cs *ChatServer) NumClients() int {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return len(cs.clients)
}

// disconnect drops c from every room. Calls it took part in get the
// disconnect grace period before they end.
func (cs *ChatServer) disconnect(c *Client) {
	if !cs.removeClient(c) {
		return
	}

	rooms := cs.dir.LeaveAll(c)
	for _, room := range rooms {
		cs.calls.ParticipantLeft(room, c.identity.UserId)
	}

	c.log.Info("connection closed", zap.Strings("rooms", rooms))
}

// Shutdown closes every connection and waits for their cleanup to finish or
// for ctx to expire.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.clientsLock.Lock()
	cs.closing = true
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	done := make(chan struct{})
	go func() {
		cs.readers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	cs.calls.Shutdown()
	cs.log.Info("chat server stopped")
	return nil
}

// Closing reports whether Shutdown has begun.
func (cs *ChatServer) Closing() bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return cs.closing
}

func (cs *ChatServer) dispatch(msg *ClientMessage) {
	c := msg.client

	if cs.Closing() {
		c.reply(msg, ErrServiceUnavailable(msg.Id))
		return
	}

	switch msg.Event {
	case EventJoin:
		cs.handleJoin(msg)
	case EventLeave:
		cs.handleLeave(msg)
	case EventSendMessage:
		cs.handleSendMessage(msg)
	case EventMarkRead:
		cs.handleMarkRead(msg)
	case EventCallUser, EventAnswerCall, EventIceCandidate, EventEndCall:
		cs.handleSignal(msg)
	default:
		c.log.Debug("unknown event", zap.String("event", msg.Event))
		c.reply(msg, ErrBadRequest(msg.Id, "unknown event"))
	}
}

func (cs *ChatServer) handleJoin(msg *ClientMessage) {
	c := msg.client

	var data JoinData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.reply(msg, ErrInvalidMessage(msg.Id))
		return
	}

	if data.UserId != "" && types.NormalizeId(data.UserId) != c.identity.UserId {
		c.log.Warn("join as another user", zap.String("claimed", data.UserId))
		c.reply(msg, ErrForbidden(msg.Id))
		return
	}

	room := data.Room
	if room == "" {
		room = data.UserId
	}
	room = types.NormalizeRoom(room)
	if room == "" {
		c.reply(msg, ErrBadRequest(msg.Id, "missing room"))
		return
	}

	if !c.identity.MayJoin(room) {
		c.log.Warn("join refused", zap.String("room", room))
		c.reply(msg, ErrForbidden(msg.Id))
		return
	}

	_, err := cs.dir.JoinIf(c, room, func(users []string) error {
		return cs.calls.CheckJoin(room, c.identity.UserId, users)
	})
	if err != nil {
		c.reply(msg, errorResponse(msg.Id, err))
		return
	}
	cs.calls.Joined(room, c.identity.UserId)

	c.reply(msg, NoErrOK(msg.Id, map[string]any{"room": room}))
}

func (cs *ChatServer) handleLeave(msg *ClientMessage) {
	c := msg.client

	var data LeaveData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Room == "" {
		c.reply(msg, ErrInvalidMessage(msg.Id))
		return
	}

	room := types.NormalizeRoom(data.Room)
	if cs.dir.Leave(c, room) {
		cs.calls.ParticipantLeft(room, c.identity.UserId)
	}

	c.reply(msg, NoErrOK(msg.Id, map[string]any{"room": room}))
}

func (cs *ChatServer) handleSendMessage(msg *ClientMessage) {
	c := msg.client

	var data SendMessageData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.reply(msg, ErrInvalidMessage(msg.Id))
		return
	}

	params := chat.SendParams{
		PatientId: data.PatientId,
		DoctorId:  data.DoctorId,
		Body:      data.Message,
		Sender:    data.Sender,
	}
	if !params.SentBy(c.identity) {
		c.reply(msg, ErrForbidden(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sent, err := cs.chat.SendMessage(ctx, params)
	if err != nil {
		c.reply(msg, errorResponse(msg.Id, err))
		return
	}

	c.reply(msg, NoErrCreated(msg.Id, sent))
}

func (cs *ChatServer) handleMarkRead(msg *ClientMessage) {
	c := msg.client

	var data MarkReadData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.reply(msg, ErrInvalidMessage(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	n, err := cs.chat.MarkRead(ctx, c.identity.UserId, c.identity.Role, data.CounterpartId)
	if err != nil {
		c.reply(msg, errorResponse(msg.Id, err))
		return
	}

	c.reply(msg, NoErrOK(msg.Id, map[string]any{"updated": n}))
}

func (cs *ChatServer) handleSignal(msg *ClientMessage) {
	c := msg.client

	var data SignalData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Room == "" {
		c.reply(msg, ErrInvalidMessage(msg.Id))
		return
	}

	data.Room = types.NormalizeRoom(data.Room)
	if !cs.dir.IsMember(c, data.Room) {
		c.reply(msg, ErrForbidden(msg.Id))
		return
	}

	p := signaling.Participant{ConnId: c.id, UserId: c.identity.UserId}

	var err error
	switch msg.Event {
	case EventCallUser:
		err = cs.calls.CallUser(p, data.Room, data.Offer)
	case EventAnswerCall:
		err = cs.calls.AnswerCall(p, data.Room, data.Answer)
	case EventIceCandidate:
		err = cs.calls.IceCandidate(p, data.Room, data.Candidate)
	case EventEndCall:
		cs.calls.EndCall(p, data.Room)
	}
	if err != nil {
		c.reply(msg, errorResponse(msg.Id, err))
		return
	}

	c.reply(msg, NoErrOK(msg.Id, nil))
}

func errorResponse(id int, err error) *ServerMessage {
	var (
		valErr *chat.ValidationError
		sigErr *signaling.SignalingError
	)

	switch {
	case errors.As(err, &valErr):
		return ErrBadRequest(id, valErr.Error())
	case errors.As(err, &sigErr):
		return ErrConflict(id, sigErr.Reason)
	default:
		return ErrInternalError(id)
	}
}
