// Package session is the client side of the realtime core. A Session owns one
// websocket connection for the lifetime of a view: it joins the rooms the view
// needs, keeps the conversation's message list in delivery order and tears
// every membership down on Close.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/caresync-rtc/internal/chat"
	"github.com/npezzotti/caresync-rtc/internal/types"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	closeTimeout = 2 * time.Second
)

var ErrClosed = errors.New("session closed")

// RequestError is a request the server answered with a failure code.
type RequestError struct {
	Event   string
	Code    int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Event, e.Code, e.Message)
}

type Options struct {
	Identity types.Identity
	Token    string
	Logger   *zap.Logger
}

type outFrame struct {
	Id    int             `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type frame struct {
	Id       int             `json:"id"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	Response *response       `json:"response"`
}

type response struct {
	ResponseCode int             `json:"response_code"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type Session struct {
	log      *zap.Logger
	conn     *websocket.Conn
	identity types.Identity

	writeMu sync.Mutex

	mu       sync.Mutex
	nextId   int
	pending  map[int]chan *response
	rooms    map[string]struct{}
	messages []types.Message
	seen     map[string]struct{}
	handlers map[string][]func(json.RawMessage)
	closed   bool

	done chan struct{}
}

// Dial opens a session against the websocket endpoint at url, authenticating
// with a bearer token.
func Dial(ctx context.Context, url string, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Session{
		log:      logger.Named("session").With(zap.String("user_id", opts.Identity.UserId)),
		conn:     conn,
		identity: opts.Identity,
		pending:  make(map[int]chan *response),
		rooms:    make(map[string]struct{}),
		seen:     make(map[string]struct{}),
		handlers: make(map[string][]func(json.RawMessage)),
		done:     make(chan struct{}),
	}

	go s.readLoop()
	return s, nil
}

// On registers fn for every inbound event with the given name. Handlers run
// on the read goroutine and must not issue requests on the same session.
func (s *Session) On(event string, fn func(data json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

// Done is closed once the connection is gone.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Messages returns the conversation as delivered by the server so far. The
// list only grows, and only from inbound message events.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages...)
}

func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

func (s *Session) Join(ctx context.Context, room string) error {
	if _, err := s.request(ctx, "join", map[string]string{"userId": s.identity.UserId, "room": room}); err != nil {
		return err
	}

	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Session) Leave(ctx context.Context, room string) error {
	if _, err := s.request(ctx, "leave", map[string]string{"room": room}); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
	return nil
}

// JoinCall joins the call room of an appointment and returns its name for the
// signaling calls.
func (s *Session) JoinCall(ctx context.Context, appointmentId string) (string, error) {
	room := types.CallRoom(appointmentId)
	if err := s.Join(ctx, room); err != nil {
		return "", err
	}
	return room, nil
}

// OpenConversation prepares a conversation view: it joins the conversation
// room and the viewer's personal room, then marks the counterpart's messages
// read once.
func (s *Session) OpenConversation(ctx context.Context, counterpartId string) error {
	var room string
	switch s.identity.Role {
	case types.RolePatient:
		room = types.ConversationRoom(s.identity.UserId, counterpartId)
	case types.RoleDoctor:
		room = types.ConversationRoom(counterpartId, s.identity.UserId)
	default:
		return fmt.Errorf("role %q cannot open a conversation", s.identity.Role)
	}

	if err := s.Join(ctx, room); err != nil {
		return err
	}
	if err := s.Join(ctx, s.identity.UserId); err != nil {
		return err
	}

	_, err := s.MarkRead(ctx, counterpartId)
	return err
}

// Send submits a message. The message is not added to Messages here; it shows
// up when the server echoes it to the conversation room.
func (s *Session) Send(ctx context.Context, counterpartId, body string) (types.Message, error) {
	params := chat.SendParams{Body: body, Sender: s.identity.Role}
	switch s.identity.Role {
	case types.RolePatient:
		params.PatientId, params.DoctorId = s.identity.UserId, counterpartId
	case types.RoleDoctor:
		params.PatientId, params.DoctorId = counterpartId, s.identity.UserId
	default:
		return types.Message{}, fmt.Errorf("role %q cannot send messages", s.identity.Role)
	}

	raw, err := s.request(ctx, "sendMessage", params)
	if err != nil {
		return types.Message{}, err
	}

	var msg types.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.Message{}, fmt.Errorf("decode sent message: %w", err)
	}
	return msg, nil
}

func (s *Session) MarkRead(ctx context.Context, counterpartId string) (int64, error) {
	raw, err := s.request(ctx, "markRead", map[string]string{"counterpartId": counterpartId})
	if err != nil {
		return 0, err
	}

	var res struct {
		Updated int64 `json:"updated"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("decode mark read: %w", err)
	}
	return res.Updated, nil
}

func (s *Session) CallUser(ctx context.Context, room string, offer json.RawMessage) error {
	_, err := s.request(ctx, "call-user", map[string]any{"room": room, "offer": offer})
	return err
}

func (s *Session) AnswerCall(ctx context.Context, room string, answer json.RawMessage) error {
	_, err := s.request(ctx, "answer-call", map[string]any{"room": room, "answer": answer})
	return err
}

func (s *Session) SendIceCandidate(ctx context.Context, room string, candidate json.RawMessage) error {
	_, err := s.request(ctx, "ice-candidate", map[string]any{"room": room, "candidate": candidate})
	return err
}

func (s *Session) EndCall(ctx context.Context, room string) error {
	_, err := s.request(ctx, "end-call", map[string]any{"room": room})
	return err
}

// Close leaves every joined room and closes the connection.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	for _, room := range s.Rooms() {
		if err := s.Leave(ctx, room); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("leave %s: %w", room, err))
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Join(errs...)
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
	}

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextId++
	id := s.nextId
	ch := make(chan *response, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = s.conn.WriteJSON(outFrame{Id: id, Event: event, Data: raw})
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", event, err)
	}

	select {
	case resp := <-ch:
		if resp.ResponseCode >= 400 {
			return nil, &RequestError{Event: event, Code: resp.ResponseCode, Message: resp.Error}
		}
		return resp.Data, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) readLoop() {
	defer close(s.done)

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("read", zap.Error(err))
			}
			return
		}

		if f.Response != nil {
			s.mu.Lock()
			ch, ok := s.pending[f.Id]
			s.mu.Unlock()
			if ok {
				ch <- f.Response
			}
			continue
		}

		s.handleEvent(f)
	}
}

func (s *Session) handleEvent(f frame) {
	if f.Event == chat.EventMessage {
		var msg types.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			s.log.Warn("bad message event", zap.Error(err))
			return
		}
		s.mu.Lock()
		if _, dup := s.seen[msg.Id]; !dup {
			s.seen[msg.Id] = struct{}{}
			s.messages = append(s.messages, msg)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	handlers := slices.Clone(s.handlers[f.Event])
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(f.Data)
	}
}
