package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/stats"
	"go.uber.org/zap"
)

const (
	EventCallMade     = "call-made"
	EventCallAnswered = "call-answered"
	EventIceCandidate = "ice-candidate"
	EventCallEnded    = "call-ended"

	MetricActiveCalls = "NumActiveCalls"
	MetricCallsEnded  = "NumCallsEnded"

	DefaultRingTimeout     = 60 * time.Second
	DefaultDisconnectGrace = 10 * time.Second

	maxParticipants = 2
)

const (
	ReasonHangup       = "hangup"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
)

type State int

const (
	Idle State = iota
	Ringing
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Rooms is the fan-out the service relays through.
type Rooms interface {
	Broadcast(room, event string, data any)
	BroadcastExcept(room, event string, data any, skipConnId string)
	Users(room string) []string
}

// Participant identifies the connection a signaling event arrived on.
type Participant struct {
	ConnId string
	UserId string
}

type OfferPayload struct {
	Offer json.RawMessage `json:"offer"`
	From  string          `json:"from"`
}

type AnswerPayload struct {
	Answer json.RawMessage `json:"answer"`
	From   string          `json:"from"`
}

type CandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from"`
}

type EndedPayload struct {
	Reason string `json:"reason"`
}

type session struct {
	room      string
	state     State
	callerId  string
	calleeId  string
	enteredAt time.Time
	ringTimer *time.Timer
	// pending disconnect timers keyed by user id
	grace map[string]*time.Timer
}

type Config struct {
	RingTimeout     time.Duration
	DisconnectGrace time.Duration
	// Shared is set when room broadcasts are relayed between instances, so a
	// call's other party may be connected elsewhere.
	Shared bool
}

// Service relays WebRTC negotiation between the two parties of a call room
// and tracks where each call is in its lifecycle. Payloads are forwarded
// verbatim and never inspected.
type Service struct {
	log          *zap.Logger
	rooms        Rooms
	stats        stats.StatsProvider
	cfg          Config
	mu           sync.Mutex
	sessions     map[string]*session
	onTransition func(room string, from, to State)
}

func NewService(logger *zap.Logger, rooms Rooms, su stats.StatsProvider, cfg Config) *Service {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = DefaultDisconnectGrace
	}

	su.RegisterMetric(MetricActiveCalls)
	su.RegisterMetric(MetricCallsEnded)

	return &Service{
		log:      logger.Named("signaling"),
		rooms:    rooms,
		stats:    su,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// OnTransition registers a hook invoked, with the service lock held, on every
// state change. It must not call back into the service.
func (s *Service) OnTransition(fn func(room string, from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = fn
}

// State returns the call state of a room. Rooms without a call are Idle.
func (s *Service) State(room string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[room]; ok {
		return sess.state
	}
	return Idle
}

func (s *Service) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CheckJoin refuses a third distinct user in a room that has a call. present
// holds the room's current distinct users.
func (s *Service) CheckJoin(room, userId string, present []string) error {
	s.mu.Lock()
	_, active := s.sessions[room]
	s.mu.Unlock()

	if active && overCapacity(present, userId) {
		return &SignalingError{Room: room, Event: "join", Reason: "call room is full"}
	}

	return nil
}

func overCapacity(users []string, userId string) bool {
	for _, u := range users {
		if u == userId {
			return false
		}
	}
	return len(users)+1 > maxParticipants
}

// Joined cancels a pending disconnect for a user that came back to the room.
func (s *Service) Joined(room, userId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[room]
	if !ok {
		return
	}

	if t, ok := sess.grace[userId]; ok {
		t.Stop()
		delete(sess.grace, userId)
		s.log.Info("participant rejoined call", zap.String("room", room), zap.String("user_id", userId))
	}
}

// CallUser forwards an offer to the rest of the room. The first offer moves
// the room to Ringing; later ones are renegotiations and are only relayed.
func (s *Service) CallUser(p Participant, room string, offer json.RawMessage) error {
	if room == "" {
		return &SignalingError{Event: "call-user", Reason: "missing room"}
	}
	if len(s.rooms.Users(room)) > maxParticipants {
		return &SignalingError{Room: room, Event: "call-user", Reason: "call room is full"}
	}

	s.mu.Lock()
	sess, ok := s.sessions[room]
	if !ok {
		sess = s.startSession(room, p.UserId)
		sess.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() { s.ringTimeout(sess) })
	} else {
		s.log.Debug("renegotiation offer", zap.String("room", room), zap.Stringer("state", sess.state))
	}
	s.mu.Unlock()

	s.rooms.BroadcastExcept(room, EventCallMade, OfferPayload{Offer: offer, From: p.UserId}, p.ConnId)
	return nil
}

// AnswerCall forwards an answer to the rest of the room and moves a ringing
// call to Connected. An answer without an offer is dropped.
func (s *Service) AnswerCall(p Participant, room string, answer json.RawMessage) error {
	s.mu.Lock()
	sess, ok := s.sessions[room]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("answer without offer", zap.String("room", room), zap.String("user_id", p.UserId))
		return &SignalingError{Room: room, Event: "answer-call", Reason: "no call in progress"}
	}

	if sess.state == Ringing {
		s.connect(sess, p.UserId)
	}
	s.mu.Unlock()

	s.rooms.BroadcastExcept(room, EventCallAnswered, AnswerPayload{Answer: answer, From: p.UserId}, p.ConnId)
	return nil
}

// IceCandidate relays a candidate in any state.
func (s *Service) IceCandidate(p Participant, room string, candidate json.RawMessage) error {
	if room == "" {
		return &SignalingError{Event: "ice-candidate", Reason: "missing room"}
	}

	s.rooms.BroadcastExcept(room, EventIceCandidate, CandidatePayload{Candidate: candidate, From: p.UserId}, p.ConnId)
	return nil
}

// EndCall terminates the room's call and tells every member. It reports
// whether a call was ended; ending a room with no call does nothing.
func (s *Service) EndCall(p Participant, room string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[room]
	if ok {
		s.teardown(sess)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("end-call with no call in progress", zap.String("room", room))
		return false
	}

	s.log.Info("call ended", zap.String("room", room), zap.String("by", p.UserId))
	s.rooms.Broadcast(room, EventCallEnded, EndedPayload{Reason: ReasonHangup})
	return true
}

// ParticipantLeft is called after a user's connection has left a room. If
// that was the user's last connection and the room holds a call, the call is
// ended once the grace period passes without the user rejoining.
func (s *Service) ParticipantLeft(room, userId string) {
	users := s.rooms.Users(room)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[room]
	if !ok {
		return
	}

	// with shared rooms the other party may still be on another instance
	if len(users) == 0 && !s.cfg.Shared {
		s.log.Info("call room emptied", zap.String("room", room))
		s.teardown(sess)
		return
	}

	for _, u := range users {
		if u == userId {
			// another connection of the same user is still here
			return
		}
	}

	if _, pending := sess.grace[userId]; pending {
		return
	}

	s.log.Info("participant disconnected from call",
		zap.String("room", room),
		zap.String("user_id", userId),
		zap.Duration("grace", s.cfg.DisconnectGrace),
	)
	sess.grace[userId] = time.AfterFunc(s.cfg.DisconnectGrace, func() { s.graceExpired(sess, userId) })
}

func (s *Service) graceExpired(sess *session, userId string) {
	s.mu.Lock()
	current, ok := s.sessions[sess.room]
	if !ok || current != sess {
		s.mu.Unlock()
		return
	}
	if _, pending := sess.grace[userId]; !pending {
		s.mu.Unlock()
		return
	}
	s.teardown(sess)
	s.mu.Unlock()

	s.log.Info("call ended after disconnect", zap.String("room", sess.room), zap.String("user_id", userId))
	s.rooms.Broadcast(sess.room, EventCallEnded, EndedPayload{Reason: ReasonDisconnected})
}

func (s *Service) ringTimeout(sess *session) {
	s.mu.Lock()
	current, ok := s.sessions[sess.room]
	if !ok || current != sess || sess.state != Ringing {
		s.mu.Unlock()
		return
	}
	s.teardown(sess)
	s.mu.Unlock()

	s.log.Info("call not answered", zap.String("room", sess.room), zap.Duration("after", s.cfg.RingTimeout))
	s.rooms.Broadcast(sess.room, EventCallEnded, EndedPayload{Reason: ReasonTimeout})
}

// RemoteEvent applies a signaling event that another instance broadcast to
// room, so this instance's view of the call follows the instance that handled
// it. The event itself has already been delivered by the relay.
func (s *Service) RemoteEvent(room, event string, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[room]
	switch event {
	case EventCallMade:
		if ok {
			return
		}
		var offer OfferPayload
		if err := json.Unmarshal(data, &offer); err != nil {
			s.log.Warn("bad relayed offer", zap.String("room", room), zap.Error(err))
			return
		}
		// the caller's instance owns the ring timeout
		s.startSession(room, offer.From)
	case EventCallAnswered:
		if !ok || sess.state != Ringing {
			return
		}
		var answer AnswerPayload
		if err := json.Unmarshal(data, &answer); err != nil {
			s.log.Warn("bad relayed answer", zap.String("room", room), zap.Error(err))
			return
		}
		s.connect(sess, answer.From)
	case EventCallEnded:
		if ok {
			s.teardown(sess)
		}
	}
}

// startSession registers a ringing call. The caller holds s.mu.
func (s *Service) startSession(room, callerId string) *session {
	sess := &session{room: room, state: Idle, callerId: callerId, grace: make(map[string]*time.Timer)}
	s.sessions[room] = sess
	s.transition(sess, Ringing)
	s.stats.Incr(MetricActiveCalls)
	return sess
}

// connect moves a ringing call to Connected. The caller holds s.mu.
func (s *Service) connect(sess *session, calleeId string) {
	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
	}
	sess.calleeId = calleeId
	s.transition(sess, Connected)
}

// teardown moves a session to Ended and forgets it. The caller holds s.mu.
func (s *Service) teardown(sess *session) {
	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
	}
	for _, t := range sess.grace {
		t.Stop()
	}
	s.transition(sess, Ended)
	delete(s.sessions, sess.room)

	s.stats.Decr(MetricActiveCalls)
	s.stats.Incr(MetricCallsEnded)
}

// Shutdown stops every timer and drops all calls without notifying anyone.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		s.teardown(sess)
	}
}

func (s *Service) transition(sess *session, to State) {
	from := sess.state
	sess.state = to
	sess.enteredAt = time.Now()
	if s.onTransition != nil {
		s.onTransition(sess.room, from, to)
	}
}
