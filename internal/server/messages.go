package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/types"
)

// Events a connection may send.
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventSendMessage  = "sendMessage"
	EventMarkRead     = "markRead"
	EventCallUser     = "call-user"
	EventAnswerCall   = "answer-call"
	EventIceCandidate = "ice-candidate"
	EventEndCall      = "end-call"

	// EventError reports a failed request that carried no id to answer.
	EventError = "error"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame received from a connection. Id is chosen by the
// client and echoed in the response; frames without one get no success ack.
type ClientMessage struct {
	BaseMessage
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	client *Client         `json:"-"`
}

// ServerMessage is either a response to a ClientMessage or a pushed event.
type ServerMessage struct {
	BaseMessage
	Event    string    `json:"event,omitempty"`
	Data     any       `json:"data,omitempty"`
	Response *Response `json:"response,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type ErrorData struct {
	Event string `json:"event"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// JoinData names the room to join. A bare JSON string is accepted as the
// room, and a join with only userId joins that user's personal room.
type JoinData struct {
	UserId string `json:"userId,omitempty"`
	Room   string `json:"room"`
}

func (j *JoinData) UnmarshalJSON(b []byte) error {
	if s, ok := bareString(b); ok {
		j.Room = s
		return nil
	}
	type plain JoinData
	return json.Unmarshal(b, (*plain)(j))
}

type LeaveData struct {
	Room string `json:"room"`
}

func (l *LeaveData) UnmarshalJSON(b []byte) error {
	if s, ok := bareString(b); ok {
		l.Room = s
		return nil
	}
	type plain LeaveData
	return json.Unmarshal(b, (*plain)(l))
}

type SendMessageData struct {
	Room      string       `json:"room,omitempty"`
	PatientId string       `json:"patientId"`
	DoctorId  string       `json:"doctorId"`
	Message   string       `json:"message"`
	Sender    types.Sender `json:"sender"`
}

type MarkReadData struct {
	CounterpartId string `json:"counterpartId"`
}

// SignalData carries a WebRTC payload for a call room. Only the field that
// matches the event is set and it is relayed untouched.
type SignalData struct {
	Room      string          `json:"room"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func bareString(b []byte) (string, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return "", false
	}
	return s, true
}

func Event(event string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: types.Now()},
		Event:       event,
		Data:        data,
	}
}

func response(id, code int, errText string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: types.Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errText,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrCreated(id int, data any) *ServerMessage {
	return response(id, http.StatusCreated, "", data)
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return response(id, http.StatusBadRequest, reason, nil)
}

func ErrForbidden(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "forbidden", nil)
}

func ErrConflict(id int, reason string) *ServerMessage {
	return response(id, http.StatusConflict, reason, nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	if id < 0 {
		id = 0
	}
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

// asErrorEvent turns a failed response into an error event for frames that
// carried no id.
func asErrorEvent(event string, resp *ServerMessage) *ServerMessage {
	return Event(EventError, ErrorData{
		Event: event,
		Code:  resp.Response.ResponseCode,
		Error: resp.Response.Error,
	})
}
