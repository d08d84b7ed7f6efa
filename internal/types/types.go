package types

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Sender is the role of the party that authored a message. Only patients and
// doctors take part in conversations.
type Sender = Role

func (r Role) IsParticipant() bool {
	return r == RolePatient || r == RoleDoctor
}

// Counterpart returns the role on the other side of a conversation.
func (r Role) Counterpart() Role {
	switch r {
	case RolePatient:
		return RoleDoctor
	case RoleDoctor:
		return RolePatient
	}
	return ""
}

// Identity is the verified caller of a request or owner of a connection.
type Identity struct {
	UserId string `json:"id"`
	Role   Role   `json:"role"`
}

// Message is a chat message exchanged between a patient and a doctor. Only
// Read may change after creation, and only from false to true.
type Message struct {
	Id        string    `json:"id"`
	PatientId string    `json:"patientId"`
	DoctorId  string    `json:"doctorId"`
	Body      string    `json:"message"`
	Sender    Sender    `json:"sender"`
	CreatedAt time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Recipient returns the id of the party the message is addressed to.
func (m Message) Recipient() string {
	if m.Sender == RoleDoctor {
		return m.PatientId
	}
	return m.DoctorId
}

// NewMessageNotification is the lightweight payload pushed to a recipient's
// personal room so an unread badge can be updated.
type NewMessageNotification struct {
	PatientId string    `json:"patientId"`
	DoctorId  string    `json:"doctorId"`
	Body      string    `json:"message"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

type MessagesRead struct {
	ViewerId      string `json:"viewerId"`
	CounterpartId string `json:"counterpartId"`
	Count         int64  `json:"count"`
}

// UnreadCounts maps a counterpart id to the number of unread messages it sent.
type UnreadCounts map[string]int64

// ConversationRoom returns the room used for live delivery of a conversation.
// The patient id always comes first so both parties derive the same name.
func ConversationRoom(patientId, doctorId string) string {
	return patientId + "-" + doctorId
}

// ParseConversationRoom splits a conversation room name into its patient and
// doctor ids.
func ParseConversationRoom(room string) (patientId, doctorId string, ok bool) {
	patientId, doctorId, ok = strings.Cut(room, "-")
	if !ok || !ValidId(patientId) || !ValidId(doctorId) {
		return "", "", false
	}
	return patientId, doctorId, true
}

// CallRoomPrefix marks rooms that carry a video call. The rest of the name is
// the appointment id and is opaque here.
const CallRoomPrefix = "call:"

// CallRoom returns the room used to signal the call for an appointment.
func CallRoom(appointmentId string) string {
	return CallRoomPrefix + appointmentId
}

// IsCallRoom reports whether room is a call room with a non-empty key.
func IsCallRoom(room string) bool {
	key, ok := strings.CutPrefix(room, CallRoomPrefix)
	return ok && key != ""
}

// MayJoin reports whether id may listen on room: its own personal room, a
// conversation it takes part in, or, for patients and doctors, a call room.
// Admins may join any room.
func (id Identity) MayJoin(room string) bool {
	if id.Role == RoleAdmin || room == id.UserId {
		return true
	}
	if IsCallRoom(room) {
		return id.Role.IsParticipant()
	}
	patientId, doctorId, ok := ParseConversationRoom(room)
	if !ok {
		return false
	}
	switch id.Role {
	case RolePatient:
		return patientId == id.UserId
	case RoleDoctor:
		return doctorId == id.UserId
	}
	return false
}

// ValidId reports whether id is a well-formed object identifier.
func ValidId(id string) bool {
	return primitive.IsValidObjectID(id)
}

// NormalizeId returns id in the lower case form object ids are stored and
// compared in.
func NormalizeId(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NormalizeRoom lower cases the id parts of a room name. Call room keys are
// left as given.
func NormalizeRoom(room string) string {
	if IsCallRoom(room) {
		return room
	}
	return strings.ToLower(strings.TrimSpace(room))
}

func NewId() string {
	return primitive.NewObjectID().Hex()
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
