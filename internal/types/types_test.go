package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	patientId = "64b7f0c2a1b2c3d4e5f60001"
	doctorId  = "64b7f0c2a1b2c3d4e5f60101"
	otherId   = "64b7f0c2a1b2c3d4e5f60999"

	appointmentId = "64b7f0c2a1b2c3d4e5f6a001"
)

func TestParseConversationRoom(t *testing.T) {
	p, d, ok := ParseConversationRoom(ConversationRoom(patientId, doctorId))
	assert.True(t, ok)
	assert.Equal(t, patientId, p)
	assert.Equal(t, doctorId, d)

	for _, bad := range []string{"", patientId, patientId + "-", "a-b", patientId + "-" + doctorId + "-x"} {
		_, _, ok := ParseConversationRoom(bad)
		assert.False(t, ok, "room %q", bad)
	}
}

func TestIdentity_MayJoin(t *testing.T) {
	room := ConversationRoom(patientId, doctorId)

	tcases := []struct {
		name string
		id   Identity
		room string
		want bool
	}{
		{"own personal room", Identity{patientId, RolePatient}, patientId, true},
		{"other personal room", Identity{patientId, RolePatient}, doctorId, false},
		{"patient in conversation", Identity{patientId, RolePatient}, room, true},
		{"doctor in conversation", Identity{doctorId, RoleDoctor}, room, true},
		{"patient id posing as doctor", Identity{patientId, RoleDoctor}, room, false},
		{"outsider", Identity{otherId, RolePatient}, room, false},
		{"admin", Identity{otherId, RoleAdmin}, room, true},
		{"arbitrary room", Identity{patientId, RolePatient}, "lobby", false},
		{"patient in call room", Identity{patientId, RolePatient}, CallRoom(appointmentId), true},
		{"doctor in call room", Identity{doctorId, RoleDoctor}, CallRoom(appointmentId), true},
		{"bare appointment id", Identity{patientId, RolePatient}, appointmentId, false},
		{"empty call key", Identity{patientId, RolePatient}, CallRoomPrefix, false},
		{"admin in call room", Identity{otherId, RoleAdmin}, CallRoom(appointmentId), true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.id.MayJoin(tc.room))
		})
	}
}

func TestMessage_Recipient(t *testing.T) {
	msg := Message{PatientId: patientId, DoctorId: doctorId, Sender: RoleDoctor}
	assert.Equal(t, patientId, msg.Recipient())

	msg.Sender = RolePatient
	assert.Equal(t, doctorId, msg.Recipient())
}

func TestRole_Counterpart(t *testing.T) {
	assert.Equal(t, RoleDoctor, RolePatient.Counterpart())
	assert.Equal(t, RolePatient, RoleDoctor.Counterpart())
	assert.Equal(t, Role(""), RoleAdmin.Counterpart())
	assert.False(t, RoleAdmin.IsParticipant())
}

func TestNormalizeId(t *testing.T) {
	upper := "64B7F0C2A1B2C3D4E5F60001"
	assert.True(t, ValidId(upper))
	assert.Equal(t, patientId, NormalizeId(upper))
	assert.Equal(t, patientId, NormalizeId(" "+patientId+" "))
}

func TestNormalizeRoom(t *testing.T) {
	assert.Equal(t, ConversationRoom(patientId, doctorId), NormalizeRoom("64B7F0C2A1B2C3D4E5F60001-64b7f0c2a1b2c3d4e5f60101"))
	assert.Equal(t, patientId, NormalizeRoom("64B7F0C2A1B2C3D4E5F60001"))
	assert.Equal(t, "call:Appt-42", NormalizeRoom("call:Appt-42"), "call keys are opaque")
	assert.True(t, IsCallRoom(CallRoom("x")))
	assert.False(t, IsCallRoom(patientId))
}
