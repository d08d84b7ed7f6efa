package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/relay"
	"github.com/npezzotti/caresync-rtc/internal/signaling"
	"github.com/npezzotti/caresync-rtc/internal/stats"
	"github.com/npezzotti/caresync-rtc/internal/testutil"
	"github.com/npezzotti/caresync-rtc/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, id, userId string, role types.Role) *Client {
	t.Helper()
	return &Client{
		id:       id,
		identity: types.Identity{UserId: userId, Role: role},
		send:     make(chan *ServerMessage, sendBufferSize),
		stop:     make(chan struct{}),
		log:      testutil.TestLogger(t),
	}
}

func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case m := <-c.send:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestDirectory_JoinLeave(t *testing.T) {
	d := NewDirectory(testutil.TestLogger(t))
	a := newTestClient(t, "a", patientId, types.RolePatient)
	a2 := newTestClient(t, "a2", patientId, types.RolePatient)
	b := newTestClient(t, "b", doctorId, types.RoleDoctor)

	assert.True(t, d.Join(a, "r1"))
	assert.False(t, d.Join(a, "r1"), "expected second join to be a no-op")
	assert.Equal(t, 1, d.Size("r1"))

	d.Join(a2, "r1")
	d.Join(b, "r1")
	d.Join(a, "r2")

	assert.Equal(t, 3, d.Size("r1"))
	assert.Equal(t, []string{patientId, doctorId}, d.Users("r1"), "expected distinct users")
	assert.Equal(t, []string{"r1", "r2"}, d.Rooms(a))
	assert.True(t, d.IsMember(b, "r1"))
	assert.False(t, d.IsMember(b, "r2"))

	assert.True(t, d.Leave(a, "r1"))
	assert.False(t, d.Leave(a, "r1"))
	assert.False(t, d.Leave(b, "missing"))
	assert.Equal(t, []string{patientId, doctorId}, d.Users("r1"), "expected user kept while another connection remains")

	assert.Equal(t, []string{"r2"}, d.LeaveAll(a))
	assert.Empty(t, d.Rooms(a))
	assert.Zero(t, d.Size("r2"))
	assert.Nil(t, d.Users("r2"))

	d.Leave(a2, "r1")
	d.Leave(b, "r1")
	assert.Empty(t, d.rooms, "expected empty rooms to be dropped")
	assert.Empty(t, d.memberOf)
}

func TestDirectory_Broadcast(t *testing.T) {
	d := NewDirectory(testutil.TestLogger(t))
	a := newTestClient(t, "a", patientId, types.RolePatient)
	b := newTestClient(t, "b", doctorId, types.RoleDoctor)
	outsider := newTestClient(t, "c", otherId, types.RolePatient)

	d.Join(a, "r1")
	d.Join(b, "r1")
	d.Join(outsider, "r2")

	t.Run("whole room", func(t *testing.T) {
		d.Broadcast("r1", "message", "hello")

		for _, c := range []*Client{a, b} {
			msgs := drain(c)
			require.Len(t, msgs, 1)
			assert.Equal(t, "message", msgs[0].Event)
			assert.Equal(t, "hello", msgs[0].Data)
		}
		assert.Empty(t, drain(outsider))
	})

	t.Run("skips sender", func(t *testing.T) {
		d.BroadcastExcept("r1", "call-made", "offer", a.id)

		assert.Empty(t, drain(a))
		assert.Len(t, drain(b), 1)
	})

	t.Run("empty room", func(t *testing.T) {
		assert.NotPanics(t, func() { d.Broadcast("nobody", "message", "x") })
	})
}

type failingRelay struct{ *relay.LocalRelay }

func (failingRelay) Publish(context.Context, relay.Envelope) error {
	return errors.New("redis down")
}

func TestDirectory_Relay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("delivers across directories", func(t *testing.T) {
		r := relay.NewLocalRelay()
		defer r.Close()

		first := NewDirectory(testutil.TestLogger(t))
		second := NewDirectory(testutil.TestLogger(t))
		require.NoError(t, first.UseRelay(ctx, r))
		require.NoError(t, second.UseRelay(ctx, r))

		a := newTestClient(t, "a", patientId, types.RolePatient)
		b := newTestClient(t, "b", doctorId, types.RoleDoctor)
		first.Join(a, "r1")
		second.Join(b, "r1")

		first.BroadcastExcept("r1", "message", map[string]string{"message": "hi"}, a.id)

		assert.Eventually(t, func() bool { return len(b.send) == 1 }, time.Second, 5*time.Millisecond)
		msg := <-b.send
		assert.Equal(t, "message", msg.Event)
		assert.JSONEq(t, `{"message":"hi"}`, string(msg.Data.(json.RawMessage)))

		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, drain(a), "expected skipped connection to get nothing")
	})

	t.Run("falls back to local delivery", func(t *testing.T) {
		d := NewDirectory(testutil.TestLogger(t))
		require.NoError(t, d.UseRelay(ctx, failingRelay{relay.NewLocalRelay()}))

		a := newTestClient(t, "a", patientId, types.RolePatient)
		d.Join(a, "r1")
		d.Broadcast("r1", "message", "hi")

		msgs := drain(a)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hi", msgs[0].Data)
	})
}

func TestDirectory_JoinIf(t *testing.T) {
	logger := testutil.TestLogger(t)
	d := NewDirectory(logger)
	calls := signaling.NewService(logger, d, stats.NopStats{}, signaling.Config{})
	t.Cleanup(calls.Shutdown)

	room := types.CallRoom("appt-1")
	doc := newTestClient(t, "doc", doctorId, types.RoleDoctor)
	d.Join(doc, room)
	require.NoError(t, calls.CallUser(signaling.Participant{ConnId: doc.id, UserId: doctorId}, room, json.RawMessage(`{}`)))

	// one seat left and many users racing for it
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			userId := types.NewId()
			c := newTestClient(t, userId, userId, types.RolePatient)
			joined, err := d.JoinIf(c, room, func(users []string) error {
				return calls.CheckJoin(room, userId, users)
			})
			if err == nil && joined {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Len(t, d.Users(room), 2)
}

func waitEvent(t *testing.T, c *Client, event string) *ServerMessage {
	t.Helper()

	timeout := time.After(time.Second)
	for {
		select {
		case m := <-c.send:
			if m.Event == event {
				return m
			}
		case <-timeout:
			t.Fatalf("no %s event for %s", event, c.id)
			return nil
		}
	}
}

func TestDirectory_RelayedCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newInstance := func(t *testing.T, r relay.Relay, cfg signaling.Config) (*Directory, *signaling.Service) {
		logger := testutil.TestLogger(t)
		d := NewDirectory(logger)
		require.NoError(t, d.UseRelay(ctx, r))
		cfg.Shared = true
		calls := signaling.NewService(logger, d, stats.NopStats{}, cfg)
		d.OnRemote(calls.RemoteEvent)
		t.Cleanup(calls.Shutdown)
		return d, calls
	}

	t.Run("answer and hang up from the other instance", func(t *testing.T) {
		r := relay.NewLocalRelay()
		defer r.Close()
		dirA, sigA := newInstance(t, r, signaling.Config{})
		dirB, sigB := newInstance(t, r, signaling.Config{})

		room := types.CallRoom("appt-2")
		a := newTestClient(t, "a", doctorId, types.RoleDoctor)
		b := newTestClient(t, "b", patientId, types.RolePatient)
		dirA.Join(a, room)
		dirB.Join(b, room)

		require.NoError(t, sigA.CallUser(signaling.Participant{ConnId: a.id, UserId: doctorId}, room, json.RawMessage(`{"type":"offer"}`)))
		waitEvent(t, b, signaling.EventCallMade)
		assert.Equal(t, signaling.Ringing, sigB.State(room))

		require.NoError(t, sigB.AnswerCall(signaling.Participant{ConnId: b.id, UserId: patientId}, room, json.RawMessage(`{"type":"answer"}`)))
		waitEvent(t, a, signaling.EventCallAnswered)
		assert.Equal(t, signaling.Connected, sigA.State(room))
		assert.Equal(t, signaling.Connected, sigB.State(room))

		assert.True(t, sigB.EndCall(signaling.Participant{ConnId: b.id, UserId: patientId}, room))
		waitEvent(t, a, signaling.EventCallEnded)
		waitEvent(t, b, signaling.EventCallEnded)
		assert.Equal(t, signaling.Idle, sigA.State(room))
		assert.Equal(t, signaling.Idle, sigB.State(room))

		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, drain(a), "expected a single call-ended")
		assert.Empty(t, drain(b))
	})

	t.Run("ring timeout reaches the other instance", func(t *testing.T) {
		r := relay.NewLocalRelay()
		defer r.Close()
		dirA, sigA := newInstance(t, r, signaling.Config{RingTimeout: 20 * time.Millisecond})
		dirB, sigB := newInstance(t, r, signaling.Config{RingTimeout: time.Hour})

		room := types.CallRoom("appt-3")
		a := newTestClient(t, "a", doctorId, types.RoleDoctor)
		b := newTestClient(t, "b", patientId, types.RolePatient)
		dirA.Join(a, room)
		dirB.Join(b, room)

		require.NoError(t, sigA.CallUser(signaling.Participant{ConnId: a.id, UserId: doctorId}, room, json.RawMessage(`{}`)))
		waitEvent(t, b, signaling.EventCallMade)

		f := waitEvent(t, b, signaling.EventCallEnded)
		assert.JSONEq(t, `{"reason":"timeout"}`, string(f.Data.(json.RawMessage)))
		assert.Equal(t, signaling.Idle, sigB.State(room))
	})
}
