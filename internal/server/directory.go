package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/relay"
	"github.com/npezzotti/caresync-rtc/internal/types"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

type room struct {
	name    string
	clients map[*Client]struct{}
	// connections per user id, used to tell distinct users apart
	userMap map[string]map[*Client]struct{}
}

func newRoom(name string) *room {
	return &room{
		name:    name,
		clients: make(map[*Client]struct{}),
		userMap: make(map[string]map[*Client]struct{}),
	}
}

func (r *room) addClient(c *Client) bool {
	if _, ok := r.clients[c]; ok {
		return false
	}

	r.clients[c] = struct{}{}
	if r.userMap[c.identity.UserId] == nil {
		r.userMap[c.identity.UserId] = make(map[*Client]struct{})
	}
	r.userMap[c.identity.UserId][c] = struct{}{}
	return true
}

func (r *room) removeClient(c *Client) bool {
	if _, ok := r.clients[c]; !ok {
		return false
	}

	delete(r.clients, c)
	if userClients, ok := r.userMap[c.identity.UserId]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.identity.UserId)
		}
	}
	return true
}

// Directory tracks which live connections are joined to which rooms and
// delivers room broadcasts to them. Rooms exist only while they have members.
// When a relay is attached, broadcasts go through it so connections held by
// other instances receive them too.
type Directory struct {
	log      *zap.Logger
	mu       sync.RWMutex
	rooms    map[string]*room
	memberOf map[*Client]map[string]struct{}
	relay    relay.Relay
	origin   string
	onRemote func(room, event string, data json.RawMessage)
}

func NewDirectory(logger *zap.Logger) *Directory {
	return &Directory{
		log:      logger.Named("directory"),
		rooms:    make(map[string]*room),
		memberOf: make(map[*Client]map[string]struct{}),
		origin:   types.NewId(),
	}
}

// UseRelay routes every later broadcast through r and starts delivering what
// arrives on it until ctx is cancelled.
func (d *Directory) UseRelay(ctx context.Context, r relay.Relay) error {
	if err := r.StartForwarder(ctx, d.deliverEnvelope); err != nil {
		return err
	}

	d.mu.Lock()
	d.relay = r
	d.mu.Unlock()

	d.log.Info("room broadcasts relayed", zap.String("origin", d.origin))
	return nil
}

// OnRemote registers fn for every broadcast that reaches this directory
// through the relay from another instance. fn runs before local delivery.
func (d *Directory) OnRemote(fn func(room, event string, data json.RawMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRemote = fn
}

// Join adds c to room. Joining a room twice is a no-op and reports false.
func (d *Directory) Join(c *Client, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.joinLocked(c, name)
}

// JoinIf adds c to room if admit, given the room's current distinct users,
// returns nil. The check and the insert happen under one lock so concurrent
// joins see each other.
func (d *Directory) JoinIf(c *Client, name string, admit func(users []string) error) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := admit(d.usersLocked(name)); err != nil {
		return false, err
	}
	return d.joinLocked(c, name), nil
}

func (d *Directory) joinLocked(c *Client, name string) bool {
	r, ok := d.rooms[name]
	if !ok {
		r = newRoom(name)
		d.rooms[name] = r
	}
	if !r.addClient(c) {
		return false
	}

	if d.memberOf[c] == nil {
		d.memberOf[c] = make(map[string]struct{})
	}
	d.memberOf[c][name] = struct{}{}

	d.log.Debug("joined room",
		zap.String("room", name),
		zap.String("conn_id", c.id),
		zap.String("user_id", c.identity.UserId),
	)
	return true
}

// Leave removes c from room, reporting whether it was a member.
func (d *Directory) Leave(c *Client, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.leaveLocked(c, name)
}

func (d *Directory) leaveLocked(c *Client, name string) bool {
	r, ok := d.rooms[name]
	if !ok || !r.removeClient(c) {
		return false
	}
	if len(r.clients) == 0 {
		delete(d.rooms, name)
	}

	if rooms, ok := d.memberOf[c]; ok {
		delete(rooms, name)
		if len(rooms) == 0 {
			delete(d.memberOf, c)
		}
	}

	d.log.Debug("left room", zap.String("room", name), zap.String("conn_id", c.id))
	return true
}

// LeaveAll removes c from every room and returns the rooms it was in.
func (d *Directory) LeaveAll(c *Client) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var left []string
	for name := range d.memberOf[c] {
		left = append(left, name)
	}
	for _, name := range left {
		d.leaveLocked(c, name)
	}

	sort.Strings(left)
	return left
}

func (d *Directory) IsMember(c *Client, name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.memberOf[c][name]
	return ok
}

// Rooms returns the rooms c is joined to.
func (d *Directory) Rooms(c *Client) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rooms := make([]string, 0, len(d.memberOf[c]))
	for name := range d.memberOf[c] {
		rooms = append(rooms, name)
	}
	sort.Strings(rooms)
	return rooms
}

// Users returns the distinct user ids with at least one connection in room.
func (d *Directory) Users(name string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.usersLocked(name)
}

func (d *Directory) usersLocked(name string) []string {
	r, ok := d.rooms[name]
	if !ok {
		return nil
	}

	users := make([]string, 0, len(r.userMap))
	for id := range r.userMap {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Size returns the number of connections joined to room.
func (d *Directory) Size(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if r, ok := d.rooms[name]; ok {
		return len(r.clients)
	}
	return 0
}

func (d *Directory) Broadcast(room, event string, data any) {
	d.BroadcastExcept(room, event, data, "")
}

// BroadcastExcept delivers event to every connection in room other than the
// one with id skipConnId. If the relay cannot be reached the event is still
// delivered to local connections.
func (d *Directory) BroadcastExcept(room, event string, data any, skipConnId string) {
	d.mu.RLock()
	r := d.relay
	d.mu.RUnlock()

	if r != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			d.log.Error("encode broadcast", zap.String("event", event), zap.Error(err))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = r.Publish(ctx, relay.Envelope{
			Origin: d.origin,
			Room:   room,
			Event:  event,
			Data:   raw,
			Skip:   skipConnId,
		})
		cancel()
		if err == nil {
			return
		}
		d.log.Warn("relay publish failed, delivering locally", zap.String("room", room), zap.Error(err))
	}

	d.deliver(room, Event(event, data), skipConnId)
}

func (d *Directory) deliverEnvelope(env relay.Envelope) {
	if env.Origin != d.origin {
		d.mu.RLock()
		fn := d.onRemote
		d.mu.RUnlock()
		if fn != nil {
			fn(env.Room, env.Event, env.Data)
		}
	}

	var data any
	if len(env.Data) > 0 {
		data = env.Data
	}
	d.deliver(env.Room, Event(env.Event, data), env.Skip)
}

func (d *Directory) deliver(name string, msg *ServerMessage, skipConnId string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[name]
	if !ok {
		return 0
	}

	delivered := 0
	for c := range r.clients {
		if skipConnId != "" && c.id == skipConnId {
			continue
		}
		if c.queueMessage(msg) {
			delivered++
		}
	}
	return delivered
}
