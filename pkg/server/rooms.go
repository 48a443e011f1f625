package server

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/tricklobby/pkg/protocol"
)

const (
	minRoomCapacity     = 2
	defaultRoomCapacity = 3
	maxRoomPassword     = 72 // bcrypt ignores anything longer
)

// room is a game table inside the lobby. The first member is the host;
// when the host leaves the longest-seated member takes over, and the room
// disappears with its last member.
type room struct {
	name         string
	passwordHash []byte // nil: open room
	capacity     int
	members      []*Session
}

func (r *room) host() *Session {
	return r.members[0]
}

func (r *room) full() bool {
	return len(r.members) >= r.capacity
}

func (r *room) info() protocol.RoomInfo {
	ids := make([]uint64, len(r.members))
	for i, sess := range r.members {
		ids[i] = sess.ID
	}
	return protocol.RoomInfo{
		Name:     r.name,
		Host:     r.host().ID,
		Members:  ids,
		Capacity: r.capacity,
		Locked:   r.passwordHash != nil,
	}
}

// roomTable is owned by the dispatcher goroutine and needs no locking.
type roomTable struct {
	byName    map[string]*room // lower-cased name
	bySession map[*Session]*room
}

func newRoomTable() *roomTable {
	return &roomTable{
		byName:    make(map[string]*room),
		bySession: make(map[*Session]*room),
	}
}

func (t *roomTable) lookup(name string) (*room, bool) {
	r, ok := t.byName[strings.ToLower(name)]
	return r, ok
}

func (t *roomTable) add(r *room, host *Session) {
	r.members = []*Session{host}
	t.byName[strings.ToLower(r.name)] = r
	t.bySession[host] = r
}

func (t *roomTable) seat(r *room, sess *Session) {
	r.members = append(r.members, sess)
	t.bySession[sess] = r
}

// remove unseats sess and reports the room it was in and whether that
// room still exists.
func (t *roomTable) remove(sess *Session) (r *room, open bool) {
	r, ok := t.bySession[sess]
	if !ok {
		return nil, false
	}
	delete(t.bySession, sess)
	r.members = slices.DeleteFunc(r.members, func(m *Session) bool { return m == sess })
	if len(r.members) == 0 {
		delete(t.byName, strings.ToLower(r.name))
		return r, false
	}
	return r, true
}

func (t *roomTable) list() []protocol.RoomInfo {
	rooms := make([]protocol.RoomInfo, 0, len(t.byName))
	for _, r := range t.byName {
		rooms = append(rooms, r.info())
	}
	slices.SortFunc(rooms, func(a, b protocol.RoomInfo) int {
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return rooms
}

func (t *roomTable) len() int {
	return len(t.byName)
}

func (d *Dispatcher) validateRoomName(name string) error {
	maxLen := d.cfg.MaxDisplayNameLength
	if maxLen <= 0 {
		maxLen = DefaultConfig().MaxDisplayNameLength
	}
	if len(name) < minDisplayNameLength || len(name) > maxLen {
		return invalidArg("room name must be %d-%d characters", minDisplayNameLength, maxLen)
	}
	if !displayNameRegex.MatchString(name) {
		return invalidArg("room name may only contain letters, digits, '_' and '-'")
	}
	return nil
}

func (d *Dispatcher) roomCapacity(raw string) (int, error) {
	maxCap := d.cfg.MaxRoomCapacity
	if maxCap < minRoomCapacity {
		maxCap = DefaultConfig().MaxRoomCapacity
	}
	if raw == "" {
		return min(defaultRoomCapacity, maxCap), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < minRoomCapacity || n > maxCap {
		return 0, invalidArg("capacity must be a number from %d to %d", minRoomCapacity, maxCap)
	}
	return n, nil
}

// notifyRoom sends the room's state to its members, plus to extra (a
// session that was just removed), skipping the one the change came from.
func (d *Dispatcher) notifyRoom(r *room, skip *Session, extra *Session) {
	update := protocol.Room{Room: r.info()}
	recipients := r.members
	if extra != nil {
		recipients = append(slices.Clip(recipients), extra)
	}
	d.broadcast(recipients, skip, update)
}

// leaveRoom unseats sess from whatever room it is in, if any, and tells
// the remaining members. The caller decides whether sess hears about it.
func (d *Dispatcher) leaveRoom(sess *Session) *room {
	wasHost := false
	if r, ok := d.rooms.bySession[sess]; ok {
		wasHost = r.host() == sess
	}
	r, open := d.rooms.remove(sess)
	if r == nil {
		return nil
	}
	log := logger.WithFields(sess.fields()).WithField("room", r.name)
	if !open {
		d.metrics.RecordActiveRooms(d.rooms.len())
		log.Info("room closed")
		return r
	}
	if wasHost {
		log.WithField("host", r.host().ID).Info("room host handed over")
	}
	d.notifyRoom(r, sess, nil)
	return r
}

func (d *Dispatcher) cmdCreateRoom(sess *Session, msg protocol.Message, args map[string]string) error {
	name := args["name"]
	if err := d.validateRoomName(name); err != nil {
		return err
	}
	if current, ok := d.rooms.bySession[sess]; ok {
		return invalidArg("already in room %q", current.name)
	}
	if _, taken := d.rooms.lookup(name); taken {
		return invalidArg("room %q already exists", name)
	}
	if d.cfg.MaxRooms > 0 && d.rooms.len() >= d.cfg.MaxRooms {
		return invalidArg("room limit of %d reached", d.cfg.MaxRooms)
	}
	capacity, err := d.roomCapacity(args["capacity"])
	if err != nil {
		return err
	}

	r := &room{name: name, capacity: capacity}
	if password := args["password"]; password != "" {
		if len(password) > maxRoomPassword {
			return invalidArg("password exceeds %d bytes", maxRoomPassword)
		}
		// Room passwords are short-lived, so the minimum cost keeps the
		// dispatcher from stalling on them.
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			return err
		}
		r.passwordHash = hash
	}
	d.rooms.add(r, sess)
	d.metrics.RecordActiveRooms(d.rooms.len())

	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, Rooms: []protocol.RoomInfo{r.info()}})
	logger.WithFields(sess.fields()).WithField("room", name).WithField("capacity", capacity).Info("room created")
	return nil
}

func (d *Dispatcher) cmdJoinRoom(sess *Session, msg protocol.Message, args map[string]string) error {
	name := args["name"]
	r, ok := d.rooms.lookup(name)
	if !ok {
		return invalidArg("no room %q", name)
	}
	if current, ok := d.rooms.bySession[sess]; ok {
		return invalidArg("already in room %q", current.name)
	}
	if r.passwordHash != nil {
		if err := bcrypt.CompareHashAndPassword(r.passwordHash, []byte(args["password"])); err != nil {
			return unauthorized("wrong password for room %q", r.name)
		}
	}
	if r.full() {
		return invalidArg("room %q is full", r.name)
	}

	d.rooms.seat(r, sess)
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, Rooms: []protocol.RoomInfo{r.info()}})
	d.notifyRoom(r, sess, nil)

	logger.WithFields(sess.fields()).WithField("room", r.name).Info("joined room")
	return nil
}

func (d *Dispatcher) cmdLeaveRoom(sess *Session, msg protocol.Message, args map[string]string) error {
	r := d.leaveRoom(sess)
	if r == nil {
		return invalidArg("not in a room")
	}
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, Text: "left " + r.name})
	return nil
}

func (d *Dispatcher) cmdRooms(sess *Session, msg protocol.Message, args map[string]string) error {
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, Rooms: d.rooms.list()})
	return nil
}

func (d *Dispatcher) cmdRoomChat(sess *Session, msg protocol.Message, args map[string]string) error {
	r, ok := d.rooms.bySession[sess]
	if !ok {
		return invalidArg("not in a room")
	}
	text := args["text"]
	if err := d.checkChatText(text); err != nil {
		return err
	}
	d.broadcast(r.members, sess, protocol.Broadcast{
		From:        sess.ID,
		DisplayName: sess.DisplayName,
		Room:        r.name,
		Text:        text,
		SentAt:      d.now().UnixMilli(),
	})
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq})
	return nil
}

// cmdRoomKick lets a room's host remove another member. The member stays
// in the lobby.
func (d *Dispatcher) cmdRoomKick(sess *Session, msg protocol.Message, args map[string]string) error {
	r, ok := d.rooms.bySession[sess]
	if !ok {
		return invalidArg("not in a room")
	}
	if r.host() != sess {
		return unauthorized("only the host of %q can remove members", r.name)
	}
	id, err := parseSessionID(args["id"])
	if err != nil {
		return err
	}
	if id == sess.ID {
		return invalidArg("cannot remove yourself, use leave_room")
	}
	target, err := d.registry.Lookup(id)
	if err != nil || d.rooms.bySession[target] != r {
		return unknownSession("session %d is not in room %q", id, r.name)
	}

	d.rooms.remove(target)
	d.notifyRoom(r, sess, target)
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, Text: "removed " + target.DisplayName, Rooms: []protocol.RoomInfo{r.info()}})

	logger.WithFields(sess.fields()).WithField("room", r.name).WithField("target", id).Info("removed from room")
	return nil
}
