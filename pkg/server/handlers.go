package server

import (
	"regexp"
	"slices"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/tricklobby/pkg/protocol"
)

const (
	minDisplayNameLength = 3
	maxEchoLength        = 256
	defaultKickReason    = "removed by an admin"
)

var displayNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func (d *Dispatcher) validateDisplayName(name string) error {
	maxLen := d.cfg.MaxDisplayNameLength
	if maxLen <= 0 {
		maxLen = DefaultConfig().MaxDisplayNameLength
	}
	if len(name) < minDisplayNameLength || len(name) > maxLen {
		return invalidArg("display name must be %d-%d characters", minDisplayNameLength, maxLen)
	}
	if !displayNameRegex.MatchString(name) {
		return invalidArg("display name may only contain letters, digits, '_' and '-'")
	}
	return nil
}

// handleJoin registers a connecting session. Everything is validated
// before the registry is touched.
func (d *Dispatcher) handleJoin(sess *Session, msg protocol.Message) error {
	req := msg.Body.(protocol.Join)

	if sess.State() != StateConnecting {
		return invalidArg("already joined")
	}
	if err := d.validateDisplayName(req.DisplayName); err != nil {
		return err
	}
	if _, taken := d.registry.FindByName(req.DisplayName); taken {
		return invalidArg("display name %q is already taken", req.DisplayName)
	}

	role := req.Role.Normalize()
	if !role.Valid() {
		return invalidArg("unknown role %q", req.Role)
	}
	if role == protocol.RoleAdmin {
		if d.cfg.AdminPasswordHash == "" {
			return unauthorized("admin role is disabled on this server")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(d.cfg.AdminPasswordHash), []byte(req.Password)); err != nil {
			return unauthorized("admin password rejected")
		}
	}

	sess.DisplayName = req.DisplayName
	sess.Role = role
	id := d.registry.Register(sess)
	sess.setState(StateActive)
	sess.stopHandshake()

	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, SessionID: id})
	d.broadcast(d.registry.Snapshot(), sess, protocol.Joined{SessionID: id, DisplayName: sess.DisplayName, Role: role})

	logger.WithFields(sess.fields()).WithField("name", sess.DisplayName).WithField("role", role).Info("session joined")
	return nil
}

// handleLeave ends an active session: the others learn about it before
// the leaver gets its ACK, then the connection is flushed and closed.
func (d *Dispatcher) handleLeave(sess *Session, msg protocol.Message) error {
	if !sess.transition(StateActive, StateClosing) {
		return unknownSession("not joined")
	}
	d.teardown(sess, ErrLeft, protocol.Ack{RefID: msg.Seq})
	return nil
}

func (d *Dispatcher) handleHeartbeat(sess *Session, msg protocol.Message) error {
	// Activity is recorded by the connection on every inbound frame.
	return nil
}

func (d *Dispatcher) handleCommand(sess *Session, msg protocol.Message) error {
	if sess.State() != StateActive {
		return unknownSession("join before sending commands")
	}
	req := msg.Body.(protocol.Command)

	cmd, ok := d.commands[req.Name]
	if !ok {
		return invalidArg("unknown command %q", req.Name)
	}
	if !cmd.allows(sess.Role) {
		return unauthorized("%s is not permitted for role %s", req.Name, sess.Role)
	}
	if err := cmd.checkArgs(req.Name, req.Args); err != nil {
		return err
	}
	return cmd.run(d, sess, msg, req.Args)
}

type command struct {
	roles    []protocol.Role // nil: every role
	required []string
	optional []string
	run      func(d *Dispatcher, sess *Session, msg protocol.Message, args map[string]string) error
}

func (c command) allows(role protocol.Role) bool {
	return c.roles == nil || slices.Contains(c.roles, role)
}

func (c command) checkArgs(name string, args map[string]string) error {
	for key := range args {
		if !slices.Contains(c.required, key) && !slices.Contains(c.optional, key) {
			return invalidArg("unexpected argument %q for %s", key, name)
		}
	}
	for _, key := range c.required {
		if _, ok := args[key]; !ok {
			return invalidArg("%s requires argument %q", name, key)
		}
	}
	return nil
}

func defaultCommands() map[string]command {
	speakers := []protocol.Role{protocol.RolePlayer, protocol.RoleAdmin}
	admins := []protocol.Role{protocol.RoleAdmin}
	return map[string]command{
		"ping":     {optional: []string{"echo"}, run: (*Dispatcher).cmdPing},
		"who":      {run: (*Dispatcher).cmdWho},
		"whois":    {required: []string{"id"}, run: (*Dispatcher).cmdWhois},
		"rename":   {roles: speakers, required: []string{"displayName"}, run: (*Dispatcher).cmdRename},
		"chat":     {roles: speakers, required: []string{"text"}, run: (*Dispatcher).cmdChat},
		"announce": {roles: admins, required: []string{"text"}, run: (*Dispatcher).cmdAnnounce},
		"kick":     {roles: admins, required: []string{"id"}, optional: []string{"reason"}, run: (*Dispatcher).cmdKick},

		"create_room": {roles: speakers, required: []string{"name"}, optional: []string{"password", "capacity"}, run: (*Dispatcher).cmdCreateRoom},
		"join_room":   {roles: speakers, required: []string{"name"}, optional: []string{"password"}, run: (*Dispatcher).cmdJoinRoom},
		"leave_room":  {roles: speakers, run: (*Dispatcher).cmdLeaveRoom},
		"rooms":       {run: (*Dispatcher).cmdRooms},
		"room_chat":   {roles: speakers, required: []string{"text"}, run: (*Dispatcher).cmdRoomChat},
		"room_kick":   {roles: speakers, required: []string{"id"}, run: (*Dispatcher).cmdRoomKick},
	}
}

func parseSessionID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, invalidArg("invalid session id %q", raw)
	}
	return id, nil
}

func (d *Dispatcher) cmdPing(sess *Session, msg protocol.Message, args map[string]string) error {
	text := "pong"
	if echo, ok := args["echo"]; ok {
		if len(echo) > maxEchoLength {
			return invalidArg("echo exceeds %d bytes", maxEchoLength)
		}
		text = echo
	}
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, Text: text})
	return nil
}

func (d *Dispatcher) cmdWho(sess *Session, msg protocol.Message, args map[string]string) error {
	snapshot := d.registry.Snapshot()
	members := make([]protocol.Member, 0, len(snapshot))
	for _, s := range snapshot {
		members = append(members, s.Member())
	}
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, Members: members})
	return nil
}

func (d *Dispatcher) cmdWhois(sess *Session, msg protocol.Message, args map[string]string) error {
	id, err := parseSessionID(args["id"])
	if err != nil {
		return err
	}
	target, err := d.registry.Lookup(id)
	if err != nil {
		return unknownSession("no session %d", id)
	}
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, Members: []protocol.Member{target.Member()}})
	return nil
}

func (d *Dispatcher) cmdRename(sess *Session, msg protocol.Message, args map[string]string) error {
	name := args["displayName"]
	if err := d.validateDisplayName(name); err != nil {
		return err
	}
	if other, taken := d.registry.FindByName(name); taken && other != sess {
		return invalidArg("display name %q is already taken", name)
	}

	old := sess.DisplayName
	sess.DisplayName = name
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq})
	d.broadcast(d.registry.Snapshot(), sess, protocol.Renamed{SessionID: sess.ID, DisplayName: name})

	logger.WithFields(sess.fields()).WithField("from", old).WithField("to", name).Info("session renamed")
	return nil
}

func (d *Dispatcher) checkChatText(text string) error {
	maxLen := d.cfg.MaxChatLength
	if maxLen <= 0 {
		maxLen = DefaultConfig().MaxChatLength
	}
	if text == "" {
		return invalidArg("text must not be empty")
	}
	if len(text) > maxLen {
		return invalidArg("text exceeds %d bytes", maxLen)
	}
	return nil
}

func (d *Dispatcher) cmdChat(sess *Session, msg protocol.Message, args map[string]string) error {
	text := args["text"]
	if err := d.checkChatText(text); err != nil {
		return err
	}
	d.broadcast(d.registry.Snapshot(), sess, protocol.Broadcast{
		From:        sess.ID,
		DisplayName: sess.DisplayName,
		Text:        text,
		SentAt:      d.now().UnixMilli(),
	})
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq})
	return nil
}

func (d *Dispatcher) cmdAnnounce(sess *Session, msg protocol.Message, args map[string]string) error {
	text := args["text"]
	if err := d.checkChatText(text); err != nil {
		return err
	}
	sent := d.broadcast(d.registry.Snapshot(), sess, protocol.Broadcast{
		Text:   text,
		SentAt: d.now().UnixMilli(),
	})
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq})
	logger.WithFields(sess.fields()).WithField("recipients", sent).Info("announcement sent")
	return nil
}

// cmdKick disconnects another session. Only the target's connection is
// closed here; its reader reports the closure and the usual teardown
// announces LEFT.
func (d *Dispatcher) cmdKick(sess *Session, msg protocol.Message, args map[string]string) error {
	id, err := parseSessionID(args["id"])
	if err != nil {
		return err
	}
	if id == sess.ID {
		return invalidArg("cannot kick yourself")
	}
	target, err := d.registry.Lookup(id)
	if err != nil || target.State() != StateActive {
		return unknownSession("no session %d", id)
	}

	reason := args["reason"]
	if reason == "" {
		reason = defaultKickReason
	}
	d.sendTo(target, protocol.Disconnect{Reason: reason})
	target.Conn.CloseWith(ErrKicked)
	d.sendTo(sess, protocol.Ack{RefID: msg.Seq, Text: "kicked " + target.DisplayName})

	logger.WithFields(sess.fields()).WithField("target", id).WithField("reason", reason).Info("session kicked")
	return nil
}
