package server

import (
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/tricklobby/pkg/protocol"
	"github.com/aeolun/tricklobby/pkg/transport"
)

func hashForTest(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

// lobbyFixture drives a dispatcher directly, with each session's
// connection on one end of a net.Pipe and a lobbyClient on the other.
type lobbyFixture struct {
	t        *testing.T
	cfg      Config
	registry *Registry
	d        *Dispatcher
}

func newLobbyFixture(t *testing.T, mutate func(*Config)) *lobbyFixture {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	registry := NewRegistry(nil)
	d := NewDispatcher(cfg, registry, nil)
	go d.Run()
	t.Cleanup(func() {
		d.Stop()
		<-d.Done()
	})
	return &lobbyFixture{t: t, cfg: cfg, registry: registry, d: d}
}

func (f *lobbyFixture) connect(name string) (*Session, *lobbyClient) {
	f.t.Helper()
	a, b := net.Pipe()
	conn := transport.New(a, transport.Options{
		MaxFrameBytes: f.cfg.MaxFrameBytes,
		QueueSize:     16,
		WriteTimeout:  time.Second,
		FlushTimeout:  200 * time.Millisecond,
	})
	sess := newSession(conn, "pipe")
	peer := newLobbyClient(f.t, name, b, func() { b.Close() })
	f.t.Cleanup(func() { conn.Close() })
	return sess, peer
}

func (f *lobbyFixture) submit(sess *Session, seq uint64, body protocol.Body) {
	f.d.Submit(sess, protocol.Message{Seq: seq, Body: body})
}

func (f *lobbyFixture) join(sess *Session, peer *lobbyClient, name string, role protocol.Role) uint64 {
	f.t.Helper()
	f.submit(sess, 1, protocol.Join{DisplayName: name, Role: role})
	ack := expectBody[protocol.Ack](f.t, peer)
	require.Equal(f.t, uint64(1), ack.RefID)
	return ack.SessionID
}

func (f *lobbyFixture) expectError(peer *lobbyClient, refID uint64, kind protocol.ErrorKind) protocol.Error {
	f.t.Helper()
	errMsg := expectBody[protocol.Error](f.t, peer)
	assert.Equal(f.t, refID, errMsg.RefID)
	assert.Equal(f.t, kind, errMsg.Code, "detail: %s", errMsg.Detail)
	return errMsg
}

func TestJoinAssignsIncreasingIDs(t *testing.T) {
	f := newLobbyFixture(t, nil)

	var last uint64
	for i := range 5 {
		sess, peer := f.connect(fmt.Sprintf("p%d", i))
		id := f.join(sess, peer, fmt.Sprintf("player%d", i), "")
		assert.Greater(t, id, last)
		assert.Equal(t, StateActive, sess.State())
		assert.Equal(t, protocol.RolePlayer, sess.Role)
		last = id
	}
	assert.Equal(t, 5, f.registry.Len())
}

func TestJoinValidation(t *testing.T) {
	hash := hashForTest(t, "s3cret")

	tests := []struct {
		name     string
		adminOff bool
		join     protocol.Join
		wantKind protocol.ErrorKind
	}{
		{name: "too short", join: protocol.Join{DisplayName: "ab"}, wantKind: protocol.ErrKindInvalidArg},
		{name: "too long", join: protocol.Join{DisplayName: strings.Repeat("x", 21)}, wantKind: protocol.ErrKindInvalidArg},
		{name: "space", join: protocol.Join{DisplayName: "bad name"}, wantKind: protocol.ErrKindInvalidArg},
		{name: "unicode", join: protocol.Join{DisplayName: "naïve"}, wantKind: protocol.ErrKindInvalidArg},
		{name: "unknown role", join: protocol.Join{DisplayName: "wizard", Role: "wizard"}, wantKind: protocol.ErrKindInvalidArg},
		{name: "wrong admin password", join: protocol.Join{DisplayName: "boss", Role: protocol.RoleAdmin, Password: "guess"}, wantKind: protocol.ErrKindUnauthorized},
		{name: "admin disabled", adminOff: true, join: protocol.Join{DisplayName: "boss", Role: protocol.RoleAdmin, Password: "s3cret"}, wantKind: protocol.ErrKindUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLobbyFixture(t, func(cfg *Config) {
				if !tt.adminOff {
					cfg.AdminPasswordHash = hash
				}
			})
			sess, peer := f.connect("joiner")

			f.submit(sess, 4, tt.join)
			f.expectError(peer, 4, tt.wantKind)
			assert.Equal(t, StateConnecting, sess.State())
			assert.Zero(t, f.registry.Len())
		})
	}
}

func TestJoinAsAdmin(t *testing.T) {
	f := newLobbyFixture(t, func(cfg *Config) {
		cfg.AdminPasswordHash = hashForTest(t, "s3cret")
	})
	sess, peer := f.connect("boss")

	f.submit(sess, 1, protocol.Join{DisplayName: "boss", Role: protocol.RoleAdmin, Password: "s3cret"})
	ack := expectBody[protocol.Ack](t, peer)
	assert.Equal(t, uint64(1), ack.RefID)
	assert.NotZero(t, ack.SessionID)
	assert.Equal(t, protocol.RoleAdmin, sess.Role)
	assert.Equal(t, StateActive, sess.State())
}

func TestJoinAsAdminWrongPassword(t *testing.T) {
	f := newLobbyFixture(t, func(cfg *Config) {
		cfg.AdminPasswordHash = hashForTest(t, "s3cret")
	})
	sess, peer := f.connect("boss")

	f.submit(sess, 1, protocol.Join{DisplayName: "boss", Role: protocol.RoleAdmin})
	f.expectError(peer, 1, protocol.ErrKindUnauthorized)
	f.submit(sess, 2, protocol.Join{DisplayName: "boss", Role: protocol.RoleAdmin, Password: "guess"})
	f.expectError(peer, 2, protocol.ErrKindUnauthorized)
	assert.Equal(t, StateConnecting, sess.State())
	assert.Zero(t, f.registry.Len())
}

func TestJoinTwice(t *testing.T) {
	f := newLobbyFixture(t, nil)
	sess, peer := f.connect("alice")
	id := f.join(sess, peer, "alice", "")

	f.submit(sess, 2, protocol.Join{DisplayName: "alice2"})
	f.expectError(peer, 2, protocol.ErrKindInvalidArg)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "alice", sess.DisplayName)
}

func TestDisplayNamesIgnoreCase(t *testing.T) {
	f := newLobbyFixture(t, nil)
	alice, alicePeer := f.connect("alice")
	f.join(alice, alicePeer, "Alice", "")

	other, otherPeer := f.connect("other")
	f.submit(other, 1, protocol.Join{DisplayName: "ALICE"})
	f.expectError(otherPeer, 1, protocol.ErrKindInvalidArg)
	f.join(other, otherPeer, "bob", "")
	expectBody[protocol.Joined](t, alicePeer)

	f.submit(other, 2, protocol.Command{Name: "rename", Args: map[string]string{"displayName": "alice"}})
	f.expectError(otherPeer, 2, protocol.ErrKindInvalidArg)

	// Changing only the case of one's own name is allowed.
	f.submit(alice, 2, protocol.Command{Name: "rename", Args: map[string]string{"displayName": "alice"}})
	assert.Equal(t, protocol.Ack{RefID: 2}, expectBody[protocol.Ack](t, alicePeer))
	assert.Equal(t, "alice", alice.DisplayName)
}

func TestCommandBeforeJoin(t *testing.T) {
	f := newLobbyFixture(t, nil)
	sess, peer := f.connect("early")

	f.submit(sess, 1, protocol.Command{Name: "ping"})
	f.expectError(peer, 1, protocol.ErrKindUnknownSession)

	f.submit(sess, 2, protocol.Leave{})
	f.expectError(peer, 2, protocol.ErrKindUnknownSession)
}

func TestHeartbeatHasNoReply(t *testing.T) {
	f := newLobbyFixture(t, nil)
	sess, peer := f.connect("beater")

	f.submit(sess, 1, protocol.Heartbeat{})
	peer.expectQuiet(t, quietWindow)

	f.join(sess, peer, "beater", "")
	f.submit(sess, 3, protocol.Heartbeat{})
	peer.expectQuiet(t, quietWindow)
}

func TestCommandChecks(t *testing.T) {
	tests := []struct {
		name     string
		role     protocol.Role
		cmd      protocol.Command
		wantKind protocol.ErrorKind
	}{
		{name: "unknown command", cmd: protocol.Command{Name: "dance"}, wantKind: protocol.ErrKindInvalidArg},
		{name: "missing argument", cmd: protocol.Command{Name: "chat"}, wantKind: protocol.ErrKindInvalidArg},
		{name: "unexpected argument", cmd: protocol.Command{Name: "who", Args: map[string]string{"all": "1"}}, wantKind: protocol.ErrKindInvalidArg},
		{name: "empty chat", cmd: protocol.Command{Name: "chat", Args: map[string]string{"text": ""}}, wantKind: protocol.ErrKindInvalidArg},
		{name: "chat too long", cmd: protocol.Command{Name: "chat", Args: map[string]string{"text": strings.Repeat("a", 1025)}}, wantKind: protocol.ErrKindInvalidArg},
		{name: "echo too long", cmd: protocol.Command{Name: "ping", Args: map[string]string{"echo": strings.Repeat("a", maxEchoLength+1)}}, wantKind: protocol.ErrKindInvalidArg},
		{name: "spectator chat", role: protocol.RoleSpectator, cmd: protocol.Command{Name: "chat", Args: map[string]string{"text": "hi"}}, wantKind: protocol.ErrKindUnauthorized},
		{name: "player announce", cmd: protocol.Command{Name: "announce", Args: map[string]string{"text": "hi"}}, wantKind: protocol.ErrKindUnauthorized},
		{name: "player kick", cmd: protocol.Command{Name: "kick", Args: map[string]string{"id": "1"}}, wantKind: protocol.ErrKindUnauthorized},
		{name: "whois bad id", cmd: protocol.Command{Name: "whois", Args: map[string]string{"id": "zero"}}, wantKind: protocol.ErrKindInvalidArg},
		{name: "whois id 0", cmd: protocol.Command{Name: "whois", Args: map[string]string{"id": "0"}}, wantKind: protocol.ErrKindInvalidArg},
		{name: "whois absent", cmd: protocol.Command{Name: "whois", Args: map[string]string{"id": "99"}}, wantKind: protocol.ErrKindUnknownSession},
		{name: "rename invalid", cmd: protocol.Command{Name: "rename", Args: map[string]string{"displayName": "x"}}, wantKind: protocol.ErrKindInvalidArg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLobbyFixture(t, nil)
			sess, peer := f.connect("sender")
			other, otherPeer := f.connect("other")
			f.join(sess, peer, "sender", tt.role)
			f.join(other, otherPeer, "other", "")
			expectBody[protocol.Joined](t, peer)

			f.submit(sess, 2, tt.cmd)
			f.expectError(peer, 2, tt.wantKind)
			otherPeer.expectQuiet(t, quietWindow)
		})
	}
}

func TestWhoAndWhois(t *testing.T) {
	f := newLobbyFixture(t, nil)
	alice, alicePeer := f.connect("alice")
	bob, bobPeer := f.connect("bob")
	aliceID := f.join(alice, alicePeer, "alice", "")
	bobID := f.join(bob, bobPeer, "bob", protocol.RoleSpectator)
	expectBody[protocol.Joined](t, alicePeer)

	f.submit(bob, 2, protocol.Command{Name: "who"})
	ack := expectBody[protocol.Ack](t, bobPeer)
	assert.Equal(t, []protocol.Member{
		{SessionID: aliceID, DisplayName: "alice", Role: protocol.RolePlayer},
		{SessionID: bobID, DisplayName: "bob", Role: protocol.RoleSpectator},
	}, ack.Members)

	f.submit(alice, 2, protocol.Command{Name: "whois", Args: map[string]string{"id": fmt.Sprint(bobID)}})
	ack = expectBody[protocol.Ack](t, alicePeer)
	assert.Equal(t, uint64(2), ack.RefID)
	assert.Equal(t, []protocol.Member{{SessionID: bobID, DisplayName: "bob", Role: protocol.RoleSpectator}}, ack.Members)
}

func TestRename(t *testing.T) {
	f := newLobbyFixture(t, nil)
	alice, alicePeer := f.connect("alice")
	bob, bobPeer := f.connect("bob")
	aliceID := f.join(alice, alicePeer, "alice", "")
	f.join(bob, bobPeer, "bob", "")
	expectBody[protocol.Joined](t, alicePeer)

	f.submit(alice, 2, protocol.Command{Name: "rename", Args: map[string]string{"displayName": "BOB"}})
	f.expectError(alicePeer, 2, protocol.ErrKindInvalidArg)

	// Changing only the case of your own name is allowed.
	f.submit(alice, 3, protocol.Command{Name: "rename", Args: map[string]string{"displayName": "Alice"}})
	assert.Equal(t, protocol.Ack{RefID: 3}, expectBody[protocol.Ack](t, alicePeer))
	renamed := expectBody[protocol.Renamed](t, bobPeer)
	assert.Equal(t, protocol.Renamed{SessionID: aliceID, DisplayName: "Alice"}, renamed)

	_, taken := f.registry.FindByName("alice")
	assert.True(t, taken)
}

func TestChatAndAnnounce(t *testing.T) {
	f := newLobbyFixture(t, func(cfg *Config) {
		cfg.AdminPasswordHash = hashForTest(t, "pw")
	})
	now := time.UnixMilli(1_700_000_000_000)
	f.d.now = func() time.Time { return now }

	admin, adminPeer := f.connect("admin")
	player, playerPeer := f.connect("player")
	watcher, watcherPeer := f.connect("watcher")
	f.submit(admin, 1, protocol.Join{DisplayName: "admin", Role: protocol.RoleAdmin, Password: "pw"})
	expectBody[protocol.Ack](t, adminPeer)
	playerID := f.join(player, playerPeer, "player", "")
	f.join(watcher, watcherPeer, "watcher", protocol.RoleSpectator)
	expectBody[protocol.Joined](t, adminPeer)
	expectBody[protocol.Joined](t, adminPeer)
	expectBody[protocol.Joined](t, playerPeer)

	f.submit(player, 2, protocol.Command{Name: "chat", Args: map[string]string{"text": "gg"}})
	want := protocol.Broadcast{From: playerID, DisplayName: "player", Text: "gg", SentAt: now.UnixMilli()}
	assert.Equal(t, want, expectBody[protocol.Broadcast](t, adminPeer))
	assert.Equal(t, want, expectBody[protocol.Broadcast](t, watcherPeer))
	assert.Equal(t, protocol.Ack{RefID: 2}, expectBody[protocol.Ack](t, playerPeer))

	f.submit(admin, 2, protocol.Command{Name: "announce", Args: map[string]string{"text": "restart soon"}})
	want = protocol.Broadcast{Text: "restart soon", SentAt: now.UnixMilli()}
	assert.Equal(t, want, expectBody[protocol.Broadcast](t, playerPeer))
	assert.Equal(t, want, expectBody[protocol.Broadcast](t, watcherPeer))
	assert.Equal(t, protocol.Ack{RefID: 2}, expectBody[protocol.Ack](t, adminPeer))
}

func TestLeaveAnnouncesExactlyOnce(t *testing.T) {
	f := newLobbyFixture(t, nil)
	alice, alicePeer := f.connect("alice")
	bob, bobPeer := f.connect("bob")
	f.join(alice, alicePeer, "alice", "")
	bobID := f.join(bob, bobPeer, "bob", "")
	expectBody[protocol.Joined](t, alicePeer)

	f.submit(bob, 2, protocol.Leave{})
	assert.Equal(t, protocol.Ack{RefID: 2}, expectBody[protocol.Ack](t, bobPeer))
	bobPeer.expectClosed(t)

	// The reader would report the closure afterwards, possibly twice.
	f.d.Closed(bob, io.EOF)
	f.d.Closed(bob, io.EOF)

	assert.Equal(t, protocol.Left{SessionID: bobID}, expectBody[protocol.Left](t, alicePeer))
	alicePeer.expectQuiet(t, quietWindow)
	assert.Equal(t, StateClosed, bob.State())
	assert.ErrorIs(t, bob.Conn.Reason(), ErrLeft)

	_, err := f.registry.Lookup(bobID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMessagesAfterCloseAreDropped(t *testing.T) {
	f := newLobbyFixture(t, nil)
	alice, alicePeer := f.connect("alice")
	bob, bobPeer := f.connect("bob")
	f.join(alice, alicePeer, "alice", "")
	f.join(bob, bobPeer, "bob", "")
	expectBody[protocol.Joined](t, alicePeer)

	f.d.Closed(bob, io.EOF)
	f.submit(bob, 2, protocol.Command{Name: "chat", Args: map[string]string{"text": "ghost"}})

	expectBody[protocol.Left](t, alicePeer)
	alicePeer.expectQuiet(t, quietWindow)
}

func TestClosedBeforeJoinIsSilent(t *testing.T) {
	f := newLobbyFixture(t, nil)
	alice, alicePeer := f.connect("alice")
	f.join(alice, alicePeer, "alice", "")
	lurker, _ := f.connect("lurker")

	f.d.Closed(lurker, io.EOF)

	alicePeer.expectQuiet(t, quietWindow)
	assert.Equal(t, StateClosed, lurker.State())
	assert.Equal(t, 1, f.registry.Len())
}

func TestKick(t *testing.T) {
	f := newLobbyFixture(t, func(cfg *Config) {
		cfg.AdminPasswordHash = hashForTest(t, "pw")
	})
	admin, adminPeer := f.connect("admin")
	victim, victimPeer := f.connect("victim")
	f.submit(admin, 1, protocol.Join{DisplayName: "admin", Role: protocol.RoleAdmin, Password: "pw"})
	adminID := expectBody[protocol.Ack](t, adminPeer).SessionID
	victimID := f.join(victim, victimPeer, "victim", "")
	expectBody[protocol.Joined](t, adminPeer)

	f.submit(admin, 2, protocol.Command{Name: "kick", Args: map[string]string{"id": fmt.Sprint(adminID)}})
	f.expectError(adminPeer, 2, protocol.ErrKindInvalidArg)

	f.submit(admin, 3, protocol.Command{Name: "kick", Args: map[string]string{"id": "42"}})
	f.expectError(adminPeer, 3, protocol.ErrKindUnknownSession)

	f.submit(admin, 4, protocol.Command{Name: "kick", Args: map[string]string{"id": fmt.Sprint(victimID)}})
	assert.Equal(t, protocol.Disconnect{Reason: defaultKickReason}, expectBody[protocol.Disconnect](t, victimPeer))
	victimPeer.expectClosed(t)
	assert.Equal(t, protocol.Ack{RefID: 4, Text: "kicked victim"}, expectBody[protocol.Ack](t, adminPeer))
	assert.ErrorIs(t, victim.Conn.Reason(), ErrKicked)

	// Without a reader the closure has to be reported by hand.
	f.d.Closed(victim, victim.Conn.Reason())
	assert.Equal(t, protocol.Left{SessionID: victimID}, expectBody[protocol.Left](t, adminPeer))
}

func TestKickedSessionIsSilenced(t *testing.T) {
	f := newLobbyFixture(t, func(cfg *Config) {
		cfg.AdminPasswordHash = hashForTest(t, "pw")
	})
	admin, adminPeer := f.connect("admin")
	victim, victimPeer := f.connect("victim")
	f.submit(admin, 1, protocol.Join{DisplayName: "admin", Role: protocol.RoleAdmin, Password: "pw"})
	expectBody[protocol.Ack](t, adminPeer)
	victimID := f.join(victim, victimPeer, "victim", "")
	expectBody[protocol.Joined](t, adminPeer)

	f.submit(admin, 2, protocol.Command{Name: "kick", Args: map[string]string{"id": fmt.Sprint(victimID)}})
	expectBody[protocol.Ack](t, adminPeer)
	require.Equal(t, StateActive, victim.State())

	// Already queued behind the kick, before the reader noticed the closure.
	f.submit(victim, 2, protocol.Command{Name: "chat", Args: map[string]string{"text": "one last word"}})
	f.submit(victim, 3, protocol.Command{Name: "rename", Args: map[string]string{"displayName": "sneaky"}})
	f.submit(admin, 3, protocol.Command{Name: "ping"})
	assert.Equal(t, protocol.Ack{RefID: 3, Text: "pong"}, expectBody[protocol.Ack](t, adminPeer))
	assert.Equal(t, "victim", victim.DisplayName)

	f.d.Closed(victim, victim.Conn.Reason())
	assert.Equal(t, protocol.Left{SessionID: victimID}, expectBody[protocol.Left](t, adminPeer))
}

func TestOversizedReplyBecomesError(t *testing.T) {
	f := newLobbyFixture(t, func(cfg *Config) {
		cfg.MaxFrameBytes = 256
	})
	asker, askerPeer := f.connect("asker")
	f.join(asker, askerPeer, "asker", "")
	for i := range 6 {
		sess, peer := f.connect(fmt.Sprintf("member%d", i))
		f.join(sess, peer, fmt.Sprintf("member%d", i), "")
		expectBody[protocol.Joined](t, askerPeer)
	}

	f.submit(asker, 2, protocol.Command{Name: "who"})
	errMsg := f.expectError(askerPeer, 2, protocol.ErrKindInternal)
	assert.Equal(t, "reply too large", errMsg.Detail)

	// Smaller replies still fit.
	f.submit(asker, 3, protocol.Command{Name: "whois", Args: map[string]string{"id": fmt.Sprint(asker.ID)}})
	ack := expectBody[protocol.Ack](t, askerPeer)
	assert.Equal(t, uint64(3), ack.RefID)
	require.Len(t, ack.Members, 1)
	assert.Equal(t, "asker", ack.Members[0].DisplayName)
}

func TestUndecodableFrameReply(t *testing.T) {
	f := newLobbyFixture(t, nil)
	sess, peer := f.connect("client")

	f.d.SubmitUndecodable(sess, &protocol.DecodeError{Reason: protocol.UnknownKind, Kind: "dance", Seq: 9})
	errMsg := f.expectError(peer, 9, protocol.ErrKindUnknownKind)
	assert.Contains(t, errMsg.Detail, "dance")
}

func TestServerKindsAreRejected(t *testing.T) {
	f := newLobbyFixture(t, nil)
	sess, peer := f.connect("client")

	for i, body := range []protocol.Body{
		protocol.Welcome{}, protocol.Ack{}, protocol.Error{}, protocol.Joined{},
		protocol.Left{}, protocol.Renamed{}, protocol.Broadcast{}, protocol.Disconnect{},
	} {
		seq := uint64(i + 1)
		f.submit(sess, seq, body)
		f.expectError(peer, seq, protocol.ErrKindInvalidArg)
	}
}

func TestCloseReasonLabel(t *testing.T) {
	tests := []struct {
		reason error
		want   string
	}{
		{nil, "unknown"},
		{ErrLeft, "leave"},
		{ErrIdleTimeout, "idle"},
		{ErrHandshakeTimeout, "handshake"},
		{ErrKicked, "kicked"},
		{ErrShuttingDown, "shutdown"},
		{ErrServerFull, "full"},
		{protocol.MalformedError("bad"), "malformed"},
		{fmt.Errorf("read: %w", io.EOF), "eof"},
		{transport.ErrConnectionClosed, "closed"},
		{io.ErrUnexpectedEOF, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, closeReasonLabel(tt.reason), "%v", tt.reason)
	}
}
