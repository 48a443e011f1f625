package protocol

// ProtocolVersion is the version advertised in WELCOME.
// v1: JSON envelope {"kind","seq","body"} inside [len][payload] frames
const ProtocolVersion = 1

// Kind is the tag that selects a message's body shape.
type Kind string

// Message kinds (Client → Server)
const (
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindCommand   Kind = "command"
	KindHeartbeat Kind = "heartbeat"
)

// Message kinds (Server → Client)
const (
	KindWelcome    Kind = "welcome"
	KindAck        Kind = "ack"
	KindError      Kind = "error"
	KindJoined     Kind = "joined"
	KindLeft       Kind = "left"
	KindRenamed    Kind = "renamed"
	KindBroadcast  Kind = "broadcast"
	KindRoom       Kind = "room"
	KindDisconnect Kind = "disconnect"
)

// ClientKind reports whether k is sent by clients.
func (k Kind) ClientKind() bool {
	switch k {
	case KindJoin, KindLeave, KindCommand, KindHeartbeat:
		return true
	}
	return false
}

// Role is the privilege level a session joined with.
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
	RoleAdmin     Role = "admin"
)

// Normalize maps the empty role to RolePlayer.
func (r Role) Normalize() Role {
	if r == "" {
		return RolePlayer
	}
	return r
}

// Valid reports whether r is a known role (after normalization).
func (r Role) Valid() bool {
	switch r.Normalize() {
	case RolePlayer, RoleSpectator, RoleAdmin:
		return true
	}
	return false
}

// ErrorKind classifies ERROR replies.
type ErrorKind string

const (
	ErrKindMalformed      ErrorKind = "malformed"
	ErrKindUnknownKind    ErrorKind = "unknown_kind"
	ErrKindUnknownSession ErrorKind = "unknown_session"
	ErrKindUnauthorized   ErrorKind = "unauthorized"
	ErrKindInvalidArg     ErrorKind = "invalid_argument"
	ErrKindInternal       ErrorKind = "internal"
)

// Message is one protocol unit. Seq is stamped by the sending connection.
type Message struct {
	Seq  uint64
	Body Body
}

// Kind returns the tag of the message body, or "" when Body is nil.
func (m Message) Kind() Kind {
	if m.Body == nil {
		return ""
	}
	return m.Body.Kind()
}

// Body is implemented by every message payload type in this package and
// nowhere else.
type Body interface {
	Kind() Kind
	body()
}

// Member describes one registered session.
type Member struct {
	SessionID   uint64 `json:"sessionId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// RoomInfo describes one game room. Members are session IDs in join
// order; the host is always among them.
type RoomInfo struct {
	Name     string   `json:"name"`
	Host     uint64   `json:"host"`
	Members  []uint64 `json:"members"`
	Capacity int      `json:"capacity"`
	Locked   bool     `json:"locked,omitempty"` // password protected
}

// Join asks the server to create a session.
type Join struct {
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role,omitempty"`
	Password    string `json:"password,omitempty"`
}

// Leave ends the session gracefully.
type Leave struct{}

// Command invokes a named server command.
type Command struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// Heartbeat keeps an otherwise quiet session from being reaped.
type Heartbeat struct{}

// Welcome is sent once, right after the server accepts a connection.
type Welcome struct {
	Server             string `json:"server"`
	ProtocolVersion    int    `json:"protocolVersion"`
	MaxFrameBytes      uint32 `json:"maxFrameBytes"`
	IdleTimeoutSeconds int    `json:"idleTimeoutSeconds"`
}

// Ack acknowledges the client message with Seq == RefID.
type Ack struct {
	RefID     uint64     `json:"refId"`
	SessionID uint64     `json:"sessionId,omitempty"`
	Text      string     `json:"text,omitempty"`
	Members   []Member   `json:"members,omitempty"`
	Rooms     []RoomInfo `json:"rooms,omitempty"`
}

// Error rejects the client message with Seq == RefID (0 when not tied to one).
type Error struct {
	RefID  uint64    `json:"refId,omitempty"`
	Code   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Joined announces a new session to the others.
type Joined struct {
	SessionID   uint64 `json:"sessionId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// Left announces that a session is gone.
type Left struct {
	SessionID uint64 `json:"sessionId"`
}

// Renamed announces a display name change.
type Renamed struct {
	SessionID   uint64 `json:"sessionId"`
	DisplayName string `json:"displayName"`
}

// Broadcast carries chat text. From is 0 for server announcements; Room is
// set for chat scoped to one game room.
type Broadcast struct {
	From        uint64 `json:"from,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Room        string `json:"room,omitempty"`
	Text        string `json:"text"`
	SentAt      int64  `json:"sentAt"` // unix milliseconds
}

// Room tells the members of a game room, and anyone just removed from
// it, the room's new state.
type Room struct {
	Room RoomInfo `json:"room"`
}

// Disconnect tells the client the server is about to close the connection.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

func (Join) Kind() Kind       { return KindJoin }
func (Leave) Kind() Kind      { return KindLeave }
func (Command) Kind() Kind    { return KindCommand }
func (Heartbeat) Kind() Kind  { return KindHeartbeat }
func (Welcome) Kind() Kind    { return KindWelcome }
func (Ack) Kind() Kind        { return KindAck }
func (Error) Kind() Kind      { return KindError }
func (Joined) Kind() Kind     { return KindJoined }
func (Left) Kind() Kind       { return KindLeft }
func (Renamed) Kind() Kind    { return KindRenamed }
func (Broadcast) Kind() Kind  { return KindBroadcast }
func (Room) Kind() Kind       { return KindRoom }
func (Disconnect) Kind() Kind { return KindDisconnect }

func (Join) body()       {}
func (Leave) body()      {}
func (Command) body()    {}
func (Heartbeat) body()  {}
func (Welcome) body()    {}
func (Ack) body()        {}
func (Error) body()      {}
func (Joined) body()     {}
func (Left) body()       {}
func (Renamed) body()    {}
func (Broadcast) body()  {}
func (Room) body()       {}
func (Disconnect) body() {}
