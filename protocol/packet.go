package protocol

// Packet is one decoded logical unit. The set of implementations is closed:
// every wire code maps to exactly one decoded form below. Two codes are
// asymmetric between directions and get a variant per direction: code 0x21
// decodes to GameListRequest and encodes from GameList, and code 0x02
// decodes to ClientTurn (no sender id on the wire) and encodes from either
// ClientTurn or Turn (relay form carrying the sender slot).
type Packet interface {
	Code() Code
	appendTo(dst []byte) []byte
}

// ServerInfo is the unsolicited greeting sent when a connection opens.
type ServerInfo struct {
	Version uint32
}

// ClientInfo announces the client's protocol version. A connection must send
// it before any create or join can succeed.
type ClientInfo struct {
	Version uint32
}

// GameListRequest is the client-to-server form of code 0x21: the bare code,
// no payload.
type GameListRequest struct{}

// GameEntry is one row of a GameList response.
type GameEntry struct {
	Type uint32
	Name string
}

// GameList is the server-to-client form of code 0x21: a u16 count followed
// by the entries.
type GameList struct {
	Entries []GameEntry
}

// CreateGame asks the room actor to create a game under its name. Cookie is
// echoed back in the JoinAccept or JoinReject.
type CreateGame struct {
	Cookie     uint32
	Name       string
	Password   string
	Difficulty uint32
}

// JoinGame asks the room actor for a free slot in an existing game.
type JoinGame struct {
	Cookie   uint32
	Name     string
	Password string
}

// LeaveGame removes the sender from its game. Sent by the host it closes the
// whole room.
type LeaveGame struct{}

// JoinAccept confirms admission: the allocated slot index plus the game's
// seed and difficulty.
type JoinAccept struct {
	Cookie     uint32
	Index      uint8
	Seed       uint32
	Difficulty uint32
}

// JoinReject refuses a create or join with an enumerated reason.
type JoinReject struct {
	Cookie uint32
	Reason RejectReason
}

// Connect announces that the given slot is now occupied.
type Connect struct {
	ID uint8
}

// Disconnect announces that the given slot was vacated, with the
// application-level leave reason.
type Disconnect struct {
	ID     uint8
	Reason uint32
}

// DropPlayer is the host's order to remove a slot. ID 0 closes the room.
type DropPlayer struct {
	ID     uint8
	Reason uint32
}

// Message carries an opaque payload. Inbound, ID addresses the recipient
// slot (0xFF broadcasts); outbound, the room rewrites ID to the sender's
// slot before relaying.
type Message struct {
	ID      uint8
	Payload []byte
}

// BroadcastID in an inbound Message addresses every joined player except the
// sender.
const BroadcastID uint8 = 0xFF

// ClientTurn is the client-to-server form of code 0x02: just the turn value.
type ClientTurn struct {
	Turn uint32
}

// Turn is the relayed form of code 0x02: the sender's slot plus the turn
// value.
type Turn struct {
	ID   uint8
	Turn uint32
}

// Batch is a container packet. Decoding flattens it, so a Batch never
// appears in Decode output; it exists for encoding multi-packet frames.
type Batch []Packet

func (ServerInfo) Code() Code      { return CodeServerInfo }
func (ClientInfo) Code() Code      { return CodeClientInfo }
func (GameListRequest) Code() Code { return CodeGameList }
func (GameList) Code() Code        { return CodeGameList }
func (CreateGame) Code() Code      { return CodeCreateGame }
func (JoinGame) Code() Code        { return CodeJoinGame }
func (LeaveGame) Code() Code       { return CodeLeaveGame }
func (JoinAccept) Code() Code      { return CodeJoinAccept }
func (JoinReject) Code() Code      { return CodeJoinReject }
func (Connect) Code() Code         { return CodeConnect }
func (Disconnect) Code() Code      { return CodeDisconnect }
func (DropPlayer) Code() Code      { return CodeDropPlayer }
func (Message) Code() Code         { return CodeMessage }
func (ClientTurn) Code() Code      { return CodeTurn }
func (Turn) Code() Code            { return CodeTurn }
func (Batch) Code() Code           { return CodeBatch }
