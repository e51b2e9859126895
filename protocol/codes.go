// Package protocol implements the binary lobby protocol spoken on every
// client connection: packet encoding and decoding, batch framing, and the
// lobby-intent sniffer used by the gateway. All multi-byte fields are
// little-endian. Strings on the wire are a 1-byte length followed by raw
// 8-bit characters; message payloads are a 4-byte length followed by bytes.
package protocol

// Code identifies a packet type. A frame is one packet; CodeBatch is a
// container holding a u16 count of nested packets.
type Code byte

const (
	CodeBatch      Code = 0x00
	CodeMessage    Code = 0x01
	CodeTurn       Code = 0x02
	CodeDropPlayer Code = 0x03
	CodeJoinAccept Code = 0x12
	CodeConnect    Code = 0x13
	CodeDisconnect Code = 0x14
	CodeJoinReject Code = 0x15
	CodeGameList   Code = 0x21
	CodeCreateGame Code = 0x22
	CodeJoinGame   Code = 0x23
	CodeLeaveGame  Code = 0x24
	CodeClientInfo Code = 0x31
	CodeServerInfo Code = 0x32
)

// String returns the packet name used in logs.
func (c Code) String() string {
	switch c {
	case CodeBatch:
		return "Batch"
	case CodeMessage:
		return "Message"
	case CodeTurn:
		return "Turn"
	case CodeDropPlayer:
		return "DropPlayer"
	case CodeJoinAccept:
		return "JoinAccept"
	case CodeConnect:
		return "Connect"
	case CodeDisconnect:
		return "Disconnect"
	case CodeJoinReject:
		return "JoinReject"
	case CodeGameList:
		return "GameList"
	case CodeCreateGame:
		return "CreateGame"
	case CodeJoinGame:
		return "JoinGame"
	case CodeLeaveGame:
		return "LeaveGame"
	case CodeClientInfo:
		return "ClientInfo"
	case CodeServerInfo:
		return "ServerInfo"
	default:
		return "Unknown"
	}
}

// RejectReason is the u8 carried by JoinReject. It tells the client why a
// create or join was refused; the connection itself stays open.
type RejectReason uint8

const (
	RejectSuccess           RejectReason = 0
	RejectAlreadyInGame     RejectReason = 1
	RejectNotFound          RejectReason = 2
	RejectIncorrectPassword RejectReason = 3
	RejectVersionMismatch   RejectReason = 4
	RejectFull              RejectReason = 5
	RejectCreateExists      RejectReason = 6
)

func (r RejectReason) String() string {
	switch r {
	case RejectSuccess:
		return "success"
	case RejectAlreadyInGame:
		return "already in game"
	case RejectNotFound:
		return "not found"
	case RejectIncorrectPassword:
		return "incorrect password"
	case RejectVersionMismatch:
		return "version mismatch"
	case RejectFull:
		return "full"
	case RejectCreateExists:
		return "create exists"
	default:
		return "unknown"
	}
}

// MaxBatchDepth bounds batch-in-batch nesting. The wire format itself has no
// limit, so an adversarial frame could otherwise force unbounded recursion;
// frames nested deeper than this fail to decode.
const MaxBatchDepth = 8

// ProtocolVersion is sent in the unsolicited ServerInfo greeting.
const ProtocolVersion uint32 = 1
