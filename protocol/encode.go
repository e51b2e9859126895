package protocol

import "encoding/binary"

// Encode serializes a packet into a frame ready for one WebSocket binary
// message. Strings longer than 255 bytes cannot be represented and are
// truncated; every string the server encodes originates from a decoded
// short-string or a validated room name, so in practice nothing is lost.
func Encode(p Packet) []byte {
	return p.appendTo(nil)
}

func appendU16(dst []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(dst, v)
}

func appendU32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

func appendShortString(dst []byte, s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	dst = append(dst, byte(len(s)))
	return append(dst, s...)
}

func appendLongBytes(dst []byte, b []byte) []byte {
	dst = appendU32(dst, uint32(len(b)))
	return append(dst, b...)
}

func (p ServerInfo) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeServerInfo))
	return appendU32(dst, p.Version)
}

func (p ClientInfo) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeClientInfo))
	return appendU32(dst, p.Version)
}

func (GameListRequest) appendTo(dst []byte) []byte {
	return append(dst, byte(CodeGameList))
}

func (p GameList) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeGameList))
	dst = appendU16(dst, uint16(len(p.Entries)))
	for _, e := range p.Entries {
		dst = appendU32(dst, e.Type)
		dst = appendShortString(dst, e.Name)
	}
	return dst
}

func (p CreateGame) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeCreateGame))
	dst = appendU32(dst, p.Cookie)
	dst = appendShortString(dst, p.Name)
	dst = appendShortString(dst, p.Password)
	return appendU32(dst, p.Difficulty)
}

func (p JoinGame) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeJoinGame))
	dst = appendU32(dst, p.Cookie)
	dst = appendShortString(dst, p.Name)
	return appendShortString(dst, p.Password)
}

func (LeaveGame) appendTo(dst []byte) []byte {
	return append(dst, byte(CodeLeaveGame))
}

func (p JoinAccept) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeJoinAccept))
	dst = appendU32(dst, p.Cookie)
	dst = append(dst, p.Index)
	dst = appendU32(dst, p.Seed)
	return appendU32(dst, p.Difficulty)
}

func (p JoinReject) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeJoinReject))
	dst = appendU32(dst, p.Cookie)
	return append(dst, byte(p.Reason))
}

func (p Connect) appendTo(dst []byte) []byte {
	return append(dst, byte(CodeConnect), p.ID)
}

func (p Disconnect) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeDisconnect), p.ID)
	return appendU32(dst, p.Reason)
}

func (p DropPlayer) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeDropPlayer), p.ID)
	return appendU32(dst, p.Reason)
}

func (p Message) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeMessage), p.ID)
	return appendLongBytes(dst, p.Payload)
}

func (p ClientTurn) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeTurn))
	return appendU32(dst, p.Turn)
}

func (p Turn) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeTurn), p.ID)
	return appendU32(dst, p.Turn)
}

func (b Batch) appendTo(dst []byte) []byte {
	dst = append(dst, byte(CodeBatch))
	dst = appendU16(dst, uint16(len(b)))
	for _, p := range b {
		dst = p.appendTo(dst)
	}
	return dst
}
