package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortFrame means the frame ended before a field was complete. An
	// empty frame fails the same way.
	ErrShortFrame = errors.New("protocol: short frame")

	// ErrUnknownCode means the frame carried a code outside the packet
	// family. The whole frame is discarded.
	ErrUnknownCode = errors.New("protocol: unknown packet code")

	// ErrTrailingBytes means bytes remained after the top-level packet.
	ErrTrailingBytes = errors.New("protocol: trailing bytes after packet")

	// ErrBatchDepth means batches were nested deeper than MaxBatchDepth.
	ErrBatchDepth = errors.New("protocol: batch nesting too deep")
)

// Decode parses one frame into its flat packet sequence. A frame is a single
// packet; a Batch expands recursively into the packets it contains, so the
// result never includes a Batch itself. The frame must be consumed exactly:
// any decode failure discards the whole frame.
//
// Payload slices in the result alias the input frame; callers that retain
// packets past the frame's lifetime must copy.
func Decode(frame []byte) ([]Packet, error) {
	r := reader{buf: frame}
	out := make([]Packet, 0, 1)
	if err := decodeInto(&out, &r, 0); err != nil {
		return nil, err
	}
	if r.remaining() > 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.remaining())
	}
	return out, nil
}

func decodeInto(out *[]Packet, r *reader, depth int) error {
	code, err := r.u8()
	if err != nil {
		return err
	}
	switch Code(code) {
	case CodeBatch:
		if depth >= MaxBatchDepth {
			return ErrBatchDepth
		}
		count, err := r.u16()
		if err != nil {
			return err
		}
		for range count {
			if err := decodeInto(out, r, depth+1); err != nil {
				return err
			}
		}
		return nil
	case CodeMessage:
		id, err := r.u8()
		if err != nil {
			return err
		}
		payload, err := r.longBytes()
		if err != nil {
			return err
		}
		*out = append(*out, Message{ID: id, Payload: payload})
	case CodeTurn:
		turn, err := r.u32()
		if err != nil {
			return err
		}
		*out = append(*out, ClientTurn{Turn: turn})
	case CodeDropPlayer:
		id, err := r.u8()
		if err != nil {
			return err
		}
		reason, err := r.u32()
		if err != nil {
			return err
		}
		*out = append(*out, DropPlayer{ID: id, Reason: reason})
	case CodeJoinAccept:
		cookie, err := r.u32()
		if err != nil {
			return err
		}
		index, err := r.u8()
		if err != nil {
			return err
		}
		seed, err := r.u32()
		if err != nil {
			return err
		}
		difficulty, err := r.u32()
		if err != nil {
			return err
		}
		*out = append(*out, JoinAccept{Cookie: cookie, Index: index, Seed: seed, Difficulty: difficulty})
	case CodeConnect:
		id, err := r.u8()
		if err != nil {
			return err
		}
		*out = append(*out, Connect{ID: id})
	case CodeDisconnect:
		id, err := r.u8()
		if err != nil {
			return err
		}
		reason, err := r.u32()
		if err != nil {
			return err
		}
		*out = append(*out, Disconnect{ID: id, Reason: reason})
	case CodeJoinReject:
		cookie, err := r.u32()
		if err != nil {
			return err
		}
		reason, err := r.u8()
		if err != nil {
			return err
		}
		*out = append(*out, JoinReject{Cookie: cookie, Reason: RejectReason(reason)})
	case CodeGameList:
		*out = append(*out, GameListRequest{})
	case CodeCreateGame:
		cookie, err := r.u32()
		if err != nil {
			return err
		}
		name, err := r.shortString()
		if err != nil {
			return err
		}
		password, err := r.shortString()
		if err != nil {
			return err
		}
		difficulty, err := r.u32()
		if err != nil {
			return err
		}
		*out = append(*out, CreateGame{Cookie: cookie, Name: name, Password: password, Difficulty: difficulty})
	case CodeJoinGame:
		cookie, err := r.u32()
		if err != nil {
			return err
		}
		name, err := r.shortString()
		if err != nil {
			return err
		}
		password, err := r.shortString()
		if err != nil {
			return err
		}
		*out = append(*out, JoinGame{Cookie: cookie, Name: name, Password: password})
	case CodeLeaveGame:
		*out = append(*out, LeaveGame{})
	case CodeClientInfo:
		version, err := r.u32()
		if err != nil {
			return err
		}
		*out = append(*out, ClientInfo{Version: version})
	case CodeServerInfo:
		version, err := r.u32()
		if err != nil {
			return err
		}
		*out = append(*out, ServerInfo{Version: version})
	default:
		return fmt.Errorf("%w: 0x%02X", ErrUnknownCode, code)
	}
	return nil
}

// DecodeGameList parses a listing reply. Code 0x21 is asymmetric: Decode
// reads the request form (the bare code), so the entry-carrying reply needs
// its own parser. Only the client end of a connection sees these frames.
func DecodeGameList(frame []byte) (GameList, error) {
	r := reader{buf: frame}
	code, err := r.u8()
	if err != nil {
		return GameList{}, err
	}
	if Code(code) != CodeGameList {
		return GameList{}, fmt.Errorf("protocol: not a game list frame (code 0x%02X)", code)
	}
	count, err := r.u16()
	if err != nil {
		return GameList{}, err
	}
	list := GameList{Entries: make([]GameEntry, 0, count)}
	for range count {
		typ, err := r.u32()
		if err != nil {
			return GameList{}, err
		}
		name, err := r.shortString()
		if err != nil {
			return GameList{}, err
		}
		list.Entries = append(list.Entries, GameEntry{Type: typ, Name: name})
	}
	if r.remaining() > 0 {
		return GameList{}, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.remaining())
	}
	return list, nil
}

// DecodeTurn parses a relayed turn, the 0x02 form carrying the sender's
// slot. Decode reads the id-less client form, so client ends use this.
func DecodeTurn(frame []byte) (Turn, error) {
	r := reader{buf: frame}
	code, err := r.u8()
	if err != nil {
		return Turn{}, err
	}
	if Code(code) != CodeTurn {
		return Turn{}, fmt.Errorf("protocol: not a turn frame (code 0x%02X)", code)
	}
	id, err := r.u8()
	if err != nil {
		return Turn{}, err
	}
	turn, err := r.u32()
	if err != nil {
		return Turn{}, err
	}
	if r.remaining() > 0 {
		return Turn{}, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.remaining())
	}
	return Turn{ID: id, Turn: turn}, nil
}

// reader is a bounds-checked cursor over one frame. It never copies: the
// shortString and longBytes results view the underlying buffer.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrShortFrame
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrShortFrame
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrShortFrame
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// shortString reads a u8 length and that many raw bytes. The bytes are not
// validated as UTF-8; callers must not trust the content for display.
func (r *reader) shortString() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", ErrShortFrame
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) longBytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint64(r.remaining()) < uint64(n) {
		return nil, ErrShortFrame
	}
	b := r.buf[r.off : r.off+int(n) : r.off+int(n)]
	r.off += int(n)
	return b, nil
}
