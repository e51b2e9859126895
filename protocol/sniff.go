package protocol

// GameRef names the room a create or join packet targets, with the client
// cookie for reply correlation.
type GameRef struct {
	Cookie uint32
	Name   string
}

// Intent is what the gateway learns from one frame without acting on it.
// Each field captures the first occurrence of its packet in the flat
// sequence; a frame can carry several intents at once (batched ClientInfo
// plus CreateGame is legal).
type Intent struct {
	ClientVersion *uint32
	WantsGameList bool
	Create        *GameRef
	Join          *GameRef

	first *GameRef
}

// Room returns the target of the first create or join in the frame, if any.
// The gateway bridges to this room.
func (in Intent) Room() (GameRef, bool) {
	if in.first == nil {
		return GameRef{}, false
	}
	return *in.first, true
}

// Empty reports whether the frame carried no lobby intent at all.
func (in Intent) Empty() bool {
	return in.ClientVersion == nil && !in.WantsGameList && in.first == nil
}

// Sniff decodes a frame and scans it for lobby actions. It is side-effect
// free: the frame is not consumed or altered. Returns false when the frame
// does not decode; the gateway then classifies it as unknown.
func Sniff(frame []byte) (Intent, bool) {
	packets, err := Decode(frame)
	if err != nil {
		return Intent{}, false
	}
	var in Intent
	for _, p := range packets {
		switch p := p.(type) {
		case ClientInfo:
			if in.ClientVersion == nil {
				v := p.Version
				in.ClientVersion = &v
			}
		case GameListRequest:
			in.WantsGameList = true
		case CreateGame:
			if in.Create == nil {
				ref := GameRef{Cookie: p.Cookie, Name: p.Name}
				in.Create = &ref
				if in.first == nil {
					in.first = &ref
				}
			}
		case JoinGame:
			if in.Join == nil {
				ref := GameRef{Cookie: p.Cookie, Name: p.Name}
				in.Join = &ref
				if in.first == nil {
					in.first = &ref
				}
			}
		}
	}
	return in, true
}
