package room

type eventKind uint8

const (
	eventUnknown eventKind = iota
	eventAttach
	eventFrame
	eventDetach
	eventShutdown
)

type event struct {
	kind  eventKind
	sess  *session
	frame []byte
	err   error
}
