// Package room implements the per-name game room actor. A room owns up to
// four player slots (slot 0 is the host), admits players by name, password
// and client version, and relays message and turn traffic between them. All
// room state is mutated by a single goroutine fed through an inbox channel;
// sessions only ever touch their own connection.
package room

import (
	"context"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/JohnImril/hellgate-ws/directory"
	"github.com/JohnImril/hellgate-ws/protocol"
)

const (
	maxPlayers    = 4
	inboxSize     = 256
	notifySize    = 32
	notifyTimeout = 5 * time.Second
)

// Disconnect reasons carried to the remaining players when a socket goes
// away. Anything else comes from DropPlayer verbatim.
const (
	disconnectReasonError uint32 = 0
	disconnectReasonLeave uint32 = 3
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Directory is the slice of the game directory a room notifies. Calls are
// queued per room and never block the actor.
type Directory interface {
	Upsert(ctx context.Context, e directory.Entry) error
	Remove(ctx context.Context, name string) error
}

// gameState exists from the first successful CreateGame until the room
// closes or empties.
type gameState struct {
	name       string
	password   string
	difficulty uint32
	seed       uint32
	gameType   uint32
	version    uint32
	createdAt  time.Time
}

// member is the actor-side record for one attached session. slot is -1
// until the session is admitted as a player.
type member struct {
	sess          *session
	slot          int
	cookie        uint32
	clientVersion uint32
	hasVersion    bool

	invalid int
	window  *slidingWindow

	closeReason    uint32
	hasCloseReason bool
	closing        bool
}

type notification struct {
	remove bool
	name   string
	entry  directory.Entry
}

// Room is one game room actor. Use a Registry to obtain instances; the zero
// value is not usable.
type Room struct {
	name   string
	limits Limits
	dir    Directory
	log    *zap.Logger

	inbox    chan event
	notifyCh chan notification
	stopCh   chan struct{}

	now  func() time.Time
	seed func() uint32

	// Actor-owned state below.
	members      map[*session]*member
	slots        [maxPlayers]*member
	state        *gameState
	lastActivity time.Time
}

func newRoom(name string, limits Limits, dir Directory, log *zap.Logger) *Room {
	return &Room{
		name:     name,
		limits:   limits,
		dir:      dir,
		log:      log.With(zap.String("room", name)),
		inbox:    make(chan event, inboxSize),
		notifyCh: make(chan notification, notifySize),
		stopCh:   make(chan struct{}),
		now:      time.Now,
		seed:     rand.Uint32,
		members:  make(map[*session]*member),
	}
}

// run is the actor loop. It exits after stop, draining whatever is already
// queued so detach bookkeeping always completes.
func (r *Room) run() {
	defer close(r.notifyCh)
	for {
		select {
		case <-r.stopCh:
			r.drainInbox()
			return
		case ev := <-r.inbox:
			r.handle(ev)
		}
	}
}

func (r *Room) stop() { close(r.stopCh) }

func (r *Room) drainInbox() {
	for {
		select {
		case ev := <-r.inbox:
			r.handle(ev)
		default:
			return
		}
	}
}

// notifier applies queued directory updates in order. It runs beside the
// actor and ends when the actor does.
func (r *Room) notifier() {
	for n := range r.notifyCh {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		var err error
		if n.remove {
			err = r.dir.Remove(ctx, n.name)
		} else {
			err = r.dir.Upsert(ctx, n.entry)
		}
		cancel()
		if err != nil {
			r.log.Warn("directory notify failed", zap.Bool("remove", n.remove), zap.Error(err))
		}
	}
}

func (r *Room) attach(ctx context.Context, s *session) error {
	return r.post(ctx, event{kind: eventAttach, sess: s})
}

func (r *Room) deliver(ctx context.Context, s *session, frame []byte) error {
	return r.post(ctx, event{kind: eventFrame, sess: s, frame: frame})
}

// detach must not be lost, so it blocks until the actor takes it. The actor
// outlives every attached session's pumps.
func (r *Room) detach(s *session, cause error) {
	r.inbox <- event{kind: eventDetach, sess: s, err: cause}
}

func (r *Room) requestShutdown() {
	select {
	case r.inbox <- event{kind: eventShutdown}:
	default:
		r.log.Warn("shutdown event dropped, inbox full")
	}
}

func (r *Room) post(ctx context.Context, ev event) error {
	select {
	case r.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) handle(ev event) {
	switch ev.kind {
	case eventAttach:
		r.handleAttach(ev.sess)
	case eventFrame:
		r.handleFrame(ev.sess, ev.frame)
	case eventDetach:
		r.handleDetach(ev.sess, ev.err)
	case eventShutdown:
		r.closeRoom(disconnectReasonError)
	default:
		r.log.Warn("unknown event kind", zap.Uint8("kind", uint8(ev.kind)))
	}
}

func (r *Room) handleAttach(s *session) {
	r.members[s] = &member{
		sess:   s,
		slot:   -1,
		window: newSlidingWindow(r.limits.FloodWindow, r.limits.MaxPerWindow),
	}
	r.lastActivity = r.now()
	r.log.Debug("session attached", zap.String("session", s.id))
}

func (r *Room) handleFrame(s *session, frame []byte) {
	m := r.members[s]
	if m == nil || m.closing {
		return
	}
	r.lastActivity = r.now()
	if len(frame) > r.limits.MaxFrameBytes {
		r.log.Warn("frame too large", zap.String("session", s.id), zap.Int("bytes", len(frame)))
		r.closeSession(m, websocket.StatusMessageTooBig, "frame too large")
		return
	}
	packets, err := protocol.Decode(frame)
	if err != nil {
		m.invalid++
		r.log.Debug("undecodable frame", zap.String("session", s.id), zap.Int("count", m.invalid), zap.Error(err))
		if m.invalid > r.limits.MaxInvalidPackets {
			r.closeSession(m, websocket.StatusProtocolError, "invalid packet")
		}
		return
	}
	if m.window.add(r.now(), len(packets)) {
		r.log.Warn("flood", zap.String("session", s.id), zap.Int("packets", m.window.total))
		r.closeSession(m, websocket.StatusPolicyViolation, "flood")
		return
	}
	for _, p := range packets {
		r.dispatch(m, p)
		if m.closing {
			return
		}
	}
}

func (r *Room) dispatch(m *member, p protocol.Packet) {
	switch pkt := p.(type) {
	case protocol.ClientInfo:
		m.clientVersion = pkt.Version
		m.hasVersion = true
	case protocol.CreateGame:
		r.handleCreate(m, pkt)
	case protocol.JoinGame:
		r.handleJoin(m, pkt)
	case protocol.LeaveGame:
		r.handleLeave(m)
	case protocol.DropPlayer:
		r.handleDrop(m, pkt)
	case protocol.Message:
		r.handleMessage(m, pkt)
	case protocol.ClientTurn:
		r.handleTurn(m, pkt)
	default:
		// Lobby traffic drained through the gateway (ServerInfo,
		// GameList requests) has no meaning inside a room.
		r.log.Debug("ignoring packet", zap.Stringer("code", p.Code()))
	}
}

func (r *Room) handleCreate(m *member, p protocol.CreateGame) {
	if !nameRE.MatchString(p.Name) {
		r.log.Warn("invalid room name", zap.String("session", m.sess.id))
		r.closeSession(m, websocket.StatusProtocolError, "invalid name")
		return
	}
	if m.slot >= 0 {
		r.reject(m, p.Cookie, protocol.RejectAlreadyInGame)
		return
	}
	if !m.hasVersion {
		r.reject(m, p.Cookie, protocol.RejectVersionMismatch)
		return
	}
	if r.state != nil {
		r.reject(m, p.Cookie, protocol.RejectCreateExists)
		return
	}
	slot := r.freeSlot()
	if slot < 0 {
		r.reject(m, p.Cookie, protocol.RejectFull)
		return
	}
	r.state = &gameState{
		name:       p.Name,
		password:   p.Password,
		difficulty: p.Difficulty,
		seed:       r.seed(),
		version:    m.clientVersion,
		createdAt:  r.now(),
	}
	r.log.Info("game created",
		zap.String("session", m.sess.id),
		zap.Uint32("version", m.clientVersion),
		zap.Uint32("difficulty", p.Difficulty))
	r.admit(m, slot, p.Cookie)
}

func (r *Room) handleJoin(m *member, p protocol.JoinGame) {
	if !nameRE.MatchString(p.Name) {
		r.log.Warn("invalid room name", zap.String("session", m.sess.id))
		r.closeSession(m, websocket.StatusProtocolError, "invalid name")
		return
	}
	if m.slot >= 0 {
		r.reject(m, p.Cookie, protocol.RejectAlreadyInGame)
		return
	}
	if !m.hasVersion {
		r.reject(m, p.Cookie, protocol.RejectVersionMismatch)
		return
	}
	if r.state == nil || p.Name != r.state.name {
		r.reject(m, p.Cookie, protocol.RejectNotFound)
		return
	}
	if p.Password != r.state.password {
		r.reject(m, p.Cookie, protocol.RejectIncorrectPassword)
		return
	}
	if m.clientVersion != r.state.version {
		r.reject(m, p.Cookie, protocol.RejectVersionMismatch)
		return
	}
	slot := r.freeSlot()
	if slot < 0 {
		r.reject(m, p.Cookie, protocol.RejectFull)
		return
	}
	r.admit(m, slot, p.Cookie)
}

// admit promotes a pre-join session to the given slot and tells everyone.
func (r *Room) admit(m *member, slot int, cookie uint32) {
	m.slot = slot
	m.cookie = cookie
	r.slots[slot] = m
	r.sendPacket(m, protocol.JoinAccept{
		Cookie:     cookie,
		Index:      uint8(slot),
		Seed:       r.state.seed,
		Difficulty: r.state.difficulty,
	})
	r.broadcastJoined(protocol.Encode(protocol.Connect{ID: uint8(slot)}), nil)
	r.log.Info("player joined", zap.String("session", m.sess.id), zap.Int("slot", slot))
	r.notifyUpsert()
}

func (r *Room) reject(m *member, cookie uint32, reason protocol.RejectReason) {
	r.log.Debug("admission rejected", zap.String("session", m.sess.id), zap.Stringer("reason", reason))
	r.sendPacket(m, protocol.JoinReject{Cookie: cookie, Reason: reason})
}

func (r *Room) handleLeave(m *member) {
	if m.slot == 0 {
		r.closeRoom(disconnectReasonLeave)
		return
	}
	m.closeReason, m.hasCloseReason = disconnectReasonLeave, true
	r.closeSession(m, websocket.StatusNormalClosure, "")
}

func (r *Room) handleDrop(m *member, p protocol.DropPlayer) {
	if m.slot != 0 {
		r.closeSession(m, websocket.StatusPolicyViolation, "not host")
		return
	}
	if p.ID == 0 {
		r.closeRoom(p.Reason)
		return
	}
	if int(p.ID) >= maxPlayers {
		return
	}
	t := r.slots[p.ID]
	if t == nil {
		return
	}
	t.closeReason, t.hasCloseReason = p.Reason, true
	r.closeSession(t, websocket.StatusNormalClosure, "")
}

// handleMessage relays a payload, re-encoded so receivers see the sender's
// slot in the id field.
func (r *Room) handleMessage(m *member, p protocol.Message) {
	if m.slot < 0 {
		return
	}
	frame := protocol.Encode(protocol.Message{ID: uint8(m.slot), Payload: p.Payload})
	if p.ID == protocol.BroadcastID {
		r.broadcastJoined(frame, m)
		return
	}
	if int(p.ID) >= maxPlayers {
		return
	}
	if t := r.slots[p.ID]; t != nil {
		r.sendFrame(t, frame)
	}
}

func (r *Room) handleTurn(m *member, p protocol.ClientTurn) {
	if m.slot < 0 {
		return
	}
	frame := protocol.Encode(protocol.Turn{ID: uint8(m.slot), Turn: p.Turn})
	r.broadcastJoined(frame, m)
}

func (r *Room) handleDetach(s *session, cause error) {
	m := r.members[s]
	if m == nil {
		return
	}
	delete(r.members, s)
	m.closing = true
	reason := disconnectReasonError
	switch {
	case m.hasCloseReason:
		reason = m.closeReason
	case gracefulClose(cause):
		reason = disconnectReasonLeave
	}
	r.log.Debug("session detached", zap.String("session", s.id), zap.Int("slot", m.slot), zap.Uint32("reason", reason))
	if m.slot == 0 {
		r.closeRoom(reason)
		return
	}
	if m.slot > 0 {
		slot := m.slot
		r.slots[slot] = nil
		m.slot = -1
		r.broadcastJoined(protocol.Encode(protocol.Disconnect{ID: uint8(slot), Reason: reason}), nil)
		if r.occupied() > 0 {
			r.notifyUpsert()
		} else if r.state != nil {
			name := r.state.name
			r.state = nil
			r.notifyRemove(name)
		}
	}
}

// closeRoom broadcasts a Disconnect for every occupied slot in ascending
// order, then closes every attached socket and drops the game state.
func (r *Room) closeRoom(reason uint32) {
	for i := 0; i < maxPlayers; i++ {
		if r.slots[i] == nil {
			continue
		}
		frame := protocol.Encode(protocol.Disconnect{ID: uint8(i), Reason: reason})
		r.broadcastJoined(frame, nil)
	}
	var name string
	if r.state != nil {
		name = r.state.name
	}
	for _, m := range r.members {
		m.closeReason, m.hasCloseReason = reason, true
		r.closeSession(m, websocket.StatusNormalClosure, "room closed")
		m.slot = -1
	}
	r.slots = [maxPlayers]*member{}
	r.state = nil
	if name != "" {
		r.log.Info("room closed", zap.Uint32("reason", reason))
		r.notifyRemove(name)
	}
}

func (r *Room) closeSession(m *member, code websocket.StatusCode, reason string) {
	if m.closing {
		return
	}
	m.closing = true
	m.sess.shutdown(code, reason)
}

func (r *Room) sendPacket(m *member, p protocol.Packet) {
	r.sendFrame(m, protocol.Encode(p))
}

func (r *Room) sendFrame(m *member, frame []byte) {
	if m.closing {
		return
	}
	if !m.sess.enqueue(frame) {
		r.log.Warn("outbound queue full", zap.String("session", m.sess.id))
		r.closeSession(m, websocket.StatusInternalError, "send failed")
	}
}

func (r *Room) broadcastJoined(frame []byte, except *member) {
	for i := 0; i < maxPlayers; i++ {
		t := r.slots[i]
		if t == nil || t == except {
			continue
		}
		r.sendFrame(t, frame)
	}
}

func (r *Room) freeSlot() int {
	for i := 0; i < maxPlayers; i++ {
		if r.slots[i] == nil {
			return i
		}
	}
	return -1
}

func (r *Room) occupied() int {
	n := 0
	for i := 0; i < maxPlayers; i++ {
		if r.slots[i] != nil {
			n++
		}
	}
	return n
}

func (r *Room) notifyUpsert() {
	if r.state == nil {
		return
	}
	r.notifyCh <- notification{entry: directory.Entry{
		Name:       r.state.name,
		Type:       r.state.gameType,
		SlotsUsed:  r.occupied(),
		SlotsTotal: maxPlayers,
	}}
}

func (r *Room) notifyRemove(name string) {
	r.notifyCh <- notification{remove: true, name: name}
}

// gracefulClose reports whether the peer completed a close handshake, as
// opposed to the transport failing under it.
func gracefulClose(err error) bool {
	return websocket.CloseStatus(err) != -1
}
