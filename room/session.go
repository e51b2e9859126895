package room

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// outboxSize bounds the per-session outbound queue. A session that cannot
// drain this many frames is closed as a slow consumer.
const outboxSize = 256

type outbound struct {
	frame []byte
}

type closeDirective struct {
	code   websocket.StatusCode
	reason string
}

// session is one attached WebSocket. The room actor enqueues outbound
// frames; a dedicated writer goroutine owns all writes to the connection.
type session struct {
	id   string
	conn *websocket.Conn

	outbox  chan outbound
	closeCh chan closeDirective
	done    chan struct{}

	closeOnce sync.Once

	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

func newSession(conn *websocket.Conn) *session {
	s := &session{
		id:      uuid.NewString(),
		conn:    conn,
		outbox:  make(chan outbound, outboxSize),
		closeCh: make(chan closeDirective, 1),
		done:    make(chan struct{}),
	}
	now := time.Now().UnixNano()
	s.lastRead.Store(now)
	s.lastWrite.Store(now)
	return s
}

func (s *session) touchRead()  { s.lastRead.Store(time.Now().UnixNano()) }
func (s *session) touchWrite() { s.lastWrite.Store(time.Now().UnixNano()) }

// enqueue queues one frame for the writer. It reports false when the session
// is closing or the queue is full; the caller decides what that means.
func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- outbound{frame: frame}:
		return true
	default:
		return false
	}
}

// shutdown asks the writer to flush queued frames and close the connection
// with the given status. Only the first call wins.
func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeCh <- closeDirective{code: code, reason: reason}
	})
}

// writePump drains the outbox onto the wire. It exits on a close directive
// (after flushing), on a write error, or when ctx is cancelled.
func (s *session) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-s.outbox:
			if err := s.conn.Write(ctx, websocket.MessageBinary, out.frame); err != nil {
				return err
			}
			s.touchWrite()
		case d := <-s.closeCh:
			s.flush(ctx)
			return s.conn.Close(d.code, d.reason)
		}
	}
}

// flush writes whatever is already queued, dropping the rest on error. Frames
// enqueued before a shutdown are delivered before the close frame.
func (s *session) flush(ctx context.Context) {
	for {
		select {
		case out := <-s.outbox:
			if err := s.conn.Write(ctx, websocket.MessageBinary, out.frame); err != nil {
				return
			}
			s.touchWrite()
		default:
			return
		}
	}
}

// readPump delivers inbound binary frames to the room until the connection
// errors or closes. Text frames are ignored.
func (s *session) readPump(ctx context.Context, r *Room) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		s.touchRead()
		if err := r.deliver(ctx, s, data); err != nil {
			return err
		}
	}
}
