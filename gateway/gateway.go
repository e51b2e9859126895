// Package gateway implements the per-connection bridging state machine. A
// connection starts in sniffing: lobby frames are answered or buffered until
// the client names a room, then the gateway dials the room's internal
// endpoint, drains the buffer, and degrades into a transparent byte relay.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JohnImril/hellgate-ws/protocol"
)

// readLimitSlack pads the transport read limit above the frame cap, matching
// the room side.
const readLimitSlack = 4096

// Config carries the gateway tunables. Zero values are not usable; the
// config package supplies defaults.
type Config struct {
	// InternalURL is the base URL of the internal server hosting the room
	// attach endpoints, e.g. "http://127.0.0.1:8081".
	InternalURL string
	// ConnectTimeout bounds the time from a client's first frame to the
	// bridge being up.
	ConnectTimeout time.Duration

	MaxPendingMessages        int
	MaxPendingBytes           int
	MaxPendingUnknownMessages int
	MaxPendingUnknownBytes    int
	MaxFrameBytes             int
}

// GameLister serves the lobby's game-list snapshot.
type GameLister interface {
	ListBin(ctx context.Context) ([]byte, error)
}

// Handler upgrades lobby connections and runs one bridging state machine
// per connection.
type Handler struct {
	cfg  Config
	list GameLister
	log  *zap.Logger
}

func NewHandler(cfg Config, list GameLister, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, list: list, log: log.Named("gateway")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(int64(h.cfg.MaxFrameBytes) + readLimitSlack)

	c := &conn{
		h:       h,
		ws:      ws,
		log:     h.log.With(zap.String("conn", uuid.NewString())),
		pending: newPendingQueue(h.cfg),
	}
	c.run(r.Context())
}

type inbound struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type conn struct {
	h       *Handler
	ws      *websocket.Conn
	log     *zap.Logger
	pending *pendingQueue

	clientVersion uint32
	hasVersion    bool

	timer    *time.Timer
	deadline time.Time
}

// run drives the connection from greeting to close. The reader goroutine is
// the only reader of the client socket for the connection's whole life.
func (c *conn) run(ctx context.Context) {
	greeting := protocol.Encode(protocol.ServerInfo{Version: protocol.ProtocolVersion})
	if err := c.ws.Write(ctx, websocket.MessageBinary, greeting); err != nil {
		c.ws.CloseNow()
		return
	}

	readerDone := make(chan struct{})
	defer close(readerDone)
	inCh := make(chan inbound)
	go func() {
		for {
			typ, data, err := c.ws.Read(ctx)
			select {
			case inCh <- inbound{typ: typ, data: data, err: err}:
			case <-readerDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	c.sniff(ctx, inCh)
}

// sniff is the lobby phase: answer game-list requests, record the client
// version, buffer everything else, and leave for the bridge on the first
// create or join.
func (c *conn) sniff(ctx context.Context, inCh chan inbound) {
	var timeoutC <-chan time.Time
	defer c.stopTimer()

	for {
		select {
		case <-timeoutC:
			c.log.Warn("connect timeout", zap.Int("pending", c.pending.len()))
			c.ws.Close(websocket.StatusInternalError, "connect timeout")
			return
		case in := <-inCh:
			if in.err != nil {
				c.ws.CloseNow()
				return
			}
			if in.typ != websocket.MessageBinary {
				continue
			}
			if c.timer == nil {
				c.timer = time.NewTimer(c.h.cfg.ConnectTimeout)
				c.deadline = time.Now().Add(c.h.cfg.ConnectTimeout)
				timeoutC = c.timer.C
			}

			intent, ok := protocol.Sniff(in.data)
			if !ok {
				if err := c.pending.add(in.data, true); err != nil {
					c.closeOverflow(err)
					return
				}
				continue
			}
			if intent.ClientVersion != nil {
				c.clientVersion = *intent.ClientVersion
				c.hasVersion = true
			}
			if ref, ok := intent.Room(); ok {
				c.bridge(ctx, ref.Name, in.data, inCh)
				return
			}
			if intent.WantsGameList {
				if err := c.serveGameList(ctx); err != nil {
					c.ws.Close(websocket.StatusInternalError, "list failed")
					return
				}
			}
			// Decoded lobby traffic still goes to the room in FIFO
			// position once the bridge is up; admission needs the
			// ClientInfo this frame may carry.
			if err := c.pending.add(in.data, false); err != nil {
				c.closeOverflow(err)
				return
			}
		}
	}
}

func (c *conn) serveGameList(ctx context.Context) error {
	reply, err := c.h.list.ListBin(ctx)
	if err != nil {
		c.log.Warn("game list query failed", zap.Error(err))
		return err
	}
	return c.ws.Write(ctx, websocket.MessageBinary, reply)
}

// closeOverflow maps an enqueue failure to its close code. One log line per
// connection; the close ends the state machine.
func (c *conn) closeOverflow(err error) {
	code := websocket.StatusMessageTooBig
	if errors.Is(err, errUnknownOverflow) {
		code = websocket.StatusProtocolError
	}
	c.log.Warn("pending overflow",
		zap.Int("pending", c.pending.len()),
		zap.String("class", err.Error()))
	c.ws.Close(code, err.Error())
}

// bridge dials the room, drains the pending buffer, forwards the frame that
// triggered the transition, and then relays bytes both ways.
func (c *conn) bridge(ctx context.Context, name string, first []byte, inCh chan inbound) {
	c.log.Info("bridging",
		zap.String("room", name),
		zap.Int("pending", c.pending.len()),
		zap.Uint32("client_version", c.clientVersion))

	dialCtx := ctx
	if !c.deadline.IsZero() {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithDeadline(ctx, c.deadline)
		defer cancel()
	}
	target := c.h.cfg.InternalURL + "/rooms/" + url.PathEscape(name) + "/ws"
	up, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		reason := "bridge failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "connect timeout"
		}
		c.log.Warn("bridge dial failed", zap.String("room", name), zap.Error(err))
		c.ws.Close(websocket.StatusInternalError, reason)
		return
	}
	up.SetReadLimit(int64(c.h.cfg.MaxFrameBytes) + readLimitSlack)
	c.stopTimer()

	for _, frame := range c.pending.drain() {
		if err := up.Write(ctx, websocket.MessageBinary, frame); err != nil {
			c.closeBoth(up, websocket.StatusInternalError, "bridge failed")
			return
		}
	}
	if err := up.Write(ctx, websocket.MessageBinary, first); err != nil {
		c.closeBoth(up, websocket.StatusInternalError, "bridge failed")
		return
	}

	c.log.Debug("bridged", zap.String("room", name))
	c.relay(ctx, up, inCh)
}

// relay forwards binary frames in both directions until either leg ends,
// then mirrors the first leg's close code onto the other.
func (c *conn) relay(ctx context.Context, up *websocket.Conn, inCh chan inbound) {
	var once sync.Once
	propagate := func(err error) {
		once.Do(func() {
			code, reason := closeStatusOf(err)
			c.log.Debug("relay ended", zap.Int("code", int(code)), zap.String("reason", reason))
			c.ws.Close(code, reason)
			up.Close(code, reason)
		})
	}

	wg := sync.WaitGroup{}
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				propagate(ctx.Err())
				return
			case in := <-inCh:
				if in.err != nil {
					propagate(in.err)
					return
				}
				if in.typ != websocket.MessageBinary {
					continue
				}
				if err := up.Write(ctx, websocket.MessageBinary, in.data); err != nil {
					propagate(err)
					return
				}
			}
		}
	})
	wg.Go(func() {
		for {
			typ, data, err := up.Read(ctx)
			if err != nil {
				propagate(err)
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
				propagate(err)
				return
			}
		}
	})
	wg.Wait()
}

func (c *conn) closeBoth(up *websocket.Conn, code websocket.StatusCode, reason string) {
	c.ws.Close(code, reason)
	up.Close(code, reason)
}

func (c *conn) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

// closeStatusOf turns a relay error into the status to mirror. A close frame
// propagates verbatim; transport failures become 1011.
func closeStatusOf(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return websocket.StatusInternalError, "relay error"
}
