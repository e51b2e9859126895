package room

import (
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// readLimitSlack pads the transport read limit above the room frame cap so
// the actor sees slightly-oversized frames and applies its own 1009 close
// instead of the transport's.
const readLimitSlack = 4096

// AttachHandler serves the internal WebSocket attach endpoint the gateway
// bridges to.
type AttachHandler struct {
	reg *Registry
	log *zap.Logger
}

func NewAttachHandler(reg *Registry, log *zap.Logger) *AttachHandler {
	return &AttachHandler{reg: reg, log: log.Named("room-attach")}
}

func (h *AttachHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /rooms/{name}/ws", h.attach)
}

func (h *AttachHandler) attach(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("accept failed", zap.String("room", name), zap.Error(err))
		return
	}
	conn.SetReadLimit(int64(h.reg.limits.MaxFrameBytes) + readLimitSlack)

	sess := newSession(conn)
	rm := h.reg.acquire(name)
	defer h.reg.release(name, rm)

	if err := rm.attach(r.Context(), sess); err != nil {
		conn.CloseNow()
		return
	}

	var readErr error
	eg, ctx := errgroup.WithContext(r.Context())
	eg.Go(func() error {
		readErr = sess.readPump(ctx, rm)
		return readErr
	})
	eg.Go(func() error {
		return sess.writePump(ctx)
	})
	_ = eg.Wait()

	rm.detach(sess, readErr)
	conn.CloseNow()
}
