package gateway

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/JohnImril/hellgate-ws/directory"
	"github.com/JohnImril/hellgate-ws/protocol"
	"github.com/JohnImril/hellgate-ws/room"
	"github.com/JohnImril/hellgate-ws/storage"
)

func testConfig(internalURL string) Config {
	return Config{
		InternalURL:               internalURL,
		ConnectTimeout:            5 * time.Second,
		MaxPendingMessages:        256,
		MaxPendingBytes:           14 << 20,
		MaxPendingUnknownMessages: 32,
		MaxPendingUnknownBytes:    1 << 20,
		MaxFrameBytes:             14 << 20,
	}
}

type fakeLister struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int
}

func (f *fakeLister) ListBin(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.data, f.err
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// upstream stands in for the internal server: it records which room the
// gateway dialed and every binary frame it forwarded, and hands the accepted
// connection to the test so it can play the room's side of the relay.
type upstream struct {
	srv    *httptest.Server
	rooms  chan string
	frames chan []byte
	conns  chan *websocket.Conn
	errs   chan error
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		rooms:  make(chan string, 4),
		frames: make(chan []byte, 512),
		conns:  make(chan *websocket.Conn, 4),
		errs:   make(chan error, 4),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{name}/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		u.rooms <- r.PathValue("name")
		u.conns <- c
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				u.errs <- err
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			u.frames <- data
		}
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-u.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for forwarded frame")
		return nil
	}
}

func (u *upstream) nextRoom(t *testing.T) string {
	t.Helper()
	select {
	case name := <-u.rooms:
		return name
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bridge")
		return ""
	}
}

func (u *upstream) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		t.Cleanup(func() { c.CloseNow() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bridge connection")
		return nil
	}
}

func (u *upstream) nextErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-u.errs:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for upstream read error")
		return nil
	}
}

func newGatewayServer(t *testing.T, cfg Config, list GameLister) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(cfg, list, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func dialGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	c.SetReadLimit(1 << 21)
	return c
}

func send(t *testing.T, c *websocket.Conn, p protocol.Packet) {
	t.Helper()
	sendRaw(t, c, protocol.Encode(p))
}

func sendRaw(t *testing.T, c *websocket.Conn, frame []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if typ == websocket.MessageBinary {
			return data
		}
	}
}

func readPacket(t *testing.T, c *websocket.Conn) protocol.Packet {
	t.Helper()
	packets, err := protocol.Decode(readFrame(t, c))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("decoded %d packets, want 1", len(packets))
	}
	return packets[0]
}

// waitClose drains frames until the connection ends and returns the close
// frame the peer sent.
func waitClose(t *testing.T, c *websocket.Conn) websocket.CloseError {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err == nil {
			continue
		}
		var ce websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("connection ended without close frame: %v", err)
		}
		return ce
	}
}

func TestGreeting(t *testing.T) {
	srv := newGatewayServer(t, testConfig("http://127.0.0.1:1"), &fakeLister{})
	c := dialGateway(t, srv)

	got := readFrame(t, c)
	want := []byte{0x32, 0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("greeting = % X, want % X", got, want)
	}
}

func TestGameListReply(t *testing.T) {
	list := &fakeLister{data: protocol.Encode(protocol.GameList{Entries: []protocol.GameEntry{
		{Type: 0, Name: "alpha"},
		{Type: 0, Name: "beta"},
	}})}
	srv := newGatewayServer(t, testConfig("http://127.0.0.1:1"), list)
	c := dialGateway(t, srv)
	readFrame(t, c)

	send(t, c, protocol.ClientInfo{Version: 7})
	send(t, c, protocol.GameListRequest{})

	reply, err := protocol.DecodeGameList(readFrame(t, c))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(reply.Entries) != 2 || reply.Entries[0].Name != "alpha" || reply.Entries[1].Name != "beta" {
		t.Fatalf("reply entries = %+v", reply.Entries)
	}

	// The list is queried fresh on every request.
	send(t, c, protocol.GameListRequest{})
	readFrame(t, c)
	if n := list.callCount(); n != 2 {
		t.Fatalf("lister calls = %d, want 2", n)
	}
}

func TestGameListQueryFailure(t *testing.T) {
	srv := newGatewayServer(t, testConfig("http://127.0.0.1:1"), &fakeLister{err: errors.New("boom")})
	c := dialGateway(t, srv)
	readFrame(t, c)

	send(t, c, protocol.GameListRequest{})

	ce := waitClose(t, c)
	if ce.Code != websocket.StatusInternalError {
		t.Fatalf("close code = %d, want %d", ce.Code, websocket.StatusInternalError)
	}
}

func TestUnknownFrames_CloseAfterCap(t *testing.T) {
	srv := newGatewayServer(t, testConfig("http://127.0.0.1:1"), &fakeLister{})
	c := dialGateway(t, srv)
	readFrame(t, c)

	for range 33 {
		sendRaw(t, c, []byte{0xFF})
	}

	ce := waitClose(t, c)
	if ce.Code != websocket.StatusProtocolError {
		t.Fatalf("close code = %d, want %d", ce.Code, websocket.StatusProtocolError)
	}
	if ce.Reason != "invalid packet" {
		t.Fatalf("close reason = %q, want %q", ce.Reason, "invalid packet")
	}
}

func TestKnownFrames_CloseAfterCap(t *testing.T) {
	srv := newGatewayServer(t, testConfig("http://127.0.0.1:1"), &fakeLister{})
	c := dialGateway(t, srv)
	readFrame(t, c)

	for range 257 {
		send(t, c, protocol.LeaveGame{})
	}

	ce := waitClose(t, c)
	if ce.Code != websocket.StatusMessageTooBig {
		t.Fatalf("close code = %d, want %d", ce.Code, websocket.StatusMessageTooBig)
	}
	if ce.Reason != "pending overflow" {
		t.Fatalf("close reason = %q, want %q", ce.Reason, "pending overflow")
	}
}

func TestConnectTimeout(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.ConnectTimeout = 150 * time.Millisecond
	srv := newGatewayServer(t, cfg, &fakeLister{})
	c := dialGateway(t, srv)
	readFrame(t, c)

	// First frame arms the timer; no create or join ever follows.
	send(t, c, protocol.LeaveGame{})

	ce := waitClose(t, c)
	if ce.Code != websocket.StatusInternalError {
		t.Fatalf("close code = %d, want %d", ce.Code, websocket.StatusInternalError)
	}
	if ce.Reason != "connect timeout" {
		t.Fatalf("close reason = %q, want %q", ce.Reason, "connect timeout")
	}
}

func TestConnectTimeout_ArmedByFirstFrameOnly(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.ConnectTimeout = 150 * time.Millisecond
	srv := newGatewayServer(t, cfg, &fakeLister{data: protocol.Encode(protocol.GameList{})})
	c := dialGateway(t, srv)
	readFrame(t, c)

	// Idle well past the timeout: nothing was sent, so nothing is armed.
	time.Sleep(400 * time.Millisecond)

	send(t, c, protocol.GameListRequest{})
	if _, err := protocol.DecodeGameList(readFrame(t, c)); err != nil {
		t.Fatalf("expected a GameList reply after idling, got %v", err)
	}
}

func TestBridge_DrainsPendingBeforeFirstPacket(t *testing.T) {
	u := newUpstream(t)
	srv := newGatewayServer(t, testConfig(u.srv.URL), &fakeLister{})
	c := dialGateway(t, srv)
	readFrame(t, c)

	info := protocol.Encode(protocol.ClientInfo{Version: 7})
	leave := protocol.Encode(protocol.LeaveGame{})
	create := protocol.Encode(protocol.CreateGame{Cookie: 1, Name: "alpha", Difficulty: 2})
	sendRaw(t, c, info)
	sendRaw(t, c, leave)
	sendRaw(t, c, create)

	if got := u.nextRoom(t); got != "alpha" {
		t.Fatalf("bridged room = %q, want %q", got, "alpha")
	}
	for i, want := range [][]byte{info, leave, create} {
		if got := u.nextFrame(t); !bytes.Equal(got, want) {
			t.Fatalf("forwarded frame %d = % X, want % X", i, got, want)
		}
	}
}

func TestRelay_ClientToRoom(t *testing.T) {
	u := newUpstream(t)
	srv := newGatewayServer(t, testConfig(u.srv.URL), &fakeLister{})
	c := dialGateway(t, srv)
	readFrame(t, c)

	create := protocol.Encode(protocol.CreateGame{Cookie: 1, Name: "alpha"})
	sendRaw(t, c, create)
	u.nextConn(t)
	if got := u.nextFrame(t); !bytes.Equal(got, create) {
		t.Fatalf("first packet = % X, want % X", got, create)
	}

	turn := protocol.Encode(protocol.ClientTurn{Turn: 5})
	sendRaw(t, c, turn)
	if got := u.nextFrame(t); !bytes.Equal(got, turn) {
		t.Fatalf("relayed frame = % X, want % X", got, turn)
	}
}

func TestRelay_RoomToClientAndClose(t *testing.T) {
	u := newUpstream(t)
	srv := newGatewayServer(t, testConfig(u.srv.URL), &fakeLister{})
	c := dialGateway(t, srv)
	readFrame(t, c)

	send(t, c, protocol.JoinGame{Cookie: 9, Name: "alpha"})
	up := u.nextConn(t)
	u.nextFrame(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	accept := protocol.Encode(protocol.JoinAccept{Cookie: 9, Index: 1, Seed: 42, Difficulty: 2})
	connect := protocol.Encode(protocol.Connect{ID: 1})
	if err := up.Write(ctx, websocket.MessageBinary, accept); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	if err := up.Write(ctx, websocket.MessageBinary, connect); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	if got := readFrame(t, c); !bytes.Equal(got, accept) {
		t.Fatalf("relayed frame = % X, want % X", got, accept)
	}
	if got := readFrame(t, c); !bytes.Equal(got, connect) {
		t.Fatalf("relayed frame = % X, want % X", got, connect)
	}

	up.Close(websocket.StatusNormalClosure, "room closed")
	ce := waitClose(t, c)
	if ce.Code != websocket.StatusNormalClosure || ce.Reason != "room closed" {
		t.Fatalf("client close = %d %q, want 1000 %q", ce.Code, ce.Reason, "room closed")
	}
}

func TestRelay_ClientCloseReachesRoom(t *testing.T) {
	u := newUpstream(t)
	srv := newGatewayServer(t, testConfig(u.srv.URL), &fakeLister{})
	c := dialGateway(t, srv)
	readFrame(t, c)

	send(t, c, protocol.CreateGame{Cookie: 1, Name: "alpha"})
	u.nextConn(t)
	u.nextFrame(t)

	c.Close(websocket.StatusNormalClosure, "bye")

	var ce websocket.CloseError
	if err := u.nextErr(t); !errors.As(err, &ce) {
		t.Fatalf("upstream error is not a close frame: %v", err)
	}
	if ce.Code != websocket.StatusNormalClosure || ce.Reason != "bye" {
		t.Fatalf("upstream close = %d %q, want 1000 %q", ce.Code, ce.Reason, "bye")
	}
}

func TestBridgeDialFailure(t *testing.T) {
	srv := newGatewayServer(t, testConfig("http://127.0.0.1:1"), &fakeLister{})
	c := dialGateway(t, srv)
	readFrame(t, c)

	send(t, c, protocol.CreateGame{Cookie: 1, Name: "alpha"})

	ce := waitClose(t, c)
	if ce.Code != websocket.StatusInternalError {
		t.Fatalf("close code = %d, want %d", ce.Code, websocket.StatusInternalError)
	}
	if ce.Reason != "bridge failed" {
		t.Fatalf("close reason = %q, want %q", ce.Reason, "bridge failed")
	}
}

func TestTextFramesIgnored(t *testing.T) {
	u := newUpstream(t)
	srv := newGatewayServer(t, testConfig(u.srv.URL), &fakeLister{})
	c := dialGateway(t, srv)
	readFrame(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write text: %v", err)
	}

	create := protocol.Encode(protocol.CreateGame{Cookie: 1, Name: "alpha"})
	sendRaw(t, c, create)
	u.nextConn(t)
	if got := u.nextFrame(t); !bytes.Equal(got, create) {
		t.Fatalf("first forwarded frame = % X, want the create frame", got)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte("mid-relay")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	turn := protocol.Encode(protocol.ClientTurn{Turn: 1})
	sendRaw(t, c, turn)
	if got := u.nextFrame(t); !bytes.Equal(got, turn) {
		t.Fatalf("relayed frame = % X, want the turn frame", got)
	}
}

// TestEndToEnd_CreateAndJoin runs the full stack: two clients go through the
// gateway to a real registry-backed room, with the directory fed by the
// room's membership changes.
func TestEndToEnd_CreateAndJoin(t *testing.T) {
	dir := directory.New(storage.NewMemory(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dir.Run(ctx)

	mux := http.NewServeMux()
	reg := room.NewRegistry(room.DefaultLimits(), dir, zap.NewNop())
	room.NewAttachHandler(reg, zap.NewNop()).Register(mux)
	internal := httptest.NewServer(mux)
	t.Cleanup(internal.Close)

	srv := newGatewayServer(t, testConfig(internal.URL), dir)

	host := dialGateway(t, srv)
	readFrame(t, host)
	send(t, host, protocol.ClientInfo{Version: 7})
	send(t, host, protocol.CreateGame{Cookie: 0xA1, Name: "room1", Difficulty: 2})

	accept, ok := readPacket(t, host).(protocol.JoinAccept)
	if !ok {
		t.Fatal("host did not get a JoinAccept")
	}
	if accept.Cookie != 0xA1 || accept.Index != 0 || accept.Difficulty != 2 {
		t.Fatalf("host accept = %+v", accept)
	}
	if conn, ok := readPacket(t, host).(protocol.Connect); !ok || conn.ID != 0 {
		t.Fatalf("host connect = %+v, ok = %v", conn, ok)
	}

	guest := dialGateway(t, srv)
	readFrame(t, guest)
	send(t, guest, protocol.ClientInfo{Version: 7})
	send(t, guest, protocol.JoinGame{Cookie: 0xB2, Name: "room1"})

	guestAccept, ok := readPacket(t, guest).(protocol.JoinAccept)
	if !ok {
		t.Fatal("guest did not get a JoinAccept")
	}
	if guestAccept.Index != 1 || guestAccept.Seed != accept.Seed {
		t.Fatalf("guest accept = %+v, want index 1 and seed %d", guestAccept, accept.Seed)
	}
	if conn, ok := readPacket(t, guest).(protocol.Connect); !ok || conn.ID != 1 {
		t.Fatalf("guest connect = %+v, ok = %v", conn, ok)
	}
	if conn, ok := readPacket(t, host).(protocol.Connect); !ok || conn.ID != 1 {
		t.Fatalf("host connect for guest = %+v, ok = %v", conn, ok)
	}

	send(t, host, protocol.Message{ID: protocol.BroadcastID, Payload: []byte{0xDE, 0xAD}})
	msg, ok := readPacket(t, guest).(protocol.Message)
	if !ok {
		t.Fatal("guest did not get the broadcast")
	}
	if msg.ID != 0 || !bytes.Equal(msg.Payload, []byte{0xDE, 0xAD}) {
		t.Fatalf("broadcast = %+v", msg)
	}
}
