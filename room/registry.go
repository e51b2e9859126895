package room

import (
	"sync"

	"go.uber.org/zap"
)

// Registry hands out one live actor per room name. An actor starts on first
// attach and stops when its last session detaches.
type Registry struct {
	limits Limits
	dir    Directory
	log    *zap.Logger

	mu    sync.Mutex
	rooms map[string]*registration
}

type registration struct {
	room *Room
	refs int
}

func NewRegistry(limits Limits, dir Directory, log *zap.Logger) *Registry {
	return &Registry{
		limits: limits,
		dir:    dir,
		log:    log.Named("room"),
		rooms:  make(map[string]*registration),
	}
}

// acquire returns the actor for name, starting it if needed. Every acquire
// must be paired with a release.
func (g *Registry) acquire(name string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	reg := g.rooms[name]
	if reg == nil {
		rm := newRoom(name, g.limits, g.dir, g.log)
		go rm.run()
		go rm.notifier()
		reg = &registration{room: rm}
		g.rooms[name] = reg
		g.log.Info("room actor started", zap.String("room", name))
	}
	reg.refs++
	return reg.room
}

func (g *Registry) release(name string, rm *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reg := g.rooms[name]
	if reg == nil || reg.room != rm {
		return
	}
	reg.refs--
	if reg.refs > 0 {
		return
	}
	delete(g.rooms, name)
	rm.stop()
	g.log.Info("room actor stopped", zap.String("room", name))
}

// Len reports how many room actors are live.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Shutdown asks every live room to close; players are disconnected with the
// error reason. Sockets finish closing asynchronously.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, reg := range g.rooms {
		rooms = append(rooms, reg.room)
	}
	g.mu.Unlock()
	for _, rm := range rooms {
		rm.requestShutdown()
	}
}
