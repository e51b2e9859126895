// Package server assembles the two HTTP listeners: the public one carrying
// the gateway websocket surface and the internal one carrying room attach
// and directory traffic.
package server

import (
	"context"
	"net/http"

	"github.com/JohnImril/hellgate-ws/directory"
	"github.com/JohnImril/hellgate-ws/room"
)

type Server struct {
	HTTP *http.Server
}

func newServer(addr string, mux *http.ServeMux) *Server {
	return &Server{
		HTTP: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *Server) Serve() error                       { return s.HTTP.ListenAndServe() }
func (s *Server) Shutdown(ctx context.Context) error { return s.HTTP.Shutdown(ctx) }
func (s *Server) Close() error                       { return s.HTTP.Close() }
func (s *Server) Addr() string                       { return s.HTTP.Addr }

// NewExternal builds the client-facing listener. Only GET on the two upgrade
// paths reaches the gateway; any other path or method is a plain 404. The
// upgrade handshake itself answers 426 when the headers are missing.
func NewExternal(addr string, gateway http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", getOnly(gateway))
	mux.Handle("/websocket", getOnly(gateway))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return newServer(addr, mux)
}

// NewInternal builds the listener the gateway bridges to. Nothing on it
// authenticates; it must only be bound to an address clients cannot reach.
func NewInternal(addr string, rooms *room.AttachHandler, dir *directory.Handler) *Server {
	mux := http.NewServeMux()
	rooms.Register(mux)
	dir.Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return newServer(addr, mux)
}

func getOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}
