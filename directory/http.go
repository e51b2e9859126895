package directory

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// maxBodyBytes bounds the JSON bodies accepted by the mutation endpoints.
const maxBodyBytes = 1 << 20

type upsertPayload struct {
	Name       string `json:"name"`
	Type       uint32 `json:"type"`
	SlotsUsed  int    `json:"slotsUsed"`
	SlotsTotal int    `json:"slotsTotal"`
}

type removePayload struct {
	Name string `json:"name"`
}

// Handler exposes the directory on the internal mesh listener.
type Handler struct {
	dir *Directory
	log *zap.Logger
}

func NewHandler(dir *Directory, log *zap.Logger) *Handler {
	return &Handler{dir: dir, log: log.Named("directory-http")}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /directory/upsert", h.upsert)
	mux.HandleFunc("POST /directory/remove", h.remove)
	mux.HandleFunc("GET /directory/list.bin", h.listBin)
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request) {
	var p upsertPayload
	if !decodeBody(w, r, &p) {
		return
	}
	err := h.dir.Upsert(r.Context(), Entry{
		Name:       p.Name,
		Type:       p.Type,
		SlotsUsed:  p.SlotsUsed,
		SlotsTotal: p.SlotsTotal,
	})
	switch {
	case errors.Is(err, ErrNameRequired):
		replyBad(w)
	case err != nil:
		h.log.Error("upsert failed", zap.String("name", p.Name), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		replyOK(w)
	}
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	var p removePayload
	if !decodeBody(w, r, &p) {
		return
	}
	err := h.dir.Remove(r.Context(), p.Name)
	switch {
	case errors.Is(err, ErrNameRequired):
		replyBad(w)
	case err != nil:
		h.log.Error("remove failed", zap.String("name", p.Name), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		replyOK(w)
	}
}

func (h *Handler) listBin(w http.ResponseWriter, r *http.Request) {
	data, err := h.dir.ListBin(r.Context())
	if err != nil {
		h.log.Error("list failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		replyBad(w)
		return false
	}
	return true
}

func replyOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func replyBad(w http.ResponseWriter) {
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte("bad"))
}
