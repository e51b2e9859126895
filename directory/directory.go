// Package directory maintains the cluster-wide game list: one entry per
// active room, persisted through a key-value store and served to lobbies as
// a binary GameList snapshot. A single actor goroutine owns the mapping;
// rooms and the gateway talk to it through the exported methods.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JohnImril/hellgate-ws/protocol"
	"github.com/JohnImril/hellgate-ws/storage"
)

// storageKey holds the whole mapping as an ordered list of [name, entry]
// pairs.
const storageKey = "games"

var (
	// ErrNameRequired rejects upserts and removes without a name.
	ErrNameRequired = errors.New("directory: name is required")

	// ErrStopped is returned once the actor loop has exited.
	ErrStopped = errors.New("directory: stopped")
)

// Entry describes one active room.
type Entry struct {
	Name       string    `json:"name"`
	Type       uint32    `json:"type"`
	SlotsUsed  int       `json:"slotsUsed"`
	SlotsTotal int       `json:"slotsTotal"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Directory is the singleton game-list actor. All state lives behind the
// request channel; Run must be started before any method is called.
type Directory struct {
	store storage.KV
	log   *zap.Logger
	now   func() time.Time

	reqCh chan request
	done  chan struct{}

	// Actor-owned state below; only the Run goroutine touches it.
	loaded  bool
	entries map[string]*Entry
	order   []string
}

type reqKind uint8

const (
	reqUpsert reqKind = iota + 1
	reqRemove
	reqSnapshot
)

type request struct {
	kind  reqKind
	entry Entry
	name  string
	reply chan reply
}

type reply struct {
	entries []Entry
	err     error
}

func New(store storage.KV, log *zap.Logger) *Directory {
	return &Directory{
		store:   store,
		log:     log.Named("directory"),
		now:     time.Now,
		reqCh:   make(chan request, 64),
		done:    make(chan struct{}),
		entries: make(map[string]*Entry),
	}
}

// Run executes the actor loop until ctx is cancelled.
func (d *Directory) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-d.reqCh:
			req.reply <- d.handle(req)
		}
	}
}

// Upsert overwrites the entry under its name, stamping UpdatedAt. New names
// append to the ordering; existing names keep their position.
func (d *Directory) Upsert(ctx context.Context, e Entry) error {
	_, err := d.call(ctx, request{kind: reqUpsert, entry: e})
	return err
}

// Remove deletes the entry. Removing an absent name is not an error.
func (d *Directory) Remove(ctx context.Context, name string) error {
	_, err := d.call(ctx, request{kind: reqRemove, name: name})
	return err
}

// Snapshot returns the entries sorted by UpdatedAt descending.
func (d *Directory) Snapshot(ctx context.Context) ([]Entry, error) {
	return d.call(ctx, request{kind: reqSnapshot})
}

// ListBin returns the game list as an encoded GameList frame, newest first.
func (d *Directory) ListBin(ctx context.Context) ([]byte, error) {
	entries, err := d.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	list := protocol.GameList{Entries: make([]protocol.GameEntry, 0, len(entries))}
	for _, e := range entries {
		list.Entries = append(list.Entries, protocol.GameEntry{Type: e.Type, Name: e.Name})
	}
	return protocol.Encode(list), nil
}

func (d *Directory) call(ctx context.Context, req request) ([]Entry, error) {
	req.reply = make(chan reply, 1)
	select {
	case d.reqCh <- req:
	case <-d.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.entries, r.err
	case <-d.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Directory) handle(req request) reply {
	if err := d.ensureLoaded(); err != nil {
		return reply{err: err}
	}
	switch req.kind {
	case reqUpsert:
		if req.entry.Name == "" {
			return reply{err: ErrNameRequired}
		}
		e := req.entry
		e.UpdatedAt = d.now()
		if existing, ok := d.entries[e.Name]; ok {
			*existing = e
		} else {
			d.entries[e.Name] = &e
			d.order = append(d.order, e.Name)
		}
		return reply{err: d.persist()}
	case reqRemove:
		if req.name == "" {
			return reply{err: ErrNameRequired}
		}
		if _, ok := d.entries[req.name]; !ok {
			return reply{}
		}
		delete(d.entries, req.name)
		for i, n := range d.order {
			if n == req.name {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		return reply{err: d.persist()}
	case reqSnapshot:
		out := make([]Entry, 0, len(d.order))
		for _, name := range d.order {
			out = append(out, *d.entries[name])
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		})
		return reply{entries: out}
	default:
		return reply{err: fmt.Errorf("directory: unknown request kind %d", req.kind)}
	}
}

// storedPair serializes as the two-element array the store schema demands.
type storedPair struct {
	Name  string
	Entry Entry
}

func (p storedPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Name, p.Entry})
}

func (p *storedPair) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.Name); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Entry)
}

// ensureLoaded pulls the persisted mapping on the first request. Actor
// serialization makes this the at-most-one loader; a failed load is retried
// by the next request.
func (d *Directory) ensureLoaded() error {
	if d.loaded {
		return nil
	}
	data, err := d.store.Get(storageKey)
	if errors.Is(err, storage.ErrNotFound) {
		d.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %q: %w", storageKey, err)
	}
	var pairs []storedPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("decode %q: %w", storageKey, err)
	}
	for _, p := range pairs {
		e := p.Entry
		d.entries[p.Name] = &e
		d.order = append(d.order, p.Name)
	}
	d.loaded = true
	d.log.Info("loaded game list", zap.Int("games", len(pairs)))
	return nil
}

func (d *Directory) persist() error {
	pairs := make([]storedPair, 0, len(d.order))
	for _, name := range d.order {
		pairs = append(pairs, storedPair{Name: name, Entry: *d.entries[name]})
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("encode %q: %w", storageKey, err)
	}
	if err := d.store.Put(storageKey, data); err != nil {
		return fmt.Errorf("persist %q: %w", storageKey, err)
	}
	return nil
}
