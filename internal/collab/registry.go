package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/inkfold/server/internal/domain"
	"github.com/inkfold/server/internal/engine"
	"github.com/inkfold/server/internal/metrics"
	"github.com/inkfold/server/internal/store"
)

const (
	// DefaultDebounce is the quiet window after the last update before a
	// room persists its document.
	DefaultDebounce = 2 * time.Second
	// DefaultGrace is how long an empty room lingers before teardown.
	DefaultGrace = 30 * time.Second
)

// Options configure a Registry. Zero values fall back to the defaults; only
// Saver is required.
type Options struct {
	Saver    Saver
	Clock    clock.Clock
	Debounce time.Duration
	Grace    time.Duration

	// NewDocument and NewPresence build the server-side replicas for a
	// fresh room. Overridable for tests.
	NewDocument func() Document
	NewPresence func() Presence
}

func (o Options) withDefaults() Options {
	if o.Saver == nil {
		panic("collab: Options.Saver is required")
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.NewDocument == nil {
		o.NewDocument = func() Document { return engine.NewWithSite(0) }
	}
	if o.NewPresence == nil {
		o.NewPresence = func() Presence { return engine.NewAwareness(0) }
	}
	return o
}

// Registry owns the live rooms, one per document key. Rooms are created on
// first join, hydrated from the store, and evict themselves after their
// teardown grace period.
type Registry struct {
	opts Options

	mu    sync.RWMutex
	rooms map[domain.RoomKey]*Room
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:  opts.withDefaults(),
		rooms: make(map[domain.RoomKey]*Room),
	}
}

// GetOrCreate returns the live room for key, creating and hydrating it if
// needed. Creation happens under the registry lock so concurrent first
// joins share one room and one store read.
func (g *Registry) GetOrCreate(ctx context.Context, key domain.RoomKey) (*Room, error) {
	g.mu.RLock()
	r, ok := g.rooms[key]
	g.mu.RUnlock()
	if ok {
		return r, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[key]; ok {
		return r, nil
	}

	doc := g.opts.NewDocument()
	rec, err := g.opts.Saver.Load(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First open of this document, start blank.
	case err != nil:
		return nil, fmt.Errorf("load %s: %w", key, err)
	case len(rec.State) > 0:
		if err := doc.ApplyRemote(rec.State); err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", key, err)
		}
	}

	r = newRoom(key, doc, g.opts.NewPresence(), g.opts.Saver, g.opts.Clock,
		g.opts.Debounce, g.opts.Grace, func(r *Room) { g.evict(key, r) })
	g.rooms[key] = r
	metrics.RoomsActive.Inc()
	log.Info().Str("module", "collab.registry").Str("room", key.String()).Msg("room created")
	return r, nil
}

// Join resolves the room for key and seats the user in it. A room caught
// mid-destruction rejects the join; the registry evicts the corpse and
// retries with a fresh room.
func (g *Registry) Join(ctx context.Context, key domain.RoomKey, user *domain.User, site uint32, snd Sender) (*Room, JoinAck, error) {
	for attempt := 0; attempt < 3; attempt++ {
		r, err := g.GetOrCreate(ctx, key)
		if err != nil {
			return nil, JoinAck{}, err
		}
		ack, err := r.Join(user, site, snd)
		if errors.Is(err, ErrRoomClosed) {
			g.evict(key, r)
			continue
		}
		if err != nil {
			return nil, JoinAck{}, err
		}
		return r, ack, nil
	}
	return nil, JoinAck{}, ErrRoomClosed
}

// evict drops room from the registry if it is still the one mapped to key.
// A successor room created after a teardown is left alone.
func (g *Registry) evict(key domain.RoomKey, room *Room) {
	g.mu.Lock()
	cur, ok := g.rooms[key]
	if ok && cur == room {
		delete(g.rooms, key)
		metrics.RoomsActive.Dec()
	}
	g.mu.Unlock()
}

// RoomInfo is one row of the admin room listing.
type RoomInfo struct {
	Key     domain.RoomKey `json:"key"`
	Members int            `json:"members"`
}

// Rooms lists the live rooms and their member counts.
func (g *Registry) Rooms() []RoomInfo {
	g.mu.RLock()
	snapshot := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		snapshot = append(snapshot, r)
	}
	g.mu.RUnlock()

	out := make([]RoomInfo, 0, len(snapshot))
	for _, r := range snapshot {
		out = append(out, RoomInfo{Key: r.Key(), Members: r.MemberCount()})
	}
	return out
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Shutdown destroys every live room, flushing dirty documents. Used on
// process exit after the listener has stopped accepting connections.
func (g *Registry) Shutdown(ctx context.Context) {
	g.mu.RLock()
	snapshot := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		snapshot = append(snapshot, r)
	}
	g.mu.RUnlock()

	for _, r := range snapshot {
		r.Close(ctx)
	}
	log.Info().Str("module", "collab.registry").Int("rooms", len(snapshot)).Msg("registry shut down")
}
