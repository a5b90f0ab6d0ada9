// Package collab is the coordination core: a registry of live rooms, one
// room per open document, membership and presence bookkeeping, update
// fan-out and debounced persistence. Everything transport-shaped stays in
// the gateway; everything encoding-shaped stays in the engine.
package collab

import (
	"context"

	"github.com/inkfold/server/internal/domain"
	"github.com/inkfold/server/internal/store"
	"github.com/inkfold/server/internal/wire"
)

// Document is the replica capability a room needs. The concrete engine
// hides behind it so the merge machinery can be swapped without touching
// room logic.
type Document interface {
	ApplyRemote(data []byte) error
	EncodeState() ([]byte, error)
	EncodeVector() ([]byte, error)
	Text() string
}

// Presence is the ephemeral awareness side of a room. Never persisted.
type Presence interface {
	Apply(update []byte) (changed []uint32, err error)
	Remove(clients []uint32) ([]byte, error)
	EncodeAll() ([]byte, error)
}

// Saver is the persistence gateway rooms flush through.
type Saver interface {
	Load(ctx context.Context, key domain.RoomKey) (store.Record, error)
	Save(ctx context.Context, rec store.Record) error
}

// Sender delivers room frames to one member's connection. TrySend must not
// block; a member that cannot keep up gets kicked so it rejoins with a
// fresh snapshot instead of silently diverging.
type Sender interface {
	TrySend(f wire.Frame) error
	Kick(reason string)
}
