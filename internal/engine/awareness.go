package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var ErrBadAwareness = errors.New("malformed awareness update")

// Awareness is the ephemeral presence side of a document: one state blob per
// client (cursor, selection, whatever the editor shows), versioned by a
// per-client clock. Entries with a higher clock win, dead entries keep their
// clock so a stale revive cannot resurrect them. Nothing here persists.
type Awareness struct {
	mu     sync.RWMutex
	client uint32
	states map[uint32]awareEntry
}

type awareEntry struct {
	clock uint64
	data  []byte // nil once the client is gone
}

type wireAwareEntry struct {
	Client uint32 `cbor:"client"`
	Clock  uint64 `cbor:"clock"`
	Data   []byte `cbor:"data,omitempty"`
}

type wireAwareness struct {
	Entries []wireAwareEntry `cbor:"entries"`
}

// NewAwareness creates an empty presence map for the given client id. Pass
// the document's site id; observers that never publish state pass zero.
func NewAwareness(client uint32) *Awareness {
	return &Awareness{client: client, states: make(map[uint32]awareEntry)}
}

// SetLocal replaces this client's state and returns the encoded update to
// relay. A nil state announces departure.
func (a *Awareness) SetLocal(data []byte) ([]byte, error) {
	a.mu.Lock()
	cur := a.states[a.client]
	next := awareEntry{clock: cur.clock + 1, data: data}
	a.states[a.client] = next
	out := wireAwareness{Entries: []wireAwareEntry{{Client: a.client, Clock: next.clock, Data: data}}}
	a.mu.Unlock()
	return cbor.Marshal(out)
}

// Apply merges a remote awareness update and reports which clients changed.
// Entries older than what we hold are ignored.
func (a *Awareness) Apply(update []byte) ([]uint32, error) {
	var w wireAwareness
	if err := cbor.Unmarshal(update, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAwareness, err)
	}
	a.mu.Lock()
	changed := make([]uint32, 0, len(w.Entries))
	for _, e := range w.Entries {
		if e.Client == 0 || e.Clock == 0 {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: incomplete entry", ErrBadAwareness)
		}
		cur, known := a.states[e.Client]
		if known && e.Clock <= cur.clock {
			continue
		}
		a.states[e.Client] = awareEntry{clock: e.Clock, data: e.Data}
		changed = append(changed, e.Client)
	}
	a.mu.Unlock()
	return changed, nil
}

// Remove marks the given clients gone and returns the encoded update to
// relay, or nil when none of them were present.
func (a *Awareness) Remove(clients []uint32) ([]byte, error) {
	a.mu.Lock()
	out := wireAwareness{}
	for _, c := range clients {
		cur, known := a.states[c]
		if !known || cur.data == nil {
			continue
		}
		next := awareEntry{clock: cur.clock + 1}
		a.states[c] = next
		out.Entries = append(out.Entries, wireAwareEntry{Client: c, Clock: next.clock})
	}
	a.mu.Unlock()
	if len(out.Entries) == 0 {
		return nil, nil
	}
	return cbor.Marshal(out)
}

// EncodeAll encodes every entry, for seeding a late joiner. Dead entries are
// included as clock-only tombstones; a client returning after a departure
// must learn the clock its removal reached, or its next publication would be
// discarded as stale everywhere. Returns nil when nothing was ever tracked.
func (a *Awareness) EncodeAll() ([]byte, error) {
	a.mu.RLock()
	out := wireAwareness{}
	for c, e := range a.states {
		out.Entries = append(out.Entries, wireAwareEntry{Client: c, Clock: e.clock, Data: e.data})
	}
	a.mu.RUnlock()
	if len(out.Entries) == 0 {
		return nil, nil
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Client < out.Entries[j].Client })
	return cbor.Marshal(out)
}

// States returns a copy of the live presence states keyed by client id.
func (a *Awareness) States() map[uint32][]byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[uint32][]byte, len(a.states))
	for c, e := range a.states {
		if e.data == nil {
			continue
		}
		out[c] = append([]byte(nil), e.data...)
	}
	return out
}
