// Package engine implements the conflict-free document replica shared by the
// server rooms and the client provider. A document is an ordered sequence of
// rune atoms addressed by dense position identifiers; concurrent edits merge
// commutatively and idempotently, so replicas that saw the same updates in
// any order hold the same text. Presence lives in a separate ephemeral
// Awareness structure and is never part of document state.
package engine

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrBadUpdate = errors.New("malformed update")
	ErrBadVector = errors.New("malformed state vector")
	ErrRange     = errors.New("text range out of bounds")
)

// Origin says which side produced a change.
type Origin int

const (
	OriginLocal Origin = iota + 1
	OriginRemote
)

// Change is delivered to subscribers after a batch of operations applied.
// Update holds the encoded batch; relaying it to another replica reproduces
// the change there.
type Change struct {
	Origin Origin
	Update []byte
}

const (
	opInsert = uint8(1)
	opDelete = uint8(2)
)

// op is one applied operation. Site and Seq identify the op; for inserts the
// identifier names the new atom, for deletes the victim.
type op struct {
	site  uint32
	seq   uint64
	kind  uint8
	id    pid
	value rune
}

// atom is one rune of the sequence with its tombstone flag.
type atom struct {
	id      pid
	value   rune
	deleted bool
}

// Doc is a document replica. All methods are safe for concurrent use.
type Doc struct {
	mu   sync.RWMutex
	site uint32
	seq  uint64
	rng  *rand.Rand

	atoms  []*atom          // ordered by id
	byKey  map[string]*atom // id key -> atom
	orphan map[string]bool  // deletes seen before their insert

	log    []op
	vector map[uint32]uint64 // highest seq applied per site

	listeners map[int]func(Change)
	nextSub   int
}

// New creates an empty replica with a random site id.
func New() *Doc {
	u := uuid.New()
	site := binary.BigEndian.Uint32(u[:4])
	if site == 0 {
		site = 1
	}
	return NewWithSite(site)
}

// NewWithSite creates an empty replica with a fixed site id. Site ids must
// be unique among replicas of one document and never zero; zero is reserved
// for observers that never edit.
func NewWithSite(site uint32) *Doc {
	return &Doc{
		site:      site,
		rng:       rand.New(rand.NewSource(int64(site))),
		byKey:     make(map[string]*atom),
		orphan:    make(map[string]bool),
		vector:    make(map[uint32]uint64),
		listeners: make(map[int]func(Change)),
	}
}

func (d *Doc) SiteID() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.site
}

// Subscribe registers a callback invoked after every applied change. It
// returns a function that unregisters the callback.
func (d *Doc) Subscribe(fn func(Change)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Doc) emit(c Change) {
	d.mu.RLock()
	fns := make([]func(Change), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Text flattens the sequence into the current document string.
func (d *Doc) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]rune, 0, len(d.atoms))
	for _, a := range d.atoms {
		if !a.deleted {
			out = append(out, a.value)
		}
	}
	return string(out)
}

// Len reports the visible rune count.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, a := range d.atoms {
		if !a.deleted {
			n++
		}
	}
	return n
}

// InsertText inserts s at the visible rune index and returns the encoded
// update for relaying. Inserting at Len() appends.
func (d *Doc) InsertText(index int, s string) ([]byte, error) {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	left, right, ok := d.locateGap(index)
	if !ok {
		d.mu.Unlock()
		return nil, ErrRange
	}
	ops := make([]op, 0, len(runes))
	for _, r := range runes {
		id := between(left, right, d.site, d.rng)
		// A tombstone of ours may already own the candidate; narrow the
		// interval past it and draw again.
		for d.byKey[id.key()] != nil {
			left = id
			id = between(left, right, d.site, d.rng)
		}
		d.seq++
		o := op{
			site:  d.site,
			seq:   d.seq,
			kind:  opInsert,
			id:    id,
			value: r,
		}
		d.applyOne(o)
		ops = append(ops, o)
		left = o.id
	}
	data, err := encodeUpdate(ops)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.emit(Change{Origin: OriginLocal, Update: data})
	return data, nil
}

// DeleteText removes n visible runes starting at index and returns the
// encoded update for relaying.
func (d *Doc) DeleteText(index, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	d.mu.Lock()
	victims := d.visibleRange(index, n)
	if victims == nil {
		d.mu.Unlock()
		return nil, ErrRange
	}
	ops := make([]op, 0, n)
	for _, a := range victims {
		d.seq++
		o := op{site: d.site, seq: d.seq, kind: opDelete, id: a.id}
		d.applyOne(o)
		ops = append(ops, o)
	}
	data, err := encodeUpdate(ops)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.emit(Change{Origin: OriginLocal, Update: data})
	return data, nil
}

// ApplyRemote merges an update produced by another replica. Unknown
// operations apply, duplicates are ignored, so delivery may repeat and
// reorder across sites without diverging the text.
func (d *Doc) ApplyRemote(data []byte) error {
	return d.merge(data, OriginRemote)
}

// ApplyLocal merges an update on behalf of the local editor, for callers
// that produce encoded batches themselves instead of using InsertText and
// DeleteText.
func (d *Doc) ApplyLocal(data []byte) error {
	return d.merge(data, OriginLocal)
}

func (d *Doc) merge(data []byte, origin Origin) error {
	ops, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	applied := 0
	for _, o := range ops {
		if d.applyOne(o) {
			applied++
		}
	}
	d.mu.Unlock()
	if applied > 0 {
		d.emit(Change{Origin: origin, Update: data})
	}
	return nil
}

// applyOne applies a single operation under d.mu. It reports whether the
// operation changed anything; duplicates and echoes return false.
func (d *Doc) applyOne(o op) bool {
	key := o.id.key()
	switch o.kind {
	case opInsert:
		if _, dup := d.byKey[key]; dup {
			return false
		}
		a := &atom{id: o.id, value: o.value}
		if d.orphan[key] {
			a.deleted = true
			delete(d.orphan, key)
		}
		idx := sort.Search(len(d.atoms), func(i int) bool {
			return d.atoms[i].id.compare(o.id) >= 0
		})
		d.atoms = append(d.atoms, nil)
		copy(d.atoms[idx+1:], d.atoms[idx:])
		d.atoms[idx] = a
		d.byKey[key] = a
	case opDelete:
		if a, ok := d.byKey[key]; ok {
			if a.deleted && d.vector[o.site] >= o.seq {
				return false
			}
			a.deleted = true
		} else {
			if d.orphan[key] && d.vector[o.site] >= o.seq {
				return false
			}
			d.orphan[key] = true
		}
	default:
		return false
	}
	d.log = append(d.log, o)
	if o.seq > d.vector[o.site] {
		d.vector[o.site] = o.seq
	}
	// Replaying state generated under our own site id must not let local
	// numbering restart behind it.
	if o.site == d.site && o.seq > d.seq {
		d.seq = o.seq
	}
	return true
}

// locateGap maps a visible rune index to the pair of identifiers the new
// atom must land between. Tombstones inside the gap are harmless, order
// among invisible atoms never shows.
func (d *Doc) locateGap(index int) (left, right pid, ok bool) {
	if index < 0 {
		return nil, nil, false
	}
	seen := 0
	for _, a := range d.atoms {
		if a.deleted {
			continue
		}
		if seen == index {
			return left, a.id, true
		}
		seen++
		left = a.id
	}
	if seen == index {
		return left, nil, true
	}
	return nil, nil, false
}

func (d *Doc) visibleRange(index, n int) []*atom {
	if index < 0 {
		return nil
	}
	out := make([]*atom, 0, n)
	seen := 0
	for _, a := range d.atoms {
		if a.deleted {
			continue
		}
		if seen >= index {
			out = append(out, a)
			if len(out) == n {
				return out
			}
		}
		seen++
	}
	return nil
}

// EncodeState encodes the full replica state as one update. Merging it into
// an empty replica reproduces this document, tombstones included.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeUpdate(d.log)
}

// EncodeVector encodes the replica's state vector: the highest operation
// sequence applied per site.
func (d *Doc) EncodeVector() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeVector(d.vector)
}

// DiffFrom encodes an update holding every operation the remote vector has
// not seen. Applying it on the remote side catches that replica up.
func (d *Doc) DiffFrom(vectorData []byte) ([]byte, error) {
	remote, err := decodeVector(vectorData)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	missing := make([]op, 0)
	for _, o := range d.log {
		if o.seq > remote[o.site] {
			missing = append(missing, o)
		}
	}
	return encodeUpdate(missing)
}
