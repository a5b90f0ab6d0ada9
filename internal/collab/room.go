package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkfold/server/internal/domain"
	"github.com/inkfold/server/internal/metrics"
	"github.com/inkfold/server/internal/store"
	"github.com/inkfold/server/internal/wire"
)

var (
	ErrRoomClosed = errors.New("room closed")
	ErrNotMember  = errors.New("not a member of this room")
)

// flushRetryFactor stretches the debounce window after a failed save so a
// struggling store is not hammered at edit speed.
const flushRetryFactor = 5

type roomState int

const (
	stateActive roomState = iota
	stateDraining
	stateDestroyed
)

// MemberID names one membership. A reconnecting client gets a new one;
// nothing about the old membership survives.
type MemberID string

type seat struct {
	id     MemberID
	member *domain.Member
	sender Sender
	site   uint32 // the member's replica site id, 0 when unknown
}

// Room coordinates one shared document: the server replica, the member
// roster, presence, fan-out and the persistence schedule. A single lock
// scopes all room state; timers fire on the injected clock so lifecycles
// are testable in virtual time.
type Room struct {
	key      domain.RoomKey
	saver    Saver
	clk      clock.Clock
	debounce time.Duration
	grace    time.Duration
	onGone   func(*Room) // called once, outside the lock, after destruction

	mu        sync.RWMutex
	doc       Document
	pres      Presence
	seats     map[MemberID]*seat
	nextSeat  int
	state     roomState
	dirty     bool
	rev       uint64
	saveTimer *clock.Timer
	dropTimer *clock.Timer
}

func newRoom(key domain.RoomKey, doc Document, pres Presence, saver Saver, clk clock.Clock, debounce, grace time.Duration, onGone func(*Room)) *Room {
	return &Room{
		key:      key,
		saver:    saver,
		clk:      clk,
		debounce: debounce,
		grace:    grace,
		onGone:   onGone,
		doc:      doc,
		pres:     pres,
		seats:    make(map[MemberID]*seat),
	}
}

func (r *Room) Key() domain.RoomKey { return r.key }

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.seats)
}

// Text exposes the current document text, mainly for the admin surface.
func (r *Room) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Text()
}

// JoinAck carries everything a fresh member needs to mirror the room.
type JoinAck struct {
	MemberID  MemberID
	Self      wire.Member
	Roster    []wire.Member
	State     []byte
	Vector    []byte
	Awareness []byte
}

// Join seats a new member, cancels a pending teardown if the room was
// draining, and announces the new roster to everyone else. The returned ack
// snapshot is consistent with the broadcast order.
func (r *Room) Join(user *domain.User, site uint32, snd Sender) (JoinAck, error) {
	r.mu.Lock()
	if r.state == stateDestroyed {
		r.mu.Unlock()
		return JoinAck{}, ErrRoomClosed
	}
	if r.state == stateDraining {
		if r.dropTimer != nil {
			r.dropTimer.Stop()
			r.dropTimer = nil
		}
		r.state = stateActive
		log.Debug().Str("module", "collab.room").Str("room", r.key.String()).Msg("teardown canceled by join")
	}

	m := domain.NewMember(user, r.nextSeat)
	r.nextSeat++
	st := &seat{id: MemberID(uuid.NewString()), member: m, sender: snd, site: site}
	r.seats[st.id] = st

	state, err := r.doc.EncodeState()
	if err != nil {
		delete(r.seats, st.id)
		r.mu.Unlock()
		return JoinAck{}, err
	}
	vector, err := r.doc.EncodeVector()
	if err != nil {
		delete(r.seats, st.id)
		r.mu.Unlock()
		return JoinAck{}, err
	}
	awareness, err := r.pres.EncodeAll()
	if err != nil {
		delete(r.seats, st.id)
		r.mu.Unlock()
		return JoinAck{}, err
	}

	ack := JoinAck{
		MemberID:  st.id,
		Self:      memberEntry(st),
		Roster:    r.rosterLocked(),
		State:     state,
		Vector:    vector,
		Awareness: awareness,
	}
	dropped := r.broadcastLocked(st.id, wire.Frame{
		Type:      wire.TypeMemberJoined,
		ProjectID: string(r.key.ProjectID),
		FileID:    string(r.key.FileID),
		Members:   ack.Roster,
	})
	r.mu.Unlock()

	metrics.MembersActive.Inc()
	log.Info().Str("module", "collab.room").Str("room", r.key.String()).
		Str("member", string(st.id)).Str("user", string(user.ID)).Msg("member joined")
	r.kick(dropped)
	return ack, nil
}

// Snapshot rebuilds the join ack for an existing member, for example when
// a client repeats a join it already holds.
func (r *Room) Snapshot(id MemberID) (JoinAck, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == stateDestroyed {
		return JoinAck{}, ErrRoomClosed
	}
	st, ok := r.seats[id]
	if !ok {
		return JoinAck{}, ErrNotMember
	}
	state, err := r.doc.EncodeState()
	if err != nil {
		return JoinAck{}, err
	}
	vector, err := r.doc.EncodeVector()
	if err != nil {
		return JoinAck{}, err
	}
	awareness, err := r.pres.EncodeAll()
	if err != nil {
		return JoinAck{}, err
	}
	return JoinAck{
		MemberID:  st.id,
		Self:      memberEntry(st),
		Roster:    r.rosterLocked(),
		State:     state,
		Vector:    vector,
		Awareness: awareness,
	}, nil
}

// Leave unseats a member, clears its presence for the others, and when the
// room empties flushes at once and schedules the grace-period teardown.
func (r *Room) Leave(ctx context.Context, id MemberID) error {
	r.mu.Lock()
	st, ok := r.seats[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotMember
	}
	delete(r.seats, id)

	var dropped []Sender
	if st.site != 0 {
		removal, err := r.pres.Remove([]uint32{st.site})
		if err == nil && removal != nil {
			dropped = append(dropped, r.broadcastLocked(id, wire.Frame{
				Type:      wire.TypeAwareness,
				ProjectID: string(r.key.ProjectID),
				FileID:    string(r.key.FileID),
				Data:      removal,
			})...)
		}
	}
	dropped = append(dropped, r.broadcastLocked(id, wire.Frame{
		Type:      wire.TypeMemberLeft,
		ProjectID: string(r.key.ProjectID),
		FileID:    string(r.key.FileID),
		Members:   r.rosterLocked(),
	})...)

	empty := len(r.seats) == 0
	if empty {
		r.state = stateDraining
		if r.saveTimer != nil {
			r.saveTimer.Stop()
			r.saveTimer = nil
		}
		r.dropTimer = r.clk.AfterFunc(r.grace, r.onGrace)
	}
	r.mu.Unlock()

	metrics.MembersActive.Dec()
	log.Info().Str("module", "collab.room").Str("room", r.key.String()).
		Str("member", string(id)).Bool("empty", empty).Msg("member left")
	r.kick(dropped)
	if empty {
		if err := r.flush(ctx); err != nil {
			r.mu.Lock()
			if r.state == stateDraining && r.dirty && r.saveTimer == nil {
				r.saveTimer = r.clk.AfterFunc(r.debounce*flushRetryFactor, r.onSaveTimer)
			}
			r.mu.Unlock()
		}
	}
	return nil
}

// ApplyUpdate merges a member's document update and relays it to the other
// members. Corrupt payloads are rejected without touching room state; the
// caller drops the frame and the room keeps running.
func (r *Room) ApplyUpdate(from MemberID, data []byte) error {
	r.mu.Lock()
	if r.state == stateDestroyed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if _, ok := r.seats[from]; !ok {
		r.mu.Unlock()
		return ErrNotMember
	}
	if err := r.doc.ApplyRemote(data); err != nil {
		r.mu.Unlock()
		metrics.UpdatesRejected.Inc()
		log.Warn().Err(err).Str("module", "collab.room").Str("room", r.key.String()).
			Str("member", string(from)).Msg("update rejected")
		return err
	}
	r.dirty = true
	r.rev++
	if r.saveTimer == nil {
		r.saveTimer = r.clk.AfterFunc(r.debounce, r.onSaveTimer)
	} else {
		r.saveTimer.Reset(r.debounce)
	}
	dropped := r.broadcastLocked(from, wire.Frame{
		Type:      wire.TypeUpdate,
		ProjectID: string(r.key.ProjectID),
		FileID:    string(r.key.FileID),
		Data:      data,
	})
	r.mu.Unlock()

	metrics.UpdatesRelayed.Inc()
	r.kick(dropped)
	return nil
}

// ApplyAwareness merges a presence update and relays it. Stale entries
// change nothing and are not re-broadcast.
func (r *Room) ApplyAwareness(from MemberID, data []byte) error {
	r.mu.Lock()
	if r.state == stateDestroyed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if _, ok := r.seats[from]; !ok {
		r.mu.Unlock()
		return ErrNotMember
	}
	changed, err := r.pres.Apply(data)
	if err != nil {
		r.mu.Unlock()
		metrics.UpdatesRejected.Inc()
		log.Warn().Err(err).Str("module", "collab.room").Str("room", r.key.String()).
			Str("member", string(from)).Msg("awareness rejected")
		return err
	}
	if len(changed) == 0 {
		r.mu.Unlock()
		return nil
	}
	dropped := r.broadcastLocked(from, wire.Frame{
		Type:      wire.TypeAwareness,
		ProjectID: string(r.key.ProjectID),
		FileID:    string(r.key.FileID),
		Data:      data,
	})
	r.mu.Unlock()

	metrics.AwarenessRelayed.Inc()
	r.kick(dropped)
	return nil
}

// Close destroys the room immediately, flushing dirty state. Used on
// process shutdown; the grace period does not apply.
func (r *Room) Close(ctx context.Context) {
	r.mu.Lock()
	if r.state == stateDestroyed {
		r.mu.Unlock()
		return
	}
	r.destroyLocked()
	r.mu.Unlock()

	r.flush(ctx)
	r.gone()
}

// onGrace fires when the teardown grace period elapses with the room still
// empty.
func (r *Room) onGrace() {
	r.mu.Lock()
	if r.state != stateDraining || len(r.seats) > 0 {
		r.mu.Unlock()
		return
	}
	r.destroyLocked()
	r.mu.Unlock()

	r.flush(context.Background())
	r.gone()
	log.Info().Str("module", "collab.room").Str("room", r.key.String()).Msg("room destroyed")
}

func (r *Room) destroyLocked() {
	r.state = stateDestroyed
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	if r.dropTimer != nil {
		r.dropTimer.Stop()
		r.dropTimer = nil
	}
}

func (r *Room) gone() {
	if r.onGone != nil {
		r.onGone(r)
	}
}

// onSaveTimer fires when the debounce window closes. A failed save re-arms
// the timer with a stretched window so the next retry is scheduled even if
// no further edits arrive.
func (r *Room) onSaveTimer() {
	r.mu.Lock()
	r.saveTimer = nil
	if r.state == stateDestroyed || !r.dirty {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.flush(context.Background()); err != nil {
		r.mu.Lock()
		if r.state != stateDestroyed && r.dirty && r.saveTimer == nil {
			r.saveTimer = r.clk.AfterFunc(r.debounce*flushRetryFactor, r.onSaveTimer)
		}
		r.mu.Unlock()
	}
}

// flush persists the current document state. Save failures leave the room
// dirty so the next trigger retries; members never see them.
func (r *Room) flush(ctx context.Context) error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	rev := r.rev
	state, err := r.doc.EncodeState()
	if err != nil {
		r.mu.Unlock()
		log.Error().Err(err).Str("module", "collab.room").Str("room", r.key.String()).Msg("encode state failed")
		return err
	}
	text := r.doc.Text()
	r.mu.Unlock()

	start := time.Now()
	err = r.saver.Save(ctx, store.Record{Key: r.key, State: state, Text: text})
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("module", "collab.room").Str("room", r.key.String()).Msg("persist failed")
		return err
	}
	metrics.PersistTotal.WithLabelValues("ok").Inc()

	r.mu.Lock()
	if r.rev == rev {
		r.dirty = false
	}
	r.mu.Unlock()
	log.Debug().Str("module", "collab.room").Str("room", r.key.String()).Int("bytes", len(state)).Msg("persisted")
	return nil
}

// broadcastLocked fans a frame out to every seat except from. Callers hold
// r.mu. Senders that refuse the frame are returned for kicking once the
// lock is gone.
func (r *Room) broadcastLocked(from MemberID, f wire.Frame) []Sender {
	var dropped []Sender
	sent := 0
	for id, st := range r.seats {
		if id == from {
			continue
		}
		if err := st.sender.TrySend(f); err != nil {
			dropped = append(dropped, st.sender)
			metrics.FramesDropped.Inc()
			continue
		}
		sent++
	}
	log.Debug().Str("module", "collab.room").Str("room", r.key.String()).
		Str("type", string(f.Type)).Int("sent_to", sent).Int("dropped", len(dropped)).Msg("broadcast result")
	return dropped
}

func (r *Room) kick(dropped []Sender) {
	for _, s := range dropped {
		s.Kick("slow consumer")
	}
}

func (r *Room) rosterLocked() []wire.Member {
	out := make([]wire.Member, 0, len(r.seats))
	seatNo := make(map[string]int, len(r.seats))
	for _, st := range r.seats {
		out = append(out, memberEntry(st))
		seatNo[string(st.id)] = st.member.Seat
	}
	sort.Slice(out, func(i, j int) bool { return seatNo[out[i].ID] < seatNo[out[j].ID] })
	return out
}

func memberEntry(st *seat) wire.Member {
	return wire.Member{
		ID:     string(st.id),
		UserID: string(st.member.User.ID),
		Name:   st.member.User.Name,
		Color:  st.member.Color,
	}
}
