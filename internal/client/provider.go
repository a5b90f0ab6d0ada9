// Package client provides a Go mirror of a shared document. A Provider
// dials the gateway, joins one document room, and keeps a local replica in
// step with the server: local edits go out as updates, remote updates and
// presence changes are merged in and surfaced through callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/inkfold/server/internal/engine"
	"github.com/inkfold/server/internal/wire"
)

var ErrNotJoined = errors.New("not joined to a document")

const clientWriteWait = 5 * time.Second

// Callbacks are invoked from the provider's read loop. They must not call
// Close; spin that off to another goroutine.
type Callbacks struct {
	OnChange    func()              // document changed by a remote member
	OnRoster    func([]wire.Member) // membership changed
	OnAwareness func()              // peer presence changed
	OnError     func(string)        // server-reported error
}

type Provider struct {
	conn *websocket.Conn
	doc  *engine.Doc
	aw   *engine.Awareness
	cb   Callbacks

	writeMu sync.Mutex

	mu      sync.Mutex
	project string
	file    string
	ready   bool
	self    wire.Member
	roster  []wire.Member
	joinRes chan error
	err     error

	unsub     func()
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects and authenticates but does not join a document yet.
// http and https URLs are accepted and rewritten to the websocket scheme.
func Dial(ctx context.Context, rawURL, token string, cb Callbacks) (*Provider, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	doc := engine.New()
	p := &Provider{
		conn: conn,
		doc:  doc,
		aw:   engine.NewAwareness(doc.SiteID()),
		cb:   cb,
		done: make(chan struct{}),
	}
	p.unsub = doc.Subscribe(func(ch engine.Change) {
		if ch.Origin != engine.OriginLocal {
			return
		}
		p.sendUpdate(ch.Update)
	})
	go p.readLoop()
	return p, nil
}

// Join enters the room for project/file and blocks until the server acks
// with the document snapshot or the context runs out.
func (p *Provider) Join(ctx context.Context, project, file string) error {
	p.mu.Lock()
	if p.project != "" {
		p.mu.Unlock()
		return errors.New("already joined")
	}
	p.project, p.file = project, file
	res := make(chan error, 1)
	p.joinRes = res
	p.mu.Unlock()

	err := p.writeFrame(wire.Frame{
		Type:      wire.TypeJoin,
		ProjectID: project,
		FileID:    file,
		Site:      p.doc.SiteID(),
	})
	if err != nil {
		p.resetJoin()
		return err
	}

	select {
	case err := <-res:
		if err != nil {
			p.resetJoin()
		}
		return err
	case <-ctx.Done():
		p.resetJoin()
		return ctx.Err()
	case <-p.done:
		if err := p.Err(); err != nil {
			return err
		}
		return errors.New("connection closed")
	}
}

func (p *Provider) resetJoin() {
	p.mu.Lock()
	p.project, p.file, p.ready = "", "", false
	p.joinRes = nil
	p.mu.Unlock()
}

// Insert types text at the rune index. The edit applies locally at once and
// is relayed to the room.
func (p *Provider) Insert(index int, text string) error {
	if !p.isReady() {
		return ErrNotJoined
	}
	_, err := p.doc.InsertText(index, text)
	return err
}

// Delete removes n runes starting at the rune index.
func (p *Provider) Delete(index, n int) error {
	if !p.isReady() {
		return ErrNotJoined
	}
	_, err := p.doc.DeleteText(index, n)
	return err
}

func (p *Provider) Text() string { return p.doc.Text() }

// Site is the replica id this provider stamps on its operations.
func (p *Provider) Site() uint32 { return p.doc.SiteID() }

// Self is the member entry the server assigned on join.
func (p *Provider) Self() wire.Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

func (p *Provider) Roster() []wire.Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.Member, len(p.roster))
	copy(out, p.roster)
	return out
}

// SetPresence publishes this client's presence payload, typically a cursor
// position, to the room.
func (p *Provider) SetPresence(data []byte) error {
	p.mu.Lock()
	project, file, ready := p.project, p.file, p.ready
	p.mu.Unlock()
	if !ready {
		return ErrNotJoined
	}
	update, err := p.aw.SetLocal(data)
	if err != nil {
		return err
	}
	return p.writeFrame(wire.Frame{
		Type:      wire.TypeAwareness,
		ProjectID: project,
		FileID:    file,
		Data:      update,
	})
}

// Peers returns the live presence payloads by replica site id, this
// provider's own entry included.
func (p *Provider) Peers() map[uint32][]byte { return p.aw.States() }

// Leave exits the current room but keeps the connection for a later Join.
func (p *Provider) Leave() error {
	p.mu.Lock()
	project, file := p.project, p.file
	p.project, p.file, p.ready = "", "", false
	p.mu.Unlock()
	if project == "" {
		return nil
	}
	return p.writeFrame(wire.Frame{Type: wire.TypeLeave, ProjectID: project, FileID: file})
}

// Close tears the connection down. Done is closed once the read loop has
// drained.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		p.writeMu.Lock()
		_ = p.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = p.conn.WriteMessage(websocket.CloseMessage, msg)
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}

// Done is closed when the read loop exits, whether by Close or by the
// server going away.
func (p *Provider) Done() <-chan struct{} { return p.done }

// Err reports why the read loop stopped, nil for a clean local Close.
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Provider) isReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *Provider) readLoop() {
	defer func() {
		p.unsub()
		_ = p.conn.Close()
		close(p.done)
	}()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.setErr(err)
			}
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("bad frame from server")
			continue
		}
		p.dispatch(f)
	}
}

func (p *Provider) dispatch(f wire.Frame) {
	switch f.Type {
	case wire.TypeJoined:
		p.mu.Lock()
		if f.Self != nil {
			p.self = *f.Self
		}
		p.roster = f.Members
		res := p.joinRes
		p.joinRes = nil
		p.mu.Unlock()

		if len(f.State) > 0 {
			if err := p.doc.ApplyRemote(f.State); err != nil {
				log.Error().Err(err).Str("module", "client").Msg("apply snapshot")
				if res != nil {
					res <- fmt.Errorf("apply snapshot: %w", err)
				}
				return
			}
		}
		p.mu.Lock()
		p.ready = true
		p.mu.Unlock()
		if res != nil {
			res <- nil
		}
		if p.cb.OnChange != nil {
			p.cb.OnChange()
		}
		p.notifyRoster(f.Members)

	case wire.TypeUpdate:
		if err := p.doc.ApplyRemote(f.Data); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("dropped bad update")
			return
		}
		if p.cb.OnChange != nil {
			p.cb.OnChange()
		}

	case wire.TypeAwareness:
		if _, err := p.aw.Apply(f.Data); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("dropped bad awareness")
			return
		}
		if p.cb.OnAwareness != nil {
			p.cb.OnAwareness()
		}

	case wire.TypeMemberJoined, wire.TypeMemberLeft:
		p.mu.Lock()
		p.roster = f.Members
		p.mu.Unlock()
		p.notifyRoster(f.Members)

	case wire.TypeError:
		p.mu.Lock()
		res := p.joinRes
		p.joinRes = nil
		p.mu.Unlock()
		if res != nil {
			res <- errors.New(f.Message)
			return
		}
		log.Warn().Str("module", "client").Str("message", f.Message).Msg("server error")
		if p.cb.OnError != nil {
			p.cb.OnError(f.Message)
		}
	}
}

func (p *Provider) notifyRoster(members []wire.Member) {
	if p.cb.OnRoster != nil {
		p.cb.OnRoster(members)
	}
}

func (p *Provider) sendUpdate(update []byte) {
	p.mu.Lock()
	project, file, ready := p.project, p.file, p.ready
	p.mu.Unlock()
	if !ready {
		return
	}
	err := p.writeFrame(wire.Frame{
		Type:      wire.TypeUpdate,
		ProjectID: project,
		FileID:    file,
		Data:      update,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "client").Msg("send update")
	}
}

func (p *Provider) writeFrame(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Provider) setErr(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}
