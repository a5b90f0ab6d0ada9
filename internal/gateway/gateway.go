// Package gateway terminates client websockets and bridges them into the
// room registry: it authenticates connections, validates the frame
// envelope, and pumps updates between the socket and the rooms a session
// has joined.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/inkfold/server/internal/auth"
	"github.com/inkfold/server/internal/collab"
	"github.com/inkfold/server/internal/domain"
	"github.com/inkfold/server/internal/metrics"
	"github.com/inkfold/server/internal/wire"
)

const (
	defaultReadLimit  = 1 << 20
	defaultPongWait   = 60 * time.Second
	defaultRateLimit  = 200
	defaultRateWindow = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options configure a Gateway. Zero values fall back to the defaults;
// Verifier and Registry are required.
type Options struct {
	Verifier   auth.Verifier
	Registry   *collab.Registry
	ReadLimit  int64
	PongWait   time.Duration
	RateLimit  int
	RateWindow time.Duration
}

type Gateway struct {
	verifier   auth.Verifier
	registry   *collab.Registry
	limiter    *RateLimiter
	readLimit  int64
	pongWait   time.Duration
	pingPeriod time.Duration
}

func New(opts Options) *Gateway {
	if opts.Verifier == nil || opts.Registry == nil {
		panic("gateway: Options.Verifier and Options.Registry are required")
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = defaultRateWindow
	}
	return &Gateway{
		verifier:   opts.Verifier,
		registry:   opts.Registry,
		limiter:    NewRateLimiter(opts.RateLimit, opts.RateWindow),
		readLimit:  opts.ReadLimit,
		pongWait:   opts.PongWait,
		pingPeriod: opts.PongWait * 9 / 10,
	}
}

// HandleWS upgrades the request and runs the session until the client goes
// away. Authentication happens after the upgrade so the client receives a
// readable error frame instead of an opaque handshake failure.
func (g *Gateway) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("ws upgrade")
		return
	}

	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	ident, err := g.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		metrics.AuthFailures.Inc()
		log.Warn().Err(err).Str("module", "gateway").Str("remote", c.ClientIP()).Msg("connection rejected")
		data, _ := wire.Encode(wire.Frame{Type: wire.TypeError, Message: "authentication failed"})
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, data)
		_ = ws.Close()
		return
	}

	sess := &session{
		g:     g,
		conn:  newWSConn(ws),
		ident: ident,
		rooms: make(map[domain.RoomKey]membership),
	}
	log.Info().Str("module", "gateway").Str("user", ident.UserID).Msg("client connected")

	go sess.conn.writePump(ctx, g.pingPeriod)
	go sess.readPump(ctx)
}

type membership struct {
	id   collab.MemberID
	room *collab.Room
}

// session is one authenticated websocket. It may sit in several rooms at
// once, one membership per document key.
type session struct {
	g     *Gateway
	conn  *wsConn
	ident auth.Identity
	warns int // rate limit violations, touched only by readPump

	mu    sync.Mutex
	rooms map[domain.RoomKey]membership
}

// TrySend queues a frame for the client without blocking.
func (s *session) TrySend(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return s.conn.TrySend(data)
}

// Kick drops the client. Its read loop unwinds and leaves every room.
func (s *session) Kick(reason string) {
	log.Warn().Str("module", "gateway").Str("user", s.ident.UserID).Str("reason", reason).Msg("kicking client")
	s.conn.CloseWithReason(websocket.ClosePolicyViolation, reason)
}

func (s *session) readPump(ctx context.Context) {
	defer func() {
		log.Info().Str("module", "gateway").Str("user", s.ident.UserID).Msg("readPump closing")
		s.leaveAll()
		s.conn.Close()
	}()

	ws := s.conn.conn
	ws.SetReadLimit(s.g.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.g.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.g.pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "gateway").Str("user", s.ident.UserID).Msg("readPump ctx done")
			return
		default:
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "gateway").Str("user", s.ident.UserID).Msg("readPump read error")
				}
				return
			}
			s.handle(ctx, data)
		}
	}
}

func (s *session) handle(ctx context.Context, data []byte) {
	f, err := wire.Decode(data)
	if err == nil {
		err = wire.ValidateInbound(f)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "gateway").Str("user", s.ident.UserID).Msg("protocol violation")
		s.sendError("protocol violation: " + err.Error())
		s.conn.Close()
		return
	}

	switch f.Type {
	case wire.TypeJoin:
		s.handleJoin(ctx, f)
	case wire.TypeLeave:
		s.handleLeave(ctx, f)
	case wire.TypeUpdate:
		s.handleUpdate(f)
	case wire.TypeAwareness:
		s.handleAwareness(f)
	}
}

func (s *session) handleJoin(ctx context.Context, f wire.Frame) {
	key, err := domain.NewRoomKey(f.ProjectID, f.FileID)
	if err != nil {
		s.sendError(err.Error())
		s.conn.Close()
		return
	}
	if s.ident.Project != "" && string(key.ProjectID) != s.ident.Project {
		log.Warn().Str("module", "gateway").Str("user", s.ident.UserID).
			Str("project", f.ProjectID).Msg("join outside token scope")
		s.sendError("project not authorized")
		return
	}

	s.mu.Lock()
	m, joined := s.rooms[key]
	s.mu.Unlock()
	if joined {
		// A repeated join re-acks the existing membership.
		ack, err := m.room.Snapshot(m.id)
		if err == nil {
			s.sendJoined(key, ack)
			return
		}
		s.mu.Lock()
		delete(s.rooms, key)
		s.mu.Unlock()
	}

	user, err := domain.NewUser(s.ident.UserID, s.ident.Name)
	if err != nil {
		s.sendError("invalid identity: " + err.Error())
		s.conn.Close()
		return
	}
	room, ack, err := s.g.registry.Join(ctx, key, user, f.Site, s)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Str("room", key.String()).Msg("join failed")
		s.sendError("cannot open document")
		s.conn.Close()
		return
	}
	s.mu.Lock()
	s.rooms[key] = membership{id: ack.MemberID, room: room}
	s.mu.Unlock()
	s.sendJoined(key, ack)
}

func (s *session) sendJoined(key domain.RoomKey, ack collab.JoinAck) {
	self := ack.Self
	_ = s.TrySend(wire.Frame{
		Type:      wire.TypeJoined,
		ProjectID: string(key.ProjectID),
		FileID:    string(key.FileID),
		State:     ack.State,
		Vector:    ack.Vector,
		Self:      &self,
		Members:   ack.Roster,
	})
	if len(ack.Awareness) > 0 {
		_ = s.TrySend(wire.Frame{
			Type:      wire.TypeAwareness,
			ProjectID: string(key.ProjectID),
			FileID:    string(key.FileID),
			Data:      ack.Awareness,
		})
	}
}

func (s *session) handleLeave(ctx context.Context, f wire.Frame) {
	key, err := domain.NewRoomKey(f.ProjectID, f.FileID)
	if err != nil {
		s.sendError(err.Error())
		s.conn.Close()
		return
	}
	s.mu.Lock()
	m, ok := s.rooms[key]
	delete(s.rooms, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := m.room.Leave(ctx, m.id); err != nil {
		log.Warn().Err(err).Str("module", "gateway").Str("room", key.String()).Msg("leave failed")
	}
}

func (s *session) handleUpdate(f wire.Frame) {
	if !s.allowFrame() {
		return
	}
	m, ok := s.lookup(f)
	if !ok {
		return
	}
	// A rejected payload is dropped; the room already logged it and the
	// session stays up.
	_ = m.room.ApplyUpdate(m.id, f.Data)
}

func (s *session) handleAwareness(f wire.Frame) {
	if !s.allowFrame() {
		return
	}
	m, ok := s.lookup(f)
	if !ok {
		return
	}
	_ = m.room.ApplyAwareness(m.id, f.Data)
}

func (s *session) lookup(f wire.Frame) (membership, bool) {
	key, err := domain.NewRoomKey(f.ProjectID, f.FileID)
	if err != nil {
		s.sendError(err.Error())
		s.conn.Close()
		return membership{}, false
	}
	s.mu.Lock()
	m, ok := s.rooms[key]
	s.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "gateway").Str("user", s.ident.UserID).
			Str("room", key.String()).Msg("frame for a room not joined")
		s.sendError("not joined: " + key.String())
		return membership{}, false
	}
	return m, true
}

func (s *session) allowFrame() bool {
	if s.g.limiter.Allow(domain.UserID(s.ident.UserID)) {
		return true
	}
	s.warns++
	if s.warns%100 == 1 {
		log.Warn().Str("module", "gateway").Str("user", s.ident.UserID).
			Int("violations", s.warns).Msg("rate limit exceeded")
	}
	if s.warns > 1000 {
		s.Kick("rate limit")
	}
	return false
}

func (s *session) leaveAll() {
	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[domain.RoomKey]membership)
	s.mu.Unlock()

	for _, m := range rooms {
		if err := m.room.Leave(context.Background(), m.id); err != nil && !errors.Is(err, collab.ErrNotMember) {
			log.Warn().Err(err).Str("module", "gateway").Str("user", s.ident.UserID).Msg("leave on disconnect")
		}
	}
}

func (s *session) sendError(msg string) {
	_ = s.TrySend(wire.Frame{Type: wire.TypeError, Message: msg})
}
