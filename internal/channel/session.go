package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/replicant-sync/replicant-server/internal/auth"
	"github.com/replicant-sync/replicant-server/internal/hub"
	"github.com/replicant-sync/replicant-server/internal/store"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection is
	// considered dead.
	pongWait = 60 * time.Second

	// Ping interval; must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Whole documents ride the channel, so frames can get big.
	maxMessageSize = 1 << 20

	outboundBuffer = 256
)

// Server owns the websocket endpoint and the collaborators every
// session needs.
type Server struct {
	Store     *store.Store
	Users     *auth.Users
	Verifier  *auth.Verifier
	Hub       *hub.Hub
	Broadcast hub.Broadcaster
	Limit     RateLimit

	upgrader websocket.Upgrader
}

// NewServer wires the sync channel. broadcast may be the hub itself or
// a relay that also forwards across instances; nil means local-only.
func NewServer(st *store.Store, users *auth.Users, verifier *auth.Verifier, h *hub.Hub, broadcast hub.Broadcaster) *Server {
	if broadcast == nil {
		broadcast = h
	}
	return &Server{
		Store:     st,
		Users:     users,
		Verifier:  verifier,
		Hub:       h,
		Broadcast: broadcast,
		Limit:     DefaultRateLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Authentication happens at join, not at upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the connection and runs the session until the
// client goes away.
func (srv *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &Session{
		id:       uuid.New().String(),
		server:   srv,
		conn:     conn,
		outbound: make(chan Frame, outboundBuffer),
		done:     make(chan struct{}),
	}
	if srv.Limit.enabled() {
		s.limiter = srv.Limit.newBucket()
	}

	log.Debug().Str("session", s.id).Msg("session connected")
	go s.writePump()
	s.readLoop(r.Context())
}

// Session is one client connection. Frames are processed one at a time
// by the read loop, so replies keep request order and the join state
// needs no locking; only Deliver and ID are called from other
// goroutines.
type Session struct {
	id     string
	server *Server
	conn   *websocket.Conn

	outbound  chan Frame
	done      chan struct{}
	closeOnce sync.Once

	limiter *TokenBucket

	// Set by a successful join; owned by the read loop.
	joined bool
	topic  string
	userID uuid.UUID
	email  string
}

// ID implements hub.Subscriber.
func (s *Session) ID() string { return s.id }

// Deliver implements hub.Subscriber. Broadcasts never block the
// publisher: a full outbound buffer means this session is dead or too
// slow and the message is dropped.
func (s *Session) Deliver(msg hub.Message) {
	frame := Frame{Topic: msg.Topic, Event: msg.Event, Payload: msg.Payload}
	select {
	case s.outbound <- frame:
	case <-s.done:
	default:
		log.Warn().Str("session", s.id).Str("event", msg.Event).Msg("dropping broadcast, outbound buffer full")
	}
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session", s.id).Msg("session read error")
			}
			return
		}
		s.server.dispatch(ctx, s, frame)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.joined {
			s.server.Hub.Unsubscribe(s.topic, s.id)
		}
		close(s.done)
		log.Debug().Str("session", s.id).Msg("session closed")
	})
}

// send enqueues a direct reply. Unlike broadcasts it blocks until the
// write pump drains the buffer, preserving per-session reply order.
func (s *Session) send(frame Frame) {
	select {
	case s.outbound <- frame:
	case <-s.done:
	}
}

func (s *Session) replyOK(req Frame, response map[string]any) {
	if response == nil {
		response = map[string]any{}
	}
	s.send(Frame{
		Ref:     req.Ref,
		Topic:   req.Topic,
		Event:   "reply",
		Payload: map[string]any{"status": "ok", "response": response},
	})
}

func (s *Session) replyError(req Frame, reason, message string, extra map[string]any) {
	response := map[string]any{"reason": reason, "message": message}
	for k, v := range extra {
		response[k] = v
	}
	s.send(Frame{
		Ref:     req.Ref,
		Topic:   req.Topic,
		Event:   "reply",
		Payload: map[string]any{"status": "error", "response": response},
	})
}

func (s *Session) allow() (bool, time.Duration) {
	if s.limiter == nil {
		return true, 0
	}
	return s.limiter.Allow()
}
