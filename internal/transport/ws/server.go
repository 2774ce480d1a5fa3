package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/oracle"
	"voxelcraft.ai/blockorigin/internal/protocol"
)

const (
	defaultMaxInflight = 32
	defaultPongWait    = 60 * time.Second
	sessionQueue       = 256
)

type Options struct {
	// MaxInflight bounds concurrent lookups per connection. Extra lookups are
	// answered with E_ORACLE_BUSY.
	MaxInflight int
	// LookupTimeout bounds a single backend lookup.
	LookupTimeout time.Duration
	// PongWait is how long a session may stay silent before it is dropped. The
	// server pings every half of it.
	PongWait time.Duration
	Logger   *log.Logger
}

// Server exposes an oracle backend to remote resolvers over websocket (async
// lookups) and plain HTTP (blocking lookups).
type Server struct {
	backend oracle.Oracle
	log     *log.Logger
	opts    Options

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	lookups  atomic.Uint64
	busy     atomic.Uint64
	dropped  atomic.Uint64
	removals atomic.Uint64
}

type session struct {
	conn *websocket.Conn
	out  chan []byte
}

type Stats struct {
	Sessions int    `json:"sessions"`
	Lookups  uint64 `json:"lookups"`
	Busy     uint64 `json:"busy"`
	Dropped  uint64 `json:"dropped"`
	Removals uint64 `json:"removals"`
}

func NewServer(backend oracle.Oracle, opts Options) *Server {
	if backend == nil {
		backend = oracle.Disabled{}
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = defaultMaxInflight
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		backend: backend,
		log:     opts.Logger,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			http.Error(rw, "oracle server shutting down", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}
		defer s.leave(sessionID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		pongWait := s.opts.PongWait
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		// Writer goroutine; also keeps idle sessions alive.
		go func() {
			ping := time.NewTicker(pongWait / 2)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						cancel()
						return
					}
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		inflight := make(chan struct{}, s.opts.MaxInflight)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.send(out, errorMsg(protocol.ErrProtoBadRequest, "bad json"))
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				s.send(out, errorMsg(protocol.ErrProtoVersion, "bad protocol_version"))
				continue
			}
			switch base.Type {
			case protocol.TypeLookup:
				var m protocol.LookupMsg
				if err := json.Unmarshal(msg, &m); err != nil || m.ID == "" {
					s.send(out, errorMsg(protocol.ErrBadRequest, "bad LOOKUP"))
					continue
				}
				select {
				case inflight <- struct{}{}:
				default:
					s.busy.Add(1)
					s.send(out, lookupFailed(m.ID, protocol.ErrOracleBusy, "too many lookups in flight"))
					continue
				}
				go func() {
					defer func() { <-inflight }()
					s.send(out, s.lookup(ctx, m))
				}()
			case protocol.TypeLogRemoval:
				var m protocol.LogRemovalMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					s.send(out, errorMsg(protocol.ErrBadRequest, "bad LOG_REMOVAL"))
					continue
				}
				c, err := m.Cell.Cell()
				if err != nil {
					s.send(out, errorMsg(protocol.ErrBadRequest, err.Error()))
					continue
				}
				s.removals.Add(1)
				s.backend.LogRemoval(m.Actor, c, m.Material, m.BlockData)
			default:
				s.send(out, errorMsg(protocol.ErrUnknownType, base.Type))
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "resolver"
	}

	sessionID = uuid.NewString()
	out = make(chan []byte, sessionQueue)

	// Register before WELCOME so a status change between the two is not lost.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", nil
	}
	s.sessions[sessionID] = &session{conn: conn, out: out}
	s.mu.Unlock()

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		StatusPayload:   protocol.StatusFrom(s.backend.Status()),
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.leave(sessionID)
		return "", nil
	}
	s.log.Printf("oracle session %s opened by %s", sessionID, hello.ClientName)
	return sessionID, out
}

func (s *Server) leave(sessionID string) {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		s.log.Printf("oracle session %s closed", sessionID)
	}
}

// NotifyStatus pushes the backend's current status to every connected session.
func (s *Server) NotifyStatus() {
	b, err := json.Marshal(protocol.StatusMsg{
		Type:            protocol.TypeStatus,
		ProtocolVersion: protocol.Version,
		StatusPayload:   protocol.StatusFrom(s.backend.Status()),
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		s.sendRaw(sess.out, b)
	}
}

// Close refuses new sessions and closes the open ones. Clients see the oracle
// as not installed until they reconnect elsewhere.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = map[string]*session{}
	s.mu.Unlock()
	for id, sess := range sessions {
		_ = sess.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = sess.conn.Close()
		s.log.Printf("oracle session %s closed", id)
	}
}

// LookupHandler serves GET ?world=&x=&y=&z=&lookback_seconds= and answers
// with a LOOKUP_RESULT body. It is the blocking form of LOOKUP.
func (s *Server) LookupHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		world, err := uuid.Parse(q.Get("world"))
		if err != nil {
			writeHTTPJSON(rw, http.StatusBadRequest, lookupFailed("", protocol.ErrBadRequest, "bad world"))
			return
		}
		var pos [3]int
		for i, k := range []string{"x", "y", "z"} {
			v, err := strconv.Atoi(q.Get(k))
			if err != nil {
				writeHTTPJSON(rw, http.StatusBadRequest, lookupFailed("", protocol.ErrBadRequest, "bad "+k))
				return
			}
			pos[i] = v
		}
		lookback, _ := strconv.ParseInt(q.Get("lookback_seconds"), 10, 64)
		m := protocol.LookupMsg{
			ID:              q.Get("id"),
			Cell:            protocol.CellRefOf(cell.New(world, pos[0], pos[1], pos[2])),
			LookbackSeconds: lookback,
		}
		res := s.lookup(r.Context(), m)
		status := http.StatusOK
		switch res.Code {
		case "":
		case protocol.ErrOracleDisabled:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
		writeHTTPJSON(rw, status, res)
	}
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	return Stats{
		Sessions: n,
		Lookups:  s.lookups.Load(),
		Busy:     s.busy.Load(),
		Dropped:  s.dropped.Load(),
		Removals: s.removals.Load(),
	}
}

func (s *Server) lookup(ctx context.Context, m protocol.LookupMsg) protocol.LookupResultMsg {
	s.lookups.Add(1)
	if !s.backend.Status().Enabled {
		return lookupFailed(m.ID, protocol.ErrOracleDisabled, "oracle disabled")
	}
	c, err := m.Cell.Cell()
	if err != nil {
		return lookupFailed(m.ID, protocol.ErrBadRequest, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.LookupTimeout)
	defer cancel()
	recs, err := s.backend.Lookup(ctx, c, m.Lookback())
	if err != nil {
		code := protocol.ErrInternal
		if errors.Is(err, oracle.ErrUnavailable) {
			code = protocol.ErrOracleDisabled
		}
		return lookupFailed(m.ID, code, err.Error())
	}
	return protocol.LookupResultMsg{
		Type:            protocol.TypeLookupResult,
		ProtocolVersion: protocol.Version,
		ID:              m.ID,
		Records:         protocol.RecordsToWire(recs),
	}
}

func (s *Server) send(out chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.sendRaw(out, b)
}

// sendRaw never blocks; a slow client loses messages and its pending lookups
// time out on its side.
func (s *Server) sendRaw(out chan []byte, b []byte) {
	select {
	case out <- b:
	default:
		s.dropped.Add(1)
	}
}

func lookupFailed(id, code, msg string) protocol.LookupResultMsg {
	return protocol.LookupResultMsg{
		Type:            protocol.TypeLookupResult,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Records:         []protocol.WireRecord{},
		Code:            code,
		Message:         msg,
	}
}

func errorMsg(code, msg string) protocol.ErrorMsg {
	return protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: msg}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func writeHTTPJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
