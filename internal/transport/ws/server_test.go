package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/oracle"
	"voxelcraft.ai/blockorigin/internal/protocol"
)

var world = uuid.MustParse("3d7c1e2a-5b6f-4a81-9c0d-2e3f4a5b6c7d")

type memBackend struct {
	enabled  atomic.Bool
	removals atomic.Int64
	placed   cell.Cell
}

func (b *memBackend) Status() oracle.Status {
	return oracle.Status{Installed: true, Enabled: b.enabled.Load(), APIVersion: 10}
}

func (b *memBackend) Lookup(ctx context.Context, c cell.Cell, lookback time.Duration) ([]oracle.Record, error) {
	if c != b.placed {
		return nil, nil
	}
	return []oracle.Record{{At: time.Now(), Actor: "alex", Action: oracle.ActionPlace, World: c.World, X: c.X, Y: c.Y, Z: c.Z}}, nil
}

func (b *memBackend) LookupAsync(ctx context.Context, c cell.Cell, lookback time.Duration) <-chan oracle.Result {
	return oracle.Go(ctx, func(ctx context.Context) ([]oracle.Record, error) { return b.Lookup(ctx, c, lookback) })
}

func (b *memBackend) LogRemoval(actor string, c cell.Cell, material, blockData string) {
	b.removals.Add(1)
}

func newTestServer(t *testing.T) (*Server, *memBackend, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, Options{})
}

func newTestServerWith(t *testing.T, opts Options) (*Server, *memBackend, *httptest.Server) {
	t.Helper()
	b := &memBackend{placed: cell.New(world, 1, 2, 3)}
	b.enabled.Store(true)
	s := NewServer(b, opts)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oracle/ws", s.Handler())
	mux.HandleFunc("/v1/oracle/lookup", s.LookupHandler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return s, b, hs
}

func dial(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/oracle/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", typ, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type != typ {
			continue
		}
		if err := json.Unmarshal(msg, v); err != nil {
			t.Fatalf("unmarshal %s: %v", typ, err)
		}
		return
	}
}

func hello(t *testing.T, conn *websocket.Conn) protocol.WelcomeMsg {
	t.Helper()
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "test"}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	var w protocol.WelcomeMsg
	readType(t, conn, protocol.TypeWelcome, &w)
	return w
}

func TestServer_HandshakeAndLookup(t *testing.T) {
	_, _, hs := newTestServer(t)
	conn := dial(t, hs)

	w := hello(t, conn)
	if w.SessionID == "" || !w.Enabled || w.APIVersion != 10 {
		t.Fatalf("welcome=%+v", w)
	}

	send := func(id string, c cell.Cell) {
		_ = conn.WriteJSON(protocol.LookupMsg{Type: protocol.TypeLookup, ProtocolVersion: protocol.Version, ID: id, Cell: protocol.CellRefOf(c), LookbackSeconds: 86400})
	}
	send("placed", cell.New(world, 1, 2, 3))
	send("natural", cell.New(world, 9, 9, 9))

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		var res protocol.LookupResultMsg
		readType(t, conn, protocol.TypeLookupResult, &res)
		if res.Code != "" {
			t.Fatalf("lookup %s failed: %s", res.ID, res.Code)
		}
		got[res.ID] = len(res.Records)
	}
	if got["placed"] != 1 || got["natural"] != 0 {
		t.Fatalf("results=%v", got)
	}
}

func TestServer_RejectsNonHello(t *testing.T) {
	_, _, hs := newTestServer(t)
	conn := dial(t, hs)
	_ = conn.WriteJSON(protocol.LookupMsg{Type: protocol.TypeLookup, ProtocolVersion: protocol.Version, ID: "1"})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}
}

func TestServer_DisabledLookupAndStatusPush(t *testing.T) {
	s, b, hs := newTestServer(t)
	conn := dial(t, hs)
	hello(t, conn)

	b.enabled.Store(false)
	s.NotifyStatus()
	var st protocol.StatusMsg
	readType(t, conn, protocol.TypeStatus, &st)
	if st.Enabled || !st.Installed {
		t.Fatalf("status=%+v", st)
	}

	_ = conn.WriteJSON(protocol.LookupMsg{Type: protocol.TypeLookup, ProtocolVersion: protocol.Version, ID: "q", Cell: protocol.CellRefOf(cell.New(world, 0, 0, 0))})
	var res protocol.LookupResultMsg
	readType(t, conn, protocol.TypeLookupResult, &res)
	if res.Code != protocol.ErrOracleDisabled {
		t.Fatalf("code=%q want %q", res.Code, protocol.ErrOracleDisabled)
	}
}

func TestServer_LogRemoval(t *testing.T) {
	s, b, hs := newTestServer(t)
	conn := dial(t, hs)
	hello(t, conn)

	_ = conn.WriteJSON(protocol.LogRemovalMsg{Type: protocol.TypeLogRemoval, ProtocolVersion: protocol.Version, Actor: "miner", Cell: protocol.CellRefOf(cell.New(world, 4, 5, 6)), Material: "STONE"})
	_ = conn.WriteJSON(protocol.BaseMessage{Type: "NOPE", ProtocolVersion: protocol.Version})
	var e protocol.ErrorMsg
	readType(t, conn, protocol.TypeError, &e)
	if e.Code != protocol.ErrUnknownType {
		t.Fatalf("code=%q", e.Code)
	}
	// Messages on one connection are handled in order.
	if b.removals.Load() != 1 || s.Stats().Removals != 1 {
		t.Fatalf("removals=%d", b.removals.Load())
	}
}

func TestServer_LookupHandler(t *testing.T) {
	_, b, hs := newTestServer(t)

	get := func(q string) (int, protocol.LookupResultMsg) {
		resp, err := http.Get(hs.URL + "/v1/oracle/lookup?" + q)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var m protocol.LookupResultMsg
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.StatusCode, m
	}

	code, m := get("world=" + world.String() + "&x=1&y=2&z=3&lookback_seconds=60")
	if code != http.StatusOK || len(m.Records) != 1 || m.Records[0].Actor != "alex" {
		t.Fatalf("code=%d m=%+v", code, m)
	}
	if code, _ := get("world=bad&x=1&y=2&z=3"); code != http.StatusBadRequest {
		t.Fatalf("bad world code=%d", code)
	}
	if code, _ := get("world=" + world.String() + "&x=1&y=two&z=3"); code != http.StatusBadRequest {
		t.Fatalf("bad y code=%d", code)
	}
	b.enabled.Store(false)
	if code, m := get("world=" + world.String() + "&x=1&y=2&z=3"); code != http.StatusServiceUnavailable || m.Code != protocol.ErrOracleDisabled {
		t.Fatalf("disabled code=%d m=%+v", code, m)
	}
}

func TestServer_CloseEndsSessions(t *testing.T) {
	s, _, hs := newTestServer(t)
	conn := dial(t, hs)
	hello(t, conn)

	s.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected session to be closed")
	}
	if s.Stats().Sessions != 0 {
		t.Fatalf("sessions=%d want 0", s.Stats().Sessions)
	}
	u := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/oracle/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(u, nil); err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after Close, err=%v", err)
	}
}

func waitSessions(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for s.Stats().Sessions != want {
		if time.Now().After(deadline) {
			t.Fatalf("sessions=%d want %d", s.Stats().Sessions, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_PingsKeepIdleSessionAlive(t *testing.T) {
	s, _, hs := newTestServerWith(t, Options{PongWait: 200 * time.Millisecond})
	conn := dial(t, hs)
	hello(t, conn)

	var pings atomic.Int64
	conn.SetPingHandler(func(data string) error {
		pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(time.Second)
	if n := pings.Load(); n < 3 {
		t.Fatalf("pings=%d want at least 3", n)
	}
	if n := s.Stats().Sessions; n != 1 {
		t.Fatalf("idle session dropped: sessions=%d", n)
	}
}

func TestServer_DropsClientThatNeverPongs(t *testing.T) {
	s, _, hs := newTestServerWith(t, Options{PongWait: 200 * time.Millisecond})
	conn := dial(t, hs)
	hello(t, conn)
	waitSessions(t, s, 1)

	conn.SetPingHandler(func(string) error { return nil })
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitSessions(t, s, 0)
}
