// Package oracleclient is the remote Oracle: async lookups over a websocket
// session, blocking lookups over HTTP.
package oracleclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/oracle"
	"voxelcraft.ai/blockorigin/internal/protocol"
)

type Options struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:8085/v1/oracle/ws.
	URL string
	// LookupURL is the blocking endpoint. Derived from URL when empty.
	LookupURL string
	Name      string
	// RedialInterval is the wait between reconnect attempts.
	RedialInterval time.Duration
	// ReadTimeout drops a session that has been silent, pings included, for
	// this long. It must exceed the server's ping period.
	ReadTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *log.Logger
}

// Client reports the oracle as not installed while the session is down and
// keeps redialing until Close.
type Client struct {
	opts      Options
	lookupURL string
	http      *http.Client
	log       *log.Logger

	mu      sync.Mutex
	out     chan []byte
	pending map[string]pendingLookup
	status  oracle.Status

	nextID atomic.Uint64
	closed atomic.Bool
	stop   chan struct{}
	done   chan struct{}
}

type pendingLookup struct {
	ch chan oracle.Result
	// stop detaches the caller's ctx watcher.
	stop func() bool
}

// Dial connects and completes the handshake. The returned client redials on
// its own if the session later drops.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("oracleclient: missing url")
	}
	if opts.Name == "" {
		opts.Name = "blockorigin"
	}
	if opts.RedialInterval <= 0 {
		opts.RedialInterval = 2 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	lookupURL := opts.LookupURL
	if lookupURL == "" {
		u, err := DeriveLookupURL(opts.URL)
		if err != nil {
			return nil, err
		}
		lookupURL = u
	}
	c := &Client{
		opts:      opts,
		lookupURL: lookupURL,
		http:      opts.HTTPClient,
		log:       opts.Logger,
		pending:   map[string]pendingLookup{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	go c.run(conn)
	return c, nil
}

// DeriveLookupURL maps ws(s)://host/.../ws to http(s)://host/.../lookup.
func DeriveLookupURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("oracleclient: bad url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("oracleclient: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/lookup"
	u.RawQuery = ""
	return u.String(), nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("oracleclient: dial: %w", err)
	}
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: c.opts.Name}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("oracleclient: hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("oracleclient: welcome: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("oracleclient: expected WELCOME, got %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	c.mu.Lock()
	c.out = make(chan []byte, 256)
	c.status = welcome.Status()
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.serve(conn)
		c.disconnect()
		conn = nil
		for conn == nil {
			select {
			case <-c.stop:
				return
			case <-time.After(c.opts.RedialInterval):
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			var err error
			conn, err = c.connect(ctx)
			cancel()
			if err != nil {
				conn = nil
				continue
			}
			c.log.Printf("oracle session re-established")
		}
	}
}

// serve runs the writer and reader for one session and returns when it ends.
func (c *Client) serve(conn *websocket.Conn) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer conn.Close()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case b := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.log.Printf("oracle session lost: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeLookupResult:
			var m protocol.LookupResultMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			c.resolve(m)
		case protocol.TypeStatus:
			var m protocol.StatusMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			c.mu.Lock()
			c.status = m.Status()
			c.mu.Unlock()
		case protocol.TypeError:
			var m protocol.ErrorMsg
			if err := json.Unmarshal(msg, &m); err == nil {
				c.log.Printf("oracle error %s: %s", m.Code, m.Message)
			}
		}
	}
}

// disconnect marks the oracle unavailable and fails every pending future.
func (c *Client) disconnect() {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[string]pendingLookup{}
	c.out = nil
	c.status = oracle.Status{}
	c.mu.Unlock()
	for _, p := range pending {
		p.stop()
		p.ch <- oracle.Result{Err: oracle.ErrUnavailable}
	}
}

func (c *Client) resolve(m protocol.LookupResultMsg) {
	c.mu.Lock()
	p, ok := c.pending[m.ID]
	delete(c.pending, m.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	p.stop()
	p.ch <- resultOf(m)
}

func resultOf(m protocol.LookupResultMsg) oracle.Result {
	switch {
	case m.Code == "":
	case !protocol.IsKnownCode(m.Code):
		return oracle.Result{Err: fmt.Errorf("oracle %s (unrecognized code %q): %s", protocol.ErrInternal, m.Code, m.Message)}
	case m.Code == protocol.ErrOracleDisabled:
		return oracle.Result{Err: oracle.ErrUnavailable}
	default:
		return oracle.Result{Err: fmt.Errorf("oracle %s: %s", m.Code, m.Message)}
	}
	recs, err := protocol.RecordsFromWire(m.Records)
	return oracle.Result{Records: recs, Err: err}
}

func (c *Client) Status() oracle.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) LookupAsync(ctx context.Context, cl cell.Cell, lookback time.Duration) <-chan oracle.Result {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan oracle.Result, 1)
	b, err := json.Marshal(protocol.LookupMsg{
		Type:            protocol.TypeLookup,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Cell:            protocol.CellRefOf(cl),
		LookbackSeconds: int64(lookback / time.Second),
	})
	if err != nil {
		ch <- oracle.Result{Err: err}
		return ch
	}

	c.mu.Lock()
	if c.out == nil {
		c.mu.Unlock()
		ch <- oracle.Result{Err: oracle.ErrUnavailable}
		return ch
	}
	select {
	case c.out <- b:
	default:
		c.mu.Unlock()
		ch <- oracle.Result{Err: errors.New("oracleclient: send queue full")}
		return ch
	}
	// Drop the pending entry once the caller gives up. resolve and disconnect
	// release the watcher.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	})
	c.pending[id] = pendingLookup{ch: ch, stop: stop}
	c.mu.Unlock()
	return ch
}

func (c *Client) Lookup(ctx context.Context, cl cell.Cell, lookback time.Duration) ([]oracle.Record, error) {
	q := url.Values{}
	q.Set("world", cl.World.String())
	q.Set("x", strconv.Itoa(cl.X))
	q.Set("y", strconv.Itoa(cl.Y))
	q.Set("z", strconv.Itoa(cl.Z))
	q.Set("lookback_seconds", strconv.FormatInt(int64(lookback/time.Second), 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.lookupURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracleclient: lookup: %w", err)
	}
	defer resp.Body.Close()
	var m protocol.LookupResultMsg
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("oracleclient: lookup status %d: %w", resp.StatusCode, err)
	}
	res := resultOf(m)
	return res.Records, res.Err
}

// LogRemoval is fire-and-forget; it is dropped while the session is down.
func (c *Client) LogRemoval(actor string, cl cell.Cell, material, blockData string) {
	b, err := json.Marshal(protocol.LogRemovalMsg{
		Type:            protocol.TypeLogRemoval,
		ProtocolVersion: protocol.Version,
		Actor:           actor,
		Cell:            protocol.CellRefOf(cl),
		Material:        material,
		BlockData:       blockData,
	})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return
	}
	select {
	case c.out <- b:
	default:
	}
}

func (c *Client) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)
	<-c.done
	return nil
}
