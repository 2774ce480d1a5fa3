package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/config"
	"voxelcraft.ai/blockorigin/internal/hooks"
	"voxelcraft.ai/blockorigin/internal/oracle"
	"voxelcraft.ai/blockorigin/internal/persistence/auditdb"
	"voxelcraft.ai/blockorigin/internal/placement"
	"voxelcraft.ai/blockorigin/internal/resolver"
	"voxelcraft.ai/blockorigin/internal/transport/ws"
	"voxelcraft.ai/blockorigin/internal/verdictcache"
)

const maxEventBody = 64 * 1024

type app struct {
	cfg      config.Config
	res      *resolver.Resolver
	listener *hooks.Listener
	local    *auditdb.SQLiteIndex
	oracle   *ws.Server
	log      *log.Logger

	enableAdmin bool
}

// eventBody is the JSON body of POST /v1/events/*. World is a configured name
// or a UUID.
type eventBody struct {
	World     string `json:"world"`
	Pos       [3]int `json:"pos"`
	Actor     string `json:"actor"`
	Material  string `json:"material,omitempty"`
	BlockData string `json:"block_data,omitempty"`
	Item      string `json:"item,omitempty"`
	Amount    int    `json:"amount,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type statsResponse struct {
	Tracker  placement.Stats    `json:"tracker"`
	Cache    verdictcache.Stats `json:"cache"`
	Resolver resolver.Stats     `json:"resolver"`
	Events   hooks.Stats        `json:"events"`
	Oracle   oracleStats        `json:"oracle"`
}

type oracleStats struct {
	Backend   string         `json:"backend"`
	Available bool           `json:"available"`
	Status    oracle.Status  `json:"status"`
	Index     *auditdb.Stats `json:"index,omitempty"`
	Server    *ws.Stats      `json:"server,omitempty"`
}

func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/v1/events/place", a.handlePlace)
	mux.HandleFunc("/v1/events/break", a.handleBreak)
	mux.HandleFunc("/v1/events/pickup", a.handlePickup)
	mux.HandleFunc("/v1/natural", a.handleNatural)
	mux.HandleFunc("/v1/mark", a.handleMark)
	mux.HandleFunc("/v1/stats", a.handleStats)
	if a.oracle != nil {
		mux.HandleFunc("/v1/oracle/ws", a.oracle.Handler())
		mux.HandleFunc("/v1/oracle/lookup", a.oracle.LookupHandler())
	}
	if a.enableAdmin {
		mux.HandleFunc("/admin/v1/oracle", a.handleAdminOracle)
	} else {
		a.log.Printf("admin endpoints disabled (BO_ENABLE_ADMIN_HTTP=false)")
	}
	return mux
}

func (a *app) decodeEvent(rw http.ResponseWriter, r *http.Request) (eventBody, cell.Cell, bool) {
	var ev eventBody
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return ev, cell.Cell{}, false
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&ev); err != nil {
		writeError(rw, http.StatusBadRequest, fmt.Errorf("bad event body: %w", err))
		return ev, cell.Cell{}, false
	}
	w, err := a.cfg.WorldID(ev.World)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return ev, cell.Cell{}, false
	}
	return ev, cell.New(w, ev.Pos[0], ev.Pos[1], ev.Pos[2]), true
}

func (a *app) handlePlace(rw http.ResponseWriter, r *http.Request) {
	ev, c, ok := a.decodeEvent(rw, r)
	if !ok {
		return
	}
	added := a.listener.OnPlace(hooks.PlaceEvent{Cell: c, Actor: ev.Actor, Material: ev.Material, BlockData: ev.BlockData, Cancelled: ev.Cancelled})
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tracked_new": added, "fingerprint": cell.FormatFingerprint(c.Fingerprint())})
}

func (a *app) handleBreak(rw http.ResponseWriter, r *http.Request) {
	ev, c, ok := a.decodeEvent(rw, r)
	if !ok {
		return
	}
	a.listener.OnBreak(hooks.BreakEvent{Cell: c, Actor: ev.Actor, Material: ev.Material, BlockData: ev.BlockData, Cancelled: ev.Cancelled})
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (a *app) handlePickup(rw http.ResponseWriter, r *http.Request) {
	ev, c, ok := a.decodeEvent(rw, r)
	if !ok {
		return
	}
	logged := a.listener.OnPickup(hooks.PickupEvent{Cell: c, Actor: ev.Actor, Item: ev.Item, Amount: ev.Amount, Cancelled: ev.Cancelled})
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "logged": logged})
}

func (a *app) cellFromQuery(r *http.Request) (cell.Cell, error) {
	q := r.URL.Query()
	w, err := a.cfg.WorldID(q.Get("world"))
	if err != nil {
		return cell.Cell{}, err
	}
	var pos [3]int
	if p := q.Get("pos"); p != "" {
		pos, err = cell.ParseVec3(p)
		if err != nil {
			return cell.Cell{}, err
		}
	} else {
		for i, k := range []string{"x", "y", "z"} {
			pos[i], err = strconv.Atoi(q.Get(k))
			if err != nil {
				return cell.Cell{}, fmt.Errorf("bad %s: %q", k, q.Get(k))
			}
		}
	}
	return cell.New(w, pos[0], pos[1], pos[2]), nil
}

func (a *app) handleNatural(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	c, err := a.cellFromQuery(r)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"natural":     a.res.IsNatural(r.Context(), c),
		"fingerprint": cell.FormatFingerprint(c.Fingerprint()),
		"cell":        c,
	})
}

// handleMark force-marks a cell. state=natural removes it from the tracker,
// which is the only way a placed cell becomes natural again.
func (a *app) handleMark(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	c, err := a.cellFromQuery(r)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	fp := c.Fingerprint()
	var changed bool
	switch r.URL.Query().Get("state") {
	case "placed":
		changed = a.res.Tracker().Insert(fp)
	case "natural":
		changed = a.res.Tracker().Remove(fp)
	default:
		writeError(rw, http.StatusBadRequest, fmt.Errorf("state must be placed or natural"))
		return
	}
	a.res.Invalidate(c)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "changed": changed, "fingerprint": cell.FormatFingerprint(fp)})
}

func (a *app) stats() statsResponse {
	st := statsResponse{
		Tracker:  a.res.Tracker().Stats(),
		Cache:    a.res.Cache().Stats(),
		Resolver: a.res.Stats(),
		Events:   a.listener.Stats(),
		Oracle: oracleStats{
			Backend:   a.cfg.Oracle.Backend,
			Available: a.res.OracleReady(),
			Status:    a.res.Oracle().Status(),
		},
	}
	if a.local != nil {
		s := a.local.Stats()
		st.Oracle.Index = &s
	}
	if a.oracle != nil {
		s := a.oracle.Stats()
		st.Oracle.Server = &s
	}
	return st
}

func (a *app) handleStats(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, a.stats())
}

func (a *app) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s := a.stats()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP blockorigin_tracked_cells Cells currently marked as placed.\n")
	fmt.Fprintf(rw, "# TYPE blockorigin_tracked_cells gauge\n")
	fmt.Fprintf(rw, "blockorigin_tracked_cells %d\n", s.Tracker.Size)

	fmt.Fprintf(rw, "# HELP blockorigin_tracker_evicted_total Tracked cells dropped by capacity eviction.\n")
	fmt.Fprintf(rw, "# TYPE blockorigin_tracker_evicted_total counter\n")
	fmt.Fprintf(rw, "blockorigin_tracker_evicted_total %d\n", s.Tracker.EvictedTotal)

	fmt.Fprintf(rw, "# HELP blockorigin_cache_entries Cached oracle verdicts.\n")
	fmt.Fprintf(rw, "# TYPE blockorigin_cache_entries gauge\n")
	fmt.Fprintf(rw, "blockorigin_cache_entries %d\n", s.Cache.Entries)

	fmt.Fprintf(rw, "# HELP blockorigin_lookups_total Naturality lookups by outcome.\n")
	fmt.Fprintf(rw, "# TYPE blockorigin_lookups_total counter\n")
	fmt.Fprintf(rw, "blockorigin_lookups_total{path=%q} %d\n", "tracker", s.Resolver.TrackerHits)
	fmt.Fprintf(rw, "blockorigin_lookups_total{path=%q} %d\n", "cache", s.Resolver.CacheHits)
	fmt.Fprintf(rw, "blockorigin_lookups_total{path=%q} %d\n", "oracle", s.Resolver.OracleQueries)
	fmt.Fprintf(rw, "blockorigin_lookups_total{path=%q} %d\n", "unavailable", s.Resolver.Unavailable)
	fmt.Fprintf(rw, "blockorigin_lookups_total{path=%q} %d\n", "timeout", s.Resolver.Timeouts)
	fmt.Fprintf(rw, "blockorigin_lookups_total{path=%q} %d\n", "failed", s.Resolver.LookupFailures)

	fmt.Fprintf(rw, "# HELP blockorigin_oracle_available Whether the history oracle is usable.\n")
	fmt.Fprintf(rw, "# TYPE blockorigin_oracle_available gauge\n")
	fmt.Fprintf(rw, "blockorigin_oracle_available{backend=%q} %d\n", s.Oracle.Backend, boolGauge(s.Oracle.Available))

	if s.Oracle.Index != nil {
		fmt.Fprintf(rw, "# HELP blockorigin_index_queue_depth Audit index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE blockorigin_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "blockorigin_index_queue_depth %d\n", s.Oracle.Index.QueueDepth)
		fmt.Fprintf(rw, "# HELP blockorigin_index_dropped_total Audit rows dropped because the writer fell behind.\n")
		fmt.Fprintf(rw, "# TYPE blockorigin_index_dropped_total counter\n")
		fmt.Fprintf(rw, "blockorigin_index_dropped_total %d\n", s.Oracle.Index.DropAuditTotal)
		fmt.Fprintf(rw, "# HELP blockorigin_index_duplicate_total Audit rows ignored because the event was already stored.\n")
		fmt.Fprintf(rw, "# TYPE blockorigin_index_duplicate_total counter\n")
		fmt.Fprintf(rw, "blockorigin_index_duplicate_total %d\n", s.Oracle.Index.DupAuditTotal)
	}
}

// handleAdminOracle toggles the local oracle. Remote resolvers get a STATUS push.
func (a *app) handleAdminOracle(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	if a.local == nil {
		writeError(rw, http.StatusConflict, fmt.Errorf("oracle backend %s cannot be toggled here", a.cfg.Oracle.Backend))
		return
	}
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeError(rw, http.StatusBadRequest, fmt.Errorf("enabled must be a bool"))
		return
	}
	a.local.SetEnabled(enabled)
	if a.oracle != nil {
		a.oracle.NotifyStatus()
	}
	a.log.Printf("oracle enabled=%v (admin)", enabled)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "status": a.local.Status()})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
}
