package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"voxelcraft.ai/blockorigin/internal/cell"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func baseURLFlag(fs *flag.FlagSet) *string {
	return fs.String("url", "http://127.0.0.1:8085", "originsrv base url")
}

func naturalCmd(args []string) {
	fs := flag.NewFlagSet("natural", flag.ExitOnError)
	baseURL := baseURLFlag(fs)
	world := fs.String("world", "OVERWORLD", "world name or uuid")
	pos := fs.String("pos", "", "x,y,z (required)")
	_ = fs.Parse(args)

	p, err := cell.ParseVec3(*pos)
	if err != nil {
		fail(2, "bad -pos:", err)
	}
	q := url.Values{}
	q.Set("world", *world)
	q.Set("pos", fmt.Sprintf("%d,%d,%d", p[0], p[1], p[2]))
	printResponse(httpClient.Get(endpoint(*baseURL, "/v1/natural") + "?" + q.Encode()))
}

func eventCmd(kind string, args []string) {
	fs := flag.NewFlagSet(kind, flag.ExitOnError)
	baseURL := baseURLFlag(fs)
	world := fs.String("world", "OVERWORLD", "world name or uuid")
	pos := fs.String("pos", "", "x,y,z (required)")
	actor := fs.String("actor", "originctl", "actor recorded in the audit log")
	material := fs.String("material", "", "block material")
	_ = fs.Parse(args)

	p, err := cell.ParseVec3(*pos)
	if err != nil {
		fail(2, "bad -pos:", err)
	}
	body, _ := json.Marshal(map[string]any{"world": *world, "pos": p, "actor": *actor, "material": *material})
	printResponse(httpClient.Post(endpoint(*baseURL, "/v1/events/"+kind), "application/json", bytes.NewReader(body)))
}

func markCmd(args []string) {
	fs := flag.NewFlagSet("mark", flag.ExitOnError)
	baseURL := baseURLFlag(fs)
	world := fs.String("world", "OVERWORLD", "world name or uuid")
	pos := fs.String("pos", "", "x,y,z (required)")
	state := fs.String("state", "placed", "placed or natural")
	_ = fs.Parse(args)

	if _, err := cell.ParseVec3(*pos); err != nil {
		fail(2, "bad -pos:", err)
	}
	q := url.Values{}
	q.Set("world", *world)
	q.Set("pos", *pos)
	q.Set("state", *state)
	printResponse(httpClient.Post(endpoint(*baseURL, "/v1/mark")+"?"+q.Encode(), "application/json", nil))
}

func oracleCmd(args []string) {
	fs := flag.NewFlagSet("oracle", flag.ExitOnError)
	baseURL := baseURLFlag(fs)
	enabled := fs.Bool("enabled", true, "enable or disable the local oracle")
	_ = fs.Parse(args)

	u := endpoint(*baseURL, "/admin/v1/oracle") + "?enabled=" + fmt.Sprint(*enabled)
	printResponse(httpClient.Post(u, "application/json", nil))
}

// serverStats mirrors the parts of GET /v1/stats the CLI prints.
type serverStats struct {
	Tracker struct {
		Size          int    `json:"size"`
		MaxTracked    int    `json:"max_tracked"`
		Inserts       uint64 `json:"inserts"`
		EvictPasses   uint64 `json:"evict_passes"`
		EvictedTotal  uint64 `json:"evicted_total"`
		EvictionBatch int    `json:"eviction_batch"`
	} `json:"tracker"`
	Cache struct {
		Entries     int    `json:"entries"`
		MaxEntries  int    `json:"max_entries"`
		Hits        uint64 `json:"hits"`
		Misses      uint64 `json:"misses"`
		Expired     uint64 `json:"expired"`
		Evicted     uint64 `json:"evicted"`
		CleanupRuns uint64 `json:"cleanup_runs"`
	} `json:"cache"`
	Resolver struct {
		TrackerHits    uint64 `json:"tracker_hits"`
		CacheHits      uint64 `json:"cache_hits"`
		OracleQueries  uint64 `json:"oracle_queries"`
		Unavailable    uint64 `json:"unavailable"`
		LookupFailures uint64 `json:"lookup_failures"`
		Timeouts       uint64 `json:"timeouts"`
	} `json:"resolver"`
	Oracle struct {
		Backend   string `json:"backend"`
		Available bool   `json:"available"`
	} `json:"oracle"`
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	baseURL := baseURLFlag(fs)
	raw := fs.Bool("json", false, "print the raw json response")
	_ = fs.Parse(args)

	resp, err := httpClient.Get(endpoint(*baseURL, "/v1/stats"))
	if err != nil {
		fail(1, "request:", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if *raw || resp.StatusCode/100 != 2 {
		fmt.Println(string(b))
		if resp.StatusCode/100 != 2 {
			os.Exit(1)
		}
		return
	}
	var st serverStats
	if err := json.Unmarshal(b, &st); err != nil {
		fail(1, "decode:", err)
	}
	fmt.Print(formatStats(st))
}

func formatStats(st serverStats) string {
	var sb strings.Builder
	c := func(n uint64) string { return humanize.Comma(int64(n)) }
	fmt.Fprintf(&sb, "tracker   %s / %s cells (%s inserts, %s evicted in %s passes, batch %s)\n",
		humanize.Comma(int64(st.Tracker.Size)), humanize.Comma(int64(st.Tracker.MaxTracked)),
		c(st.Tracker.Inserts), c(st.Tracker.EvictedTotal), c(st.Tracker.EvictPasses), humanize.Comma(int64(st.Tracker.EvictionBatch)))
	fmt.Fprintf(&sb, "cache     %s / %s verdicts (%s hits, %s misses, %s expired, %s evicted, %s cleanups)\n",
		humanize.Comma(int64(st.Cache.Entries)), humanize.Comma(int64(st.Cache.MaxEntries)),
		c(st.Cache.Hits), c(st.Cache.Misses), c(st.Cache.Expired), c(st.Cache.Evicted), c(st.Cache.CleanupRuns))
	fmt.Fprintf(&sb, "resolver  %s tracker hits, %s cache hits, %s oracle queries (%s unavailable, %s timeouts, %s failed)\n",
		c(st.Resolver.TrackerHits), c(st.Resolver.CacheHits), c(st.Resolver.OracleQueries),
		c(st.Resolver.Unavailable), c(st.Resolver.Timeouts), c(st.Resolver.LookupFailures))
	avail := "unavailable"
	if st.Oracle.Available {
		avail = "available"
	}
	fmt.Fprintf(&sb, "oracle    %s (%s)\n", st.Oracle.Backend, avail)
	return sb.String()
}

func endpoint(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func printResponse(resp *http.Response, err error) {
	if err != nil {
		fail(1, "request:", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
