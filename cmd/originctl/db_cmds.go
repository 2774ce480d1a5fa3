package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/oracle"
	"voxelcraft.ai/blockorigin/internal/persistence/auditdb"
	persistlog "voxelcraft.ai/blockorigin/internal/persistence/log"
)

const replayFlushEvery = 10_000

func lookupCmd(args []string) {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/audit.sqlite", "sqlite audit index path")
	configPath := fs.String("config", "./configs/blockorigin.yaml", "config used to resolve world names")
	world := fs.String("world", "OVERWORLD", "world name or uuid")
	pos := fs.String("pos", "", "x,y,z (required)")
	lookback := fs.Duration("lookback", oracle.DefaultLookback, "history window (0 for all)")
	_ = fs.Parse(args)

	w, err := resolveWorld(*configPath, *world)
	if err != nil {
		fail(2, "bad -world:", err)
	}
	p, err := cell.ParseVec3(*pos)
	if err != nil {
		fail(2, "bad -pos:", err)
	}
	c := cell.New(w, p[0], p[1], p[2])

	idx, err := auditdb.OpenSQLite(*dbPath)
	if err != nil {
		fail(1, "open:", err)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	recs, err := idx.Lookup(ctx, c, *lookback)
	if err != nil {
		fail(1, "lookup:", err)
	}
	fmt.Printf("%s fingerprint=%s natural=%v\n", c, cell.FormatFingerprint(c.Fingerprint()), len(recs) == 0)
	for _, r := range recs {
		fmt.Println(formatRecord(r, time.Now()))
	}
}

func formatRecord(r oracle.Record, now time.Time) string {
	s := fmt.Sprintf("  %-7s %-16s %s (%s)", r.Action, r.Actor, r.Material, humanize.RelTime(r.At, now, "ago", "from now"))
	if r.BlockData != "" {
		s += " " + r.BlockData
	}
	return strings.TrimRight(s, " ")
}

func replayCmd(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	auditDir := fs.String("audit_dir", "./data/audit", "directory of audit/*.jsonl.zst logs")
	dbPath := fs.String("db", "./data/index/audit.sqlite", "sqlite audit index to rebuild into")
	since := fs.Duration("since", 0, "only replay records newer than this (0 for all)")
	_ = fs.Parse(args)

	idx, err := auditdb.OpenSQLite(*dbPath)
	if err != nil {
		fail(1, "open:", err)
	}
	defer idx.Close()

	var cutoff time.Time
	if *since > 0 {
		cutoff = time.Now().Add(-*since)
	}
	st, err := replayAudit(context.Background(), *auditDir, idx, cutoff)
	if err != nil {
		fail(1, "replay:", err)
	}
	dup := idx.Stats().DupAuditTotal
	fmt.Printf("replayed %s records (%s skipped, %s already indexed) into %s\n",
		humanize.Comma(int64(st.Written)-int64(dup)), humanize.Comma(int64(st.Skipped)), humanize.Comma(int64(dup)), *dbPath)
}

func recentCmd(args []string) {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/audit.sqlite", "sqlite audit index path")
	n := fs.Int("n", 20, "number of rows")
	_ = fs.Parse(args)

	idx, err := auditdb.OpenSQLite(*dbPath)
	if err != nil {
		fail(1, "open:", err)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := printRecent(ctx, os.Stdout, idx, *n, time.Now()); err != nil {
		fail(1, "recent:", err)
	}
}

type recentSource interface {
	Recent(ctx context.Context, limit int) ([]oracle.Record, error)
}

// printRecent lists the newest history rows, newest first.
func printRecent(ctx context.Context, w io.Writer, src recentSource, n int, now time.Time) error {
	recs, err := src.Recent(ctx, n)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "no history")
		return err
	}
	for _, r := range recs {
		if _, err := fmt.Fprintf(w, "%s\n%s\n", r.Cell(), formatRecord(r, now)); err != nil {
			return err
		}
	}
	return nil
}

type replaySink interface {
	WriteAudit(oracle.Record) error
	Flush(ctx context.Context) error
}

type replayStats struct {
	Written int
	Skipped int
}

// replayAudit copies placements and removals from the zstd audit logs into
// the lookup history. Pickups stay out of the history.
func replayAudit(ctx context.Context, dir string, sink replaySink, cutoff time.Time) (replayStats, error) {
	var st replayStats
	err := persistlog.ReadAuditSince(dir, cutoff, func(r oracle.Record) error {
		if r.Action != oracle.ActionPlace && r.Action != oracle.ActionRemove {
			st.Skipped++
			return nil
		}
		if !cutoff.IsZero() && r.At.Before(cutoff) {
			st.Skipped++
			return nil
		}
		if err := sink.WriteAudit(r); err != nil {
			return err
		}
		st.Written++
		if st.Written%replayFlushEvery == 0 {
			return sink.Flush(ctx)
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	return st, sink.Flush(ctx)
}
