package auditdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/oracle"
)

var world = uuid.MustParse("5d6c1b2a-3e4f-4a5b-8c7d-9e0f1a2b3c4d")

func openTestIndex(t *testing.T) (*SQLiteIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index", "audit.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqAudit}

	_ = s.WriteAudit(oracle.Record{Actor: "a"})
	s.LogRemoval("b", cell.New(world, 1, 2, 3), "STONE", "")

	st := s.Stats()
	if st.DropAuditTotal != 2 {
		t.Fatalf("DropAuditTotal=%d want=2", st.DropAuditTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_LookupWithinWindow(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()
	c := cell.New(world, 10, 64, -4)
	now := time.Now()

	_ = idx.WriteAudit(oracle.Record{At: now.Add(-time.Hour), Actor: "alex", Action: oracle.ActionPlace, World: world, X: 10, Y: 64, Z: -4, Material: "OAK_PLANKS"})
	_ = idx.WriteAudit(oracle.Record{At: now.Add(-48 * time.Hour), Actor: "steve", Action: oracle.ActionPlace, World: world, X: 10, Y: 64, Z: -4})
	_ = idx.WriteAudit(oracle.Record{At: now, Actor: "alex", Action: oracle.ActionPlace, World: world, X: 11, Y: 64, Z: -4})
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	recs, err := idx.Lookup(ctx, c, 24*time.Hour)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(recs) != 1 || recs[0].Actor != "alex" || recs[0].Material != "OAK_PLANKS" {
		t.Fatalf("Lookup=%+v", recs)
	}
	if recs[0].Cell() != c {
		t.Fatalf("record cell=%v want %v", recs[0].Cell(), c)
	}

	all, err := idx.Lookup(ctx, c, 0)
	if err != nil {
		t.Fatalf("Lookup unbounded: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unbounded lookup=%d records want 2", len(all))
	}

	empty, err := idx.Lookup(ctx, cell.New(world, 0, 0, 0), 24*time.Hour)
	if err != nil || len(empty) != 0 {
		t.Fatalf("untouched cell lookup=(%v,%v)", empty, err)
	}
}

func TestSQLiteIndex_LookupAsyncAndActors(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()
	c := cell.New(world, 1, 1, 1)

	idx.LogRemoval("miner", c, "STONE", "")
	_ = idx.WriteAudit(oracle.Record{Actor: "builder", Action: oracle.ActionPlace, World: world, X: 1, Y: 1, Z: 1})
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	res := <-idx.LookupAsync(ctx, c, time.Hour)
	if res.Err != nil || len(res.Records) != 2 {
		t.Fatalf("LookupAsync=%+v", res)
	}
	actors, err := idx.Actors(ctx, c)
	if err != nil || len(actors) != 2 {
		t.Fatalf("Actors=(%v,%v)", actors, err)
	}
	recent, err := idx.Recent(ctx, 1)
	if err != nil || len(recent) != 1 || recent[0].World != world {
		t.Fatalf("Recent=(%+v,%v)", recent, err)
	}
	if st := idx.Stats(); st.WrittenTotal != 2 {
		t.Fatalf("WrittenTotal=%d want 2", st.WrittenTotal)
	}
}

func TestSQLiteIndex_StatusToggle(t *testing.T) {
	idx, _ := openTestIndex(t)
	if !oracle.Available(idx, oracle.MinAPIVersion) {
		t.Fatalf("fresh index should be available: %+v", idx.Status())
	}
	idx.SetEnabled(false)
	if oracle.Available(idx, oracle.MinAPIVersion) {
		t.Fatalf("disabled index reported available")
	}
	idx.SetEnabled(true)
	_ = idx.Close()
	if idx.Status().Enabled {
		t.Fatalf("closed index reported enabled")
	}
	if _, err := idx.Lookup(context.Background(), cell.New(world, 0, 0, 0), time.Hour); err == nil {
		t.Fatalf("lookup on closed index should fail")
	}
}

func TestSQLiteIndex_CommitsOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.sqlite")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.LogRemoval("steve", cell.New(world, 5, 6, 7), "DIRT", "snowy=false")
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		actor, action, material, blockData string
		x, y, z                            int
	)
	row := db.QueryRow(`SELECT actor,action,x,y,z,material,block_data FROM audits WHERE world=?`, world.String())
	if err := row.Scan(&actor, &action, &x, &y, &z, &material, &blockData); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if actor != "steve" || action != oracle.ActionRemove || x != 5 || y != 6 || z != 7 || material != "DIRT" || blockData != "snowy=false" {
		t.Fatalf("row mismatch: %s %s %d,%d,%d %s %s", actor, action, x, y, z, material, blockData)
	}

	var api string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='api_version'`).Scan(&api); err != nil || api != "10" {
		t.Fatalf("api_version=(%q,%v)", api, err)
	}
}

func TestSQLiteIndex_SameEventStoredOnce(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()
	at := time.Now().Truncate(time.Millisecond)
	c := cell.New(world, 4, 5, 6)
	ev := oracle.Record{At: at, Actor: "alex", Action: oracle.ActionPlace, World: world, X: 4, Y: 5, Z: 6, Material: "DIRT"}

	for i := 0; i < 3; i++ {
		if err := idx.WriteAudit(ev); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	other := ev
	other.Action = oracle.ActionRemove
	if err := idx.WriteAudit(other); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	recs, err := idx.Lookup(ctx, c, 0)
	if err != nil || len(recs) != 2 {
		t.Fatalf("recs=%d err=%v want 2", len(recs), err)
	}
	if st := idx.Stats(); st.DupAuditTotal != 2 || st.WrittenTotal != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestOpenSQLite_CollapsesDuplicatesFromOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at_ms INTEGER NOT NULL, actor TEXT NOT NULL, action TEXT NOT NULL,
			world TEXT NOT NULL, x INTEGER NOT NULL, y INTEGER NOT NULL, z INTEGER NOT NULL,
			material TEXT, block_data TEXT)`,
		`INSERT INTO audits(at_ms,actor,action,world,x,y,z,material) VALUES(1000,'alex','PLACE','` + world.String() + `',1,2,3,'DIRT')`,
		`INSERT INTO audits(at_ms,actor,action,world,x,y,z,material) VALUES(1000,'alex','PLACE','` + world.String() + `',1,2,3,'DIRT')`,
		`INSERT INTO audits(at_ms,actor,action,world,x,y,z,material) VALUES(2000,'sam','REMOVE','` + world.String() + `',1,2,3,'DIRT')`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	_ = db.Close()

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()
	recs, err := idx.Lookup(context.Background(), cell.New(world, 1, 2, 3), 0)
	if err != nil || len(recs) != 2 {
		t.Fatalf("recs=%d err=%v want 2", len(recs), err)
	}
}
