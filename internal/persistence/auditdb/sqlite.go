package auditdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/oracle"
)

// APIVersion is reported by Status. Bump it when the lookup contract changes.
const APIVersion = 10

const (
	schemaVersion = "2"
	lookupLimit   = 256
)

// SQLiteIndex is the audit history oracle. Writes go through a buffered queue
// drained by one writer goroutine; lookups use a separate read pool so they
// never wait on the writer's open transaction.
type SQLiteIndex struct {
	db  *sql.DB
	rdb *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed   atomic.Bool
	disabled atomic.Bool

	dropAuditTotal atomic.Uint64
	dupAuditTotal  atomic.Uint64
	writtenTotal   atomic.Uint64
	lookupTotal    atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqFlush
)

type req struct {
	kind  reqKind
	audit oracle.Record
	done  chan struct{}
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropAuditTotal uint64 `json:"drop_audit_total"`
	// DupAuditTotal counts writes ignored because the same event is already
	// stored, e.g. when an audit log is replayed twice.
	DupAuditTotal uint64 `json:"dup_audit_total"`
	WrittenTotal  uint64 `json:"written_total"`
	LookupTotal   uint64 `json:"lookup_total"`
	Enabled       bool   `json:"enabled"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	rdb, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rdb.SetMaxOpenConns(4)

	s := &SQLiteIndex{
		db:  db,
		rdb: rdb,
		// Bursty builds produce many audit rows at once; the queue absorbs them.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at_ms INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			material TEXT,
			block_data TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_pos_at ON audits(world, x, z, y, at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_at ON audits(actor, at_ms);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if err := ensureEventKey(db); err != nil {
		return err
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion); err != nil {
		return err
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('api_version',?)`, fmt.Sprint(APIVersion)); err != nil {
		return err
	}
	return nil
}

// ensureEventKey makes an event unique by time, actor, action and cell.
// Version 1 databases may already hold duplicates from repeated replays; those
// are collapsed to the earliest row before the key is added.
func ensureEventKey(db *sql.DB) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_audits_event'`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`DELETE FROM audits WHERE id NOT IN (
		SELECT MIN(id) FROM audits GROUP BY at_ms, actor, action, world, x, y, z)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE UNIQUE INDEX idx_audits_event ON audits(at_ms, actor, action, world, x, y, z);`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
		if rerr := s.rdb.Close(); err == nil {
			err = rerr
		}
	})
	return err
}

// SetEnabled flips the availability reported by Status. Writes keep flowing.
func (s *SQLiteIndex) SetEnabled(enabled bool) {
	if s == nil {
		return
	}
	s.disabled.Store(!enabled)
}

func (s *SQLiteIndex) Status() oracle.Status {
	if s == nil {
		return oracle.Status{}
	}
	return oracle.Status{
		Installed:  true,
		Enabled:    !s.closed.Load() && !s.disabled.Load(),
		APIVersion: APIVersion,
	}
}

// WriteAudit queues r. It drops the row if the writer falls behind; the JSONL
// audit log remains the source of truth.
func (s *SQLiteIndex) WriteAudit(r oracle.Record) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: r}:
	default:
		s.dropAuditTotal.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) LogRemoval(actor string, c cell.Cell, material, blockData string) {
	_ = s.WriteAudit(oracle.Record{
		At:        time.Now().UTC(),
		Actor:     actor,
		Action:    oracle.ActionRemove,
		World:     c.World,
		X:         c.X,
		Y:         c.Y,
		Z:         c.Z,
		Material:  material,
		BlockData: blockData,
	})
}

// Flush blocks until every row queued before the call is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Lookup(ctx context.Context, c cell.Cell, lookback time.Duration) ([]oracle.Record, error) {
	if s == nil || s.closed.Load() {
		return nil, oracle.ErrUnavailable
	}
	s.lookupTotal.Add(1)
	since := int64(0)
	if lookback > 0 {
		since = time.Now().Add(-lookback).UnixMilli()
	}
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT at_ms,actor,action,material,block_data FROM audits
		 WHERE world=? AND x=? AND z=? AND y=? AND at_ms>=?
		 ORDER BY at_ms DESC LIMIT ?`,
		c.World.String(), c.X, c.Z, c.Y, since, lookupLimit)
	if err != nil {
		return nil, fmt.Errorf("audit lookup: %w", err)
	}
	defer rows.Close()

	var out []oracle.Record
	for rows.Next() {
		var (
			atMS      int64
			material  sql.NullString
			blockData sql.NullString
		)
		r := oracle.Record{World: c.World, X: c.X, Y: c.Y, Z: c.Z}
		if err := rows.Scan(&atMS, &r.Actor, &r.Action, &material, &blockData); err != nil {
			return nil, fmt.Errorf("audit lookup: %w", err)
		}
		r.At = time.UnixMilli(atMS).UTC()
		r.Material = material.String
		r.BlockData = blockData.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit lookup: %w", err)
	}
	return out, nil
}

func (s *SQLiteIndex) LookupAsync(ctx context.Context, c cell.Cell, lookback time.Duration) <-chan oracle.Result {
	return oracle.Go(ctx, func(ctx context.Context) ([]oracle.Record, error) {
		return s.Lookup(ctx, c, lookback)
	})
}

// Actors lists distinct actors that touched c, most recent first.
func (s *SQLiteIndex) Actors(ctx context.Context, c cell.Cell) ([]string, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT actor FROM audits WHERE world=? AND x=? AND z=? AND y=?
		 GROUP BY actor ORDER BY MAX(at_ms) DESC`,
		c.World.String(), c.X, c.Z, c.Y)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropAuditTotal: s.dropAuditTotal.Load(),
		DupAuditTotal:  s.dupAuditTotal.Load(),
		WrittenTotal:   s.writtenTotal.Load(),
		LookupTotal:    s.lookupTotal.Load(),
		Enabled:        s.Status().Enabled,
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR IGNORE INTO audits(at_ms,actor,action,world,x,y,z,material,block_data) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		pending       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err == nil {
			s.writtenTotal.Add(uint64(pending))
		}
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	ticker := time.NewTicker(commitMaxWait / 2)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			switch r.kind {
			case reqFlush:
				commit()
				close(r.done)
				continue
			case reqAudit:
				begin()
				if tx == nil || insertAudit == nil {
					s.dropAuditTotal.Add(1)
					continue
				}
				a := r.audit
				if a.At.IsZero() {
					a.At = time.Now()
				}
				res, err := tx.Stmt(insertAudit).Exec(
					a.At.UnixMilli(),
					a.Actor,
					a.Action,
					a.World.String(),
					a.X, a.Y, a.Z,
					a.Material,
					a.BlockData,
				)
				if err != nil {
					s.dropAuditTotal.Add(uint64(pending + 1))
					rollback()
					continue
				}
				opCount++
				if n, err := res.RowsAffected(); err == nil && n == 0 {
					s.dupAuditTotal.Add(1)
				} else {
					pending++
				}
			}
			flushIfNeeded()
		case <-ticker.C:
			flushIfNeeded()
		}
	}
}

// Recent returns the latest audit rows across all cells.
func (s *SQLiteIndex) Recent(ctx context.Context, limit int) ([]oracle.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT at_ms,actor,action,world,x,y,z,material,block_data FROM audits ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []oracle.Record
	for rows.Next() {
		var (
			r         oracle.Record
			atMS      int64
			world     string
			material  sql.NullString
			blockData sql.NullString
		)
		if err := rows.Scan(&atMS, &r.Actor, &r.Action, &world, &r.X, &r.Y, &r.Z, &material, &blockData); err != nil {
			return nil, err
		}
		w, err := uuid.Parse(world)
		if err != nil {
			return nil, fmt.Errorf("audit row world %q: %w", world, err)
		}
		r.World = w
		r.At = time.UnixMilli(atMS).UTC()
		r.Material = material.String
		r.BlockData = blockData.String
		out = append(out, r)
	}
	return out, rows.Err()
}
