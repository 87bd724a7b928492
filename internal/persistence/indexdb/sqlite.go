package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	plog "procarray.ai/internal/persistence/log"
	"procarray.ai/internal/persistence/snapshot"
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index over a simulation run. Writes
// are queued and applied by a single goroutine; the JSONL logs remain the
// source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTransition atomic.Uint64
	dropBatch      atomic.Uint64
	dropSnapshot   atomic.Uint64
}

type reqKind int

const (
	reqTransition reqKind = iota + 1
	reqBatch
	reqSnapshot
)

type req struct {
	kind reqKind

	transition plog.Transition
	batch      Batch
	snapshot   snapshotRow
}

// Outcome is how a batch left the controller.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeAbandoned Outcome = "abandoned"
)

// Batch is one committed batch, recorded when it ends.
type Batch struct {
	RunID       string  `json:"run_id"`
	Controller  string  `json:"controller"`
	StartedTick uint64  `json:"started_tick"`
	EndedTick   uint64  `json:"ended_tick"`
	Recipe      string  `json:"recipe"`
	Family      string  `json:"family"`
	Multiplier  int     `json:"multiplier"`
	Source      string  `json:"source,omitempty"`
	Outcome     Outcome `json:"outcome"`
}

type snapshotRow struct {
	RunID       string
	Tick        uint64
	Path        string
	Controllers int
	Active      int
}

type Stats struct {
	QueueDepth          int    `json:"queue_depth"`
	QueueCapacity       int    `json:"queue_capacity"`
	DropTransitionTotal uint64 `json:"drop_transition_total"`
	DropBatchTotal      uint64 `json:"drop_batch_total"`
	DropSnapshotTotal   uint64 `json:"drop_snapshot_total"`
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

	s := &SQLiteIndex{
		db: db,
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
		"PRAGMA foreign_keys=ON;",
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
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			controller TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			jam TEXT NOT NULL,
			blocked TEXT NOT NULL,
			recipe TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY(run_id, tick, controller)
		);`,
		`CREATE TABLE IF NOT EXISTS batches (
			run_id TEXT NOT NULL,
			controller TEXT NOT NULL,
			started_tick INTEGER NOT NULL,
			ended_tick INTEGER NOT NULL,
			recipe TEXT NOT NULL,
			family TEXT NOT NULL,
			multiplier INTEGER NOT NULL,
			source TEXT NOT NULL,
			outcome TEXT NOT NULL,
			PRIMARY KEY(run_id, controller, started_tick)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_recipe ON batches(recipe);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			path TEXT NOT NULL,
			controllers INTEGER NOT NULL,
			active INTEGER NOT NULL,
			PRIMARY KEY(run_id, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropTransitionTotal: s.dropTransition.Load(),
		DropBatchTotal:      s.dropBatch.Load(),
		DropSnapshotTotal:   s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) WriteTransition(t plog.Transition) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTransition, transition: t}:
	default:
		// Drop if the indexer falls behind.
		s.dropTransition.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordBatch(b Batch) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqBatch, batch: b}:
	default:
		s.dropBatch.Add(1)
	}
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		RunID:       snap.Header.RunID,
		Tick:        snap.Header.Tick,
		Path:        path,
		Controllers: len(snap.Controllers),
	}
	for _, c := range snap.Controllers {
		if c.Engine.Active != nil {
			r.Active++
		}
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// UpsertCatalogs stores the raw catalog files and the applied tuning, keyed by
// digest, so a run can be traced back to the recipes it used.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cat *catalogs.Catalog, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	read := func(name, file, digest string) {
		if configDir == "" {
			return
		}
		b, err := os.ReadFile(filepath.Join(configDir, file))
		if err != nil {
			return
		}
		rows = append(rows, kv{name: name, digest: digest, json: b})
	}
	read("families", "families.json", cat.FamiliesDigest)
	read("recipes", "recipes.json", cat.RecipesDigest)
	{
		// Canonical family list for easier querying.
		fams := make([]catalogs.FamilyDef, 0, len(cat.Families))
		for _, name := range cat.FamilyNames() {
			fams = append(fams, cat.Families[name])
		}
		if b, err := json.Marshal(fams); err == nil {
			rows = append(rows, kv{name: "family_index", digest: digestOf(b), json: b})
		}
	}
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, kv{name: "tuning", digest: digestOf(b), json: b})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Batches returns the recorded batches of runID, optionally limited to one
// controller, in start order.
func (s *SQLiteIndex) Batches(ctx context.Context, runID, controller string) ([]Batch, error) {
	q := `SELECT run_id,controller,started_tick,ended_tick,recipe,family,multiplier,source,outcome
		FROM batches WHERE run_id = ?`
	args := []any{runID}
	if controller != "" {
		q += ` AND controller = ?`
		args = append(args, controller)
	}
	q += ` ORDER BY started_tick, controller`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var (
			b              Batch
			started, ended int64
			outcome        string
		)
		if err := rows.Scan(&b.RunID, &b.Controller, &started, &ended, &b.Recipe, &b.Family, &b.Multiplier, &b.Source, &outcome); err != nil {
			return nil, err
		}
		b.StartedTick = uint64(started)
		b.EndedTick = uint64(ended)
		b.Outcome = Outcome(outcome)
		out = append(out, b)
	}
	return out, rows.Err()
}

// CatalogDigest returns the stored digest for a catalog entry.
func (s *SQLiteIndex) CatalogDigest(ctx context.Context, name string) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM catalogs WHERE name = ?`, name).Scan(&d)
	return d, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTransition, _ := s.db.Prepare(`INSERT OR REPLACE INTO transitions(run_id,tick,controller,from_state,to_state,jam,blocked,recipe,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertBatch, _ := s.db.Prepare(`INSERT OR REPLACE INTO batches(run_id,controller,started_tick,ended_tick,recipe,family,multiplier,source,outcome) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(run_id,tick,path,controllers,active) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTransition, insertBatch, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
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
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTransition:
			t := r.transition
			raw, _ := json.Marshal(t)
			exec(insertTransition,
				t.RunID,
				int64(t.Tick),
				t.Controller,
				string(t.From),
				string(t.To),
				string(t.Jam),
				string(t.Blocked),
				t.Recipe,
				string(raw),
			)
		case reqBatch:
			b := r.batch
			exec(insertBatch,
				b.RunID,
				b.Controller,
				int64(b.StartedTick),
				int64(b.EndedTick),
				b.Recipe,
				b.Family,
				b.Multiplier,
				b.Source,
				string(b.Outcome),
			)
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.RunID, int64(sn.Tick), sn.Path, sn.Controllers, sn.Active)
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}
