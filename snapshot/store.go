package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pthm-cable/sphgrow/particles"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on excluded(run_id, time)
const currentSchemaVersion = 1

// timeLayout has a fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound reports a run or part that is not in the store.
var ErrNotFound = errors.New("not found")

// Run describes one simulation run recorded in the store.
type Run struct {
	ID         string
	Name       string
	CreatedAt  time.Time
	Periodic   int
	MapMin     particles.Vec3
	MapMax     particles.Vec3
	Dp         float64
	Simulate2D bool
}

// Store persists simulation parts in SQLite and reloads them as cases.
// Uses WAL mode so a part can be inspected while a run is writing.
type Store struct {
	db    *sql.DB
	runID string
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunID returns the id of the run started with BeginRun.
func (s *Store) RunID() string { return s.runID }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		// Databases created at version 0 lack the excluded time index.
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_excluded_run_time ON excluded(run_id, time)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// BeginRun records a new run and makes it the target of later writes.
// An empty run.ID gets a fresh time-ordered UUID. Returns the run id.
func (s *Store) BeginRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.Must(uuid.NewV7()).String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, name, created_at, periodic, map_min_x, map_min_y, map_min_z,
		 map_max_x, map_max_y, map_max_z, dp, simulate_2d)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID, run.Name, run.CreatedAt.UTC().Format(timeLayout), run.Periodic,
		run.MapMin.X, run.MapMin.Y, run.MapMin.Z,
		run.MapMax.X, run.MapMax.Y, run.MapMax.Z,
		run.Dp, run.Simulate2D,
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	s.runID = run.ID
	return run.ID, nil
}

// WritePart saves the real particles of ps as part number part.
// Writing a part that already exists is a no-op.
func (s *Store) WritePart(ctx context.Context, part int, t float64, ps *particles.Store) error {
	if s.runID == "" {
		return errors.New("write part: no run started")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO parts (run_id, part, time, np, npb, next_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, s.runID, part, t, countReal(ps), ps.Npb(), ps.NextID())
	if err != nil {
		return fmt.Errorf("write part %d: %w", part, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write part %d: %w", part, err)
	}
	if n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO part_particles
		(run_id, part, slot, id, code, x, y, z, vx, vy, vz, rho, mass,
		 qxx, qxy, qxz, qyy, qyz, qzz, sxx, sxy, sxz, syy, syz, szz,
		 pore, strain_rate, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write part %d: %w", part, err)
	}
	defer stmt.Close()

	slot := 0
	codes := ps.Code()
	for p := 0; p < ps.Np(); p++ {
		if !codes[p].IsNormal() {
			continue
		}
		r := ps.Record(p)
		_, err := stmt.ExecContext(ctx,
			s.runID, part, slot, r.ID, uint16(r.Code),
			r.Pos.X, r.Pos.Y, r.Pos.Z,
			r.Velrhop.X, r.Velrhop.Y, r.Velrhop.Z, r.Velrhop.W, r.Mass,
			r.Shape.XX, r.Shape.XY, r.Shape.XZ, r.Shape.YY, r.Shape.YZ, r.Shape.ZZ,
			r.Stress.XX, r.Stress.XY, r.Stress.XZ, r.Stress.YY, r.Stress.YZ, r.Stress.ZZ,
			r.Pore, r.StrainRate, r.Generation,
		)
		if err != nil {
			return fmt.Errorf("write part %d slot %d: %w", part, slot, err)
		}
		slot++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write part %d: %w", part, err)
	}
	return nil
}

func countReal(ps *particles.Store) int {
	n := 0
	for _, c := range ps.Code()[:ps.Np()] {
		if c.IsNormal() {
			n++
		}
	}
	return n
}

// WriteExcluded records particles that left the domain at the given step.
func (s *Store) WriteExcluded(ctx context.Context, step uint64, t float64, recs []particles.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if s.runID == "" {
		return errors.New("write excluded: no run started")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write excluded: %w", err)
	}
	defer tx.Rollback()

	for _, r := range recs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO excluded
			(run_id, step, time, id, code, x, y, z, vx, vy, vz, rho, mass)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`,
			s.runID, int64(step), t, r.ID, uint16(r.Code),
			r.Pos.X, r.Pos.Y, r.Pos.Z,
			r.Velrhop.X, r.Velrhop.Y, r.Velrhop.Z, r.Velrhop.W, r.Mass,
		)
		if err != nil {
			return fmt.Errorf("write excluded id %d: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// LatestRun returns the most recently created run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	return s.queryRun(ctx, `
		SELECT id, name, created_at, periodic, map_min_x, map_min_y, map_min_z,
		       map_max_x, map_max_y, map_max_z, dp, simulate_2d
		FROM runs ORDER BY created_at DESC, id DESC LIMIT 1`)
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	return s.queryRun(ctx, `
		SELECT id, name, created_at, periodic, map_min_x, map_min_y, map_min_z,
		       map_max_x, map_max_y, map_max_z, dp, simulate_2d
		FROM runs WHERE id = ?`, id)
}

func (s *Store) queryRun(ctx context.Context, query string, args ...any) (Run, error) {
	var r Run
	var created string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&r.ID, &r.Name, &created, &r.Periodic,
		&r.MapMin.X, &r.MapMin.Y, &r.MapMin.Z,
		&r.MapMax.X, &r.MapMax.Y, &r.MapMax.Z,
		&r.Dp, &r.Simulate2D,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run: %w", ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("query run: %w", err)
	}
	r.CreatedAt, err = time.Parse(timeLayout, created)
	if err != nil {
		return Run{}, fmt.Errorf("parse run time: %w", err)
	}
	return r, nil
}

// Parts lists the saved part numbers of a run in ascending order.
func (s *Store) Parts(ctx context.Context, runID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT part FROM parts WHERE run_id = ? ORDER BY part`, runID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var parts []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// ExcludedCount returns the number of excluded particles recorded for a run.
func (s *Store) ExcludedCount(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM excluded WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count excluded: %w", err)
	}
	return n, nil
}

// LoadPart reads a saved part back as a case. An empty runID selects the
// latest run and part -1 its latest part.
func (s *Store) LoadPart(ctx context.Context, runID string, part int) (*Case, error) {
	var run Run
	var err error
	if runID == "" {
		run, err = s.LatestRun(ctx)
	} else {
		run, err = s.GetRun(ctx, runID)
	}
	if err != nil {
		return nil, err
	}

	if part < 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT part FROM parts WHERE run_id = ? ORDER BY part DESC LIMIT 1`, run.ID).Scan(&part)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s has no parts: %w", run.ID, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("latest part: %w", err)
		}
	}

	c := &Case{
		Name:       run.Name,
		Periodic:   run.Periodic,
		MapMin:     run.MapMin,
		MapMax:     run.MapMax,
		Part:       part,
		Dp:         run.Dp,
		Simulate2D: run.Simulate2D,
	}
	var np int
	err = s.db.QueryRowContext(ctx,
		`SELECT time, np, next_id FROM parts WHERE run_id = ? AND part = ?`, run.ID, part,
	).Scan(&c.Time, &np, &c.NextID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("part %d of run %s: %w", part, run.ID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load part %d: %w", part, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, x, y, z, vx, vy, vz, rho, mass,
		       qxx, qxy, qxz, qyy, qyz, qzz, sxx, sxy, sxz, syy, syz, szz,
		       pore, strain_rate, generation
		FROM part_particles WHERE run_id = ? AND part = ? ORDER BY slot
	`, run.ID, part)
	if err != nil {
		return nil, fmt.Errorf("load part %d: %w", part, err)
	}
	defer rows.Close()

	c.Records = make([]particles.Record, 0, np)
	for rows.Next() {
		var r particles.Record
		var code uint16
		if err := rows.Scan(
			&r.ID, &code, &r.Pos.X, &r.Pos.Y, &r.Pos.Z,
			&r.Velrhop.X, &r.Velrhop.Y, &r.Velrhop.Z, &r.Velrhop.W, &r.Mass,
			&r.Shape.XX, &r.Shape.XY, &r.Shape.XZ, &r.Shape.YY, &r.Shape.YZ, &r.Shape.ZZ,
			&r.Stress.XX, &r.Stress.XY, &r.Stress.XZ, &r.Stress.YY, &r.Stress.YZ, &r.Stress.ZZ,
			&r.Pore, &r.StrainRate, &r.Generation,
		); err != nil {
			return nil, fmt.Errorf("scan particle: %w", err)
		}
		r.Code = particles.TypeCode(code)
		c.Records = append(c.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load part %d: %w", part, err)
	}
	c.normalize()
	return c, nil
}

// Loader returns a Loader reading the given part of a run.
func (s *Store) Loader(runID string, part int) Loader {
	return LoaderFunc(func(ctx context.Context) (*Case, error) {
		return s.LoadPart(ctx, runID, part)
	})
}
