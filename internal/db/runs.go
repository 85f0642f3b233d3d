package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/emittance.scan/internal/scan"
)

// ErrRunNotFound is returned when a run id is not in the catalogue.
var ErrRunNotFound = errors.New("db: run not found")

// Run kinds.
const (
	KindScan1D = "scan1d"
	KindScan2D = "scan2d"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run is one catalogue entry. Cols is nil for 1-D scans.
type Run struct {
	ID         string           `json:"run_id"`
	Kind       string           `json:"kind"`
	Rows       scan.ScanConfig  `json:"rows"`
	Cols       *scan.ScanConfig `json:"cols,omitempty"`
	Tolerance  float64          `json:"closure_tolerance"`
	ConfigJSON string           `json:"-"`
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Points     int              `json:"points"`
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// InsertRun records a new running scan and returns its id. A zero
// StartedAt is set to now.
func (db *DB) InsertRun(ctx context.Context, r *Run) (string, error) {
	if r.Kind != KindScan1D && r.Kind != KindScan2D {
		return "", fmt.Errorf("unknown run kind %q", r.Kind)
	}
	if (r.Kind == KindScan2D) != (r.Cols != nil) {
		return "", fmt.Errorf("%s run with cols=%v", r.Kind, r.Cols != nil)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = db.clock.Now()
	}
	if r.ConfigJSON == "" {
		r.ConfigJSON = "{}"
	}
	r.Status = StatusRunning

	var colVar sql.NullString
	var colInit, colStart, colEnd sql.NullFloat64
	var colPoints sql.NullInt64
	if c := r.Cols; c != nil {
		colVar = sql.NullString{String: c.VariableName, Valid: true}
		colInit, colStart, colEnd = nullable(c.InitialValue), nullable(c.ScanStart), nullable(c.ScanEnd)
		colPoints = sql.NullInt64{Int64: int64(c.NPoints), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO scan_runs (
			run_id, kind, row_variable, row_initial, row_start, row_end, row_points,
			col_variable, col_initial, col_start, col_end, col_points,
			closure_tolerance, config_json, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Rows.VariableName, r.Rows.InitialValue, r.Rows.ScanStart, r.Rows.ScanEnd, r.Rows.NPoints,
		colVar, colInit, colStart, colEnd, colPoints,
		r.Tolerance, r.ConfigJSON, r.Status, r.StartedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return r.ID, nil
}

// FinishRun marks a run complete, or failed when runErr is non-nil.
func (db *DB) FinishRun(ctx context.Context, id string, runErr error) error {
	status, msg := StatusComplete, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := db.ExecContext(ctx,
		`UPDATE scan_runs SET status = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		status, msg, db.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

type pointRow struct {
	row, col int
	rowValue float64
	colValue sql.NullFloat64
	point    scan.Point
}

func (db *DB) insertPoints(ctx context.Context, id string, rows []pointRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO scan_points (
			run_id, row_index, col_index, row_value, col_value, ex, ey, ez, outcome, detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		p := r.point
		if _, err := stmt.ExecContext(ctx, id, r.row, r.col, r.rowValue, r.colValue,
			nullable(p.Ex), nullable(p.Ey), nullable(p.Ez), p.Outcome.String(), p.Detail); err != nil {
			return fmt.Errorf("insert point (%d,%d): %w", r.row, r.col, err)
		}
	}
	return tx.Commit()
}

// SaveTable1D stores the rows of a 1-D scan under run id.
func (db *DB) SaveTable1D(ctx context.Context, id string, t *scan.Table1D) error {
	rows := make([]pointRow, len(t.Rows))
	for i, r := range t.Rows {
		rows[i] = pointRow{row: i, rowValue: r.Value, point: r.Point}
	}
	return db.insertPoints(ctx, id, rows)
}

// SaveTable2D stores the cells of a grid scan under run id.
func (db *DB) SaveTable2D(ctx context.Context, id string, t *scan.Table2D) error {
	rows := make([]pointRow, 0, t.Len())
	for i, line := range t.Cells {
		for j, p := range line {
			rows = append(rows, pointRow{
				row: i, col: j,
				rowValue: t.RowValues[i],
				colValue: sql.NullFloat64{Float64: t.ColValues[j], Valid: true},
				point:    p,
			})
		}
	}
	return db.insertPoints(ctx, id, rows)
}

const runColumns = `
	r.run_id, r.kind, r.row_variable, r.row_initial, r.row_start, r.row_end, r.row_points,
	r.col_variable, r.col_initial, r.col_start, r.col_end, r.col_points,
	r.closure_tolerance, r.config_json, r.status, r.error, r.started_at, r.finished_at,
	(SELECT COUNT(*) FROM scan_points p WHERE p.run_id = r.run_id)`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var colVar sql.NullString
	var colInit, colStart, colEnd sql.NullFloat64
	var colPoints, finished sql.NullInt64
	var started int64
	err := s.Scan(
		&r.ID, &r.Kind, &r.Rows.VariableName, &r.Rows.InitialValue, &r.Rows.ScanStart, &r.Rows.ScanEnd, &r.Rows.NPoints,
		&colVar, &colInit, &colStart, &colEnd, &colPoints,
		&r.Tolerance, &r.ConfigJSON, &r.Status, &r.Error, &started, &finished,
		&r.Points,
	)
	if err != nil {
		return nil, err
	}
	if colVar.Valid {
		r.Cols = &scan.ScanConfig{
			VariableName: colVar.String,
			InitialValue: colInit.Float64,
			ScanStart:    colStart.Float64,
			ScanEnd:      colEnd.Float64,
			NPoints:      int(colPoints.Int64),
		}
	}
	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		r.FinishedAt = &t
	}
	return &r, nil
}

// ListRuns returns every run, newest first.
func (db *DB) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM scan_runs r ORDER BY r.started_at DESC, r.run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetRun returns one run.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM scan_runs r WHERE r.run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (db *DB) loadPoints(ctx context.Context, id string, visit func(pointRow)) error {
	rows, err := db.QueryContext(ctx, `
		SELECT row_index, col_index, row_value, col_value, ex, ey, ez, outcome, detail
		FROM scan_points WHERE run_id = ? ORDER BY row_index, col_index`, id)
	if err != nil {
		return fmt.Errorf("load points: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pr pointRow
		var ex, ey, ez sql.NullFloat64
		var outcome string
		if err := rows.Scan(&pr.row, &pr.col, &pr.rowValue, &pr.colValue, &ex, &ey, &ez, &outcome, &pr.point.Detail); err != nil {
			return fmt.Errorf("scan point: %w", err)
		}
		pr.point.Ex, pr.point.Ey, pr.point.Ez = orNaN(ex), orNaN(ey), orNaN(ez)
		pr.point.Outcome, _ = scan.ParseOutcome(outcome)
		visit(pr)
	}
	return rows.Err()
}

// LoadTable1D rebuilds a stored 1-D scan.
func (db *DB) LoadTable1D(ctx context.Context, id string) (*scan.Table1D, error) {
	run, err := db.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Kind != KindScan1D {
		return nil, fmt.Errorf("run %s is a %s", id, run.Kind)
	}
	t := &scan.Table1D{Variable: run.Rows.VariableName}
	err = db.loadPoints(ctx, id, func(pr pointRow) {
		t.Rows = append(t.Rows, scan.Row{Value: pr.rowValue, Point: pr.point})
	})
	return t, err
}

// LoadTable2D rebuilds a stored grid scan. The axes are regenerated from
// the stored scan configs; cells never written are NaN faults.
func (db *DB) LoadTable2D(ctx context.Context, id string) (*scan.Table2D, error) {
	run, err := db.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Kind != KindScan2D || run.Cols == nil {
		return nil, fmt.Errorf("run %s is a %s", id, run.Kind)
	}
	t := &scan.Table2D{
		RowVariable: run.Rows.VariableName,
		ColVariable: run.Cols.VariableName,
		RowValues:   run.Rows.Space(),
		ColValues:   run.Cols.Space(),
	}
	nan := math.NaN()
	t.Cells = make([][]scan.Point, len(t.RowValues))
	for i := range t.Cells {
		t.Cells[i] = make([]scan.Point, len(t.ColValues))
		for j := range t.Cells[i] {
			t.Cells[i][j] = scan.Point{Ex: nan, Ey: nan, Ez: nan, Outcome: scan.Fault, Detail: "not recorded"}
		}
	}
	err = db.loadPoints(ctx, id, func(pr pointRow) {
		if pr.row < len(t.Cells) && pr.col < len(t.ColValues) {
			t.Cells[pr.row][pr.col] = pr.point
		}
	})
	return t, err
}

// DeleteRun removes a run and its points.
func (db *DB) DeleteRun(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM scan_runs WHERE run_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}
