// Package db stores sessions, calibration runs and velocity traces in
// SQLite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/recorder"
)

// ErrNotFound is returned when a session has no stored record of the
// requested kind.
var ErrNotFound = errors.New("db: not found")

type DB struct {
	*sql.DB
	now func() time.Time
}

// SessionInfo is one row of the sessions table.
type SessionInfo struct {
	ID          string    `json:"id"`
	Created     time.Time `json:"created"`
	Notes       string    `json:"notes,omitempty"`
	Calibrated  bool      `json:"calibrated"`
	VelocityLen int       `json:"velocity_len"`
}

// dsn applies the connection pragmas to every pooled connection.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range []string{"busy_timeout(5000)", "foreign_keys(1)", "journal_mode(WAL)", "synchronous(NORMAL)"} {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// NewDB opens the database at path and brings the schema up to date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	db := &DB{DB: sqlDB, now: time.Now}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// CreateSession records a new session. Creating an existing session is
// not an error and keeps the original creation time.
func (db *DB) CreateSession(ctx context.Context, id, notes string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, created_unix_nanos, notes) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		id, db.now().UnixNano(), notes)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

func ensureSession(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, created_unix_nanos) VALUES (?, ?)
		 ON CONFLICT(session_id) DO NOTHING`, id, now.UnixNano())
	return err
}

// Sessions lists all sessions, newest first.
func (db *DB) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.session_id, s.created_unix_nanos, s.notes,
		       EXISTS (SELECT 1 FROM calibration_params p WHERE p.session_id = s.session_id),
		       (SELECT COUNT(*) FROM velocity_samples v WHERE v.session_id = s.session_id)
		FROM sessions s
		ORDER BY s.created_unix_nanos DESC, s.session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var s SessionInfo
		var created int64
		if err := rows.Scan(&s.ID, &created, &s.Notes, &s.Calibrated, &s.VelocityLen); err != nil {
			return nil, err
		}
		s.Created = time.Unix(0, created).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// WriteCalibration implements export.Sink. A second write for the same
// session replaces the first.
func (db *DB) WriteCalibration(ctx context.Context, sessionID string, exp *calibration.Export) error {
	if exp == nil {
		return errors.New("db: nil calibration export")
	}
	dirs, err := json.Marshal(exp.Directions)
	if err != nil {
		return fmt.Errorf("encode direction stats: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := db.now()
	if err := ensureSession(ctx, tx, sessionID, now); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}

	p := exp.Params
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO calibration_params (
			session_id, mean0, std0, mean1, std1, threshold0, threshold1,
			bias, scale, directions_json, written_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, p.Mean0, p.Std0, p.Mean1, p.Std1, p.Threshold0, p.Threshold1,
		p.Bias, p.Scale, string(dirs), now.UnixNano(),
	); err != nil {
		return fmt.Errorf("write calibration params: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM calibration_vectors WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear calibration vectors: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO calibration_vectors (session_id, name, position, length, values_json) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, v := range exp.Vectors() {
		values, err := json.Marshal(v.Values)
		if err != nil {
			return fmt.Errorf("encode vector %s: %w", v.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, v.Name, i, len(v.Values), string(values)); err != nil {
			return fmt.Errorf("write vector %s: %w", v.Name, err)
		}
	}
	return tx.Commit()
}

// Calibration loads the stored calibration of a session.
func (db *DB) Calibration(ctx context.Context, sessionID string) (*calibration.Export, error) {
	var p calibration.Parameters
	var dirs string
	err := db.QueryRowContext(ctx, `
		SELECT mean0, std0, mean1, std1, threshold0, threshold1, bias, scale, directions_json
		FROM calibration_params WHERE session_id = ?`, sessionID,
	).Scan(&p.Mean0, &p.Std0, &p.Mean1, &p.Std1, &p.Threshold0, &p.Threshold1, &p.Bias, &p.Scale, &dirs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read calibration params: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT name, values_json FROM calibration_vectors WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read calibration vectors: %w", err)
	}
	defer rows.Close()

	var vectors []calibration.Vector
	for rows.Next() {
		var v calibration.Vector
		var values string
		if err := rows.Scan(&v.Name, &values); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &v.Values); err != nil {
			return nil, fmt.Errorf("decode vector %s: %w", v.Name, err)
		}
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	exp, err := calibration.NewExport(p, vectors)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dirs), &exp.Directions); err != nil {
		return nil, fmt.Errorf("decode direction stats: %w", err)
	}
	return exp, nil
}

// WriteVelocity implements export.Sink. The stored trace is replaced.
func (db *DB) WriteVelocity(ctx context.Context, sessionID string, trace recorder.Trace) error {
	if err := trace.Validate(); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureSession(ctx, tx, sessionID, db.now()); err != nil {
		return fmt.Errorf("write velocity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM velocity_samples WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear velocity samples: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO velocity_samples (session_id, tick, stimulus, fish, total) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := 0; i < trace.Len(); i++ {
		s := trace.At(i)
		if _, err := stmt.ExecContext(ctx, sessionID, i, s.Stimulus, s.Fish, s.Total); err != nil {
			return fmt.Errorf("write velocity tick %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// VelocityTrace loads the stored velocity trace of a session.
func (db *DB) VelocityTrace(ctx context.Context, sessionID string) (recorder.Trace, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT stimulus, fish, total FROM velocity_samples WHERE session_id = ? ORDER BY tick`, sessionID)
	if err != nil {
		return recorder.Trace{}, fmt.Errorf("read velocity samples: %w", err)
	}
	defer rows.Close()

	var tr recorder.Trace
	for rows.Next() {
		var s recorder.Sample
		if err := rows.Scan(&s.Stimulus, &s.Fish, &s.Total); err != nil {
			return recorder.Trace{}, err
		}
		tr.Stimulus = append(tr.Stimulus, s.Stimulus)
		tr.Fish = append(tr.Fish, s.Fish)
		tr.Total = append(tr.Total, s.Total)
	}
	if err := rows.Err(); err != nil {
		return recorder.Trace{}, err
	}
	if tr.Len() == 0 {
		return recorder.Trace{}, fmt.Errorf("velocity for session %s: %w", sessionID, ErrNotFound)
	}
	return tr, nil
}

// DeleteSession removes a session and everything stored for it.
func (db *DB) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}
