// database_sessions.go - Sitzungs-Operationen
// Enthaelt: insertSession, endSession, addProgress, addCheckpoint, Abfragen

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// nullFloat speichert NaN als NULL
func nullFloat(f float64) sql.NullFloat64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	return &f.Float64
}

func (db *database) insertSession(s Session) error {
	_, err := db.conn.Exec(`
		INSERT INTO sessions (id, model, raw, gt, mask, lsds, device, learning_rate, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Model, s.Raw, s.GT, s.Mask, s.LSDs, s.Device, s.LearningRate, s.StartedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// endSession setzt ended_at und den Abbruchgrund, ein zweiter Aufruf aendert nichts
func (db *database) endSession(id string, reason string, at time.Time) error {
	res, err := db.conn.Exec(`
		UPDATE sessions
		SET ended_at = COALESCE(ended_at, ?),
			error = CASE WHEN error = '' THEN ? ELSE error END
		WHERE id = ?
	`, at, reason, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return checkAffected(res, id)
}

// addProgress speichert einen Fortschritts-Eintrag und aktualisiert die Sitzung
func (db *database) addProgress(id string, iteration int, loss float64, at time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE sessions SET iterations = ?, last_loss = ?
		WHERE id = ?
	`, iteration, nullFloat(loss), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if err := checkAffected(res, id); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO progress (session_id, iteration, loss, created_at)
		VALUES (?, ?, ?, ?)
	`, id, iteration, nullFloat(loss), at)
	if err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}

	return tx.Commit()
}

func (db *database) addCheckpoint(id string, c Checkpoint) error {
	_, err := db.conn.Exec(`
		INSERT INTO checkpoints (session_id, iteration, path, created_at)
		VALUES (?, ?, ?, ?)
	`, id, c.Iteration, c.Path, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

const sessionColumns = `id, model, raw, gt, mask, lsds, device, learning_rate, iterations, last_loss, error, started_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var s Session
	var lastLoss sql.NullFloat64
	var endedAt sql.NullTime

	err := row.Scan(
		&s.ID,
		&s.Model,
		&s.Raw,
		&s.GT,
		&s.Mask,
		&s.LSDs,
		&s.Device,
		&s.LearningRate,
		&s.Iterations,
		&lastLoss,
		&s.Error,
		&s.StartedAt,
		&endedAt,
	)
	if err != nil {
		return Session{}, err
	}

	s.LastLoss = floatPtr(lastLoss)
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return s, nil
}

func (db *database) getSessions() ([]Session, error) {
	rows, err := db.conn.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (db *database) getSession(id string) (*Session, error) {
	s, err := scanSession(db.conn.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &s, nil
}

func (db *database) getProgress(id string) ([]Progress, error) {
	rows, err := db.conn.Query(`
		SELECT iteration, loss, created_at
		FROM progress
		WHERE session_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	progress := []Progress{}
	for rows.Next() {
		var p Progress
		var loss sql.NullFloat64
		if err := rows.Scan(&p.Iteration, &loss, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		p.Loss = floatPtr(loss)
		progress = append(progress, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return progress, nil
}

func (db *database) getCheckpoints(id string) ([]Checkpoint, error) {
	rows, err := db.conn.Query(`
		SELECT iteration, path, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []Checkpoint{}
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.Iteration, &c.Path, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

func (db *database) deleteSession(id string) error {
	res, err := db.conn.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return checkAffected(res, id)
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
