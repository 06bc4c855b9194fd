// Modul: store_core.go
// Beschreibung: Store-Kernfunktionen und Datenbank-Initialisierung.
// Enthaelt ensureDB und die oeffentlichen Sitzungs-Operationen.

package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/affinities/affinities/envconfig"
)

var ErrNotFound = errors.New("session not found")

// Store speichert den Verlauf der Trainings-Sitzungen
type Store struct {
	// DBPath allows overriding the default database path (mainly for testing)
	DBPath string

	// dbMu protects database initialization only
	dbMu sync.Mutex
	db   *database
}

func (s *Store) ensureDB() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	if s.db != nil {
		return nil
	}

	dbPath := s.DBPath
	if dbPath == "" {
		dbPath = envconfig.DBPath()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	database, err := newDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	slog.Debug("opened session store", "path", dbPath)
	s.db = database
	return nil
}

// CreateSession speichert eine neue Sitzung
// Ohne ID wird eine UUID vergeben, ohne StartedAt die aktuelle Zeit
func (s *Store) CreateSession(session Session) (Session, error) {
	if err := s.ensureDB(); err != nil {
		return Session{}, err
	}

	if session.ID == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return Session{}, err
		}
		session.ID = u.String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if session.Device == "" {
		session.Device = "cpu"
	}

	if err := s.db.insertSession(session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// EndSession markiert eine Sitzung als beendet, reason ist leer bei regulaerem Ende
func (s *Store) EndSession(id, reason string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	return s.db.endSession(id, reason, time.Now().UTC())
}

// RecordProgress speichert Iteration und Loss, NaN wird als fehlender Wert gespeichert
func (s *Store) RecordProgress(id string, iteration int, loss float64) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	return s.db.addProgress(id, iteration, loss, time.Now().UTC())
}

func (s *Store) RecordCheckpoint(id string, iteration int, path string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	return s.db.addCheckpoint(id, Checkpoint{Iteration: iteration, Path: path, CreatedAt: time.Now().UTC()})
}

// Sessions gibt alle Sitzungen zurueck, die neueste zuerst
func (s *Store) Sessions() ([]Session, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	return s.db.getSessions()
}

func (s *Store) Session(id string) (*Session, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	return s.db.getSession(id)
}

func (s *Store) Progress(id string) ([]Progress, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	if _, err := s.db.getSession(id); err != nil {
		return nil, err
	}
	return s.db.getProgress(id)
}

func (s *Store) Checkpoints(id string) ([]Checkpoint, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	if _, err := s.db.getSession(id); err != nil {
		return nil, err
	}
	return s.db.getCheckpoints(id)
}

// DeleteSession loescht eine Sitzung mit Fortschritt und Checkpoints
func (s *Store) DeleteSession(id string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	return s.db.deleteSession(id)
}

func (s *Store) Close() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
