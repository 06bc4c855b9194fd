package store

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := &Store{DBPath: filepath.Join(t.TempDir(), "db", "affinities.db")}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(Session{Model: "2d-affinities", Raw: "raw", GT: "gt", LSDs: true, LearningRate: 1e-3})
	require.NoError(t, err)
	if created.ID == "" || created.StartedAt.IsZero() || created.Device != "cpu" {
		t.Fatalf("Defaults fehlen: %+v", created)
	}

	require.NoError(t, s.RecordProgress(created.ID, 0, math.NaN()))
	require.NoError(t, s.RecordProgress(created.ID, 1, 0.5))
	require.NoError(t, s.RecordProgress(created.ID, 2, 0.25))
	require.NoError(t, s.RecordCheckpoint(created.ID, 2, "/tmp/checkpoints/2.gguf"))

	got, err := s.Session(created.ID)
	require.NoError(t, err)
	if got.Iterations != 2 || got.LastLoss == nil || *got.LastLoss != 0.25 {
		t.Errorf("Sitzung %+v", got)
	}
	if !got.Active() {
		t.Error("Sitzung sollte aktiv sein")
	}

	progress, err := s.Progress(created.ID)
	require.NoError(t, err)
	require.Len(t, progress, 3)
	if progress[0].Loss != nil {
		t.Errorf("NaN sollte als fehlender Wert gespeichert werden, bekommen %v", *progress[0].Loss)
	}
	if progress[2].Iteration != 2 || *progress[2].Loss != 0.25 {
		t.Errorf("letzter Eintrag %+v", progress[2])
	}

	checkpoints, err := s.Checkpoints(created.ID)
	require.NoError(t, err)
	if diff := cmp.Diff([]Checkpoint{{Iteration: 2, Path: "/tmp/checkpoints/2.gguf"}}, checkpoints, cmpopts.IgnoreFields(Checkpoint{}, "CreatedAt")); diff != "" {
		t.Errorf("Checkpoints (-want +got):\n%s", diff)
	}

	require.NoError(t, s.EndSession(created.ID, "pipeline: device lost"))
	require.NoError(t, s.EndSession(created.ID, "ignored"))

	got, err = s.Session(created.ID)
	require.NoError(t, err)
	if got.Active() || got.Error != "pipeline: device lost" {
		t.Errorf("beendete Sitzung %+v", got)
	}
}

func TestSessionsOrder(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateSession(Session{Model: "a"})
	require.NoError(t, err)
	second, err := s.CreateSession(Session{Model: "b"})
	require.NoError(t, err)

	sessions, err := s.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	if sessions[0].ID != second.ID || sessions[1].ID != first.ID {
		t.Errorf("Reihenfolge %s, %s", sessions[0].Model, sessions[1].Model)
	}
}

func TestNotFound(t *testing.T) {
	s := newTestStore(t)

	cases := map[string]func() error{
		"session":    func() error { _, err := s.Session("missing"); return err },
		"progress":   func() error { _, err := s.Progress("missing"); return err },
		"record":     func() error { return s.RecordProgress("missing", 1, 1) },
		"end":        func() error { return s.EndSession("missing", "") },
		"delete":     func() error { return s.DeleteSession("missing") },
		"checkpoint": func() error { _, err := s.Checkpoints("missing"); return err },
	}

	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			if err := f(); !errors.Is(err, ErrNotFound) {
				t.Errorf("erwartet ErrNotFound, bekommen %v", err)
			}
		})
	}
}

func TestDeleteCascades(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(Session{Model: "m"})
	require.NoError(t, err)
	require.NoError(t, s.RecordProgress(created.ID, 1, 1))
	require.NoError(t, s.RecordCheckpoint(created.ID, 1, "1.gguf"))
	require.NoError(t, s.DeleteSession(created.ID))

	var n int
	require.NoError(t, s.db.conn.QueryRow("SELECT COUNT(*) FROM progress").Scan(&n))
	if n != 0 {
		t.Errorf("%d verwaiste Fortschritts-Eintraege", n)
	}
	require.NoError(t, s.db.conn.QueryRow("SELECT COUNT(*) FROM checkpoints").Scan(&n))
	if n != 0 {
		t.Errorf("%d verwaiste Checkpoints", n)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "affinities.db")

	s := &Store{DBPath: path}
	created, err := s.CreateSession(Session{Model: "m"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = &Store{DBPath: path}
	defer s.Close()

	got, err := s.Session(created.ID)
	require.NoError(t, err)
	if got.Model != "m" {
		t.Errorf("Model = %q", got.Model)
	}

	version, err := s.db.getSchemaVersion()
	require.NoError(t, err)
	if version != currentSchemaVersion {
		t.Errorf("Schema-Version %d, erwartet %d", version, currentSchemaVersion)
	}
}
