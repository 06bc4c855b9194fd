// Modul: store_types.go
// Beschreibung: Datentypen fuer den Store.
// Enthaelt Session, Progress und Checkpoint.

package store

import (
	"time"
)

// Session ist eine gespeicherte Trainings-Sitzung
type Session struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Raw          string     `json:"raw"`
	GT           string     `json:"gt"`
	Mask         string     `json:"mask,omitempty"`
	LSDs         bool       `json:"lsds"`
	Device       string     `json:"device"`
	LearningRate float64    `json:"learning_rate"`
	Iterations   int        `json:"iterations"`
	LastLoss     *float64   `json:"last_loss,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Active meldet, ob die Sitzung noch nicht beendet wurde
func (s Session) Active() bool {
	return s.EndedAt == nil
}

// Progress ist ein Fortschritts-Eintrag
// Loss ist nil fuer NaN
type Progress struct {
	Iteration int       `json:"iteration"`
	Loss      *float64  `json:"loss,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint ist ein geschriebener Checkpoint einer Sitzung
type Checkpoint struct {
	Iteration int       `json:"iteration"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}
