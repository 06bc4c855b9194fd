// worker.go - Hintergrund-Loop einer Sitzung
//
// Enthaelt:
// - Event: Ergebnis oder Fehler eines Schritts
// - Worker: Fuehrt Schritte auf einer Goroutine aus, pausier- und beendbar
// - Send: Uebergibt einen Befehl fuer die naechste Fortsetzung

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/affinities/affinities/logutil"
)

// Event ist ein Ergebnis des Workers
// Err ist gesetzt, wenn ein Schritt abgebrochen wurde
type Event struct {
	Result Result
	Err    error
}

// Worker fuehrt eine Sitzung auf einer eigenen Goroutine aus
// Zwischen zwei Schritten wird genau ein ausstehender Befehl abgeholt,
// ohne Befehl wird ein Trainings-Schritt ausgefuehrt
type Worker struct {
	session *Session

	cmds   chan any
	events chan Event

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	started  bool
	quitting bool

	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

func NewWorker(session *Session) *Worker {
	w := &Worker{
		session: session,
		cmds:    make(chan any, 1),
		events:  make(chan Event, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  func() {},
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *Worker) Session() *Session {
	return w.session
}

// Start startet den Loop, weitere Aufrufe haben keine Wirkung
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.quitting {
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Events liefert die Ergebnisse, der Kanal wird nach dem Ende geschlossen
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Done wird geschlossen, wenn der Loop beendet ist
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Send hinterlegt cmd fuer die naechste Fortsetzung
func (w *Worker) Send(cmd any) error {
	w.mu.Lock()
	quitting := w.quitting
	w.mu.Unlock()

	if quitting {
		return ErrSessionClosed
	}

	select {
	case <-w.done:
		return ErrSessionClosed
	default:
	}

	select {
	case w.cmds <- cmd:
		logutil.Trace("command queued", "command", fmt.Sprintf("%T", cmd))
		return nil
	default:
		return ErrCommandPending
	}
}

// Pause haelt den Loop nach dem laufenden Schritt an
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	slog.Debug("worker paused")
}

// Resume setzt den Loop fort
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.cond.Broadcast()
	w.mu.Unlock()
	slog.Debug("worker resumed")
}

func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Quit beendet den Loop und schliesst die Sitzung
// Ein laufender Schritt wird ueber seinen Kontext abgebrochen
func (w *Worker) Quit() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		w.quitting = true
		started := w.started
		w.cond.Broadcast()
		w.mu.Unlock()

		close(w.quit)
		w.cancel()
		if started {
			<-w.done
		} else {
			close(w.events)
			close(w.done)
		}

		err = w.session.Close()
		slog.Info("worker stopped", "iteration", w.session.Iteration())
	})
	return err
}

// wait blockiert solange der Worker pausiert ist
// false bedeutet, dass der Worker beendet wird
func (w *Worker) wait() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.paused && !w.quitting {
		w.cond.Wait()
	}
	return !w.quitting
}

func (w *Worker) emit(e Event) bool {
	select {
	case w.events <- e:
		return true
	case <-w.quit:
		return false
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	if !w.emit(Event{Result: w.session.Initial()}) {
		return
	}

	for w.wait() {
		var cmd any
		select {
		case cmd = <-w.cmds:
		default:
		}

		r, err := w.session.Step(ctx, cmd)
		if !w.emit(Event{Result: r, Err: err}) {
			return
		}

		if err != nil && w.session.Closed() {
			slog.Warn("worker stopped after error", "error", err)
			return
		}
	}
}
