package runner

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func next(t *testing.T, w *Worker) Event {
	t.Helper()
	select {
	case e, ok := <-w.Events():
		if !ok {
			t.Fatal("Events geschlossen")
		}
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("kein Event")
	}
	return Event{}
}

func TestWorkerRunsSteps(t *testing.T) {
	s, p := newTestSession(t, testSpec("fake-zero", 0), false)
	w := NewWorker(s)
	w.Start(t.Context())

	e := next(t, w)
	require.NoError(t, e.Err)
	if e.Result.Progress.Iteration != 0 || !math.IsNaN(e.Result.Progress.Loss) {
		t.Errorf("erstes Event %+v, erwartet (0, NaN)", e.Result.Progress)
	}

	for i := 1; i <= 3; i++ {
		e := next(t, w)
		require.NoError(t, e.Err)
		if e.Result.Progress.Iteration != i {
			t.Errorf("Iteration = %d, erwartet %d", e.Result.Progress.Iteration, i)
		}
	}

	require.NoError(t, w.Quit())
	require.NoError(t, w.Quit())

	select {
	case <-w.Done():
	default:
		t.Error("Done nach Quit offen")
	}

	for range w.Events() {
	}

	if opens, closes := p.counts(); opens != 1 || closes != 1 {
		t.Errorf("opens=%d closes=%d, erwartet je 1", opens, closes)
	}
	if err := w.Send(nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("erwartet ErrSessionClosed, bekommen %v", err)
	}
}

func TestWorkerCommandDeliveredOnce(t *testing.T) {
	s, _ := newTestSession(t, testSpec("fake-zero", 0), false)
	w := NewWorker(s)
	defer w.Quit()

	w.Pause()
	w.Start(t.Context())

	e := next(t, w)
	require.Equal(t, 0, e.Result.Progress.Iteration)
	require.True(t, w.Paused())

	require.NoError(t, w.Send(Snapshot))
	if err := w.Send(nil); !errors.Is(err, ErrCommandPending) {
		t.Errorf("erwartet ErrCommandPending, bekommen %v", err)
	}

	// Pausiert wird nichts ausgefuehrt
	select {
	case e := <-w.Events():
		t.Fatalf("Event waehrend Pause: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	w.Resume()

	e = next(t, w)
	require.NoError(t, e.Err)
	if e.Result.Len() <= 2 {
		t.Errorf("Snapshot Len = %d, erwartet > 2", e.Result.Len())
	}

	e = next(t, w)
	require.NoError(t, e.Err)
	if e.Result.Len() != 2 {
		t.Errorf("Len = %d, Befehl wurde mehrfach zugestellt", e.Result.Len())
	}
	if e.Result.Progress.Iteration != 2 {
		t.Errorf("Iteration = %d, erwartet 2", e.Result.Progress.Iteration)
	}
}

func TestWorkerStepErrorKeepsRunning(t *testing.T) {
	s, _ := newTestSession(t, testSpec("fake-zero", 0), false)
	w := NewWorker(s)
	defer w.Quit()

	w.Pause()
	w.Start(t.Context())
	next(t, w)

	require.NoError(t, w.Send("bogus"))
	w.Resume()

	e := next(t, w)
	if !errors.Is(e.Err, ErrUnsupportedCommand) {
		t.Fatalf("erwartet ErrUnsupportedCommand, bekommen %v", e.Err)
	}

	e = next(t, w)
	require.NoError(t, e.Err)
	if e.Result.Progress.Iteration != 1 {
		t.Errorf("Iteration = %d, erwartet 1", e.Result.Progress.Iteration)
	}
}

func TestWorkerStopsOnPipelineError(t *testing.T) {
	s, p := newTestSession(t, testSpec("fake-zero", 0), false)
	failure := errors.New("device lost")
	p.mu.Lock()
	p.nextErr = failure
	p.mu.Unlock()

	w := NewWorker(s)
	w.Start(t.Context())

	next(t, w)
	e := next(t, w)
	if !errors.Is(e.Err, failure) {
		t.Fatalf("erwartet Pipeline-Fehler, bekommen %v", e.Err)
	}

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Worker laeuft nach Fehler weiter")
	}

	require.NoError(t, w.Quit())
	if opens, closes := p.counts(); opens != 1 || closes != 1 {
		t.Errorf("opens=%d closes=%d, erwartet je 1", opens, closes)
	}
}

func TestWorkerQuitWithoutStart(t *testing.T) {
	s, p := newTestSession(t, testSpec("fake-zero", 0), false)
	w := NewWorker(s)

	require.NoError(t, w.Quit())
	w.Start(t.Context())

	if _, ok := <-w.Events(); ok {
		t.Error("Events nach Quit offen")
	}
	if _, closes := p.counts(); closes != 1 {
		t.Errorf("closes = %d, erwartet 1", closes)
	}
}
