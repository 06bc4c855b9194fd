// Package logutil - Logging-Hilfsfunktionen
//
// Dieses Modul enthaelt:
// - LevelTrace: Zusaetzliches Log-Level unterhalb von DEBUG
// - NewLogger: Erstellt einen slog.Logger mit Text-Handler und Source-Info
// - Trace/TraceContext: Komfortfunktionen fuer TRACE-Logs
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
)

// LevelTrace liegt unterhalb von slog.LevelDebug und wird via AFFINITIES_DEBUG=2 aktiviert
const LevelTrace slog.Level = -8

// NewLogger erstellt einen Logger, der in w schreibt
// Source-Pfade werden auf den Dateinamen gekuerzt
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				switch attr.Value.Any().(slog.Level) {
				case LevelTrace:
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

// Trace loggt eine Nachricht mit LevelTrace
func Trace(msg string, args ...any) {
	TraceContext(context.TODO(), msg, args...)
}

// TraceContext loggt eine Nachricht mit LevelTrace und Context
func TraceContext(ctx context.Context, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, LevelTrace) {
		logger.Log(ctx, LevelTrace, msg, args...)
	}
}
