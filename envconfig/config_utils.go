// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - StringWithDefault: String-Getter mit Default
// - Uint/Float: Zahlen-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// StringWithDefault gibt eine Funktion zurueck, die einen String mit Default liest
func StringWithDefault(key, defaultValue string) func() string {
	return func() string {
		if s := Var(key); s != "" {
			return s
		}
		return defaultValue
	}
}

// =============================================================================
// Zahlen-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Float gibt eine Funktion zurueck, die einen positiven float64 mit Default-Wert liest
func Float(key string, defaultValue float64) func() float64 {
	return func() float64 {
		if s := Var(key); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err != nil || f <= 0 {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return f
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"AFFINITIES_DEBUG":         {"AFFINITIES_DEBUG", LogLevel(), "Show additional debug information (e.g. AFFINITIES_DEBUG=1)"},
		"AFFINITIES_HOST":          {"AFFINITIES_HOST", Host(), "IP Address for the affinities server (default 127.0.0.1:11435)"},
		"AFFINITIES_ORIGINS":       {"AFFINITIES_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"AFFINITIES_MODELS":        {"AFFINITIES_MODELS", Models(), "The path to the extracted/downloaded models directory"},
		"AFFINITIES_CHECKPOINTS":   {"AFFINITIES_CHECKPOINTS", Checkpoints(), "Directory for checkpoints written before inference (default \"checkpoints\")"},
		"AFFINITIES_DB":            {"AFFINITIES_DB", DBPath(), "Path of the session history database"},
		"AFFINITIES_LOAD_TIMEOUT":  {"AFFINITIES_LOAD_TIMEOUT", LoadTimeout(), "How long to allow remote model loads to stall before giving up (default \"5m\")"},
		"AFFINITIES_DEVICE":        {"AFFINITIES_DEVICE", Device(), "Compute device for training sessions (default \"cpu\")"},
		"AFFINITIES_LEARNING_RATE": {"AFFINITIES_LEARNING_RATE", LearningRate(), "Adam learning rate (default 0.001)"},
		"AFFINITIES_BATCH_SIZE":    {"AFFINITIES_BATCH_SIZE", BatchSize(), "Samples per training batch (default 1)"},
		"AFFINITIES_PATCH_SIZE":    {"AFFINITIES_PATCH_SIZE", PatchSize(), "Crop edge length per spatial axis (default 64)"},
		"AFFINITIES_PREFETCH":      {"AFFINITIES_PREFETCH", Prefetch(), "Number of batches prepared ahead of training (default 2)"},
		"AFFINITIES_LSD_RADIUS":    {"AFFINITIES_LSD_RADIUS", LSDRadius(), "Window radius for local shape descriptors (default 4)"},
		"AFFINITIES_F16_WEIGHTS":   {"AFFINITIES_F16_WEIGHTS", F16Weights(), "Write saved weights and checkpoints as F16 instead of F32"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
