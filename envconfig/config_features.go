// config_features.go - Trainings- und Pipeline-Einstellungen
//
// Dieses Modul enthaelt:
// - Device, Optimizer und Gewichts-Format
// - Pipeline-Einstellungen (Batch, Patch, Prefetch, LSD-Radius)
package envconfig

// =============================================================================
// Device und Optimizer
// =============================================================================

var (
	// Device ist das Compute-Device fuer Trainings-Sessions
	// Wird einmal beim Session-Start fixiert
	Device = StringWithDefault("AFFINITIES_DEVICE", "cpu")

	// LearningRate ist die Lernrate fuer den Adam-Optimizer
	LearningRate = Float("AFFINITIES_LEARNING_RATE", 1e-3)

	// F16Weights schreibt gespeicherte Gewichte und Checkpoints als F16
	F16Weights = Bool("AFFINITIES_F16_WEIGHTS")
)

// =============================================================================
// Pipeline-Einstellungen
// =============================================================================

var (
	// BatchSize setzt die Anzahl Samples pro Trainings-Batch
	BatchSize = Uint("AFFINITIES_BATCH_SIZE", 1)

	// PatchSize setzt die Kantenlaenge der zufaelligen Crops pro Raumachse
	PatchSize = Uint("AFFINITIES_PATCH_SIZE", 64)

	// Prefetch setzt die Anzahl vorberechneter Batches
	Prefetch = Uint("AFFINITIES_PREFETCH", 2)

	// LSDRadius setzt den Fensterradius fuer Local Shape Descriptors
	LSDRadius = Uint("AFFINITIES_LSD_RADIUS", 4)
)
