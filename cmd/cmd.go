// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/affinities/affinities/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "affinities",
		Short:         "Interactive affinity training for image segmentation",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	// Commands erstellen
	serveCmd := newServeCmd()
	loadCmd := newLoadCmd()
	saveCmd := newSaveCmd()
	layerCmd := newLayerCmd()
	layersCmd := newLayersCmd()
	trainCmd := newTrainCmd()
	pauseCmd := newPauseCmd()
	snapshotCmd := newSnapshotCmd()
	predictCmd := newPredictCmd()
	stopCmd := newStopCmd()
	statusCmd := newStatusCmd()
	watchCmd := newWatchCmd()
	sessionsCmd := newSessionsCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["AFFINITIES_HOST"]}

	for _, cmd := range []*cobra.Command{
		serveCmd,
		loadCmd,
		saveCmd,
		layerCmd,
		layersCmd,
		trainCmd,
		pauseCmd,
		snapshotCmd,
		predictCmd,
		stopCmd,
		statusCmd,
		watchCmd,
		sessionsCmd,
	} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["AFFINITIES_DEBUG"],
				envVars["AFFINITIES_HOST"],
				envVars["AFFINITIES_ORIGINS"],
				envVars["AFFINITIES_MODELS"],
				envVars["AFFINITIES_CHECKPOINTS"],
				envVars["AFFINITIES_DB"],
				envVars["AFFINITIES_LOAD_TIMEOUT"],
				envVars["AFFINITIES_DEVICE"],
				envVars["AFFINITIES_LEARNING_RATE"],
				envVars["AFFINITIES_BATCH_SIZE"],
				envVars["AFFINITIES_PATCH_SIZE"],
				envVars["AFFINITIES_PREFETCH"],
				envVars["AFFINITIES_LSD_RADIUS"],
				envVars["AFFINITIES_F16_WEIGHTS"],
			})
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		loadCmd,
		saveCmd,
		layerCmd,
		layersCmd,
		trainCmd,
		pauseCmd,
		snapshotCmd,
		predictCmd,
		stopCmd,
		statusCmd,
		watchCmd,
		sessionsCmd,
	)

	return rootCmd
}
