// cmd_model.go - Modell laden und speichern
// Hauptfunktionen: LoadHandler, SaveHandler
package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/affinities/affinities/api"
)

// LoadHandler - Laedt ein Modell aus Datei, Ordner oder URL
// Der Trainings-Zustand des Servers wird dabei zurueckgesetzt
func LoadHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	locator := args[0]
	if !strings.HasPrefix(locator, "http://") && !strings.HasPrefix(locator, "https://") {
		// Der Server liest lokale Pfade selbst
		if locator, err = filepath.Abs(locator); err != nil {
			return err
		}
	}

	resp, err := client.LoadModel(cmd.Context(), &api.LoadRequest{Model: locator})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "loaded %s (%s)\n", resp.Name, resp.Architecture)

	table := newTable(w, "AXES", "OFFSETS", "IN CHANNELS", "LSD CHANNELS")
	table.Append([]string{
		strings.Join(resp.SpatialAxes, ","),
		fmt.Sprint(resp.Offsets),
		fmt.Sprint(resp.InChannels),
		fmt.Sprint(resp.LSDChannels),
	})
	table.Render()
	return nil
}

// SaveHandler - Speichert die aktuellen Gewichte als GGUF
func SaveHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	resp, err := client.SaveModel(cmd.Context(), &api.SaveRequest{Path: path})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "saved weights after %d iterations to %s\n", resp.Iteration, resp.Path)
	return nil
}

// newLoadCmd - Erstellt den load Command
func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "load MODEL",
		Short:   "Load a model from a zip archive, directory, rdf.yaml or URL",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    LoadHandler,
	}
}

// newSaveCmd - Erstellt den save Command
func newSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "save PATH",
		Short:   "Save the current weights as GGUF",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    SaveHandler,
	}
}
