// cmd_utils.go - Hilfsfunktionen fuer Commands
// Hauptfunktionen: checkServerHeartbeat, newTable, trainFlags, trainRequest
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/affinities/affinities/api"
)

// checkServerHeartbeat - Prueft ob der Server erreichbar ist
func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}
	if err := client.Heartbeat(cmd.Context()); err != nil {
		if strings.Contains(err.Error(), " refused") || strings.Contains(err.Error(), "could not connect") {
			return fmt.Errorf("affinities server not responding, start it with 'affinities serve' - %w", err)
		}
		return err
	}
	return nil
}

// newTable - Tabelle im Stil von 'affinities layers'
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// trainFlags - Registriert die Sitzungs-Flags von train, snapshot und predict
func trainFlags(cmd *cobra.Command) {
	cmd.Flags().String("raw", "", "Raw image layer")
	cmd.Flags().String("gt", "", "Ground truth labels layer")
	cmd.Flags().String("mask", "", "Optional mask layer")
	cmd.Flags().Bool("lsds", false, "Train local shape descriptors as auxiliary task")
	cmd.Flags().Float64("lr", 0, "Learning rate (default AFFINITIES_LEARNING_RATE)")
	cmd.Flags().String("device", "", "Compute device (default AFFINITIES_DEVICE)")
}

// trainRequest - Liest die Sitzungs-Flags
// Die Layer werden nur beim Start einer neuen Sitzung ausgewertet
func trainRequest(cmd *cobra.Command) (*api.TrainRequest, error) {
	var req api.TrainRequest
	var err error

	if req.Raw, err = cmd.Flags().GetString("raw"); err != nil {
		return nil, err
	}
	if req.GT, err = cmd.Flags().GetString("gt"); err != nil {
		return nil, err
	}
	if req.Mask, err = cmd.Flags().GetString("mask"); err != nil {
		return nil, err
	}
	if req.LSDs, err = cmd.Flags().GetBool("lsds"); err != nil {
		return nil, err
	}
	if req.LearningRate, err = cmd.Flags().GetFloat64("lr"); err != nil {
		return nil, err
	}
	if req.Device, err = cmd.Flags().GetString("device"); err != nil {
		return nil, err
	}

	return &req, nil
}

// printStatus - Gibt Labels und aktive Bedienelemente aus
func printStatus(w io.Writer, status *api.StatusResponse) {
	var controls []string
	for _, c := range []struct {
		name    string
		enabled bool
	}{
		{"train", status.Controls.Train},
		{"pause", status.Controls.Pause},
		{"snapshot", status.Controls.Snapshot},
		{"predict", status.Controls.Predict},
		{"save", status.Controls.Save},
	} {
		if c.enabled {
			controls = append(controls, c.name)
		}
	}

	model := status.Model
	if model == "" {
		model = "-"
	}

	table := newTable(w, "MODEL", "STATE", "ITERATIONS", "LOSS", "CONTROLS")
	table.Append([]string{model, status.State, status.Iterations, status.Loss, strings.Join(controls, ",")})
	table.Render()

	if status.Error != "" {
		fmt.Fprintf(w, "\nlast error: %s\n", status.Error)
	}
}
