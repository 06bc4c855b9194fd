// cmd_layers.go - Viewer-Layer und Sitzungs-Historie
// Hauptfunktionen: LayerAddHandler, LayerRemoveHandler, LayersHandler, SessionsHandler
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/affinities/affinities/api"
	"github.com/affinities/affinities/display"
	"github.com/affinities/affinities/format"
)

// LayerAddHandler - Liest ein Bild lokal und fuegt es als Layer hinzu
func LayerAddHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}

	kind := display.KindImage
	if labels, _ := cmd.Flags().GetBool("labels"); labels {
		kind = display.KindLabels
	}

	layer, err := display.LoadLayer(args[0], name, kind)
	if err != nil {
		return err
	}

	resp, err := client.AddLayer(cmd.Context(), &api.LayerRequest{
		Name:  layer.Name,
		Kind:  string(layer.Kind),
		Shape: layer.Data.Shape,
		Data:  layer.Data.Data,
		Axes:  layer.Axes,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "added %s layer %s %v\n", resp.Kind, resp.Name, resp.Shape)
	return nil
}

func LayerRemoveHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	for _, name := range args {
		if err := client.DeleteLayer(cmd.Context(), name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted '%s'\n", name)
	}
	return nil
}

// LayersHandler - Listet alle Layer des Viewers
func LayersHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.Layers(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, l := range resp.Layers {
		voxels := 1
		for _, d := range l.Shape {
			voxels *= d
		}

		data = append(data, []string{
			l.Name,
			l.Kind,
			fmt.Sprint(l.Shape),
			strings.Join(l.Axes, ","),
			format.HumanNumber(uint64(voxels)),
			format.HumanBytes(int64(4 * voxels)),
		})
	}

	w := cmd.OutOrStdout()
	table := newTable(w, "NAME", "KIND", "SHAPE", "AXES", "VOXELS", "SIZE")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\naxis labels: %s\n", strings.Join(resp.AxisLabels, ", "))
	return nil
}

// SessionsHandler - Listet die Trainings-Historie, mit ID den Verlauf einer Sitzung
func SessionsHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return sessionProgress(cmd, client, args[0])
	}

	resp, err := client.Sessions(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, s := range resp.Sessions {
		loss := "nan"
		if s.LastLoss != nil {
			loss = format.Loss(*s.LastLoss)
		}

		state := "running"
		switch {
		case s.Error != "":
			state = "failed"
		case s.EndedAt != nil:
			state = "ended"
		}

		data = append(data, []string{
			s.ID,
			s.Model,
			s.Raw + "/" + s.GT,
			format.Grouped(s.Iterations),
			loss,
			state,
			s.StartedAt.Local().Format(time.DateTime),
		})
	}

	table := newTable(cmd.OutOrStdout(), "ID", "MODEL", "LAYERS", "ITERATIONS", "LOSS", "STATE", "STARTED")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func sessionProgress(cmd *cobra.Command, client *api.Client, id string) error {
	resp, err := client.SessionProgress(cmd.Context(), id)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if resp.Session.Error != "" {
		fmt.Fprintf(w, "error: %s\n\n", resp.Session.Error)
	}

	var data [][]string
	for _, p := range resp.Progress {
		loss := "nan"
		if p.Loss != nil {
			loss = format.Loss(*p.Loss)
		}
		data = append(data, []string{format.Grouped(p.Iteration), loss, p.CreatedAt.Local().Format(time.TimeOnly)})
	}

	table := newTable(w, "ITERATION", "LOSS", "TIME")
	table.AppendBulk(data)
	table.Render()

	if len(resp.Checkpoints) > 0 {
		fmt.Fprintln(w)
		table := newTable(w, "CHECKPOINT", "ITERATION")
		for _, c := range resp.Checkpoints {
			table.Append([]string{c.Path, format.Grouped(c.Iteration)})
		}
		table.Render()
	}

	return nil
}

func newLayerCmd() *cobra.Command {
	layerCmd := &cobra.Command{
		Use:   "layer",
		Short: "Manage viewer layers",
	}

	addCmd := &cobra.Command{
		Use:     "add FILE",
		Short:   "Add an image file as layer",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    LayerAddHandler,
	}
	addCmd.Flags().String("name", "", "Layer name (default: file name without extension)")
	addCmd.Flags().Bool("labels", false, "Read the image as label layer")

	rmCmd := &cobra.Command{
		Use:     "rm NAME [NAME...]",
		Short:   "Remove layers",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    LayerRemoveHandler,
	}

	layerCmd.AddCommand(addCmd, rmCmd)
	return layerCmd
}

func newLayersCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "layers",
		Short:   "List viewer layers",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    LayersHandler,
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "sessions [ID]",
		Short:   "List training sessions or show the progress of one",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    SessionsHandler,
	}
}
