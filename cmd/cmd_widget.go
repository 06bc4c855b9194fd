// cmd_widget.go - Bedienelemente des Trainings-Widgets
// Hauptfunktionen: TrainHandler, PauseHandler, SnapshotHandler, PredictHandler,
// StopHandler, StatusHandler, WatchHandler
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/affinities/affinities/api"
	"github.com/affinities/affinities/format"
)

// TrainHandler - Startet eine Sitzung oder setzt sie fort
func TrainHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	req, err := trainRequest(cmd)
	if err != nil {
		return err
	}

	status, err := client.Train(cmd.Context(), req)
	if err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), status)
	return nil
}

func PauseHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	status, err := client.Pause(cmd.Context())
	if err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), status)
	return nil
}

// SnapshotHandler - Fordert einen Snapshot an, startet das Training falls noetig
func SnapshotHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	req, err := trainRequest(cmd)
	if err != nil {
		return err
	}

	status, err := client.Snapshot(cmd.Context(), req)
	if err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), status)
	return nil
}

// PredictHandler - Sagt Affinitaeten fuer einen Layer vorher
func PredictHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	req, err := trainRequest(cmd)
	if err != nil {
		return err
	}

	layer, err := cmd.Flags().GetString("layer")
	if err != nil {
		return err
	}

	status, err := client.Predict(cmd.Context(), &api.PredictRequest{TrainRequest: *req, Layer: layer})
	if err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), status)
	return nil
}

// StopHandler - Beendet die Sitzung
func StopHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	status, err := client.Stop(cmd.Context())
	if err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), status)
	return nil
}

func StatusHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	status, err := client.Status(cmd.Context())
	if err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), status)
	return nil
}

// formatEvent - Eine Zeile pro Event
func formatEvent(e api.EventResponse) string {
	ts := e.Time.Local().Format("15:04:05")
	switch e.Type {
	case api.EventProgress:
		iterations, loss := "None", "nan"
		if e.Iteration != nil {
			iterations = format.Grouped(*e.Iteration)
		}
		if e.Loss != nil {
			loss = format.Loss(*e.Loss)
		}
		return fmt.Sprintf("%s  iteration %s  loss %s", ts, iterations, loss)
	case api.EventLayers:
		return fmt.Sprintf("%s  layers %s", ts, strings.Join(e.Layers, ", "))
	case api.EventError:
		return fmt.Sprintf("%s  error: %s", ts, e.Error)
	case api.EventStopped:
		return fmt.Sprintf("%s  session stopped", ts)
	default:
		return fmt.Sprintf("%s  %s", ts, e.Type)
	}
}

// fitWidth - Kuerzt line auf width Spalten, 0 = unbegrenzt
func fitWidth(line string, width int) string {
	if width <= 0 {
		return line
	}
	return runewidth.Truncate(line, width, "...")
}

// terminalWidth gibt die Breite des Terminals hinter w zurueck, sonst 0
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}

	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// WatchHandler - Zeigt Events bis ctrl+c oder bis der Server den Stream schliesst
func WatchHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := cmd.OutOrStdout()
	width := terminalWidth(w)
	err = client.Events(ctx, func(e api.EventResponse) error {
		_, err := fmt.Fprintln(w, fitWidth(formatEvent(e), width))
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "train",
		Short:   "Start or resume training",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    TrainHandler,
	}
	trainFlags(cmd)
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "pause",
		Short:   "Pause training after the running step",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    PauseHandler,
	}
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Short:   "Show the next training batch with predictions",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    SnapshotHandler,
	}
	trainFlags(cmd)
	return cmd
}

func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "predict",
		Short:   "Predict affinities for a layer",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    PredictHandler,
	}
	trainFlags(cmd)
	cmd.Flags().String("layer", "", "Layer to predict (default: the raw layer of the session)")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop training and reset the session",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    StopHandler,
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show iterations, loss and enabled controls",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    StatusHandler,
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Follow training progress",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    WatchHandler,
	}
}
