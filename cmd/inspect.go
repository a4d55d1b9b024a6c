package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/rtfeed"
	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/parse"
	"tidbyt.dev/rtfeed/storage"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [feed key...]",
	Short: "Shows what the store holds for a feed, and how fresh it is",
	RunE:  inspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

type inspection struct {
	Meta       rtfeed.CacheMeta `json:"meta"`
	Decoded    rtfeed.CacheMeta `json:"decoded"`
	Entities   int              `json:"entities"`
	IndexSize  int              `json:"indexSize"`
	Cancelled  []string         `json:"cancelledTrips,omitempty"`
	IndexError string           `json:"indexError,omitempty"`
}

func inspect(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = []string{model.FeedKeyTripUpdates, model.FeedKeyServiceAlerts}
	}

	store, err := openStorage(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := rtfeed.NewManager(store, rtfeed.ManagerConfig{StaleThreshold: cfg.StaleThreshold()}, nil, time.Now)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for _, feedKey := range args {
		out := inspection{Meta: manager.CacheMeta(ctx, feedKey)}
		if out.Meta.Reason == rtfeed.ReasonStoreError {
			return fmt.Errorf("%s: %s", feedKey, out.Meta.Error)
		}

		decoded, decodedMeta := manager.ReadTripUpdates(ctx, feedKey)
		out.Decoded = decodedMeta
		if decoded.Feed != nil {
			out.Entities = len(decoded.Feed.GetEntity())
		}

		idx, _, err := manager.DelayIndex(ctx, feedKey)
		if err != nil {
			out.IndexError = err.Error()
		} else {
			out.IndexSize = idx.Size()
			out.Cancelled = idx.CancelledTripIDs()
		}

		if err := enc.Encode(map[string]inspection{feedKey: out}); err != nil {
			return err
		}
	}

	return nil
}

var exportCmd = &cobra.Command{
	Use:   "export-observations",
	Short: "Writes recorded delay observations as CSV",
	Args:  cobra.NoArgs,
	RunE:  exportObservations,
}

var (
	exportTripID string
	exportStopID string
	exportSince  time.Duration
	exportLimit  int
)

func init() {
	exportCmd.Flags().StringVarP(&exportTripID, "trip", "", "", "Only this trip")
	exportCmd.Flags().StringVarP(&exportStopID, "stop", "", "", "Only this stop")
	exportCmd.Flags().DurationVarP(&exportSince, "since", "", 6*time.Hour, "How far back to go")
	exportCmd.Flags().IntVarP(&exportLimit, "limit", "", 0, "Max rows (0 for no limit)")
	rootCmd.AddCommand(exportCmd)
}

func exportObservations(cmd *cobra.Command, args []string) error {
	store, err := openStorage(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	obs, err := store.DelayObservations(context.Background(), storage.ObservationFilter{
		TripID: exportTripID,
		StopID: exportStopID,
		Since:  time.Now().Add(-exportSince),
		Limit:  exportLimit,
	})
	if err != nil {
		return fmt.Errorf("reading observations: %w", err)
	}

	return parse.WriteObservationsCSV(os.Stdout, obs)
}
