package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"tidbyt.dev/rtfeed"
	"tidbyt.dev/rtfeed/delayindex"
	"tidbyt.dev/rtfeed/metrics"
	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/parse"
	"tidbyt.dev/rtfeed/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves metrics, health and scoped retrieval from the store",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var listenAddr string

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "", ":8080", "Address to listen on")
	rootCmd.AddCommand(serveCmd)
}

func loadStopAliases(path string) (delayindex.Resolver, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening stop aliases: %w", err)
	}
	defer f.Close()

	aliases, err := parse.ParseStopAliases(f)
	if err != nil {
		return nil, err
	}
	log.Info().Int("aliases", len(aliases)).Str("path", path).Msg("loaded stop aliases")
	return delayindex.StopAliases(aliases), nil
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(cfg.DatabaseURL, storage.WithHolderID(holderID()))
	if err != nil {
		return err
	}
	defer store.Close()

	resolver, err := loadStopAliases(cfg.StopAliasesFile)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()

	recorder := delayindex.NewObservationRecorder(store, 0)
	defer recorder.Close()
	collector.CounterFunc("rtfeed_observations_dropped_total", "Delay observations dropped on a full buffer.", func() float64 {
		return float64(recorder.Dropped())
	})
	collector.CounterFunc("rtfeed_observations_written_total", "Delay observations written.", func() float64 {
		return float64(recorder.Written())
	})

	manager := rtfeed.NewManager(
		store,
		rtfeed.ManagerConfig{
			StaleThreshold: cfg.StaleThreshold(),
			Cache: rtfeed.FeedCacheConfig{
				TTL:     cfg.CacheTTL(),
				Metrics: collector,
			},
			Index: rtfeed.MergedIndexConfig{
				TTL:            cfg.IndexTTL(),
				MaxAge:         cfg.MergeMaxAge(),
				DepartureGrace: cfg.MergeGrace(),
				Metrics:        collector,
			},
			Scoped: rtfeed.ScopedConfig{
				FeedKey:        model.FeedKeyTripUpdates,
				MaxProcess:     cfg.GuardMaxProcess(),
				MaxScanned:     cfg.GuardMaxScanned,
				MaxMatched:     cfg.GuardMaxMatched,
				MaxStopUpdates: cfg.GuardMaxStopUpdates,
				Source:         rtfeed.ScopedSource(cfg.ScopedSource),
				TableFallback:  cfg.ScopedTableFallback,
				Resolver:       resolver,
				Metrics:        collector,
			},
		},
		delayindex.NewBuilder(resolver, recorder),
		time.Now,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		feedKey := r.URL.Query().Get("feed")
		if feedKey == "" {
			feedKey = model.FeedKeyTripUpdates
		}
		meta := manager.CacheMeta(r.Context(), feedKey)
		collector.SetContentAge(feedKey, time.Duration(meta.ContentAgeMs)*time.Millisecond)

		status := http.StatusOK
		if meta.Reason != rtfeed.ReasonApplied {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, meta)
	})
	mux.HandleFunc("/v1/scoped", func(w http.ResponseWriter, r *http.Request) {
		req, err := parseScopedRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result := manager.LoadScoped(r.Context(), req)

		entities := make([]json.RawMessage, 0, len(result.Entities))
		for _, e := range result.Entities {
			data, err := protojson.Marshal(e)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			entities = append(entities, data)
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"meta":     result.Meta,
			"entities": entities,
		})
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", listenAddr).Msg("serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func splitList(values []string) []string {
	out := []string{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseUnix(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}

// ?trip_id=a,b&stop_id=c&window_start=<unix>&window_end=<unix>&feed=<key>
func parseScopedRequest(r *http.Request) (rtfeed.ScopedRequest, error) {
	q := r.URL.Query()

	req := rtfeed.ScopedRequest{
		FeedKey: q.Get("feed"),
		TripIDs: splitList(q["trip_id"]),
		StopIDs: splitList(q["stop_id"]),
	}

	var err error
	if req.WindowStart, err = parseUnix(q.Get("window_start")); err != nil {
		return req, fmt.Errorf("invalid window_start: %w", err)
	}
	if req.WindowEnd, err = parseUnix(q.Get("window_end")); err != nil {
		return req, fmt.Errorf("invalid window_end: %w", err)
	}

	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("writing response")
	}
}
