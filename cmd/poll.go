package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"tidbyt.dev/rtfeed"
	"tidbyt.dev/rtfeed/downloader"
	"tidbyt.dev/rtfeed/heartbeat"
	"tidbyt.dev/rtfeed/metrics"
	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/storage"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Polls the configured feeds into the store until interrupted",
	Args:  cobra.NoArgs,
	RunE:  poll,
}

var (
	feedFile string
	maxSize  int
)

func init() {
	pollCmd.Flags().StringVarP(&feedFile, "feed-file", "", "", "Read trip updates from a local file instead of the upstream")
	pollCmd.Flags().IntVarP(&maxSize, "max-size", "", 64<<20, "Largest payload accepted, in bytes")
	rootCmd.AddCommand(pollCmd)
}

type feedSpec struct {
	key string
	url string
}

func poll(cmd *cobra.Command, args []string) error {
	if feedFile == "" {
		if err := cfg.ValidateForPoll(); err != nil {
			return err
		}
	}

	extraHeaders, err := parseHeaders(headers)
	if err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	holder := holderID()
	opts := []storage.Option{storage.WithHolderID(holder)}

	// Without redis, the store's own lock coordinates writers
	if cfg.RedisAddr != "" {
		locker, err := storage.DialRedisLocker(ctx, cfg.RedisAddr, storage.WithHolderID(holder))
		if err != nil {
			return err
		}
		defer locker.Close()
		opts = append(opts, storage.WithLocker(locker))
	}

	store, err := openStorage(cfg.DatabaseURL, opts...)
	if err != nil {
		return err
	}
	defer store.Close()

	sinks := heartbeat.Fanout{heartbeat.NewLogSink(log.Logger)}
	if cfg.NATSURL != "" {
		natsSink, err := heartbeat.DialNATSSink(cfg.NATSURL, cfg.NATSSubject, log.Logger)
		if err != nil {
			return err
		}
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
	}

	collector := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		srv := collector.Serve(cfg.MetricsAddr)
		defer srv.Close()
	}

	feeds := []feedSpec{}
	if feedFile != "" {
		feeds = append(feeds, feedSpec{key: model.FeedKeyTripUpdates, url: "file://" + feedFile})
	} else {
		if cfg.TripUpdatesURL != "" {
			feeds = append(feeds, feedSpec{key: model.FeedKeyTripUpdates, url: cfg.TripUpdatesURL})
		}
		if cfg.ServiceAlertsURL != "" {
			feeds = append(feeds, feedSpec{key: model.FeedKeyServiceAlerts, url: cfg.ServiceAlertsURL})
		}
	}

	var wg conc.WaitGroup
	for _, feed := range feeds {
		var fetcher downloader.Fetcher = downloader.NewHTTPFetcher()
		if feedFile != "" {
			fetcher = downloader.NewFileFetcher(feedFile)
		}

		poller := rtfeed.NewPoller(
			rtfeed.PollerConfig{
				FeedKey:          feed.key,
				URL:              feed.url,
				Token:            cfg.APIToken,
				Headers:          extraHeaders,
				Interval:         cfg.PollInterval(),
				FetchTimeout:     cfg.FetchTimeout(),
				MaxSize:          maxSize,
				MinWriteInterval: cfg.MinWriteInterval(),
				WriteMode:        storage.ParseWriteMode(cfg.WriteMode),
				Retention:        cfg.Retention(),
				Backoff: rtfeed.BackoffPolicy{
					Base:             ms(cfg.Backoff.BaseMs),
					Max:              ms(cfg.Backoff.MaxMs),
					RateLimitBase:    ms(cfg.Backoff.RateLimitBaseMs),
					RateLimitMax:     ms(cfg.Backoff.RateLimitMaxMs),
					NonTransientBase: ms(cfg.Backoff.NonTransientBaseMs),
					NonTransientMax:  ms(cfg.Backoff.NonTransientMaxMs),
				},
				LockSkipWarnStreak: cfg.LockSkipWarnStreak,
				LockSkipWarnAge:    cfg.LockSkipWarnAge(),
				HolderID:           holder,
			},
			store,
			fetcher,
			rtfeed.WithHeartbeat(sinks),
			rtfeed.WithPollerMetrics(collector),
		)

		wg.Go(func() {
			rtfeed.Supervise(ctx, "poller:"+poller.FeedKey(), poller.Run, rtfeed.SupervisorConfig{
				BaseDelay: ms(cfg.Backoff.SupervisorBaseMs),
				MaxDelay:  ms(cfg.Backoff.SupervisorMaxMs),
				Metrics:   collector,
			})
		})

		log.Info().Str("feed", feed.key).Str("holder", holder).Msg("polling")
	}

	wg.Wait()
	log.Info().Msg("stopped")

	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
