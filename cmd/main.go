package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tidbyt.dev/rtfeed/config"
	"tidbyt.dev/rtfeed/storage"
)

var rootCmd = &cobra.Command{
	Use:               "rtfeed",
	Short:             "GTFS-realtime ingestion and serving",
	Long:              "Polls GTFS-realtime feeds into a shared store and serves what's in it",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	envFiles []string
	headers  []string

	cfg *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "", []string{}, ".env file(s) to load")
	rootCmd.PersistentFlags().StringSliceVarP(
		&headers,
		"header",
		"",
		[]string{},
		"HTTP header sent to the upstream, on form <key>:<value>",
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var err error
	cfg, err = config.Load(envFiles...)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

// Identifies this process in lock leases and heartbeats.
func holderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "rtfeed"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Opens the store named by RT_DATABASE_URL. Supported forms are
// postgres://..., sqlite://<directory> and memory://.
func openStorage(databaseURL string, opts ...storage.Option) (storage.Storage, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		s, err := storage.NewPSQLStorage(databaseURL, false, opts...)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return s, nil

	case strings.HasPrefix(databaseURL, "sqlite://"):
		dir := strings.TrimPrefix(databaseURL, "sqlite://")
		sqliteCfg := []storage.SQLiteConfig{{OnDisk: true, Directory: dir}}
		if dir == "" || dir == ":memory:" {
			sqliteCfg = nil
		} else if strings.HasSuffix(dir, ".db") {
			// A path to the database file names its directory
			sqliteCfg[0].Directory = "."
			if i := strings.LastIndexByte(dir, '/'); i >= 0 {
				sqliteCfg[0].Directory = dir[:i]
			}
		}
		s, err := storage.NewSQLiteStorageWithOptions(sqliteCfg, opts)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return s, nil

	case databaseURL == "memory://":
		return storage.NewMemoryStorage(opts...), nil
	}

	return nil, fmt.Errorf("unsupported database url: %s", databaseURL)
}
