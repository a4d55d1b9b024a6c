package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Emitted by a poller after every cycle that touched the upstream.
type Heartbeat struct {
	FeedKey    string    `json:"feedKey"`
	HolderID   string    `json:"holderId,omitempty"`
	Status     Status    `json:"status"`
	Outcome    string    `json:"outcome"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	Error      string    `json:"error,omitempty"`
	Entities   int       `json:"entities,omitempty"`
	At         time.Time `json:"at"`
}

// Receives heartbeats. Emit must not block for long, and errors are
// reported but never fatal to the caller.
type Sink interface {
	Emit(ctx context.Context, hb Heartbeat) error
}

// Discards everything.
type Nop struct{}

func (Nop) Emit(context.Context, Heartbeat) error { return nil }

// Writes heartbeats as structured log lines.
type LogSink struct {
	Logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(_ context.Context, hb Heartbeat) error {
	ev := s.Logger.Debug()
	if hb.Status == StatusError {
		ev = s.Logger.Warn()
	}
	if hb.Error != "" {
		ev = ev.Str("error", hb.Error)
	}
	ev.
		Str("feed", hb.FeedKey).
		Str("outcome", hb.Outcome).
		Int("status", hb.HTTPStatus).
		Int("entities", hb.Entities).
		Time("at", hb.At).
		Msg("heartbeat")
	return nil
}

// Publishes heartbeats as JSON on <subject>.<feed key>.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	return &NATSSink{nc: nc, subject: subject}
}

// Connects to NATS. The connection is closed with the sink.
func DialNATSSink(url string, subject string, logger zerolog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("rtfeed"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSSink{nc: nc, subject: subject, owned: true}, nil
}

func (s *NATSSink) Emit(_ context.Context, hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", s.subject, subjectToken(hb.FeedKey))
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing heartbeat: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() {
	if s.owned && s.nc != nil {
		s.nc.Drain()
		s.nc.Close()
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

// Sends to every sink, joining their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, hb Heartbeat) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, hb); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
