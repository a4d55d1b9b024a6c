package parse

import (
	"errors"
	"fmt"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	proto "google.golang.org/protobuf/proto"
)

var ErrEmptyPayload = errors.New("empty payload")

type Format string

const (
	FormatProtobuf Format = "protobuf"
	FormatJSON     Format = "json"
)

// Result of decoding a feed payload. Exactly one of Feed and Err is
// set.
type Decoded struct {
	Feed   *gtfsproto.FeedMessage
	Format Format
	Err    error
}

func (d Decoded) OK() bool {
	return d.Err == nil && d.Feed != nil
}

// Decodes a GTFS-realtime payload. Binary protobuf is tried first,
// with JSON as fallback for upstreams serving the protojson mapping.
func Decode(payload []byte) Decoded {
	if len(payload) == 0 {
		return Decoded{Err: ErrEmptyPayload}
	}

	f := &gtfsproto.FeedMessage{}
	binErr := proto.Unmarshal(payload, f)
	if binErr == nil {
		if err := validateHeader(f); err != nil {
			return Decoded{Err: err}
		}
		return Decoded{Feed: f, Format: FormatProtobuf}
	}

	f = &gtfsproto.FeedMessage{}
	jsonErr := protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(payload, f)
	if jsonErr == nil {
		if err := validateHeader(f); err != nil {
			return Decoded{Err: err}
		}
		return Decoded{Feed: f, Format: FormatJSON}
	}

	return Decoded{
		Err: fmt.Errorf("unmarshaling feed: protobuf: %v; json: %w", binErr, jsonErr),
	}
}

func validateHeader(f *gtfsproto.FeedMessage) error {
	header := f.GetHeader()
	if header == nil {
		return fmt.Errorf("feed missing header")
	}

	if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
		return fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
	}

	return nil
}
