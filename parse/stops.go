package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"
)

type StopCSV struct {
	ID            string `csv:"stop_id"`
	ParentStation string `csv:"parent_station"`
}

// Reads stop_id -> parent_station from a GTFS stops.txt. Stops
// without a parent are left out. The result feeds extra stop id
// variants into the delay index.
func ParseStopAliases(data io.Reader) (map[string]string, error) {
	aliases := map[string]string{}
	seen := map[string]bool{}

	row := 0
	err := gocsv.UnmarshalToCallbackWithError(bom.NewReader(data), func(s *StopCSV) error {
		row++

		if s.ID == "" {
			return errors.Errorf("empty stop_id (row %d)", row)
		}
		if seen[s.ID] {
			return errors.Errorf("repeated stop_id '%s' (row %d)", s.ID, row)
		}
		seen[s.ID] = true

		if s.ParentStation != "" && s.ParentStation != s.ID {
			aliases[s.ID] = s.ParentStation
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "parsing stops")
	}

	// verify stops referenced by parent_station exist
	for stopID, parentID := range aliases {
		if !seen[parentID] {
			return nil, fmt.Errorf("stop '%s' references unknown parent_station '%s'", stopID, parentID)
		}
	}

	return aliases, nil
}
