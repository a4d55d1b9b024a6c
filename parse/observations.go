package parse

import (
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"tidbyt.dev/rtfeed/model"
)

// Writes delay observations as CSV, header first. Columns follow the
// csv tags of model.DelayObservation.
func WriteObservationsCSV(w io.Writer, obs []model.DelayObservation) error {
	if obs == nil {
		obs = []model.DelayObservation{}
	}
	if err := gocsv.Marshal(obs, w); err != nil {
		return errors.Wrapf(err, "writing %d observations", len(obs))
	}
	return nil
}

// Reads observations written by WriteObservationsCSV.
func ReadObservationsCSV(r io.Reader) ([]model.DelayObservation, error) {
	obs := []model.DelayObservation{}
	if err := gocsv.Unmarshal(bom.NewReader(r), &obs); err != nil {
		return nil, errors.Wrap(err, "reading observations")
	}
	return obs, nil
}
