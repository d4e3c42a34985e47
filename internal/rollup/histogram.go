package rollup

import (
	"encoding/json"
	"math"

	"github.com/codahale/hdrhistogram"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

// Histograms track microseconds from 1µs to 10 minutes at two significant
// figures, so any merged percentile is within 1% of the exact value.
const (
	lowestMicros  = 1
	highestMicros = 10 * 60 * 1000 * 1000
	sigFigs       = 2
)

// NewHistogram returns an empty duration histogram.
func NewHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(lowestMicros, highestMicros, sigFigs)
}

// RecordMs records one duration in milliseconds, clamped to the trackable
// range.
func RecordMs(h *hdrhistogram.Histogram, ms float64) {
	us := int64(math.Round(ms * 1000))
	if us < lowestMicros {
		us = lowestMicros
	} else if us > highestMicros {
		us = highestMicros
	}
	// Clamped values are always in range.
	_ = h.RecordValue(us)
}

// QuantileMs returns the q-th percentile (0-100) in milliseconds.
func QuantileMs(h *hdrhistogram.Histogram, q float64) float64 {
	if h.TotalCount() == 0 {
		return 0
	}
	return float64(h.ValueAtQuantile(q)) / 1000
}

// encodedHistogram is the stored form of a histogram. Only non-zero
// buckets are kept as [index, count] pairs; most of the counts array of a
// single rollup bucket is empty.
type encodedHistogram struct {
	Lowest  int64      `json:"lowest"`
	Highest int64      `json:"highest"`
	SigFigs int64      `json:"sig_figs"`
	Len     int        `json:"len"`
	Counts  [][2]int64 `json:"counts"`
}

// EncodeHistogram serializes h for a PerfRollup row.
func EncodeHistogram(h *hdrhistogram.Histogram) (datatypes.JSON, error) {
	snap := h.Export()
	enc := encodedHistogram{
		Lowest:  snap.LowestTrackableValue,
		Highest: snap.HighestTrackableValue,
		SigFigs: snap.SignificantFigures,
		Len:     len(snap.Counts),
		Counts:  [][2]int64{},
	}
	for i, c := range snap.Counts {
		if c != 0 {
			enc.Counts = append(enc.Counts, [2]int64{int64(i), c})
		}
	}
	b, err := json.Marshal(enc)
	if err != nil {
		return nil, errors.Wrap(err, "encoding histogram")
	}
	return datatypes.JSON(b), nil
}

// DecodeHistogram restores a histogram written by EncodeHistogram. An
// empty column decodes to an empty histogram.
func DecodeHistogram(raw datatypes.JSON) (*hdrhistogram.Histogram, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return NewHistogram(), nil
	}
	var enc encodedHistogram
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, errors.Wrap(err, "decoding histogram")
	}
	if enc.Lowest < 1 || enc.Highest < 2*enc.Lowest || enc.SigFigs < 1 || enc.SigFigs > 5 {
		return nil, errors.Errorf("invalid histogram bounds %d..%d/%d", enc.Lowest, enc.Highest, enc.SigFigs)
	}

	want := len(hdrhistogram.New(enc.Lowest, enc.Highest, int(enc.SigFigs)).Export().Counts)
	if enc.Len != want {
		return nil, errors.Errorf("histogram has %d buckets, expected %d", enc.Len, want)
	}
	counts := make([]int64, want)
	for _, pair := range enc.Counts {
		idx := pair[0]
		if idx < 0 || idx >= int64(want) {
			return nil, errors.Errorf("histogram bucket %d out of range", idx)
		}
		counts[idx] = pair[1]
	}
	return hdrhistogram.Import(&hdrhistogram.Snapshot{
		LowestTrackableValue:  enc.Lowest,
		HighestTrackableValue: enc.Highest,
		SignificantFigures:    enc.SigFigs,
		Counts:                counts,
	}), nil
}
