package bundles

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// Stats summarises a set of values. Std is the population deviation.
type Stats struct {
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
	Min  float64 `json:"min"`
	Std  float64 `json:"std"`
}

// Summarise returns the statistics of values, all zero when empty.
func Summarise(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - s.Mean) * (v - s.Mean)
	}
	s.Std = math.Sqrt(sq / float64(len(values)))
	return s
}

// Bin is one histogram bucket.
type Bin struct {
	Range string `json:"range"`
	Count int    `json:"count"`
}

// Histogram buckets values by width. Buckets are labelled "lo-hi" with two
// decimals and appear in the order their first value was seen.
func Histogram(values []float64, width float64) []Bin {
	idx := make(map[string]int)
	var bins []Bin
	for _, v := range values {
		lo := math.Floor(v/width) * width
		key := fmt.Sprintf("%.2f-%.2f", lo, lo+width)
		i, ok := idx[key]
		if !ok {
			i = len(bins)
			idx[key] = i
			bins = append(bins, Bin{Range: key})
		}
		bins[i].Count++
	}
	return bins
}

// propertyLike returns the first property whose key contains substr,
// in key order.
func propertyLike(f *geojson.Feature, substr string) (any, bool) {
	var best string
	found := false
	for k := range f.Properties {
		if strings.Contains(k, substr) && (!found || k < best) {
			best, found = k, true
		}
	}
	if !found {
		return nil, false
	}
	return f.Properties[best], true
}

// toFloat reads numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func floatLike(f *geojson.Feature, substr string) (float64, bool) {
	v, ok := propertyLike(f, substr)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// filterFeatures keeps the features whose property matching key equals want.
func filterFeatures(fc *geojson.FeatureCollection, key string, want float64) *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	if fc == nil {
		return out
	}
	for _, f := range fc.Features {
		if v, ok := floatLike(f, key); ok && v == want {
			out.Append(f)
		}
	}
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}
	return fmt.Sprint(v)
}
