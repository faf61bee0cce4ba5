package dicomio

import (
	"math"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Series is the set of instances sharing one SeriesInstanceUID.
type Series struct {
	UID     string
	Headers []*Header
}

// GroupSeries buckets headers by SeriesInstanceUID. Instances without a UID
// share the empty-UID bucket. The result is ordered by UID.
func GroupSeries(headers []*Header) []*Series {
	byUID := make(map[string]*Series)
	for _, h := range headers {
		s, ok := byUID[h.SeriesUID]
		if !ok {
			s = &Series{UID: h.SeriesUID}
			byUID[h.SeriesUID] = s
		}
		s.Headers = append(s.Headers, h)
	}
	out := make([]*Series, 0, len(byUID))
	for _, s := range byUID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// SelectSeries returns the series with the most instances; ties go to the
// lexicographically smallest UID. It returns nil for no series.
func SelectSeries(series []*Series) *Series {
	var best *Series
	for _, s := range series {
		if best == nil || len(s.Headers) > len(best.Headers) ||
			(len(s.Headers) == len(best.Headers) && s.UID < best.UID) {
			best = s
		}
	}
	return best
}

// Coherent drops instances whose Rows/Columns differ from the most common
// size. It returns the kept headers and the number dropped.
func (s *Series) Coherent() ([]*Header, int) {
	type dims struct{ rows, cols int }
	counts := make(map[dims]int)
	for _, h := range s.Headers {
		counts[dims{h.Rows, h.Columns}]++
	}
	var major dims
	best := -1
	for d, n := range counts {
		if n > best || (n == best && (d.rows*d.cols > major.rows*major.cols)) {
			major, best = d, n
		}
	}
	kept := make([]*Header, 0, len(s.Headers))
	for _, h := range s.Headers {
		if h.Rows == major.rows && h.Columns == major.cols {
			kept = append(kept, h)
		}
	}
	return kept, len(s.Headers) - len(kept)
}

// SortSlices orders instances along the slice axis and removes exact
// duplicates. It returns the ordered headers together with each one's
// position along the axis (nil when no geometric key was available).
func SortSlices(headers []*Header) ([]*Header, []float64) {
	keys, ok := sliceKeys(headers)
	idx := make([]int, len(headers))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ha, hb := headers[idx[a]], headers[idx[b]]
		if ok && keys[idx[a]] != keys[idx[b]] {
			return keys[idx[a]] < keys[idx[b]]
		}
		if ha.InstanceNumber != hb.InstanceNumber {
			return ha.InstanceNumber < hb.InstanceNumber
		}
		return filepath.Base(ha.Path) < filepath.Base(hb.Path)
	})

	sorted := make([]*Header, 0, len(headers))
	var positions []float64
	for n, i := range idx {
		if ok && n > 0 && keys[i] == keys[idx[n-1]] {
			continue
		}
		sorted = append(sorted, headers[i])
		if ok {
			positions = append(positions, keys[i])
		}
	}
	return sorted, positions
}

// sliceKeys returns a scalar position per instance: the projection of
// ImagePositionPatient on the slice normal when every instance has both,
// else SliceLocation when every instance has one.
func sliceKeys(headers []*Header) ([]float64, bool) {
	if len(headers) == 0 {
		return nil, false
	}
	keys := make([]float64, len(headers))

	if normal, ok := headers[0].Normal(); ok {
		geometric := true
		for i, h := range headers {
			p, ok := h.PositionVec()
			if !ok {
				geometric = false
				break
			}
			keys[i] = r3.Dot(p, normal)
		}
		if geometric {
			return keys, true
		}
	}

	for i, h := range headers {
		if !h.HasSliceLocation {
			return nil, false
		}
		keys[i] = h.SliceLocation
	}
	return keys, true
}

// SliceSpacing returns the distance between consecutive slices: the lower
// median of the positive gaps between sorted positions, else
// SpacingBetweenSlices, else SliceThickness, else 1.
func SliceSpacing(first *Header, positions []float64) float64 {
	var gaps []float64
	for i := 1; i < len(positions); i++ {
		if g := math.Abs(positions[i] - positions[i-1]); g > 0 {
			gaps = append(gaps, g)
		}
	}
	if len(gaps) > 0 {
		sort.Float64s(gaps)
		return stat.Quantile(0.5, stat.Empirical, gaps, nil)
	}
	if first != nil {
		if first.SpacingBetweenSlices > 0 {
			return first.SpacingBetweenSlices
		}
		if first.SliceThickness > 0 {
			return first.SliceThickness
		}
	}
	return 1
}
