package volume

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Jengaup/dicom-converter/internal/models"
)

// maxStatSamples bounds the samples copied for statistics on large volumes.
const maxStatSamples = 1 << 20

// Stats summarises the intensity distribution of a volume. It is logged
// after assembly and helps pick iso thresholds for a new scanner.
type Stats struct {
	Min, Max float64
	Mean     float64
	StdDev   float64
	// P1 and P99 are the 1st and 99th percentiles
	P1, P99 float64
	// Entropy is the Shannon entropy in bits of a 256-bin histogram
	Entropy float64
	// Sampled is the number of voxels the statistics were computed over
	Sampled int
}

// ComputeStats evaluates Stats over at most maxStatSamples evenly strided
// voxels. Non-finite samples are skipped.
func ComputeStats(vol *models.VolumeDataset) Stats {
	if vol == nil || len(vol.Data) == 0 {
		return Stats{}
	}
	stride := 1
	if n := len(vol.Data); n > maxStatSamples {
		stride = (n + maxStatSamples - 1) / maxStatSamples
	}
	data := make([]float64, 0, len(vol.Data)/stride+1)
	for i := 0; i < len(vol.Data); i += stride {
		v := float64(vol.Data[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		data = append(data, v)
	}
	if len(data) == 0 {
		return Stats{}
	}

	s := Stats{Sampled: len(data)}
	s.Min, s.Max = floats.Min(data), floats.Max(data)
	s.Mean, s.StdDev = stat.MeanStdDev(data, nil)
	s.Entropy = entropy(data, s.Min, s.Max)

	sort.Float64s(data)
	s.P1 = stat.Quantile(0.01, stat.Empirical, data, nil)
	s.P99 = stat.Quantile(0.99, stat.Empirical, data, nil)
	return s
}

// entropy computes the Shannon entropy of data
func entropy(data []float64, min, max float64) float64 {
	n := len(data)
	if n == 0 || max <= min {
		return 0
	}

	const numBins = 256
	hist := make([]float64, numBins)
	binWidth := (max - min) / float64(numBins)

	for _, v := range data {
		binIdx := int((v - min) / binWidth)
		if binIdx >= numBins {
			binIdx = numBins - 1
		} else if binIdx < 0 {
			binIdx = 0
		}
		hist[binIdx]++
	}

	e := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / float64(n)
			e -= p * math.Log2(p)
		}
	}
	return e
}
