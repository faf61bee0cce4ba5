// Package resample bounds the size of a volume before surface extraction.
package resample

import (
	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/internal/models"
)

// ErrResourceExhausted is returned when a volume exceeds the sample cap even
// after decimation.
var ErrResourceExhausted = errors.New("volume exceeds the sample budget")

// Factor returns the smallest integer k >= 1 with ceil(maxDim/k) <= budget.
// A budget <= 0 disables decimation.
func Factor(maxDim, budget int) int {
	if budget <= 0 || maxDim <= budget {
		return 1
	}
	// ceil(m/k) <= B holds exactly when k >= m/B
	return ceilDiv(maxDim, budget)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Decimate keeps every k-th sample on all three axes, where k is
// Factor(vol.MaxDimension(), budget), and scales the spacing by k. When k
// is 1 the input itself is returned. The input is never modified; releasing
// it is up to the caller.
func Decimate(vol *models.VolumeDataset, budget int) (*models.VolumeDataset, int, error) {
	if err := vol.Validate(); err != nil {
		return nil, 0, errors.Wrap(err, "invalid volume")
	}
	k := Factor(vol.MaxDimension(), budget)
	if k == 1 {
		return vol, 1, nil
	}

	w, h, d := ceilDiv(vol.Width, k), ceilDiv(vol.Height, k), ceilDiv(vol.Depth, k)
	out := models.NewVolumeDataset(w, h, d)
	out.Spacing = models.Vec3{X: vol.Spacing.X * float64(k), Y: vol.Spacing.Y * float64(k), Z: vol.Spacing.Z * float64(k)}
	out.Origin = vol.Origin
	out.ScalarType = vol.ScalarType
	out.Modality = vol.Modality
	out.SeriesUID = vol.SeriesUID

	i := 0
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			row := vol.Index(0, y*k, z*k)
			for x := 0; x < w; x++ {
				out.Data[i] = vol.Data[row+x*k]
				i++
			}
		}
	}
	return out, k, nil
}

// CheckBudget fails with ErrResourceExhausted when vol holds more than
// maxSamples samples. maxSamples <= 0 disables the check.
func CheckBudget(vol *models.VolumeDataset, maxSamples int) error {
	if maxSamples > 0 && vol.NumSamples() > maxSamples {
		return errors.Wrapf(ErrResourceExhausted, "%s holds %d samples, limit is %d",
			vol.String(), vol.NumSamples(), maxSamples)
	}
	return nil
}
