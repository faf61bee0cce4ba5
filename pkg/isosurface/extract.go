package isosurface

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/internal/logging"
	"github.com/Jengaup/dicom-converter/internal/models"
)

var (
	// ErrExtractionFailed is returned when every threshold of a policy failed.
	ErrExtractionFailed = errors.New("surface extraction failed at every threshold")

	// ErrEmptyPolicy is returned for a policy without thresholds.
	ErrEmptyPolicy = errors.New("threshold policy is empty")
)

// FailedError is returned by Extract when no threshold succeeded. It
// matches ErrExtractionFailed and unwraps to the error of the last attempt.
type FailedError struct {
	Tried int
	Last  error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%v (%d thresholds tried): %v", ErrExtractionFailed, e.Tried, e.Last)
}

func (e *FailedError) Is(target error) bool { return target == ErrExtractionFailed }

func (e *FailedError) Unwrap() error { return e.Last }

// ThresholdPolicy is the ordered list of iso values to try.
type ThresholdPolicy []float64

// DefaultPolicy tries the bone-range threshold first and falls back to a
// soft-tissue one.
var DefaultPolicy = ThresholdPolicy{150, 50}

// Attempt records one extraction try.
type Attempt struct {
	Threshold float64
	Faces     int
	Vertices  int
	Err       error
}

// Options tunes Extract.
type Options struct {
	// Workers bounds extraction goroutines; 0 means runtime.NumCPU()
	Workers int
	Logger  *log.Logger
}

// Extract tries each threshold of policy in order and returns the first
// mesh produced without error, together with every attempt made. Only
// errors fall through to the next threshold; an empty mesh is a valid
// result.
func Extract(vol *models.VolumeDataset, policy ThresholdPolicy, opts Options) (*models.Mesh, []Attempt, error) {
	logger := logging.OrDiscard(opts.Logger)
	if len(policy) == 0 {
		return nil, nil, ErrEmptyPolicy
	}
	if err := vol.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid volume")
	}

	attempts := make([]Attempt, 0, len(policy))
	var last error
	for _, threshold := range policy {
		mc := NewMarchingCubes(vol.Data, vol.Width, vol.Height, vol.Depth, threshold)
		mc.SetScale(vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z)
		mc.SetOrigin(vol.Origin.X, vol.Origin.Y, vol.Origin.Z)
		if opts.Workers > 0 {
			mc.SetWorkers(opts.Workers)
		}

		mesh, err := mc.Generate()
		if err != nil {
			attempts = append(attempts, Attempt{Threshold: threshold, Err: err})
			logger.Warn("extraction failed", "threshold", threshold, "err", err)
			last = err
			continue
		}
		attempts = append(attempts, Attempt{Threshold: threshold, Faces: mesh.NumFaces(), Vertices: mesh.NumVertices()})
		logger.Info("extracted surface", "threshold", threshold, "faces", mesh.NumFaces(), "vertices", mesh.NumVertices())
		return mesh, attempts, nil
	}
	return nil, attempts, &FailedError{Tried: len(attempts), Last: last}
}
