// Package visualization renders orthogonal slices of a scan volume as
// images, for checking what the converter saw before meshing.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/Jengaup/dicom-converter/internal/models"
	"github.com/Jengaup/dicom-converter/pkg/volume"
)

// Window maps intensities to grey levels: Low and below are black, High and
// above are white.
type Window struct {
	Low, High float64
}

// AutoWindow spans the 1st to 99th percentile of the volume.
func AutoWindow(vol *models.VolumeDataset) Window {
	st := volume.ComputeStats(vol)
	w := Window{Low: st.P1, High: st.P99}
	if !(w.High > w.Low) {
		w = Window{Low: st.Min, High: st.Max}
	}
	return w
}

func (w Window) gray(v float32) uint16 {
	span := w.High - w.Low
	if !(span > 0) {
		if float64(v) >= w.High {
			return 65535
		}
		return 0
	}
	t := (float64(v) - w.Low) / span
	return uint16(math.Round(math.Max(0, math.Min(1, t)) * 65535))
}

// Viewer extracts slices from one volume.
type Viewer struct {
	vol    *models.VolumeDataset
	window Window
}

// NewViewer creates a viewer with an automatic window.
func NewViewer(vol *models.VolumeDataset) *Viewer {
	return &Viewer{vol: vol, window: AutoWindow(vol)}
}

// SetWindow overrides the intensity window.
func (v *Viewer) SetWindow(w Window) { v.window = w }

// ExtractSlice extracts a 2D slice from the volume along the given axis:
// x gives a depth by height image, y width by depth, z width by height.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.vol

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray16(z, y, color.Gray16{Y: v.window.gray(vol.At(position, y, z))})
			}
		}

	case "y", "Y":
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, color.Gray16{Y: v.window.gray(vol.At(x, position, z))})
			}
		}

	case "z", "Z":
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, color.Gray16{Y: v.window.gray(vol.At(x, y, position))})
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion copies a box of the volume into a new dataset with the
// same spacing and a shifted origin.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.VolumeDataset, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	vol := v.vol
	if startX+sizeX > vol.Width || startY+sizeY > vol.Height || startZ+sizeZ > vol.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := models.NewVolumeDataset(sizeX, sizeY, sizeZ)
	region.Spacing = vol.Spacing
	region.Origin = models.Vec3{
		X: vol.Origin.X + float64(startX)*vol.Spacing.X,
		Y: vol.Origin.Y + float64(startY)*vol.Spacing.Y,
		Z: vol.Origin.Z + float64(startZ)*vol.Spacing.Z,
	}
	region.ScalarType = vol.ScalarType
	region.Modality = vol.Modality
	region.SeriesUID = vol.SeriesUID
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := vol.Index(startX, startY+y, startZ+z)
			copy(region.Data[region.Index(0, y, z):region.Index(0, y, z)+sizeX], vol.Data[src:src+sizeX])
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Width
	case "y", "Y":
		maxPos = v.vol.Height
	case "z", "Z":
		maxPos = v.vol.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
