package models

import (
	"fmt"
	"math"
)

// ScalarType names the sample type a volume was decoded from.
type ScalarType string

const (
	ScalarUint8   ScalarType = "uint8"
	ScalarInt16   ScalarType = "int16"
	ScalarUint16  ScalarType = "uint16"
	ScalarInt32   ScalarType = "int32"
	ScalarUint32  ScalarType = "uint32"
	ScalarFloat32 ScalarType = "float32"
)

// Vec3 is a per-axis triple in physical units (mm).
type Vec3 struct {
	X, Y, Z float64
}

// VolumeDataset represents a 3D scalar field reconstructed from scan slices
type VolumeDataset struct {
	// Data is the 3D intensity field as a 1D array in row-major order
	// (index = z*Width*Height + y*Width + x)
	Data []float32

	// Width is the number of samples along x
	Width int

	// Height is the number of samples along y
	Height int

	// Depth is the number of samples along z (the slice axis)
	Depth int

	// Spacing is the physical distance between adjacent samples per axis in mm
	Spacing Vec3

	// Origin is the physical position of sample (0,0,0) in mm
	Origin Vec3

	// ScalarType records the precision of the stored intensities at decode time
	ScalarType ScalarType

	// Modality is the acquisition modality (CT, MR, ...) when known
	Modality string

	// SeriesUID identifies the scan series the volume was built from
	SeriesUID string
}

// NewVolumeDataset allocates a zeroed volume with unit spacing.
func NewVolumeDataset(width, height, depth int) *VolumeDataset {
	return &VolumeDataset{
		Data:       make([]float32, width*height*depth),
		Width:      width,
		Height:     height,
		Depth:      depth,
		Spacing:    Vec3{X: 1, Y: 1, Z: 1},
		ScalarType: ScalarFloat32,
	}
}

// Index returns the offset of sample (x, y, z) in Data.
func (v *VolumeDataset) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the sample at (x, y, z).
func (v *VolumeDataset) At(x, y, z int) float32 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a sample at (x, y, z).
func (v *VolumeDataset) Set(x, y, z int, value float32) {
	v.Data[v.Index(x, y, z)] = value
}

// NumSamples is Width*Height*Depth.
func (v *VolumeDataset) NumSamples() int {
	return v.Width * v.Height * v.Depth
}

// MaxDimension returns the largest of the three axis sizes.
func (v *VolumeDataset) MaxDimension() int {
	m := v.Width
	if v.Height > m {
		m = v.Height
	}
	if v.Depth > m {
		m = v.Depth
	}
	return m
}

// Validate checks the buffer length against the dimensions and that every
// spacing component is strictly positive.
func (v *VolumeDataset) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if v.Released() {
		return fmt.Errorf("volume buffer has been released")
	}
	if len(v.Data) != v.NumSamples() {
		return fmt.Errorf("buffer holds %d samples, dimensions %dx%dx%d need %d",
			len(v.Data), v.Width, v.Height, v.Depth, v.NumSamples())
	}
	for _, s := range []float64{v.Spacing.X, v.Spacing.Y, v.Spacing.Z} {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("spacing must be strictly positive, got %+v", v.Spacing)
		}
	}
	return nil
}

// Release drops the sample buffer so it can be collected while the rest of
// the conversion continues. Dimensions and metadata stay readable.
func (v *VolumeDataset) Release() {
	v.Data = nil
}

// Released reports whether Release has been called.
func (v *VolumeDataset) Released() bool {
	return v.Data == nil
}

// String summarises the volume for logs.
func (v *VolumeDataset) String() string {
	return fmt.Sprintf("%dx%dx%d %s spacing=(%.3f, %.3f, %.3f)mm",
		v.Width, v.Height, v.Depth, v.ScalarType, v.Spacing.X, v.Spacing.Y, v.Spacing.Z)
}
