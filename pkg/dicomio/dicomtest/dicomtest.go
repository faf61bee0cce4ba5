// Package dicomtest writes small synthetic DICOM files for tests.
package dicomtest

import (
	"bytes"
	"encoding/binary"
	"os"
	"strconv"

	"github.com/GoogleCloudPlatform/go-dicom-parser/dicom"
	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/pkg/dicomio"
)

// Slice describes one CT instance with 16-bit samples, stored explicit VR
// little endian. Pixels holds Frames*Rows*Columns values. TransferSyntax
// only changes the declared syntax, so compressed ones yield files whose
// pixel data a reader must refuse.
type Slice struct {
	TransferSyntax string
	SeriesUID      string
	InstanceNumber int
	Position       []float64
	Orientation    []float64
	PixelSpacing   [2]float64
	SliceThickness float64
	Rows, Columns  int
	Frames         int
	Signed         bool
	Photometric    string
	Slope          float64
	Intercept      float64
	Pixels         []int32
}

// NewSlice returns an axial slice at z with unit pixel spacing.
func NewSlice(uid string, instance int, z float64, rows, cols int, pixels []int32) Slice {
	return Slice{
		SeriesUID:      uid,
		InstanceNumber: instance,
		Position:       []float64{0, 0, z},
		Orientation:    []float64{1, 0, 0, 0, 1, 0},
		PixelSpacing:   [2]float64{1, 1},
		SliceThickness: 1,
		Rows:           rows,
		Columns:        cols,
		Frames:         1,
		Photometric:    "MONOCHROME2",
		Slope:          1,
		Pixels:         pixels,
	}
}

func ds(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func dsList(values []float64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = ds(v)
	}
	return out
}

// Write encodes s as a DICOM part 10 file at path.
func Write(path string, s Slice) error {
	if s.Frames < 1 {
		s.Frames = 1
	}
	if len(s.Pixels) != s.Frames*s.Rows*s.Columns {
		return errors.Errorf("%d pixels for %d frames of %dx%d", len(s.Pixels), s.Frames, s.Rows, s.Columns)
	}

	var pix bytes.Buffer
	for _, v := range s.Pixels {
		if s.Signed {
			binary.Write(&pix, binary.LittleEndian, int16(v))
		} else {
			binary.Write(&pix, binary.LittleEndian, uint16(v))
		}
	}
	representation := uint16(0)
	if s.Signed {
		representation = 1
	}

	syntax := s.TransferSyntax
	if syntax == "" {
		syntax = dicom.ExplicitVRLittleEndianUID
	}
	elements := map[dicom.DataElementTag]interface{}{
		dicom.TransferSyntaxUIDTag:           []string{syntax},
		dicomio.ModalityTag:                  []string{"CT"},
		dicomio.InstanceNumberTag:            []string{strconv.Itoa(s.InstanceNumber)},
		dicomio.SamplesPerPixelTag:           []uint16{1},
		dicomio.PhotometricInterpretationTag: []string{s.Photometric},
		dicomio.RowsTag:                      []uint16{uint16(s.Rows)},
		dicomio.ColumnsTag:                   []uint16{uint16(s.Columns)},
		dicomio.PixelSpacingTag:              []string{ds(s.PixelSpacing[0]), ds(s.PixelSpacing[1])},
		dicomio.BitsAllocatedTag:             []uint16{16},
		dicomio.BitsStoredTag:                []uint16{16},
		dicomio.PixelRepresentationTag:       []uint16{representation},
		dicomio.RescaleSlopeTag:              []string{ds(s.Slope)},
		dicomio.RescaleInterceptTag:          []string{ds(s.Intercept)},
		dicom.PixelDataTag:                   dicom.NewBulkDataBuffer(pix.Bytes()),
	}
	if s.SeriesUID != "" {
		elements[dicomio.SeriesInstanceUIDTag] = []string{s.SeriesUID}
	}
	if s.Position != nil {
		elements[dicomio.ImagePositionPatientTag] = dsList(s.Position)
	}
	if s.Orientation != nil {
		elements[dicomio.ImageOrientationPatientTag] = dsList(s.Orientation)
	}
	if s.SliceThickness > 0 {
		elements[dicomio.SliceThicknessTag] = []string{ds(s.SliceThickness)}
	}
	if s.Frames > 1 {
		elements[dicomio.NumberOfFramesTag] = []string{strconv.Itoa(s.Frames)}
	}

	set := dicom.NewDataSet(elements)
	set.Elements[dicom.PixelDataTag].VR = dicom.OWVR

	var buf bytes.Buffer
	if err := dicom.Construct(&buf, set); err != nil {
		return errors.Wrap(err, "constructing DICOM")
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Sphere returns depth slices of a rows x cols grid where samples within
// radius of the grid centre hold inside and the rest hold outside.
func Sphere(rows, cols, depth int, radius float64, inside, outside int32) [][]int32 {
	cx, cy, cz := float64(cols-1)/2, float64(rows-1)/2, float64(depth-1)/2
	out := make([][]int32, depth)
	for z := 0; z < depth; z++ {
		px := make([]int32, rows*cols)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				dx, dy, dz := float64(x)-cx, float64(y)-cy, float64(z)-cz
				if dx*dx+dy*dy+dz*dz <= radius*radius {
					px[y*cols+x] = inside
				} else {
					px[y*cols+x] = outside
				}
			}
		}
		out[z] = px
	}
	return out
}
