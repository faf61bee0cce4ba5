// Package dicomio reads the subset of DICOM needed to rebuild a scalar volume:
// slice geometry, series identity and pixel samples.
package dicomio

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/go-dicom-parser/dicom"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrNotDICOM is returned for files without the DICM preamble.
	ErrNotDICOM = errors.New("not a DICOM part 10 file")

	// ErrNoPixelData is returned when a file carries no image.
	ErrNoPixelData = errors.New("no pixel data")

	// ErrUnsupportedTransferSyntax is returned for compressed encodings
	// that cannot be decoded.
	ErrUnsupportedTransferSyntax = errors.New("unsupported transfer syntax")
)

// Header holds the attributes of one DICOM instance that drive series
// grouping, slice ordering and pixel decoding.
type Header struct {
	Path           string
	TransferSyntax string
	SeriesUID      string
	Modality       string

	InstanceNumber    int
	HasInstanceNumber bool

	// Position is ImagePositionPatient, nil when absent
	Position []float64
	// Orientation is ImageOrientationPatient (row then column cosines), nil when absent
	Orientation []float64

	SliceLocation    float64
	HasSliceLocation bool

	// PixelSpacing is (row spacing, column spacing) in mm
	PixelSpacing         [2]float64
	HasPixelSpacing      bool
	SliceThickness       float64
	SpacingBetweenSlices float64

	Rows, Columns       int
	Frames              int
	SamplesPerPixel     int
	PlanarConfiguration int
	BitsAllocated       int
	BitsStored          int
	PixelRepresentation int
	Photometric         string

	RescaleSlope     float64
	RescaleIntercept float64
}

// Normal returns the slice normal (row cosines x column cosines), or false
// when the orientation is missing or degenerate.
func (h *Header) Normal() (r3.Vec, bool) {
	if len(h.Orientation) != 6 {
		return r3.Vec{}, false
	}
	row := r3.Vec{X: h.Orientation[0], Y: h.Orientation[1], Z: h.Orientation[2]}
	col := r3.Vec{X: h.Orientation[3], Y: h.Orientation[4], Z: h.Orientation[5]}
	n := r3.Cross(row, col)
	if r3.Norm(n) == 0 {
		return r3.Vec{}, false
	}
	return r3.Unit(n), true
}

// PositionVec returns ImagePositionPatient as a vector.
func (h *Header) PositionVec() (r3.Vec, bool) {
	if len(h.Position) != 3 {
		return r3.Vec{}, false
	}
	return r3.Vec{X: h.Position[0], Y: h.Position[1], Z: h.Position[2]}, true
}

// Signed reports two's complement samples.
func (h *Header) Signed() bool {
	return h.PixelRepresentation == 1
}

// IsDICOM reports whether the file at path starts with the 128-byte
// preamble followed by "DICM".
func IsDICOM(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 132)
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}
	return bytes.Equal(buf[128:], []byte("DICM"))
}

// dropPixelData keeps the header pass from buffering image bytes.
var dropPixelData = dicom.WithTransform(func(e *dicom.DataElement) (*dicom.DataElement, error) {
	if e.Tag == dicom.PixelDataTag {
		return nil, nil
	}
	return e, nil
})

// ReadHeader parses everything but the pixel data of a DICOM file.
func ReadHeader(path string) (*Header, error) {
	if !IsDICOM(path) {
		return nil, errors.Wrap(ErrNotDICOM, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds, err := dicom.Parse(f, dropPixelData)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return headerFromDataSet(path, ds), nil
}

func headerFromDataSet(path string, ds *dicom.DataSet) *Header {
	h := &Header{
		Path:                path,
		TransferSyntax:      stringValue(ds, dicom.TransferSyntaxUIDTag),
		SeriesUID:           stringValue(ds, SeriesInstanceUIDTag),
		Modality:            stringValue(ds, ModalityTag),
		Position:            floatValues(ds, ImagePositionPatientTag),
		Orientation:         floatValues(ds, ImageOrientationPatientTag),
		Photometric:         strings.ToUpper(stringValue(ds, PhotometricInterpretationTag)),
		Rows:                intValueOr(ds, RowsTag, 0),
		Columns:             intValueOr(ds, ColumnsTag, 0),
		Frames:              intValueOr(ds, NumberOfFramesTag, 1),
		SamplesPerPixel:     intValueOr(ds, SamplesPerPixelTag, 1),
		PlanarConfiguration: intValueOr(ds, PlanarConfigurationTag, 0),
		BitsAllocated:       intValueOr(ds, BitsAllocatedTag, 16),
		PixelRepresentation: intValueOr(ds, PixelRepresentationTag, 0),
		RescaleSlope:        1,
	}
	h.BitsStored = intValueOr(ds, BitsStoredTag, h.BitsAllocated)
	if h.Frames < 1 {
		h.Frames = 1
	}
	if h.SamplesPerPixel < 1 {
		h.SamplesPerPixel = 1
	}
	if len(h.Position) != 3 {
		h.Position = nil
	}
	if len(h.Orientation) != 6 {
		h.Orientation = nil
	}
	h.InstanceNumber, h.HasInstanceNumber = intValue(ds, InstanceNumberTag)
	h.SliceLocation, h.HasSliceLocation = floatValue(ds, SliceLocationTag)

	if ps := floatValues(ds, PixelSpacingTag); len(ps) >= 2 && ps[0] > 0 && ps[1] > 0 {
		h.PixelSpacing = [2]float64{ps[0], ps[1]}
		h.HasPixelSpacing = true
	}
	h.SliceThickness, _ = floatValue(ds, SliceThicknessTag)
	h.SpacingBetweenSlices, _ = floatValue(ds, SpacingBetweenSlicesTag)

	if v, ok := floatValue(ds, RescaleSlopeTag); ok && v != 0 {
		h.RescaleSlope = v
	}
	h.RescaleIntercept, _ = floatValue(ds, RescaleInterceptTag)
	return h
}

func stringValue(ds *dicom.DataSet, tag dicom.DataElementTag) string {
	e, ok := ds.Elements[tag]
	if !ok {
		return ""
	}
	if v, ok := e.ValueField.([]string); ok && len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// floatValues decodes DS strings or binary floating point values.
func floatValues(ds *dicom.DataSet, tag dicom.DataElementTag) []float64 {
	e, ok := ds.Elements[tag]
	if !ok {
		return nil
	}
	var out []float64
	switch v := e.ValueField.(type) {
	case []string:
		for _, s := range v {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil
			}
			out = append(out, f)
		}
	case []float32:
		for _, f := range v {
			out = append(out, float64(f))
		}
	case []float64:
		out = append(out, v...)
	}
	return out
}

func floatValue(ds *dicom.DataSet, tag dicom.DataElementTag) (float64, bool) {
	v := floatValues(ds, tag)
	if len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

func intValue(ds *dicom.DataSet, tag dicom.DataElementTag) (int, bool) {
	e, ok := ds.Elements[tag]
	if !ok {
		return 0, false
	}
	switch v := e.ValueField.(type) {
	case []uint16:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []int16:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []uint32:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []int32:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case []string:
		if len(v) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(v[0]))
			if err == nil {
				return n, true
			}
			// IS occasionally carries a decimal point
			if f, err := strconv.ParseFloat(strings.TrimSpace(v[0]), 64); err == nil {
				return int(f), true
			}
		}
	}
	return 0, false
}

func intValueOr(ds *dicom.DataSet, tag dicom.DataElementTag, def int) int {
	if v, ok := intValue(ds, tag); ok {
		return v
	}
	return def
}
