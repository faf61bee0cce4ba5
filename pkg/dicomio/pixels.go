package dicomio

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"os"

	"github.com/GoogleCloudPlatform/go-dicom-parser/dicom"
	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/internal/models"
)

// Image is a decoded DICOM instance. Every frame holds Rows*Columns
// intensities in row-major order with the modality rescale applied.
type Image struct {
	Header     *Header
	Frames     [][]float32
	ScalarType models.ScalarType
}

// ReadImage parses a DICOM file and decodes all of its frames.
func ReadImage(path string) (*Image, error) {
	if !IsDICOM(path) {
		return nil, errors.Wrap(ErrNotDICOM, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fragments [][]byte
	capture := dicom.WithTransform(func(e *dicom.DataElement) (*dicom.DataElement, error) {
		if e.Tag != dicom.PixelDataTag {
			return e, nil
		}
		it, ok := e.ValueField.(dicom.BulkDataIterator)
		if !ok {
			return e, nil
		}
		frags, err := dicom.CollectFragments(it)
		if err != nil {
			return nil, errors.Wrap(err, "collecting pixel data")
		}
		fragments = frags
		return nil, nil
	})

	ds, err := dicom.Parse(f, capture)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	h := headerFromDataSet(path, ds)
	if !Decodable(h.TransferSyntax) {
		return nil, errors.Wrapf(ErrUnsupportedTransferSyntax, "%s: %s", path, SyntaxName(h.TransferSyntax))
	}
	if fragments == nil || h.Rows <= 0 || h.Columns <= 0 {
		return nil, errors.Wrap(ErrNoPixelData, path)
	}

	img := &Image{Header: h, ScalarType: scalarType(h)}
	switch {
	case nativeSyntaxes[h.TransferSyntax] || h.TransferSyntax == "":
		img.Frames, err = decodeNative(h, bytes.Join(fragments, nil))
	case jpegBaselineSyntaxes[h.TransferSyntax]:
		img.Frames, err = decodeJPEG(h, fragments)
		img.ScalarType = models.ScalarUint8
	}
	if err != nil {
		return nil, err
	}

	for _, frame := range img.Frames {
		if h.Photometric == "MONOCHROME1" {
			invert(frame)
		}
		if h.RescaleSlope != 1 || h.RescaleIntercept != 0 {
			slope, intercept := float32(h.RescaleSlope), float32(h.RescaleIntercept)
			for i, v := range frame {
				frame[i] = v*slope + intercept
			}
		}
	}
	return img, nil
}

func scalarType(h *Header) models.ScalarType {
	switch {
	case h.BitsAllocated <= 8:
		return models.ScalarUint8
	case h.BitsAllocated <= 16 && h.Signed():
		return models.ScalarInt16
	case h.BitsAllocated <= 16:
		return models.ScalarUint16
	case h.Signed():
		return models.ScalarInt32
	default:
		return models.ScalarUint32
	}
}

func decodeNative(h *Header, data []byte) ([][]float32, error) {
	var bytesPerSample int
	switch h.BitsAllocated {
	case 8:
		bytesPerSample = 1
	case 16:
		bytesPerSample = 2
	case 32:
		bytesPerSample = 4
	default:
		return nil, errors.Errorf("%s: unsupported BitsAllocated %d", h.Path, h.BitsAllocated)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if h.TransferSyntax == dicom.ExplicitVRBigEndianUID {
		order = binary.BigEndian
	}

	pixels := h.Rows * h.Columns
	frameBytes := pixels * h.SamplesPerPixel * bytesPerSample
	frames := h.Frames
	if len(data) < frames*frameBytes {
		// truncated multi-frame files keep the complete frames
		frames = len(data) / frameBytes
	}
	if frames == 0 {
		return nil, errors.Errorf("%s: pixel data holds %d bytes, one frame needs %d", h.Path, len(data), frameBytes)
	}

	stored := h.BitsStored
	if stored <= 0 || stored > h.BitsAllocated {
		stored = h.BitsAllocated
	}
	mask := uint32(1)<<uint(stored) - 1
	if stored == 32 {
		mask = ^uint32(0)
	}
	sample := func(b []byte) float32 {
		var raw uint32
		switch bytesPerSample {
		case 1:
			raw = uint32(b[0])
		case 2:
			raw = uint32(order.Uint16(b))
		case 4:
			raw = order.Uint32(b)
		}
		raw &= mask
		if h.Signed() && raw&(1<<uint(stored-1)) != 0 {
			return float32(int64(raw) - int64(1)<<uint(stored))
		}
		return float32(raw)
	}

	out := make([][]float32, frames)
	spp := h.SamplesPerPixel
	for f := 0; f < frames; f++ {
		src := data[f*frameBytes : (f+1)*frameBytes]
		frame := make([]float32, pixels)
		for p := 0; p < pixels; p++ {
			if spp == 1 {
				frame[p] = sample(src[p*bytesPerSample:])
				continue
			}
			// colour data collapses to the mean of its channels
			var sum float32
			for c := 0; c < spp; c++ {
				var off int
				if h.PlanarConfiguration == 1 {
					off = (c*pixels + p) * bytesPerSample
				} else {
					off = (p*spp + c) * bytesPerSample
				}
				sum += sample(src[off:])
			}
			frame[p] = sum / float32(spp)
		}
		out[f] = frame
	}
	return out, nil
}

// decodeJPEG decodes encapsulated baseline JPEG frames. The first fragment
// is the basic offset table.
func decodeJPEG(h *Header, fragments [][]byte) ([][]float32, error) {
	if len(fragments) < 2 {
		return nil, errors.Wrap(ErrNoPixelData, h.Path)
	}
	items := fragments[1:]

	var streams [][]byte
	switch {
	case h.Frames == 1:
		streams = [][]byte{bytes.Join(items, nil)}
	case len(items) == h.Frames:
		streams = items
	default:
		return nil, errors.Errorf("%s: %d fragments for %d frames", h.Path, len(items), h.Frames)
	}

	out := make([][]float32, 0, len(streams))
	for i, s := range streams {
		img, err := jpeg.Decode(bytes.NewReader(s))
		if err != nil {
			return nil, errors.Wrapf(err, "%s: decoding frame %d", h.Path, i)
		}
		frame, err := Luminance(img, h.Columns, h.Rows)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: frame %d", h.Path, i)
		}
		out = append(out, frame)
	}
	return out, nil
}

// Luminance converts an image to 8-bit gray intensities. The image bounds
// must match width x height.
func Luminance(img image.Image, width, height int) ([]float32, error) {
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return nil, errors.Errorf("image is %dx%d, expected %dx%d", b.Dx(), b.Dy(), width, height)
	}
	out := make([]float32, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			out[y*width+x] = float32(g.Y)
		}
	}
	return out, nil
}

// invert maps MONOCHROME1 samples so that larger values are brighter.
func invert(frame []float32) {
	if len(frame) == 0 {
		return
	}
	lo, hi := frame[0], frame[0]
	for _, v := range frame {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	for i, v := range frame {
		frame[i] = hi + lo - v
	}
}
