package volume

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/Jengaup/dicom-converter/internal/models"
	"github.com/Jengaup/dicom-converter/pkg/dicomio"
)

var rasterExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true, ".bmp": true,
}

func isRaster(path string) bool {
	return rasterExts[strings.ToLower(filepath.Ext(path))]
}

// loadRaster decodes an image file to 8-bit luminance.
func loadRaster(path string) ([]float32, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "decoding %s", path)
	}
	b := img.Bounds()
	frame, err := dicomio.Luminance(img, b.Dx(), b.Dy())
	if err != nil {
		return nil, 0, 0, err
	}
	return frame, b.Dx(), b.Dy(), nil
}

// sliceNumber returns the last run of digits in the base name without
// its extension, so "scan2_slice010.png" is slice 10.
func sliceNumber(path string) (int, bool) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	end := strings.LastIndexFunc(base, unicode.IsDigit)
	if end < 0 {
		return 0, false
	}
	start := strings.LastIndexFunc(base[:end+1], func(r rune) bool { return !unicode.IsDigit(r) }) + 1
	n, err := strconv.Atoi(base[start : end+1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// assembleStack stacks raster slices in numeric file-name order. At least
// two images sharing the first image's dimensions are needed; the others
// are dropped. Raster slices carry no geometry so spacing is 1.
func assembleStack(dir string, logger *log.Logger) (*models.VolumeDataset, *Source, error) {
	var paths []string
	for _, path := range regularFiles(dir) {
		if isRaster(path) {
			paths = append(paths, path)
		}
	}
	if len(paths) < 2 {
		return nil, nil, nil
	}
	sortByNumber(paths)

	var frames [][]float32
	var used []string
	width, height, dropped := 0, 0, 0
	for _, path := range paths {
		frame, w, h, err := loadRaster(path)
		if err != nil {
			logger.Warn("skipping unreadable image", "file", path, "err", err)
			dropped++
			continue
		}
		if len(frames) == 0 {
			width, height = w, h
		} else if w != width || h != height {
			logger.Warn("skipping image with mismatched dimensions", "file", path,
				"size", strconv.Itoa(w)+"x"+strconv.Itoa(h))
			dropped++
			continue
		}
		frames = append(frames, frame)
		used = append(used, path)
	}
	if len(frames) < 2 {
		return nil, nil, nil
	}

	vol := models.NewVolumeDataset(width, height, len(frames))
	plane := width * height
	for z, frame := range frames {
		copy(vol.Data[z*plane:(z+1)*plane], frame)
	}
	vol.ScalarType = models.ScalarUint8
	if err := vol.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "assembled image stack is inconsistent")
	}
	logger.Info("assembled image stack", "dir", dir, "slices", len(frames), "volume", vol.String())
	return vol, &Source{Kind: SourceStack, Dir: dir, Files: used, Dropped: dropped}, nil
}
