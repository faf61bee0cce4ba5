// Package volume assembles a single 3D scalar grid from a directory of scan
// files.
package volume

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/internal/logging"
	"github.com/Jengaup/dicom-converter/internal/models"
	"github.com/Jengaup/dicom-converter/pkg/dicomio"
)

// ErrNoVolumeFound is returned when no readable scan exists under the root.
var ErrNoVolumeFound = errors.New("no readable scan volume found")

// SourceKind says which assembly path produced a volume.
type SourceKind string

const (
	SourceSeries SourceKind = "series"
	SourceStack  SourceKind = "stack"
	SourceSingle SourceKind = "single"
)

// Source describes the files a volume was built from.
type Source struct {
	Kind      SourceKind
	Dir       string
	Files     []string
	SeriesUID string
	// Dropped counts files left out as incoherent or undecodable
	Dropped int
}

// Options tunes assembly.
type Options struct {
	// Workers bounds concurrent pixel decoding; 0 means runtime.NumCPU()
	Workers int
	Logger  *log.Logger
}

// SearchDirectories returns the directories scanned for a series, in the
// order they are tried: root first, then every subdirectory breadth first
// with siblings in lexicographic order.
func SearchDirectories(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "reading input directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", root)
	}

	dirs := []string{root}
	for i := 0; i < len(dirs); i++ {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s", dirs[i])
		}
		// os.ReadDir sorts by name
		for _, e := range entries {
			if e.IsDir() && !skipDir(e.Name()) {
				dirs = append(dirs, filepath.Join(dirs[i], e.Name()))
			}
		}
	}
	return dirs, nil
}

// skipDir ignores archive metadata folders.
func skipDir(name string) bool {
	return name == "__MACOSX" || strings.HasPrefix(name, ".")
}

// Assemble builds one volume from root. A DICOM series is preferred, found in
// the first directory of SearchDirectories that holds one; failing that a
// stack of raster slices; failing that the first single readable scan file.
// Input files are never modified.
func Assemble(root string, opts Options) (*models.VolumeDataset, *Source, error) {
	logger := logging.OrDiscard(opts.Logger)
	dirs, err := SearchDirectories(root)
	if err != nil {
		return nil, nil, err
	}

	undecodable := map[string]int{}
	for _, dir := range dirs {
		vol, src, err := assembleSeries(dir, opts, logger, undecodable)
		if err != nil {
			return nil, nil, err
		}
		if vol != nil {
			return vol, src, nil
		}
	}

	for _, dir := range dirs {
		vol, src, err := assembleStack(dir, logger)
		if err != nil {
			return nil, nil, err
		}
		if vol != nil {
			return vol, src, nil
		}
	}

	for _, dir := range dirs {
		if vol, src := assembleSingle(dir, logger); vol != nil {
			return vol, src, nil
		}
	}
	if len(undecodable) > 0 {
		return nil, nil, errors.Wrapf(ErrNoVolumeFound, "searched %d directories under %s; DICOM files with undecodable transfer syntaxes: %s",
			len(dirs), root, describeSyntaxes(undecodable))
	}
	return nil, nil, errors.Wrapf(ErrNoVolumeFound, "searched %d directories under %s", len(dirs), root)
}

// describeSyntaxes lists syntax names with their file counts, sorted by UID.
func describeSyntaxes(counts map[string]int) string {
	uids := make([]string, 0, len(counts))
	for uid := range counts {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = dicomio.SyntaxName(uid) + " x" + strconv.Itoa(counts[uid])
	}
	return strings.Join(parts, ", ")
}

func regularFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}

// assembleSeries returns a nil volume when dir holds no decodable series.
// Instances whose transfer syntax cannot be decoded are counted in
// undecodable by UID and left out of series selection.
func assembleSeries(dir string, opts Options, logger *log.Logger, undecodable map[string]int) (*models.VolumeDataset, *Source, error) {
	var headers []*dicomio.Header
	for _, path := range regularFiles(dir) {
		if !dicomio.IsDICOM(path) {
			continue
		}
		h, err := dicomio.ReadHeader(path)
		if err != nil {
			logger.Warn("skipping unreadable DICOM file", "file", path, "err", err)
			continue
		}
		if h.Rows <= 0 || h.Columns <= 0 {
			continue
		}
		if !dicomio.Decodable(h.TransferSyntax) {
			undecodable[h.TransferSyntax]++
			continue
		}
		headers = append(headers, h)
	}
	if len(headers) == 0 {
		if len(undecodable) > 0 {
			logger.Warn("no decodable DICOM series", "dir", dir, "syntaxes", describeSyntaxes(undecodable))
		}
		return nil, nil, nil
	}

	series := dicomio.SelectSeries(dicomio.GroupSeries(headers))
	kept, dropped := series.Coherent()
	if dropped > 0 {
		logger.Warn("dropped slices with mismatched dimensions", "series", series.UID, "dropped", dropped)
	}
	sorted, positions := dicomio.SortSlices(kept)
	dropped += len(kept) - len(sorted)

	images := decodeAll(sorted, opts.Workers, logger)
	var good []*dicomio.Image
	var goodPositions []float64
	for i, img := range images {
		if img == nil {
			dropped++
			continue
		}
		good = append(good, img)
		if positions != nil {
			goodPositions = append(goodPositions, positions[i])
		}
	}
	if len(good) == 0 {
		logger.Warn("series has no decodable slices", "dir", dir, "series", series.UID)
		return nil, nil, nil
	}

	first := good[0].Header
	vol := stackFrames(good, first.Columns, first.Rows)
	vol.ScalarType = good[0].ScalarType
	vol.Modality = first.Modality
	vol.SeriesUID = series.UID
	if first.HasPixelSpacing {
		vol.Spacing.X = first.PixelSpacing[1]
		vol.Spacing.Y = first.PixelSpacing[0]
	}
	if len(good) > 1 {
		vol.Spacing.Z = dicomio.SliceSpacing(first, goodPositions)
	} else {
		vol.Spacing.Z = dicomio.SliceSpacing(first, nil)
	}
	if p, ok := first.PositionVec(); ok {
		vol.Origin = models.Vec3{X: p.X, Y: p.Y, Z: p.Z}
	}
	if err := vol.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "assembled series is inconsistent")
	}

	src := &Source{Kind: SourceSeries, Dir: dir, SeriesUID: series.UID, Dropped: dropped}
	for _, img := range good {
		src.Files = append(src.Files, img.Header.Path)
	}
	logger.Info("assembled series", "dir", dir, "series", series.UID, "slices", len(good), "volume", vol.String())
	return vol, src, nil
}

// decodeAll reads pixel data for every header with a bounded pool of
// workers. Undecodable files come back as nil entries.
func decodeAll(headers []*dicomio.Header, workers int, logger *log.Logger) []*dicomio.Image {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	images := make([]*dicomio.Image, len(headers))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				img, err := dicomio.ReadImage(headers[i].Path)
				if err != nil {
					logger.Warn("skipping slice", "file", headers[i].Path, "err", err)
					continue
				}
				if img.Header.Rows != headers[i].Rows || img.Header.Columns != headers[i].Columns {
					continue
				}
				images[i] = img
			}
		}()
	}
	for i := range headers {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return images
}

// stackFrames concatenates every frame of every image along z.
func stackFrames(images []*dicomio.Image, width, height int) *models.VolumeDataset {
	depth := 0
	for _, img := range images {
		depth += len(img.Frames)
	}
	vol := models.NewVolumeDataset(width, height, depth)
	plane := width * height
	z := 0
	for _, img := range images {
		for _, frame := range img.Frames {
			copy(vol.Data[z*plane:(z+1)*plane], frame)
			z++
		}
	}
	return vol
}

// assembleSingle turns the first readable scan file in dir into a volume.
func assembleSingle(dir string, logger *log.Logger) (*models.VolumeDataset, *Source) {
	for _, path := range regularFiles(dir) {
		if dicomio.IsDICOM(path) {
			img, err := dicomio.ReadImage(path)
			if err != nil {
				logger.Warn("skipping unreadable DICOM file", "file", path, "err", err)
				continue
			}
			h := img.Header
			vol := stackFrames([]*dicomio.Image{img}, h.Columns, h.Rows)
			vol.ScalarType = img.ScalarType
			vol.Modality = h.Modality
			vol.SeriesUID = h.SeriesUID
			if h.HasPixelSpacing {
				vol.Spacing.X, vol.Spacing.Y = h.PixelSpacing[1], h.PixelSpacing[0]
			}
			vol.Spacing.Z = dicomio.SliceSpacing(h, nil)
			if p, ok := h.PositionVec(); ok {
				vol.Origin = models.Vec3{X: p.X, Y: p.Y, Z: p.Z}
			}
			logger.Info("using single scan file", "file", path, "volume", vol.String())
			return vol, &Source{Kind: SourceSingle, Dir: dir, Files: []string{path}, SeriesUID: h.SeriesUID}
		}
		if isRaster(path) {
			frame, w, h, err := loadRaster(path)
			if err != nil {
				logger.Warn("skipping unreadable image", "file", path, "err", err)
				continue
			}
			vol := models.NewVolumeDataset(w, h, 1)
			copy(vol.Data, frame)
			vol.ScalarType = models.ScalarUint8
			logger.Info("using single raster image", "file", path, "volume", vol.String())
			return vol, &Source{Kind: SourceSingle, Dir: dir, Files: []string{path}}
		}
	}
	return nil, nil
}

// sortByNumber orders numbered paths by slice number, then unnumbered
// ones; equal keys fall back to the base name.
func sortByNumber(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		ni, oki := sliceNumber(paths[i])
		nj, okj := sliceNumber(paths[j])
		if oki != okj {
			return oki
		}
		if ni != nj {
			return ni < nj
		}
		return filepath.Base(paths[i]) < filepath.Base(paths[j])
	})
}
