// Package conversion runs the scan-to-mesh pipeline: assemble a volume,
// bound its resolution, extract an isosurface, simplify and smooth the
// mesh, and export it.
package conversion

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/internal/logging"
	"github.com/Jengaup/dicom-converter/internal/models"
	"github.com/Jengaup/dicom-converter/pkg/config"
	"github.com/Jengaup/dicom-converter/pkg/export"
	"github.com/Jengaup/dicom-converter/pkg/isosurface"
	"github.com/Jengaup/dicom-converter/pkg/resample"
	"github.com/Jengaup/dicom-converter/pkg/simplify"
	"github.com/Jengaup/dicom-converter/pkg/smooth"
	"github.com/Jengaup/dicom-converter/pkg/volume"
)

// Params holds the pipeline parameters of one conversion.
type Params struct {
	// MaxDimensionBudget bounds the grid size along every axis; 0 disables
	// decimation.
	MaxDimensionBudget int

	// MaxSamples fails the conversion when the decimated volume is still
	// larger; 0 disables the cap.
	MaxSamples int

	// Thresholds are the iso-values tried in order.
	Thresholds isosurface.ThresholdPolicy

	// SimplificationTarget is the fraction of triangles to remove.
	SimplificationTarget float64

	SmoothingIterations int
	SmoothingLambda     float64

	// Workers bounds parallel decoding and extraction.
	Workers int

	Export export.Options
}

// DefaultParams returns the parameters of config.DefaultConfig.
func DefaultParams() Params {
	return ParamsFromConfig(config.DefaultConfig())
}

// ParamsFromConfig copies the pipeline and export sections of cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	p := cfg.Pipeline
	return Params{
		MaxDimensionBudget:   p.MaxDimensionBudget,
		MaxSamples:           p.MaxSamples,
		Thresholds:           append(isosurface.ThresholdPolicy(nil), p.Thresholds...),
		SimplificationTarget: p.SimplificationTarget,
		SmoothingIterations:  p.SmoothingIterations,
		SmoothingLambda:      p.SmoothingLambda,
		Workers:              p.Workers,
		Export: export.Options{
			Scale:     cfg.Export.Scale,
			Recenter:  cfg.Export.Recenter,
			NodeName:  cfg.Export.NodeName,
			Generator: cfg.Export.Generator,
		},
	}
}

// Event reports pipeline progress. Step counts from 1 to Steps.
type Event struct {
	Stage   Stage  `json:"stage"`
	Step    int    `json:"step"`
	Steps   int    `json:"steps"`
	Message string `json:"message"`
}

// ProgressFunc receives events synchronously from the converting goroutine.
type ProgressFunc func(Event)

var stageOrder = []Stage{StageAssemble, StageResample, StageExtract, StageSimplify, StageSmooth, StageExport}

// Stats collects what happened during a conversion.
type Stats struct {
	Source           *volume.Source
	Dimensions       [3]int
	Spacing          models.Vec3
	DecimationFactor int
	Intensity        volume.Stats

	Attempts  []isosurface.Attempt
	Threshold float64

	ExtractedFaces    int
	ExtractedVertices int
	Simplification    simplify.Report
	Deviation         simplify.DeviationReport
	Smoothed          bool

	OutputFaces    int
	OutputVertices int

	Durations map[Stage]time.Duration
	Total     time.Duration
}

// Result is a successful conversion.
type Result struct {
	Mesh       *models.Mesh
	OutputPath string
	Stats      Stats
}

// Converter runs conversions with a fixed parameter set. It holds no state
// between calls, so one Converter may serve concurrent conversions.
type Converter struct {
	params   Params
	logger   *log.Logger
	progress ProgressFunc
	inspect  func(*models.VolumeDataset)

	// assembled sees the volume before decimation
	assembled func(*models.VolumeDataset)
}

// Option configures a Converter.
type Option func(*Converter)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *log.Logger) Option {
	return func(c *Converter) { c.logger = l }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Converter) { c.progress = fn }
}

// WithVolumeInspector registers fn to see the volume after decimation and
// before extraction. fn must not keep or modify the volume.
func WithVolumeInspector(fn func(*models.VolumeDataset)) Option {
	return func(c *Converter) { c.inspect = fn }
}

// NewConverter creates a converter. Zero workers means runtime.NumCPU().
func NewConverter(params Params, opts ...Option) *Converter {
	if params.Workers <= 0 {
		params.Workers = runtime.NumCPU()
	}
	c := &Converter{params: params}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	return c
}

// Params returns the parameters the converter was built with.
func (c *Converter) Params() Params { return c.params }

func (c *Converter) emit(stage Stage, msg string) {
	if c.progress == nil {
		return
	}
	step := 0
	for i, s := range stageOrder {
		if s == stage {
			step = i + 1
		}
	}
	c.progress(Event{Stage: stage, Step: step, Steps: len(stageOrder), Message: msg})
}

// Convert turns the scan found under inputDir into a mesh file at
// outputPath. Failures are returned as *Error. Nothing is written to
// outputPath unless the conversion succeeds.
func (c *Converter) Convert(ctx context.Context, inputDir, outputPath string) (*Result, error) {
	start := time.Now()
	stats := Stats{Durations: map[Stage]time.Duration{}}
	timed := func(stage Stage, since time.Time) {
		stats.Durations[stage] = time.Since(since)
	}

	if err := checkInput(inputDir); err != nil {
		return nil, stageError(NoInputProvided, StageInput, err)
	}

	// Step 1: assemble the volume
	if err := ctx.Err(); err != nil {
		return nil, stageError(Canceled, StageAssemble, err)
	}
	c.emit(StageAssemble, "reading scan")
	t := time.Now()
	vol, src, err := volume.Assemble(inputDir, volume.Options{Workers: c.params.Workers, Logger: c.logger})
	if err != nil {
		if errors.Is(err, volume.ErrNoVolumeFound) {
			return nil, stageError(NoVolumeFound, StageAssemble, err)
		}
		return nil, stageError(Internal, StageAssemble, err)
	}
	timed(StageAssemble, t)
	if c.assembled != nil {
		c.assembled(vol)
	}
	stats.Source = src
	stats.Intensity = volume.ComputeStats(vol)
	c.logger.Info("assembled volume", "source", src.Kind, "dir", src.Dir, "volume", vol.String(),
		"min", stats.Intensity.Min, "max", stats.Intensity.Max, "p99", stats.Intensity.P99)

	// Step 2: bound the resolution
	if err := ctx.Err(); err != nil {
		vol.Release()
		return nil, stageError(Canceled, StageResample, err)
	}
	c.emit(StageResample, "bounding resolution")
	t = time.Now()
	decimated, k, err := resample.Decimate(vol, c.params.MaxDimensionBudget)
	if err != nil {
		vol.Release()
		return nil, stageError(Internal, StageResample, err)
	}
	if decimated != vol {
		vol.Release()
		vol = decimated
	}
	if err := resample.CheckBudget(vol, c.params.MaxSamples); err != nil {
		vol.Release()
		return nil, stageError(ResourceExhausted, StageResample, err)
	}
	timed(StageResample, t)
	stats.DecimationFactor = k
	stats.Dimensions = [3]int{vol.Width, vol.Height, vol.Depth}
	stats.Spacing = vol.Spacing
	c.logger.Info("resolution bounded", "factor", k, "volume", vol.String())
	if c.inspect != nil {
		c.inspect(vol)
	}

	// Step 3: extract the isosurface; the volume is not needed afterwards
	if err := ctx.Err(); err != nil {
		vol.Release()
		return nil, stageError(Canceled, StageExtract, err)
	}
	c.emit(StageExtract, "extracting surface")
	t = time.Now()
	mesh, attempts, err := isosurface.Extract(vol, c.params.Thresholds, isosurface.Options{
		Workers: c.params.Workers,
		Logger:  c.logger,
	})
	vol.Release()
	stats.Attempts = attempts
	if err != nil {
		e := stageError(ExtractionFailed, StageExtract, err)
		for _, a := range attempts {
			e.Attempted = append(e.Attempted, a.Threshold)
		}
		return nil, e
	}
	timed(StageExtract, t)
	stats.Threshold = attempts[len(attempts)-1].Threshold
	stats.ExtractedFaces = mesh.NumFaces()
	stats.ExtractedVertices = mesh.NumVertices()

	// Step 4: simplify
	if err := ctx.Err(); err != nil {
		return nil, stageError(Canceled, StageSimplify, err)
	}
	c.emit(StageSimplify, "simplifying mesh")
	t = time.Now()
	simplified, report, err := simplify.Simplify(mesh, c.params.SimplificationTarget)
	if err != nil {
		return nil, stageError(Internal, StageSimplify, err)
	}
	timed(StageSimplify, t)
	stats.Simplification = report
	stats.Deviation = simplify.Deviation(mesh, simplified)
	mesh = simplified
	c.logger.Info("simplified mesh", "faces", report.OutputFaces, "target", report.Target,
		"reached", report.Reached, "max_deviation", stats.Deviation.Max)

	// Step 5: smooth; a failure keeps the unsmoothed mesh
	c.emit(StageSmooth, "smoothing mesh")
	t = time.Now()
	if smoothed, err := smooth.Laplacian(mesh, c.params.SmoothingIterations, c.params.SmoothingLambda); err != nil {
		c.logger.Warn("smoothing skipped", "err", err)
	} else {
		mesh = smoothed
		stats.Smoothed = true
	}
	timed(StageSmooth, t)

	// Step 6: export
	if err := ctx.Err(); err != nil {
		return nil, stageError(Canceled, StageExport, err)
	}
	c.emit(StageExport, "writing "+filepath.Base(outputPath))
	t = time.Now()
	if err := export.Save(outputPath, mesh, c.params.Export); err != nil {
		return nil, stageError(ExportFailed, StageExport, err)
	}
	timed(StageExport, t)

	stats.OutputFaces = mesh.NumFaces()
	stats.OutputVertices = mesh.NumVertices()
	stats.Total = time.Since(start)
	c.logger.Info("conversion finished", "output", outputPath, "faces", stats.OutputFaces,
		"vertices", stats.OutputVertices, "elapsed", stats.Total)
	return &Result{Mesh: mesh, OutputPath: outputPath, Stats: stats}, nil
}

// checkInput fails unless dir is a directory holding at least one file.
func checkInput(dir string) error {
	if dir == "" {
		return errors.New("no input directory given")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrap(err, "input directory")
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", dir)
	}
	found := false
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !found {
		return errors.Wrap(err, "scan input directory")
	}
	if !found {
		return errors.Errorf("%s contains no files", dir)
	}
	return nil
}
