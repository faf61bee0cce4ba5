// Command dicomconverter turns a scan directory or zip archive into a
// GLB or STL mesh.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/unixpickle/essentials"

	"github.com/Jengaup/dicom-converter/internal/logging"
	"github.com/Jengaup/dicom-converter/internal/models"
	"github.com/Jengaup/dicom-converter/internal/staging"
	"github.com/Jengaup/dicom-converter/pkg/config"
	"github.com/Jengaup/dicom-converter/pkg/conversion"
	"github.com/Jengaup/dicom-converter/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputPath := flag.String("input", "", "Directory or .zip archive holding the scan")
	outputPath := flag.String("output", "output.glb", "Output mesh (.glb or .stl)")
	configPath := flag.String("config", "", "Optional YAML or TOML configuration file")
	flag.Int("budget", 128, "Maximum grid size per axis (0 disables decimation)")
	flag.String("thresholds", "150,50", "Comma separated iso-values tried in order")
	flag.Float64("simplify", 0.5, "Fraction of triangles to remove, in (0, 1)")
	flag.Int("smooth", 2, "Laplacian smoothing iterations")
	flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	extractSlices := flag.Bool("extract-slices", false, "Save orthogonal slices of the volume as PNG images")
	slicesDir := flag.String("slices-dir", "volume_slices", "Directory to save extracted slices")
	verbose := flag.Bool("verbose", false, "Log every pipeline step")
	flag.Parse()

	if *inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		essentials.Must(err)
	}
	level := cfg.Logging.Level
	if *verbose {
		level = "debug"
	}
	logger := logging.New(os.Stderr, level, "dicomconverter")

	set := map[string]string{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = f.Value.String() })
	if err := applyOverrides(cfg, set); err != nil {
		essentials.Die("invalid options:", err)
	}
	params := conversion.ParamsFromConfig(cfg)

	// Stage the input so archives and directories are handled alike
	ws, err := staging.NewWorkspace(os.TempDir())
	essentials.Must(err)
	defer ws.Cleanup()
	essentials.Must(ws.StageFile(*inputPath))
	if err := ws.Prepare(); err != nil {
		ws.Cleanup()
		essentials.Die("no input:", err)
	}

	opts := []conversion.Option{conversion.WithLogger(logger)}
	if *verbose {
		opts = append(opts, conversion.WithProgress(func(e conversion.Event) {
			fmt.Printf("Step %d/%d: %s\n", e.Step, e.Steps, e.Message)
		}))
	}
	if *extractSlices {
		opts = append(opts, conversion.WithVolumeInspector(func(vol *models.VolumeDataset) {
			saveSlices(vol, *slicesDir, logger)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("DICOM TO MESH CONVERTER")
	fmt.Println("================================")

	res, err := conversion.NewConverter(params, opts...).Convert(ctx, ws.InputDir(), *outputPath)
	if err != nil {
		ws.Cleanup()
		essentials.Die("Conversion failed:", err)
	}
	printStats(res)
}

func saveSlices(vol *models.VolumeDataset, dir string, logger *log.Logger) {
	viewer := visualization.NewViewer(vol)
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(dir, axis)
		fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
		if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
			logger.Warn("failed to save slices", "axis", axis, "err", err)
		}
	}
}

func printStats(res *conversion.Result) {
	st := res.Stats
	fmt.Printf("\nConversion completed successfully in %.2f seconds!\n", st.Total.Seconds())
	fmt.Printf("Output mesh saved to: %s\n\n", res.OutputPath)

	fmt.Printf("Source: %s in %s (%d files)\n", st.Source.Kind, st.Source.Dir, len(st.Source.Files))
	fmt.Printf("Volume: %dx%dx%d samples, spacing %.3f x %.3f x %.3f mm, decimation factor %d\n",
		st.Dimensions[0], st.Dimensions[1], st.Dimensions[2],
		st.Spacing.X, st.Spacing.Y, st.Spacing.Z, st.DecimationFactor)
	fmt.Printf("Intensity: min %.1f, max %.1f, mean %.1f, p1 %.1f, p99 %.1f\n",
		st.Intensity.Min, st.Intensity.Max, st.Intensity.Mean, st.Intensity.P1, st.Intensity.P99)

	fmt.Println("\nSurface extraction:")
	for _, a := range st.Attempts {
		if a.Err != nil {
			fmt.Printf("- threshold %g: failed (%v)\n", a.Threshold, a.Err)
		} else {
			fmt.Printf("- threshold %g: %d triangles\n", a.Threshold, a.Faces)
		}
	}

	fmt.Println("\nMesh:")
	fmt.Printf("- Simplified %d -> %d triangles (target %d, reached %v)\n",
		st.Simplification.InputFaces, st.Simplification.OutputFaces, st.Simplification.Target, st.Simplification.Reached)
	fmt.Printf("- Deviation from the extracted surface: max %.3f mm, mean %.3f mm\n", st.Deviation.Max, st.Deviation.Mean)
	fmt.Printf("- Smoothed: %v\n", st.Smoothed)
	fmt.Printf("- Output: %d vertices, %d triangles\n", st.OutputVertices, st.OutputFaces)

	fmt.Println("\nStage timings:")
	for _, stage := range []conversion.Stage{
		conversion.StageAssemble, conversion.StageResample, conversion.StageExtract,
		conversion.StageSimplify, conversion.StageSmooth, conversion.StageExport,
	} {
		fmt.Printf("- %-9s %v\n", stage, st.Durations[stage])
	}
}
