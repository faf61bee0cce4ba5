package volume

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/internal/models"
	"github.com/Jengaup/dicom-converter/pkg/dicomio/dicomtest"
)

// writeSeries writes depth axial slices of a rows x cols sphere into dir.
func writeSeries(t *testing.T, dir, uid string, rows, cols, depth int, gap float64) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	slices := dicomtest.Sphere(rows, cols, depth, float64(rows)/3, 200, 0)
	// written in reverse so ordering has to come from the metadata
	for z := depth - 1; z >= 0; z-- {
		s := dicomtest.NewSlice(uid, depth-z, float64(z)*gap, rows, cols, slices[z])
		s.PixelSpacing = [2]float64{0.5, 0.8}
		path := filepath.Join(dir, "IM"+strconv.Itoa(depth-z))
		if err := dicomtest.Write(path, s); err != nil {
			t.Fatalf("Failed to write slice: %v", err)
		}
	}
}

func writePNG(t *testing.T, path string, w, h int, value uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	img.SetGray(0, 0, color.Gray{Y: 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestAssembleSeries(t *testing.T) {
	root := t.TempDir()
	writeSeries(t, root, "1.2.840.1", 8, 6, 5, 2.5)

	vol, src, err := Assemble(root, Options{})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if src.Kind != SourceSeries || src.SeriesUID != "1.2.840.1" {
		t.Errorf("source = %+v, want series 1.2.840.1", src)
	}
	if vol.Width != 6 || vol.Height != 8 || vol.Depth != 5 {
		t.Fatalf("dimensions = %dx%dx%d, want 6x8x5", vol.Width, vol.Height, vol.Depth)
	}
	if vol.Spacing != (models.Vec3{X: 0.8, Y: 0.5, Z: 2.5}) {
		t.Errorf("spacing = %+v, want {0.8 0.5 2.5}", vol.Spacing)
	}
	if vol.Origin.Z != 0 {
		t.Errorf("origin z = %v, want the lowest slice at 0", vol.Origin.Z)
	}
	// the sphere is symmetric in z only if slices are in positional order
	for z := 0; z < vol.Depth; z++ {
		a, b := vol.At(3, 4, z), vol.At(3, 4, vol.Depth-1-z)
		if a != b {
			t.Errorf("slice %d and %d differ at the centre column: %v vs %v", z, vol.Depth-1-z, a, b)
		}
	}
	if vol.At(3, 4, 2) != 200 {
		t.Errorf("centre sample = %v, want 200", vol.At(3, 4, 2))
	}
}

func TestAssembleSearchOrder(t *testing.T) {
	root := t.TempDir()
	writeSeries(t, filepath.Join(root, "b"), "2", 4, 4, 3, 1)
	writeSeries(t, filepath.Join(root, "a", "deep"), "3", 4, 4, 3, 1)
	writeSeries(t, filepath.Join(root, "c"), "4", 4, 4, 6, 1)

	dirs, err := SearchDirectories(root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{root, filepath.Join(root, "a"), filepath.Join(root, "b"),
		filepath.Join(root, "c"), filepath.Join(root, "a", "deep")}
	if len(dirs) != len(want) {
		t.Fatalf("SearchDirectories = %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("dirs[%d] = %s, want %s", i, dirs[i], want[i])
		}
	}

	// breadth first: b is shallower than a/deep, and precedes c
	_, src, err := Assemble(root, Options{})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if src.SeriesUID != "2" {
		t.Errorf("picked series %q from %s, want 2", src.SeriesUID, src.Dir)
	}

	// a series at the root wins over every subdirectory
	writeSeries(t, root, "1", 4, 4, 2, 1)
	_, src, err = Assemble(root, Options{})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if src.SeriesUID != "1" {
		t.Errorf("picked series %q, want the root series", src.SeriesUID)
	}
}

func TestAssembleLargestSeries(t *testing.T) {
	root := t.TempDir()
	writeSeries(t, filepath.Join(root, "x"), "small", 4, 4, 2, 1)
	writeSeries(t, filepath.Join(root, "y"), "large", 4, 4, 4, 1)
	// merge both into one directory
	mixed := filepath.Join(root, "mixed")
	writeSeries(t, mixed, "large", 4, 4, 4, 1)
	for i := 1; i <= 2; i++ {
		s := dicomtest.NewSlice("small", i, float64(i), 4, 4, make([]int32, 16))
		if err := dicomtest.Write(filepath.Join(mixed, "S"+strconv.Itoa(i)), s); err != nil {
			t.Fatal(err)
		}
	}

	vol, src, err := Assemble(mixed, Options{Workers: 2})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if src.SeriesUID != "large" || vol.Depth != 4 {
		t.Errorf("picked %q with depth %d, want large with depth 4", src.SeriesUID, vol.Depth)
	}
}

func TestAssembleRasterStack(t *testing.T) {
	root := t.TempDir()
	for _, n := range []int{10, 2, 1} {
		writePNG(t, filepath.Join(root, "slice"+strconv.Itoa(n)+".png"), 5, 4, uint8(n))
	}

	vol, src, err := Assemble(root, Options{})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if src.Kind != SourceStack || vol.Depth != 3 {
		t.Fatalf("source %s depth %d, want stack of 3", src.Kind, vol.Depth)
	}
	// numeric order: 1, 2, 10
	for z, want := range []float32{1, 2, 10} {
		if got := vol.At(2, 2, z); got != want {
			t.Errorf("slice %d = %v, want %v", z, got, want)
		}
	}
	if vol.Spacing != (models.Vec3{X: 1, Y: 1, Z: 1}) {
		t.Errorf("spacing = %+v, want unit spacing", vol.Spacing)
	}
}

func TestAssembleSingleFile(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "scan")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	s := dicomtest.NewSlice("", 1, 0, 2, 2, []int32{1, 2, 3, 4, 5, 6, 7, 8})
	s.Frames = 2
	if err := dicomtest.Write(filepath.Join(sub, "volume.dcm"), s); err != nil {
		t.Fatal(err)
	}

	vol, src, err := Assemble(root, Options{})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	// a UID-less file still forms a (one-instance) series
	if src.Kind != SourceSeries && src.Kind != SourceSingle {
		t.Errorf("unexpected source kind %s", src.Kind)
	}
	if vol.Depth != 2 || vol.At(1, 1, 1) != 8 {
		t.Errorf("multi-frame volume depth %d, last sample %v", vol.Depth, vol.At(1, 1, 1))
	}
}

func TestAssembleNothingFound(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "fake.dcm"), []byte("not dicom"), 0644); err != nil {
		t.Fatal(err)
	}
	_, _, err := Assemble(root, Options{})
	if !errors.Is(err, ErrNoVolumeFound) {
		t.Fatalf("Assemble error = %v, want ErrNoVolumeFound", err)
	}
}

func TestAssembleUndecodableSyntax(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 3; i++ {
		s := dicomtest.NewSlice("lossless", i+1, float64(i), 4, 4, make([]int32, 16))
		s.TransferSyntax = "1.2.840.10008.1.2.4.70"
		if err := dicomtest.Write(filepath.Join(root, "L"+strconv.Itoa(i)), s); err != nil {
			t.Fatal(err)
		}
	}
	_, _, err := Assemble(root, Options{Workers: 2})
	if !errors.Is(err, ErrNoVolumeFound) {
		t.Fatalf("Assemble error = %v, want ErrNoVolumeFound", err)
	}
	if want := "JPEG Lossless SV1 (1.2.840.10008.1.2.4.70) x3"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not list %s", err, want)
	}

	// a smaller decodable series next to it is used instead
	for i := 0; i < 2; i++ {
		s := dicomtest.NewSlice("native", i+1, float64(i), 4, 4, make([]int32, 16))
		if err := dicomtest.Write(filepath.Join(root, "N"+strconv.Itoa(i)), s); err != nil {
			t.Fatal(err)
		}
	}
	vol, src, err := Assemble(root, Options{Workers: 2})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if src.SeriesUID != "native" || vol.Depth != 2 {
		t.Errorf("assembled series %q with depth %d, want native with 2", src.SeriesUID, vol.Depth)
	}
}

func TestComputeStats(t *testing.T) {
	vol := models.NewVolumeDataset(10, 10, 2)
	for i := range vol.Data {
		vol.Data[i] = float32(i % 100)
	}
	vol.Data[5] = float32(math.NaN())

	s := ComputeStats(vol)
	if s.Min != 0 || s.Max != 99 {
		t.Errorf("range = [%v, %v], want [0, 99]", s.Min, s.Max)
	}
	if s.Sampled != 199 {
		t.Errorf("sampled %d voxels, want 199 finite ones", s.Sampled)
	}
	if math.Abs(s.Mean-49.5) > 0.5 {
		t.Errorf("mean = %v, want about 49.5", s.Mean)
	}
	if s.P1 > s.P99 || s.Entropy <= 0 {
		t.Errorf("unexpected percentiles or entropy: %+v", s)
	}

	if got := ComputeStats(models.NewVolumeDataset(3, 3, 3)).Entropy; got != 0 {
		t.Errorf("entropy of a constant volume = %v, want 0", got)
	}
}

func TestSliceNumber(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"slice_012.jpg", 12, true},
		{"/tmp/scan2_slice010.png", 10, true},
		{"7.tif", 7, true},
		{"none.bmp", 0, false},
		{"mp4.bmp", 4, true},
	}
	for _, tt := range tests {
		if got, ok := sliceNumber(tt.in); got != tt.want || ok != tt.ok {
			t.Errorf("sliceNumber(%q) = %d, %v, want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSortByNumber(t *testing.T) {
	paths := []string{"b.png", "s10.png", "a.png", "s2.png", "t2.png", "s1.png"}
	sortByNumber(paths)
	want := []string{"s1.png", "s2.png", "t2.png", "s10.png", "a.png", "b.png"}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("sorted = %v, want %v", paths, want)
		}
	}
}
