package isosurface

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Jengaup/dicom-converter/internal/models"
)

// sphereVolume returns a size^3 field that falls off linearly with the
// distance from the grid centre, crossing 150 at the given radius.
func sphereVolume(size int, radius float64) *models.VolumeDataset {
	vol := models.NewVolumeDataset(size, size, size)
	center := float64(size-1) / 2
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy, dz := float64(x)-center, float64(y)-center, float64(z)-center
				dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
				vol.Set(x, y, z, float32(150+10*(radius-dist)))
			}
		}
	}
	return vol
}

func generate(t *testing.T, vol *models.VolumeDataset, iso float64, workers int) *models.Mesh {
	t.Helper()
	mc := NewMarchingCubes(vol.Data, vol.Width, vol.Height, vol.Depth, iso)
	mc.SetScale(vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z)
	mc.SetOrigin(vol.Origin.X, vol.Origin.Y, vol.Origin.Z)
	mc.SetWorkers(workers)
	mesh, err := mc.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return mesh
}

// TestMarchingCubes verifies the extraction with a simple sphere
func TestMarchingCubes(t *testing.T) {
	size, radius := 20, 6.0
	vol := sphereVolume(size, radius)
	mesh := generate(t, vol, 150, 4)

	if mesh.NumFaces() < 100 {
		t.Fatalf("Expected at least 100 triangles for sphere, got %d", mesh.NumFaces())
	}
	if err := mesh.Validate(); err != nil {
		t.Fatalf("invalid mesh: %v", err)
	}
	if !mesh.IsClosed() {
		t.Error("sphere surface is not closed")
	}

	center := r3.Vec{X: float64(size-1) / 2, Y: float64(size-1) / 2, Z: float64(size-1) / 2}
	for i, v := range mesh.Vertices {
		if d := r3.Norm(r3.Sub(v, center)); math.Abs(d-radius) > 0.25 {
			t.Fatalf("vertex %d at distance %.3f from the centre, want %.1f", i, d, radius)
		}
		radial := r3.Unit(r3.Sub(v, center))
		if dot := r3.Dot(radial, mesh.Normals[i]); dot < 0.9 {
			t.Fatalf("vertex normal %d points inward or sideways, dot product: %f", i, dot)
		}
	}

	// face winding must agree with the outward normals
	for i, f := range mesh.Faces {
		n := mesh.FaceNormal(i)
		if r3.Norm(n) < 1e-9 {
			continue
		}
		c := r3.Scale(1.0/3, r3.Add(mesh.Vertices[f[0]], r3.Add(mesh.Vertices[f[1]], mesh.Vertices[f[2]])))
		if r3.Dot(n, r3.Sub(c, center)) <= 0 {
			t.Fatalf("Triangle %d is wound inward", i)
		}
	}
}

func TestPhysicalPositions(t *testing.T) {
	vol := sphereVolume(16, 4)
	vol.Spacing = models.Vec3{X: 0.5, Y: 1, Z: 2}
	vol.Origin = models.Vec3{X: 100, Y: -50, Z: 10}
	mesh := generate(t, vol, 150, 2)

	min, max := mesh.Bounds()
	center := 7.5
	wantMin := r3.Vec{X: 100 + (center-4)*0.5, Y: -50 + (center - 4), Z: 10 + (center-4)*2}
	wantMax := r3.Vec{X: 100 + (center+4)*0.5, Y: -50 + (center + 4), Z: 10 + (center+4)*2}
	for _, c := range []struct{ got, want, tol float64 }{
		{min.X, wantMin.X, 0.15}, {min.Y, wantMin.Y, 0.3}, {min.Z, wantMin.Z, 0.6},
		{max.X, wantMax.X, 0.15}, {max.Y, wantMax.Y, 0.3}, {max.Z, wantMax.Z, 0.6},
	} {
		if math.Abs(c.got-c.want) > c.tol {
			t.Errorf("bounds %v..%v, want about %v..%v", min, max, wantMin, wantMax)
			break
		}
	}
}

func TestDeterminism(t *testing.T) {
	vol := sphereVolume(24, 8)
	ref := generate(t, vol, 150, 1)
	for _, workers := range []int{1, 3, 8} {
		for run := 0; run < 2; run++ {
			mesh := generate(t, vol, 150, workers)
			if mesh.NumVertices() != ref.NumVertices() || mesh.NumFaces() != ref.NumFaces() {
				t.Fatalf("workers=%d run=%d: %d vertices %d faces, want %d and %d", workers, run,
					mesh.NumVertices(), mesh.NumFaces(), ref.NumVertices(), ref.NumFaces())
			}
			for i := range ref.Faces {
				if mesh.Faces[i] != ref.Faces[i] {
					t.Fatalf("workers=%d: face %d differs", workers, i)
				}
			}
			for i := range ref.Vertices {
				if mesh.Vertices[i] != ref.Vertices[i] {
					t.Fatalf("workers=%d: vertex %d differs", workers, i)
				}
			}
		}
	}
}

// TestSamplesOnLevel extracts an integer-quantized sphere at a level many
// samples hit exactly; every crossing at such a sample must be one vertex.
func TestSamplesOnLevel(t *testing.T) {
	const size, radius = 24, 8.0
	vol := models.NewVolumeDataset(size, size, size)
	center := float64(size-1) / 2
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy, dz := float64(x)-center, float64(y)-center, float64(z)-center
				vol.Set(x, y, z, float32(math.Round(radius-math.Sqrt(dx*dx+dy*dy+dz*dz))))
			}
		}
	}

	mesh := generate(t, vol, 0, 3)
	if mesh.NumFaces() < 500 {
		t.Fatalf("got %d faces for the quantized sphere", mesh.NumFaces())
	}
	if err := mesh.Validate(); err != nil {
		t.Fatalf("invalid mesh: %v", err)
	}
	if n := mesh.DegenerateFaces(); n != 0 {
		t.Errorf("%d of %d faces are degenerate", n, mesh.NumFaces())
	}
	for e, count := range mesh.Edges() {
		if count%2 != 0 {
			t.Fatalf("edge %v is shared by %d faces", e, count)
		}
	}

	onGrid := 0
	c := r3.Vec{X: center, Y: center, Z: center}
	for i, v := range mesh.Vertices {
		if v.X == math.Trunc(v.X) && v.Y == math.Trunc(v.Y) && v.Z == math.Trunc(v.Z) {
			onGrid++
		}
		if d := r3.Norm(r3.Sub(v, c)); math.Abs(d-radius) > 1.5 {
			t.Fatalf("vertex %d at radius %.2f", i, d)
		}
	}
	if onGrid == 0 {
		t.Error("no vertex sits on a sample, the level was never hit")
	}

	ref := generate(t, vol, 0, 1)
	if ref.NumFaces() != mesh.NumFaces() || ref.NumVertices() != mesh.NumVertices() {
		t.Errorf("workers changed the result: %d/%d faces", ref.NumFaces(), mesh.NumFaces())
	}
}

func TestUniformVolume(t *testing.T) {
	vol := models.NewVolumeDataset(8, 8, 8)
	for i := range vol.Data {
		vol.Data[i] = 42
	}
	mesh, attempts, err := Extract(vol, ThresholdPolicy{150, 50}, Options{})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !mesh.IsEmpty() || mesh.NumVertices() != 0 {
		t.Errorf("uniform volume produced %d faces", mesh.NumFaces())
	}
	if len(attempts) != 1 {
		t.Errorf("an empty result must not trigger a retry, got %d attempts", len(attempts))
	}
}

// fallbackVolume has an infinite core wrapped in a shell of 100s inside a
// zero background: a threshold above 100 cuts cells containing infinities,
// one below 100 only meets finite cells.
func fallbackVolume() *models.VolumeDataset {
	vol := models.NewVolumeDataset(12, 12, 12)
	for z := 3; z <= 8; z++ {
		for y := 3; y <= 8; y++ {
			for x := 3; x <= 8; x++ {
				v := float32(100)
				if x >= 5 && x <= 6 && y >= 5 && y <= 6 && z >= 5 && z <= 6 {
					v = float32(math.Inf(1))
				}
				vol.Set(x, y, z, v)
			}
		}
	}
	return vol
}

func TestThresholdFallback(t *testing.T) {
	vol := fallbackVolume()

	mesh, attempts, err := Extract(vol, ThresholdPolicy{150, 50}, Options{Workers: 2})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if !errors.Is(attempts[0].Err, ErrNonFiniteSample) {
		t.Errorf("first attempt error = %v, want ErrNonFiniteSample", attempts[0].Err)
	}
	if attempts[1].Err != nil || attempts[1].Threshold != 50 {
		t.Errorf("second attempt = %+v, want a success at 50", attempts[1])
	}
	if mesh.IsEmpty() || !mesh.IsClosed() || !mesh.Finite() {
		t.Errorf("fallback mesh: %d faces, closed=%v, finite=%v", mesh.NumFaces(), mesh.IsClosed(), mesh.Finite())
	}

	_, attempts, err = Extract(vol, ThresholdPolicy{150, 120}, Options{})
	if !errors.Is(err, ErrExtractionFailed) || !errors.Is(err, ErrNonFiniteSample) {
		t.Errorf("Extract error = %v, want ErrExtractionFailed wrapping the cause", err)
	}
	var failed *FailedError
	if !errors.As(err, &failed) || failed.Tried != 2 {
		t.Errorf("Extract error = %#v, want a FailedError after 2 thresholds", err)
	}
	if len(attempts) != 2 {
		t.Errorf("got %d attempts, want 2", len(attempts))
	}
}

func TestInvalidInput(t *testing.T) {
	vol := sphereVolume(6, 2)
	if _, err := NewMarchingCubes(vol.Data, 6, 6, 6, math.NaN()).Generate(); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("NaN level error = %v, want ErrInvalidLevel", err)
	}
	if _, err := NewMarchingCubes(vol.Data, 6, 6, 5, 150).Generate(); err == nil {
		t.Error("expected an error for mismatched dimensions")
	}
	if _, _, err := Extract(vol, nil, Options{}); !errors.Is(err, ErrEmptyPolicy) {
		t.Errorf("empty policy error = %v, want ErrEmptyPolicy", err)
	}

	flat := models.NewVolumeDataset(5, 5, 1)
	mesh, err := NewMarchingCubes(flat.Data, 5, 5, 1, 1).Generate()
	if err != nil || !mesh.IsEmpty() {
		t.Errorf("single-slice volume: mesh %v err %v, want empty mesh", mesh, err)
	}
}

func BenchmarkMarchingCubes(b *testing.B) {
	vol := sphereVolume(64, 24)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mc := NewMarchingCubes(vol.Data, vol.Width, vol.Height, vol.Depth, 150)
		if _, err := mc.Generate(); err != nil {
			b.Fatal(err)
		}
	}
}
