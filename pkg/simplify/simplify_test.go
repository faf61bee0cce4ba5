package simplify

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Jengaup/dicom-converter/internal/models"
	"github.com/Jengaup/dicom-converter/pkg/isosurface"
)

func sphereMesh(t testing.TB, size int, radius float64) (*models.Mesh, r3.Vec) {
	t.Helper()
	data := make([]float32, size*size*size)
	c := float64(size-1) / 2
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				d := math.Sqrt((float64(x)-c)*(float64(x)-c) + (float64(y)-c)*(float64(y)-c) + (float64(z)-c)*(float64(z)-c))
				data[z*size*size+y*size+x] = float32(radius - d)
			}
		}
	}
	mesh, err := isosurface.NewMarchingCubes(data, size, size, size, 0).Generate()
	if err != nil {
		t.Fatalf("extracting test sphere: %v", err)
	}
	return mesh, r3.Vec{X: c, Y: c, Z: c}
}

// gridMesh is a flat n x n square of 2*n*n triangles in the z=0 plane.
func gridMesh(n int) *models.Mesh {
	m := &models.Mesh{}
	for y := 0; y <= n; y++ {
		for x := 0; x <= n; x++ {
			m.Vertices = append(m.Vertices, r3.Vec{X: float64(x), Y: float64(y)})
		}
	}
	idx := func(x, y int) int { return y*(n+1) + x }
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			m.Faces = append(m.Faces,
				[3]int{idx(x, y), idx(x+1, y), idx(x+1, y+1)},
				[3]int{idx(x, y), idx(x+1, y+1), idx(x, y+1)})
		}
	}
	return m
}

func TestSimplifySphere(t *testing.T) {
	mesh, center := sphereMesh(t, 40, 15)
	if mesh.NumFaces() < 1000 {
		t.Fatalf("test sphere too coarse: %d faces", mesh.NumFaces())
	}
	before := mesh.Clone()

	out, report, err := Simplify(mesh, 0.5)
	if err != nil {
		t.Fatalf("Simplify failed: %v", err)
	}
	target := int(math.Ceil(0.5 * float64(mesh.NumFaces())))
	if report.Target != target {
		t.Errorf("target = %d, want %d", report.Target, target)
	}
	if out.NumFaces() > mesh.NumFaces() {
		t.Errorf("simplification grew the mesh to %d faces", out.NumFaces())
	}
	if lo, hi := 0.9*float64(target), 1.1*float64(target); float64(out.NumFaces()) < lo || float64(out.NumFaces()) > hi {
		t.Errorf("got %d faces, want within 10%% of %d", out.NumFaces(), target)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("invalid output: %v", err)
	}
	if !out.IsClosed() {
		t.Error("simplified sphere is no longer closed")
	}
	if out.DegenerateFaces() != 0 {
		t.Errorf("%d degenerate faces survived", out.DegenerateFaces())
	}
	if len(out.Normals) != out.NumVertices() {
		t.Errorf("normals were not recomputed")
	}
	for i, v := range out.Vertices {
		if d := r3.Norm(r3.Sub(v, center)); math.Abs(d-15) > 0.5 {
			t.Fatalf("vertex %d drifted to radius %.3f", i, d)
		}
	}

	dev := Deviation(mesh, out)
	if dev.Max > 1 || dev.Mean > dev.Max {
		t.Errorf("deviation = %+v, want max below one cell", dev)
	}

	for i := range before.Vertices {
		if mesh.Vertices[i] != before.Vertices[i] {
			t.Fatal("Simplify modified its input")
		}
	}
}

func TestSimplifyKeepsBorder(t *testing.T) {
	mesh := gridMesh(16)
	out, report, err := Simplify(mesh, 0.75)
	if err != nil {
		t.Fatalf("Simplify failed: %v", err)
	}
	if out.NumFaces() >= mesh.NumFaces() || report.Collapses == 0 {
		t.Fatalf("flat grid was not simplified: %d faces", out.NumFaces())
	}
	lo, hi := out.Bounds()
	if r3.Norm(lo) > 1e-9 || r3.Norm(r3.Sub(hi, r3.Vec{X: 16, Y: 16})) > 1e-9 {
		t.Errorf("bounds changed to %v..%v", lo, hi)
	}
	for i := range out.Faces {
		if out.FaceNormal(i).Z < 0 {
			t.Fatalf("face %d flipped", i)
		}
	}
}

func TestSimplifySmallMesh(t *testing.T) {
	tri := &models.Mesh{
		Vertices: []r3.Vec{{}, {X: 1}, {Y: 1}},
		Faces:    [][3]int{{0, 1, 2}},
	}
	out, _, err := Simplify(tri, 0.5)
	if err != nil {
		t.Fatalf("Simplify failed on one triangle: %v", err)
	}
	if out.NumFaces() != 1 {
		t.Errorf("one triangle became %d faces", out.NumFaces())
	}

	// no collapse of a lone quad keeps it a surface, so the target is missed
	quad := gridMesh(1)
	out, report, err := Simplify(quad, 0.9)
	if err != nil {
		t.Fatalf("Simplify failed on a quad: %v", err)
	}
	if out.NumFaces() != 2 || report.Reached {
		t.Errorf("quad: %d faces, reached=%v", out.NumFaces(), report.Reached)
	}

	empty, report, err := Simplify(&models.Mesh{}, 0.5)
	if err != nil || !empty.IsEmpty() || !report.Reached {
		t.Errorf("empty mesh: %v %+v %v", empty, report, err)
	}
}

func TestSimplifyInvalid(t *testing.T) {
	mesh := gridMesh(2)
	for _, f := range []float64{0, 1, -0.5, 1.5, math.NaN()} {
		if _, _, err := Simplify(mesh, f); !errors.Is(err, ErrInvalidFraction) {
			t.Errorf("fraction %v: error = %v, want ErrInvalidFraction", f, err)
		}
	}

	bad := gridMesh(2)
	bad.Faces[0][1] = 99
	if _, _, err := Simplify(bad, 0.5); !errors.Is(err, ErrInvalidMesh) {
		t.Errorf("dangling index: error = %v, want ErrInvalidMesh", err)
	}
	bad = gridMesh(2)
	bad.Vertices[0].X = math.Inf(1)
	if _, _, err := Simplify(bad, 0.5); !errors.Is(err, ErrInvalidMesh) {
		t.Errorf("infinite vertex: error = %v, want ErrInvalidMesh", err)
	}
}

func TestQuadricMinimize(t *testing.T) {
	// three orthogonal planes through (1, 2, 3)
	var q quadric
	p := r3.Vec{X: 1, Y: 2, Z: 3}
	for _, n := range []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}} {
		q.add(planeQuadric(n, -r3.Dot(n, p), 1))
	}
	v, ok := q.minimize()
	if !ok {
		t.Fatal("well conditioned quadric not solved")
	}
	if r3.Norm(r3.Sub(v, p)) > 1e-9 || q.eval(v) > 1e-12 {
		t.Errorf("minimiser = %v with error %g, want %v", v, q.eval(v), p)
	}

	// a single plane has no unique minimiser
	var flat quadric
	flat.add(planeQuadric(r3.Vec{Z: 1}, 0, 1))
	if _, ok := flat.minimize(); ok {
		t.Error("singular quadric reported a minimiser")
	}
}

func TestDeviationNearestVertex(t *testing.T) {
	original := gridMesh(6)
	moved := &models.Mesh{Vertices: []r3.Vec{
		{X: 0.2, Y: 0.1, Z: 0},
		{X: 3.5, Y: 2.5, Z: 1},
		{X: 6, Y: 6, Z: -2},
		{X: 10, Y: 3, Z: 0},
	}}

	var wantMax, wantMean float64
	for _, v := range moved.Vertices {
		best := math.Inf(1)
		for _, o := range original.Vertices {
			best = math.Min(best, r3.Norm(r3.Sub(v, o)))
		}
		wantMax = math.Max(wantMax, best)
		wantMean += best / float64(len(moved.Vertices))
	}

	dev := Deviation(original, moved)
	if math.Abs(dev.Max-wantMax) > 1e-12 || math.Abs(dev.Mean-wantMean) > 1e-12 {
		t.Errorf("deviation = %+v, want max %g mean %g", dev, wantMax, wantMean)
	}
	if dev.Max != 4 {
		t.Errorf("farthest vertex deviates by %g, want 4", dev.Max)
	}
	if got := Deviation(&models.Mesh{}, moved); got != (DeviationReport{}) {
		t.Errorf("empty original: %+v", got)
	}
}

func BenchmarkSimplify(b *testing.B) {
	mesh, _ := sphereMesh(b, 48, 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := Simplify(mesh, 0.5); err != nil {
			b.Fatal(err)
		}
	}
}
