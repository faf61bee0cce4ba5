package export

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Jengaup/dicom-converter/internal/models"
)

func tetrahedron() *models.Mesh {
	m := &models.Mesh{
		Vertices: []r3.Vec{
			{X: 10, Y: 10, Z: 10}, {X: 30, Y: 10, Z: 10}, {X: 10, Y: 30, Z: 10}, {X: 10, Y: 10, Z: 30},
		},
		Faces: [][3]int{{0, 2, 1}, {0, 1, 3}, {0, 3, 2}, {1, 2, 3}},
	}
	m.ComputeNormals()
	return m
}

func TestWriteGLB(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteGLB(&buf, tetrahedron(), Options{Scale: 1, NodeName: "tet", Generator: "test"}); err != nil {
		t.Fatalf("WriteGLB failed: %v", err)
	}
	if buf.Len()%4 != 0 {
		t.Errorf("GLB length %d is not 4-byte aligned", buf.Len())
	}
	s, err := Inspect(&buf)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !s.HasMesh || s.Vertices != 4 || s.Indices != 12 || !s.HasNormals || s.Wide {
		t.Errorf("summary = %+v", s)
	}
	if s.NodeName != "tet" || s.Generator != "test" {
		t.Errorf("names = %q %q", s.NodeName, s.Generator)
	}
	if s.Min != [3]float32{10, 10, 10} || s.Max != [3]float32{30, 30, 30} {
		t.Errorf("bounds = %v..%v", s.Min, s.Max)
	}
}

func TestWriteGLBScaleAndRecenter(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteGLB(&buf, tetrahedron(), DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	s, err := Inspect(&buf)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < 3; k++ {
		if math.Abs(float64(s.Min[k])+0.01) > 1e-6 || math.Abs(float64(s.Max[k])-0.01) > 1e-6 {
			t.Fatalf("bounds = %v..%v, want +-0.01", s.Min, s.Max)
		}
	}
}

func TestWriteGLBEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteGLB(&buf, &models.Mesh{}, DefaultOptions()); err != nil {
		t.Fatalf("WriteGLB failed on empty mesh: %v", err)
	}
	s, err := Inspect(&buf)
	if err != nil {
		t.Fatalf("empty GLB is not valid: %v", err)
	}
	if s.HasMesh {
		t.Error("empty mesh produced a mesh node")
	}
}

func TestWriteGLBWideIndices(t *testing.T) {
	m := &models.Mesh{Vertices: make([]r3.Vec, 70000)}
	for i := range m.Vertices {
		m.Vertices[i] = r3.Vec{X: float64(i % 300), Y: float64(i / 300), Z: float64(i % 7)}
	}
	m.Faces = [][3]int{{0, 1, 300}, {69997, 69998, 69999}}

	var buf bytes.Buffer
	if err := WriteGLB(&buf, m, Options{}); err != nil {
		t.Fatal(err)
	}
	s, err := Inspect(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Wide || s.HasNormals || s.Indices != 6 {
		t.Errorf("summary = %+v, want uint32 indices without normals", s)
	}
}

func TestSaveInvalidLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	bad := tetrahedron()
	bad.Faces[1][2] = 9
	nan := tetrahedron()
	nan.Vertices[0].Z = math.NaN()

	for name, mesh := range map[string]*models.Mesh{"dangling": bad, "nan": nan} {
		for _, ext := range []string{".glb", ".stl"} {
			path := filepath.Join(dir, name+ext)
			if err := Save(path, mesh, DefaultOptions()); !errors.Is(err, ErrInvalidMesh) {
				t.Errorf("%s%s: error = %v, want ErrInvalidMesh", name, ext, err)
			}
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed exports left %d files behind", len(entries))
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()

	glb := filepath.Join(dir, "out", "scan.glb")
	if err := Save(glb, tetrahedron(), DefaultOptions()); err != nil {
		t.Fatalf("Save glb: %v", err)
	}
	f, err := os.Open(glb)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := Inspect(f); err != nil {
		t.Errorf("saved GLB is invalid: %v", err)
	}

	stl := filepath.Join(dir, "scan.stl")
	if err := Save(stl, tetrahedron(), DefaultOptions()); err != nil {
		t.Fatalf("Save stl: %v", err)
	}
	info, err := os.Stat(stl)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 84+50*4 {
		t.Errorf("STL size = %d, want %d", info.Size(), 84+50*4)
	}

	if err := Save(filepath.Join(dir, "scan.obj"), tetrahedron(), DefaultOptions()); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("obj: error = %v, want ErrUnsupportedFormat", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temporary files left: %v", matches)
	}
}
