package simplify

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Jengaup/dicom-converter/internal/models"
)

func axis(v r3.Vec, d kdtree.Dim) float64 {
	switch d {
	case 0:
		return v.X
	case 1:
		return v.Y
	case 2:
		return v.Z
	}
	panic("illegal dimension")
}

// vertex is a mesh position stored in the kd-tree.
type vertex r3.Vec

func (v vertex) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return axis(r3.Vec(v), d) - axis(r3.Vec(c.(vertex)), d)
}

func (v vertex) Dims() int { return 3 }

// Distance is squared, as kdtree expects.
func (v vertex) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(r3.Vec(v), r3.Vec(c.(vertex))))
}

// vertexCloud is the kdtree.Interface over a mesh's vertices.
type vertexCloud []vertex

func newVertexCloud(m *models.Mesh) vertexCloud {
	c := make(vertexCloud, len(m.Vertices))
	for i, v := range m.Vertices {
		c[i] = vertex(v)
	}
	return c
}

func (c vertexCloud) Index(i int) kdtree.Comparable         { return c[i] }
func (c vertexCloud) Len() int                              { return len(c) }
func (c vertexCloud) Slice(start, end int) kdtree.Interface { return c[start:end] }

func (c vertexCloud) Pivot(d kdtree.Dim) int {
	s := byAxis{cloud: c, dim: d}
	return kdtree.Partition(s, kdtree.MedianOfRandoms(s, 100))
}

// byAxis sorts a cloud along one dimension.
type byAxis struct {
	cloud vertexCloud
	dim   kdtree.Dim
}

func (s byAxis) Len() int { return len(s.cloud) }

func (s byAxis) Less(i, j int) bool {
	return axis(r3.Vec(s.cloud[i]), s.dim) < axis(r3.Vec(s.cloud[j]), s.dim)
}

func (s byAxis) Swap(i, j int) { s.cloud[i], s.cloud[j] = s.cloud[j], s.cloud[i] }

func (s byAxis) Slice(start, end int) kdtree.SortSlicer {
	return byAxis{cloud: s.cloud[start:end], dim: s.dim}
}

// DeviationReport measures how far a simplified mesh strays from the
// original surface samples.
type DeviationReport struct {
	Max  float64
	Mean float64
}

// Deviation returns the distance from every vertex of simplified to the
// nearest vertex of original, as maximum and mean. It is one-sided and
// measured against vertices, so it overestimates the true surface distance
// by at most half the original edge length.
func Deviation(original, simplified *models.Mesh) DeviationReport {
	if original.NumVertices() == 0 || simplified.NumVertices() == 0 {
		return DeviationReport{}
	}
	tree := kdtree.New(newVertexCloud(original), true)

	var r DeviationReport
	for _, v := range simplified.Vertices {
		_, d2 := tree.Nearest(vertex(v))
		d := math.Sqrt(d2)
		r.Max = math.Max(r.Max, d)
		r.Mean += d
	}
	r.Mean /= float64(simplified.NumVertices())
	return r
}
