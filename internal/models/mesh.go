package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is an indexed triangle mesh
type Mesh struct {
	// Vertices holds vertex positions in physical units
	Vertices []r3.Vec

	// Faces holds triangles as triples of indices into Vertices
	Faces [][3]int

	// Normals is either nil or holds one unit normal per vertex
	Normals []r3.Vec
}

// Edge is an undirected mesh edge with A < B.
type Edge struct {
	A, B int
}

// NewEdge orders the endpoints so equal edges compare equal.
func NewEdge(a, b int) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

// NumVertices returns len(Vertices).
func (m *Mesh) NumVertices() int { return len(m.Vertices) }

// NumFaces returns len(Faces).
func (m *Mesh) NumFaces() int { return len(m.Faces) }

// IsEmpty reports a mesh without faces.
func (m *Mesh) IsEmpty() bool { return len(m.Faces) == 0 }

// Validate checks that every face index addresses an existing vertex and
// that normals, when present, match the vertex count.
func (m *Mesh) Validate() error {
	n := len(m.Vertices)
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return fmt.Errorf("face %d references vertex %d, mesh has %d vertices", i, idx, n)
			}
		}
	}
	if m.Normals != nil && len(m.Normals) != n {
		return fmt.Errorf("mesh has %d normals for %d vertices", len(m.Normals), n)
	}
	return nil
}

// Finite reports whether every position and normal is a finite number.
func (m *Mesh) Finite() bool {
	for _, v := range m.Vertices {
		if !finite(v) {
			return false
		}
	}
	for _, v := range m.Normals {
		if !finite(v) {
			return false
		}
	}
	return true
}

func finite(v r3.Vec) bool {
	return !math.IsNaN(v.X+v.Y+v.Z) && !math.IsInf(v.X+v.Y+v.Z, 0)
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	c := &Mesh{
		Vertices: append([]r3.Vec(nil), m.Vertices...),
		Faces:    append([][3]int(nil), m.Faces...),
	}
	if m.Normals != nil {
		c.Normals = append([]r3.Vec(nil), m.Normals...)
	}
	return c
}

// FaceNormal returns the unnormalised normal of face i; its length is twice
// the triangle area.
func (m *Mesh) FaceNormal(i int) r3.Vec {
	f := m.Faces[i]
	a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
	return r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
}

// ComputeNormals replaces Normals with area-weighted averages of the
// incident face normals.
func (m *Mesh) ComputeNormals() {
	normals := make([]r3.Vec, len(m.Vertices))
	for i, f := range m.Faces {
		n := m.FaceNormal(i)
		for _, idx := range f {
			normals[idx] = r3.Add(normals[idx], n)
		}
	}
	for i, n := range normals {
		if l := r3.Norm(n); l > 0 {
			normals[i] = r3.Scale(1/l, n)
		}
	}
	m.Normals = normals
}

// Edges counts, for every undirected edge, how many faces use it.
func (m *Mesh) Edges() map[Edge]int {
	edges := make(map[Edge]int, len(m.Faces)*3/2)
	for _, f := range m.Faces {
		for k := 0; k < 3; k++ {
			edges[NewEdge(f[k], f[(k+1)%3])]++
		}
	}
	return edges
}

// IsClosed reports whether every edge is shared by exactly two faces. An
// empty mesh is not closed.
func (m *Mesh) IsClosed() bool {
	if len(m.Faces) == 0 {
		return false
	}
	for _, count := range m.Edges() {
		if count != 2 {
			return false
		}
	}
	return true
}

// Bounds returns the axis-aligned bounding box of the vertices.
func (m *Mesh) Bounds() (min, max r3.Vec) {
	if len(m.Vertices) == 0 {
		return r3.Vec{}, r3.Vec{}
	}
	min, max = m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		min = r3.Vec{X: math.Min(min.X, v.X), Y: math.Min(min.Y, v.Y), Z: math.Min(min.Z, v.Z)}
		max = r3.Vec{X: math.Max(max.X, v.X), Y: math.Max(max.Y, v.Y), Z: math.Max(max.Z, v.Z)}
	}
	return min, max
}

// DegenerateFaces counts faces with a repeated index or zero area.
func (m *Mesh) DegenerateFaces() int {
	count := 0
	for i, f := range m.Faces {
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] || r3.Norm2(m.FaceNormal(i)) == 0 {
			count++
		}
	}
	return count
}
