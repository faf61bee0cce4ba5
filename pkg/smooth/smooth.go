// Package smooth relaxes mesh vertices toward their neighbours.
package smooth

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Jengaup/dicom-converter/internal/models"
)

var (
	// ErrInvalidMesh is returned for dangling indices or non-finite positions.
	ErrInvalidMesh = errors.New("invalid mesh")

	// ErrInvalidParams is returned for negative iterations or a
	// non-finite lambda.
	ErrInvalidParams = errors.New("invalid smoothing parameters")
)

// Laplacian applies uniform-weight Laplacian smoothing to a copy of mesh:
// each iteration moves every vertex by lambda times the offset from itself
// to the average of its edge neighbours. Vertex and face counts and the
// connectivity never change, and isolated vertices stay where they are.
// Normals of the result are recomputed from the smoothed faces.
func Laplacian(mesh *models.Mesh, iterations int, lambda float64) (*models.Mesh, error) {
	if err := mesh.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidMesh, err.Error())
	}
	if !mesh.Finite() {
		return nil, errors.Wrap(ErrInvalidMesh, "non-finite vertex data")
	}
	if iterations < 0 || math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		return nil, errors.Wrapf(ErrInvalidParams, "iterations=%d lambda=%v", iterations, lambda)
	}

	out := mesh.Clone()
	if iterations == 0 || out.IsEmpty() {
		out.ComputeNormals()
		return out, nil
	}

	adj := adjacency(out)
	next := make([]r3.Vec, len(out.Vertices))
	for it := 0; it < iterations; it++ {
		for i, p := range out.Vertices {
			if len(adj[i]) == 0 {
				next[i] = p
				continue
			}
			var sum r3.Vec
			for _, j := range adj[i] {
				sum = r3.Add(sum, out.Vertices[j])
			}
			avg := r3.Scale(1/float64(len(adj[i])), sum)
			next[i] = r3.Add(p, r3.Scale(lambda, r3.Sub(avg, p)))
		}
		out.Vertices, next = next, out.Vertices
	}
	out.ComputeNormals()
	return out, nil
}

// adjacency lists each vertex's distinct edge neighbours in first-seen order.
func adjacency(mesh *models.Mesh) [][]int {
	adj := make([][]int, len(mesh.Vertices))
	seen := make(map[models.Edge]bool, len(mesh.Faces)*3/2)
	for _, f := range mesh.Faces {
		for k := 0; k < 3; k++ {
			a, b := f[k], f[(k+1)%3]
			if a == b {
				continue
			}
			e := models.NewEdge(a, b)
			if seen[e] {
				continue
			}
			seen[e] = true
			adj[a] = append(adj[a], b)
			adj[b] = append(adj[b], a)
		}
	}
	return adj
}
