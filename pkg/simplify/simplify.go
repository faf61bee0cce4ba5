// Package simplify reduces triangle counts by quadric error edge collapse
// (Garland and Heckbert, 1997).
package simplify

import (
	"container/heap"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Jengaup/dicom-converter/internal/models"
)

var (
	// ErrInvalidFraction is returned for a fraction outside (0, 1).
	ErrInvalidFraction = errors.New("simplification fraction must be in (0, 1)")

	// ErrInvalidMesh is returned for meshes with dangling indices or
	// non-finite positions.
	ErrInvalidMesh = errors.New("invalid mesh")
)

// boundaryWeight scales the constraint planes that keep open borders in
// place.
const boundaryWeight = 100

// Report summarises a simplification run.
type Report struct {
	InputFaces  int
	OutputFaces int
	Target      int
	Collapses   int
	// Reached is false when no valid collapse remained before the target
	Reached bool
}

// Simplify removes about fraction of the triangles of mesh and returns a new
// compacted mesh with recomputed normals. It stops at ceil((1-fraction)*T)
// faces, or earlier if no collapse keeps the surface manifold and unflipped.
// The input is not modified.
func Simplify(mesh *models.Mesh, fraction float64) (*models.Mesh, Report, error) {
	if !(fraction > 0 && fraction < 1) {
		return nil, Report{}, errors.Wrapf(ErrInvalidFraction, "got %v", fraction)
	}
	if err := mesh.Validate(); err != nil {
		return nil, Report{}, errors.Wrap(ErrInvalidMesh, err.Error())
	}
	if !mesh.Finite() {
		return nil, Report{}, errors.Wrap(ErrInvalidMesh, "non-finite vertex data")
	}

	total := mesh.NumFaces()
	target := int(math.Ceil((1 - fraction) * float64(total)))
	report := Report{InputFaces: total, Target: target}
	if total == 0 {
		out := mesh.Clone()
		report.Reached = true
		return out, report, nil
	}

	s := newSimplifier(mesh)
	report.Collapses = s.run(target)
	out := s.compact()
	out.ComputeNormals()
	report.OutputFaces = out.NumFaces()
	report.Reached = report.OutputFaces <= target
	return out, report, nil
}

type candidate struct {
	cost   float64
	a, b   int
	va, vb int
	pos    r3.Vec
}

// candidateHeap is a min-heap on cost.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].cost < h[j].cost }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

type simplifier struct {
	pos       []r3.Vec
	faces     [][3]int
	alive     []bool
	live      int
	vertFaces [][]int
	quadrics  []quadric
	removed   []bool
	version   []int
	heap      candidateHeap
}

func newSimplifier(mesh *models.Mesh) *simplifier {
	n := mesh.NumVertices()
	s := &simplifier{
		pos:       append([]r3.Vec(nil), mesh.Vertices...),
		faces:     make([][3]int, 0, mesh.NumFaces()),
		vertFaces: make([][]int, n),
		quadrics:  make([]quadric, n),
		removed:   make([]bool, n),
		version:   make([]int, n),
	}

	// duplicate and index-degenerate input faces are dropped up front
	seen := make(map[[3]int]bool, mesh.NumFaces())
	for _, f := range mesh.Faces {
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			continue
		}
		key := sortedFace(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		fi := len(s.faces)
		s.faces = append(s.faces, f)
		for _, v := range f {
			s.vertFaces[v] = append(s.vertFaces[v], fi)
		}
	}
	s.alive = make([]bool, len(s.faces))
	for i := range s.alive {
		s.alive[i] = true
	}
	s.live = len(s.faces)

	s.initQuadrics()
	for v := range s.pos {
		for _, u := range s.neighbors(v) {
			if v < u {
				s.push(v, u)
			}
		}
	}
	return s
}

func sortedFace(f [3]int) [3]int {
	if f[0] > f[1] {
		f[0], f[1] = f[1], f[0]
	}
	if f[1] > f[2] {
		f[1], f[2] = f[2], f[1]
	}
	if f[0] > f[1] {
		f[0], f[1] = f[1], f[0]
	}
	return f
}

func (s *simplifier) faceNormal(f [3]int) r3.Vec {
	a, b, c := s.pos[f[0]], s.pos[f[1]], s.pos[f[2]]
	return r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
}

// initQuadrics accumulates area-weighted face planes, plus a perpendicular
// constraint plane along every border edge.
func (s *simplifier) initQuadrics() {
	edgeFaces := make(map[models.Edge][]int)
	for fi, f := range s.faces {
		n := s.faceNormal(f)
		l := r3.Norm(n)
		if l == 0 {
			continue
		}
		unit := r3.Scale(1/l, n)
		q := planeQuadric(unit, -r3.Dot(unit, s.pos[f[0]]), l/2)
		for _, v := range f {
			s.quadrics[v].add(q)
		}
		for k := 0; k < 3; k++ {
			e := models.NewEdge(f[k], f[(k+1)%3])
			edgeFaces[e] = append(edgeFaces[e], fi)
		}
	}

	for e, faces := range edgeFaces {
		if len(faces) != 1 {
			continue
		}
		n := s.faceNormal(s.faces[faces[0]])
		dir := r3.Sub(s.pos[e.B], s.pos[e.A])
		perp := r3.Cross(dir, n)
		l := r3.Norm(perp)
		if l == 0 {
			continue
		}
		unit := r3.Scale(1/l, perp)
		q := planeQuadric(unit, -r3.Dot(unit, s.pos[e.A]), boundaryWeight*r3.Norm2(dir))
		s.quadrics[e.A].add(q)
		s.quadrics[e.B].add(q)
	}
}

// neighbors lists the distinct vertices sharing a live face with v.
func (s *simplifier) neighbors(v int) []int {
	var out []int
	for _, fi := range s.vertFaces[v] {
		if !s.alive[fi] {
			continue
		}
		for _, u := range s.faces[fi] {
			if u == v {
				continue
			}
			dup := false
			for _, w := range out {
				if w == u {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, u)
			}
		}
	}
	return out
}

// push queues the collapse of edge (a, b) at its cheapest position.
func (s *simplifier) push(a, b int) {
	q := s.quadrics[a].sum(s.quadrics[b])
	pa, pb := s.pos[a], s.pos[b]
	mid := r3.Scale(0.5, r3.Add(pa, pb))

	best, cost := mid, q.eval(mid)
	for _, p := range []r3.Vec{pa, pb} {
		if c := q.eval(p); c < cost {
			best, cost = p, c
		}
	}
	if opt, ok := q.minimize(); ok {
		// a minimiser far from the edge means the system was nearly singular
		if r3.Norm(r3.Sub(opt, mid)) <= 2*r3.Norm(r3.Sub(pa, pb)) {
			if c := q.eval(opt); c <= cost {
				best, cost = opt, c
			}
		}
	}
	if cost < 0 {
		cost = 0
	}
	heap.Push(&s.heap, candidate{cost: cost, a: a, b: b, va: s.version[a], vb: s.version[b], pos: best})
}

// maxRetryRounds bounds how often rejected collapses are reconsidered once
// the queue runs dry.
const maxRetryRounds = 8

func (s *simplifier) run(target int) int {
	heap.Init(&s.heap)
	collapses := 0
	var retry [][2]int
	progress, rounds := false, 0
	for s.live > target {
		if s.heap.Len() == 0 {
			// collapses elsewhere may have unblocked rejected edges
			if !progress || len(retry) == 0 || rounds == maxRetryRounds {
				break
			}
			for _, e := range retry {
				if !s.removed[e[0]] && !s.removed[e[1]] {
					s.push(e[0], e[1])
				}
			}
			retry = retry[:0]
			progress = false
			rounds++
			continue
		}

		c := heap.Pop(&s.heap).(candidate)
		if s.removed[c.a] || s.removed[c.b] || s.version[c.a] != c.va || s.version[c.b] != c.vb {
			continue
		}
		if !s.canCollapse(c.a, c.b, c.pos) {
			retry = append(retry, [2]int{c.a, c.b})
			continue
		}
		s.collapse(c.a, c.b, c.pos)
		collapses++
		progress = true
	}
	return collapses
}

// isBorder reports whether v lies on an edge used by a single live face.
func (s *simplifier) isBorder(v int) bool {
	for _, u := range s.neighbors(v) {
		if len(s.sharedFaces(v, u)) == 1 {
			return true
		}
	}
	return false
}

func (s *simplifier) sharedFaces(a, b int) []int {
	var out []int
	for _, fi := range s.vertFaces[a] {
		if !s.alive[fi] {
			continue
		}
		f := s.faces[fi]
		if f[0] == b || f[1] == b || f[2] == b {
			out = append(out, fi)
		}
	}
	return out
}

// canCollapse checks the link condition and rejects collapses that would
// flip or flatten a surviving face.
func (s *simplifier) canCollapse(a, b int, p r3.Vec) bool {
	shared := s.sharedFaces(a, b)
	if len(shared) == 0 || len(shared) > 2 {
		return false
	}
	if len(shared) == 2 && s.isBorder(a) && s.isBorder(b) {
		return false
	}

	// link condition: common neighbours are exactly the apexes of the
	// faces on the edge
	apex := make(map[int]bool, 2)
	for _, fi := range shared {
		for _, v := range s.faces[fi] {
			if v != a && v != b {
				apex[v] = true
			}
		}
	}
	na, nb := s.neighbors(a), s.neighbors(b)
	union := make(map[int]bool, len(na)+len(nb))
	for _, v := range na {
		union[v] = true
	}
	for _, v := range nb {
		if v == a {
			continue
		}
		if union[v] && !apex[v] {
			return false
		}
		union[v] = true
	}
	delete(union, b)
	// a tetrahedron or smaller would fold into doubled faces
	if len(union) <= 2 {
		return false
	}

	for _, v := range []int{a, b} {
		for _, fi := range s.vertFaces[v] {
			if !s.alive[fi] {
				continue
			}
			f := s.faces[fi]
			if hasVertex(f, a) && hasVertex(f, b) {
				continue
			}
			before := s.faceNormal(f)
			lb := r3.Norm(before)
			if lb == 0 {
				continue
			}
			moved := f
			saved := s.pos[v]
			s.pos[v] = p
			after := s.faceNormal(moved)
			s.pos[v] = saved
			la := r3.Norm(after)
			if la < 1e-9*lb || r3.Dot(before, after) < 0.1*lb*la {
				return false
			}
		}
	}
	return true
}

func hasVertex(f [3]int, v int) bool {
	return f[0] == v || f[1] == v || f[2] == v
}

// collapse merges b into a at position p.
func (s *simplifier) collapse(a, b int, p r3.Vec) {
	s.pos[a] = p
	s.quadrics[a].add(s.quadrics[b])
	s.removed[b] = true
	s.version[a]++
	s.version[b]++

	for _, fi := range s.vertFaces[b] {
		if !s.alive[fi] {
			continue
		}
		f := &s.faces[fi]
		if hasVertex(*f, a) {
			s.kill(fi)
			continue
		}
		for k := range f {
			if f[k] == b {
				f[k] = a
			}
		}
		s.vertFaces[a] = append(s.vertFaces[a], fi)
	}
	s.vertFaces[b] = nil

	// drop faces that now duplicate another
	seen := make(map[[3]int]bool)
	kept := s.vertFaces[a][:0]
	for _, fi := range s.vertFaces[a] {
		if !s.alive[fi] {
			continue
		}
		key := sortedFace(s.faces[fi])
		if seen[key] {
			s.kill(fi)
			continue
		}
		seen[key] = true
		kept = append(kept, fi)
	}
	s.vertFaces[a] = kept

	for _, u := range s.neighbors(a) {
		s.push(a, u)
	}
}

func (s *simplifier) kill(fi int) {
	if s.alive[fi] {
		s.alive[fi] = false
		s.live--
	}
}

// compact drops removed vertices and dead faces.
func (s *simplifier) compact() *models.Mesh {
	remap := make([]int, len(s.pos))
	for i := range remap {
		remap[i] = -1
	}
	out := &models.Mesh{}
	for fi, f := range s.faces {
		if !s.alive[fi] {
			continue
		}
		var nf [3]int
		for k, v := range f {
			if remap[v] < 0 {
				remap[v] = len(out.Vertices)
				out.Vertices = append(out.Vertices, s.pos[v])
			}
			nf[k] = remap[v]
		}
		out.Faces = append(out.Faces, nf)
	}
	return out
}
