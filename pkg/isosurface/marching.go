// Package isosurface extracts triangle meshes from scalar volumes.
//
// Each cube of eight neighbouring samples is split into six tetrahedra
// around its main diagonal, and every tetrahedron is polygonized on its own
// (marching tetrahedra). The split is the same in every cell, so faces shared
// by neighbouring cells are cut identically and the resulting indexed mesh is
// closed wherever the surface stays inside the grid.
package isosurface

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Jengaup/dicom-converter/internal/models"
)

var (
	// ErrInvalidLevel is returned for a non-finite iso value.
	ErrInvalidLevel = errors.New("iso level is not a finite number")

	// ErrNonFiniteSample is returned when a cell crossed by the surface
	// contains a NaN or infinite sample.
	ErrNonFiniteSample = errors.New("non-finite sample in a cell crossed by the surface")
)

// slabDepth is the number of cell layers handed to a worker at a time. It is
// fixed so the output does not depend on the worker count.
const slabDepth = 4

// kuhn lists the six tetrahedra of a cell as corner indices, each a
// monotone path from corner 0 to corner 7. Corner c sits at offset
// (c&1, c>>1&1, c>>2&1).
var kuhn = [6][4]int{
	{0, 1, 3, 7},
	{0, 1, 5, 7},
	{0, 2, 3, 7},
	{0, 2, 6, 7},
	{0, 4, 5, 7},
	{0, 4, 6, 7},
}

// MarchingCubes extracts the isosurface of a sampled scalar field.
type MarchingCubes struct {
	data                 []float32
	width, height, depth int
	isoLevel             float64
	scale                r3.Vec
	origin               r3.Vec
	workers              int
}

// NewMarchingCubes prepares extraction of the surface value == isoLevel from
// data laid out as z*width*height + y*width + x. Samples >= isoLevel are
// inside.
func NewMarchingCubes(data []float32, width, height, depth int, isoLevel float64) *MarchingCubes {
	return &MarchingCubes{
		data:     data,
		width:    width,
		height:   height,
		depth:    depth,
		isoLevel: isoLevel,
		scale:    r3.Vec{X: 1, Y: 1, Z: 1},
		workers:  runtime.NumCPU(),
	}
}

// SetScale sets the physical size of one cell along each axis.
func (mc *MarchingCubes) SetScale(x, y, z float64) {
	mc.scale = r3.Vec{X: x, Y: y, Z: z}
}

// SetOrigin sets the physical position of sample (0,0,0).
func (mc *MarchingCubes) SetOrigin(x, y, z float64) {
	mc.origin = r3.Vec{X: x, Y: y, Z: z}
}

// SetWorkers bounds the number of goroutines used by Generate.
func (mc *MarchingCubes) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	mc.workers = n
}

// slab is the partial mesh of a run of cell layers. Vertices are keyed by
// global edge id so slabs can be stitched together.
type slab struct {
	ids    []int64
	pos    []r3.Vec
	grad   []r3.Vec
	lookup map[int64]int32
	tris   [][3]int32
}

// Generate runs the extraction. A volume the surface does not cross yields an
// empty mesh and no error.
func (mc *MarchingCubes) Generate() (*models.Mesh, error) {
	if math.IsNaN(mc.isoLevel) || math.IsInf(mc.isoLevel, 0) {
		return nil, ErrInvalidLevel
	}
	if mc.width <= 0 || mc.height <= 0 || mc.depth <= 0 || len(mc.data) != mc.width*mc.height*mc.depth {
		return nil, errors.Errorf("field of %d samples does not match %dx%dx%d",
			len(mc.data), mc.width, mc.height, mc.depth)
	}
	if mc.width < 2 || mc.height < 2 || mc.depth < 2 {
		return &models.Mesh{}, nil
	}

	cellLayers := mc.depth - 1
	numSlabs := (cellLayers + slabDepth - 1) / slabDepth
	slabs := make([]*slab, numSlabs)
	errs := make([]error, numSlabs)
	var failed atomic.Bool

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < mc.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if failed.Load() {
					continue
				}
				z0 := i * slabDepth
				z1 := min(z0+slabDepth, cellLayers)
				s, err := mc.polygonizeSlab(z0, z1)
				if err != nil {
					errs[i] = err
					failed.Store(true)
					continue
				}
				slabs[i] = s
			}
		}()
	}
	for i := 0; i < numSlabs; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return mc.merge(slabs), nil
}

// merge stitches slabs in z order, deduplicating vertices on shared edges.
func (mc *MarchingCubes) merge(slabs []*slab) *models.Mesh {
	mesh := &models.Mesh{}
	global := make(map[int64]int)
	var grads []r3.Vec
	for _, s := range slabs {
		local := make([]int, len(s.ids))
		for i, id := range s.ids {
			idx, ok := global[id]
			if !ok {
				idx = len(mesh.Vertices)
				global[id] = idx
				mesh.Vertices = append(mesh.Vertices, s.pos[i])
				grads = append(grads, s.grad[i])
			}
			local[i] = idx
		}
		for _, t := range s.tris {
			mesh.Faces = append(mesh.Faces, [3]int{local[t[0]], local[t[1]], local[t[2]]})
		}
	}
	mesh.Normals = normalsFromGradients(mesh, grads)
	return mesh
}

// normalsFromGradients points normals down the gradient, from inside to
// outside. Vertices whose gradient is unusable take the area-weighted face
// normal instead.
func normalsFromGradients(mesh *models.Mesh, grads []r3.Vec) []r3.Vec {
	normals := make([]r3.Vec, len(grads))
	var fallback []r3.Vec
	for i, g := range grads {
		l := r3.Norm(g)
		if l > 0 && !math.IsInf(l, 0) && !math.IsNaN(l) {
			normals[i] = r3.Scale(-1/l, g)
			continue
		}
		if fallback == nil {
			faces := mesh.Clone()
			faces.ComputeNormals()
			fallback = faces.Normals
		}
		normals[i] = fallback[i]
	}
	return normals
}

func (mc *MarchingCubes) sample(x, y, z int) float64 {
	return float64(mc.data[z*mc.width*mc.height+y*mc.width+x])
}

func (mc *MarchingCubes) polygonizeSlab(z0, z1 int) (*slab, error) {
	s := &slab{lookup: make(map[int64]int32)}
	iso := mc.isoLevel
	var v [8]float64
	for z := z0; z < z1; z++ {
		for y := 0; y < mc.height-1; y++ {
			for x := 0; x < mc.width-1; x++ {
				inside := 0
				finite := true
				for c := 0; c < 8; c++ {
					v[c] = mc.sample(x+c&1, y+(c>>1)&1, z+(c>>2)&1)
					if v[c] >= iso {
						inside++
					}
					if math.IsNaN(v[c]) || math.IsInf(v[c], 0) {
						finite = false
					}
				}
				if inside == 0 || inside == 8 {
					continue
				}
				if !finite {
					return nil, errors.Wrapf(ErrNonFiniteSample, "cell (%d,%d,%d) at level %g", x, y, z, iso)
				}
				for _, tet := range kuhn {
					mc.polygonizeTet(s, x, y, z, tet, &v)
				}
			}
		}
	}
	return s, nil
}

// polygonizeTet emits the triangles of one tetrahedron. tet lists corners
// along a monotone path so tet[i] is the lower end of every edge (i, j>i).
func (mc *MarchingCubes) polygonizeTet(s *slab, x, y, z int, tet [4]int, v *[8]float64) {
	iso := mc.isoLevel
	var in, out []int // positions within tet
	for i, c := range tet {
		if v[c] >= iso {
			in = append(in, i)
		} else {
			out = append(out, i)
		}
	}
	if len(in) == 0 || len(out) == 0 {
		return
	}

	edge := func(i, j int) int32 {
		if i > j {
			i, j = j, i
		}
		return mc.edgeVertex(s, x, y, z, tet[i], tet[j], v)
	}
	// any outside corner lies strictly on the outer side of the surface
	outside := mc.cornerPosition(x, y, z, tet[out[0]])

	switch len(in) {
	case 1:
		a := in[0]
		s.addTriangle(edge(a, out[0]), edge(a, out[1]), edge(a, out[2]), outside)
	case 3:
		d := out[0]
		s.addTriangle(edge(d, in[0]), edge(d, in[1]), edge(d, in[2]), outside)
	case 2:
		a, b := in[0], in[1]
		c, d := out[0], out[1]
		ac, ad, bd, bc := edge(a, c), edge(a, d), edge(b, d), edge(b, c)
		s.addTriangle(ac, ad, bd, outside)
		s.addTriangle(ac, bd, bc, outside)
	}
}

// addTriangle appends a triangle wound so its normal faces outside.
// Triangles collapsed by shared on-level vertices are dropped.
func (s *slab) addTriangle(a, b, c int32, outside r3.Vec) {
	if a == b || b == c || a == c {
		return
	}
	pa, pb, pc := s.pos[a], s.pos[b], s.pos[c]
	n := r3.Cross(r3.Sub(pb, pa), r3.Sub(pc, pa))
	centroid := r3.Scale(1.0/3, r3.Add(pa, r3.Add(pb, pc)))
	if r3.Dot(n, r3.Sub(outside, centroid)) < 0 {
		b, c = c, b
	}
	s.tris = append(s.tris, [3]int32{a, b, c})
}

func cornerOffset(c int) (int, int, int) {
	return c & 1, (c >> 1) & 1, (c >> 2) & 1
}

func (mc *MarchingCubes) cornerPosition(x, y, z, c int) r3.Vec {
	dx, dy, dz := cornerOffset(c)
	return mc.physical(float64(x+dx), float64(y+dy), float64(z+dz))
}

func (mc *MarchingCubes) physical(x, y, z float64) r3.Vec {
	return r3.Vec{
		X: mc.origin.X + x*mc.scale.X,
		Y: mc.origin.Y + y*mc.scale.Y,
		Z: mc.origin.Z + z*mc.scale.Z,
	}
}

// edgeVertex returns the slab-local index of the surface vertex on the edge
// between corners lo and hi of cell (x,y,z), creating it on first use. The
// edge id is the grid index of the lower endpoint times seven plus the edge
// direction, so neighbouring cells agree on it. A corner sampled exactly at
// the iso value is the crossing of every edge that meets it; such vertices
// are keyed by the negated grid index of that corner instead, so they are
// shared rather than stacked.
func (mc *MarchingCubes) edgeVertex(s *slab, x, y, z, lo, hi int, v *[8]float64) int32 {
	lx, ly, lz := cornerOffset(lo)
	gx, gy, gz := x+lx, y+ly, z+lz
	dir := lo ^ hi
	dx, dy, dz := cornerOffset(dir)

	snapped := true
	switch {
	case v[lo] == mc.isoLevel:
	case v[hi] == mc.isoLevel:
		gx, gy, gz = gx+dx, gy+dy, gz+dz
	default:
		snapped = false
	}
	grid := int64(gz)*int64(mc.width*mc.height) + int64(gy*mc.width+gx)
	id := grid*7 + int64(dir-1)
	if snapped {
		id = -grid - 1
	}
	if idx, ok := s.lookup[id]; ok {
		return idx
	}

	var pos, grad r3.Vec
	if snapped {
		pos = mc.physical(float64(gx), float64(gy), float64(gz))
		grad = mc.gradient(gx, gy, gz)
	} else {
		t := (mc.isoLevel - v[lo]) / (v[hi] - v[lo])
		pos = mc.physical(float64(gx)+t*float64(dx), float64(gy)+t*float64(dy), float64(gz)+t*float64(dz))
		g0 := mc.gradient(gx, gy, gz)
		g1 := mc.gradient(gx+dx, gy+dy, gz+dz)
		grad = r3.Add(g0, r3.Scale(t, r3.Sub(g1, g0)))
	}

	idx := int32(len(s.ids))
	s.ids = append(s.ids, id)
	s.pos = append(s.pos, pos)
	s.grad = append(s.grad, grad)
	s.lookup[id] = idx
	return idx
}

// gradient estimates the field gradient at a grid point in physical units,
// with central differences inside the grid and one-sided ones on the border.
func (mc *MarchingCubes) gradient(x, y, z int) r3.Vec {
	diff := func(n, i int, at func(int) float64, h float64) float64 {
		lo, hi := i-1, i+1
		if lo < 0 {
			lo = i
		}
		if hi >= n {
			hi = i
		}
		if hi == lo {
			return 0
		}
		return (at(hi) - at(lo)) / (float64(hi-lo) * h)
	}
	return r3.Vec{
		X: diff(mc.width, x, func(i int) float64 { return mc.sample(i, y, z) }, mc.scale.X),
		Y: diff(mc.height, y, func(i int) float64 { return mc.sample(x, i, z) }, mc.scale.Y),
		Z: diff(mc.depth, z, func(i int) float64 { return mc.sample(x, y, i) }, mc.scale.Z),
	}
}
