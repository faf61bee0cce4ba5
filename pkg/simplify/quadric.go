package simplify

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// maxCond is the largest condition number for which the quadric minimiser is
// trusted over the candidate vertices.
const maxCond = 1e7

// quadric is a symmetric 4x4 error matrix stored as its upper triangle:
//
//	a00 a01 a02 a03
//	    a11 a12 a13
//	        a22 a23
//	            a33
type quadric [10]float64

// planeQuadric returns w * p p^T for the plane n.x + d = 0 with unit n.
func planeQuadric(n r3.Vec, d, w float64) quadric {
	return quadric{
		w * n.X * n.X, w * n.X * n.Y, w * n.X * n.Z, w * n.X * d,
		w * n.Y * n.Y, w * n.Y * n.Z, w * n.Y * d,
		w * n.Z * n.Z, w * n.Z * d,
		w * d * d,
	}
}

func (q *quadric) add(o quadric) {
	for i := range q {
		q[i] += o[i]
	}
}

func (q quadric) sum(o quadric) quadric {
	q.add(o)
	return q
}

// eval returns v^T Q v for the homogeneous point (v, 1).
func (q quadric) eval(v r3.Vec) float64 {
	x, y, z := v.X, v.Y, v.Z
	return q[0]*x*x + 2*q[1]*x*y + 2*q[2]*x*z + 2*q[3]*x +
		q[4]*y*y + 2*q[5]*y*z + 2*q[6]*y +
		q[7]*z*z + 2*q[8]*z +
		q[9]
}

// minimize solves A v = -b for the upper-left 3x3 block A and the last
// column b. It fails when A is not positive definite or ill conditioned,
// as on flat or cylindrical neighbourhoods.
func (q quadric) minimize() (r3.Vec, bool) {
	a := mat.NewSymDense(3, []float64{
		q[0], q[1], q[2],
		q[1], q[4], q[5],
		q[2], q[5], q[7],
	})
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return r3.Vec{}, false
	}
	if c := chol.Cond(); c > maxCond || math.IsNaN(c) {
		return r3.Vec{}, false
	}
	b := mat.NewVecDense(3, []float64{-q[3], -q[6], -q[8]})
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, b); err != nil {
		return r3.Vec{}, false
	}
	v := r3.Vec{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	if math.IsNaN(v.X+v.Y+v.Z) || math.IsInf(v.X+v.Y+v.Z, 0) {
		return r3.Vec{}, false
	}
	return v, true
}
