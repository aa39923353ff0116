// Package transform maps parameter vectors between the constrained space
// declared by a prior support and the unconstrained space used by random-walk
// and gradient samplers.
//
// A Transform carries the change-of-variables bookkeeping with it: the log
// absolute determinant of the Jacobian, so that densities evaluated in one
// space can be corrected for the other. Samplers work on u = Forward(theta)
// and score candidates with
//
//	target(u) = logDensity(Inverse(u)) + LogAbsDetJacobian(u)
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/prior"
)

// Transform is an elementwise bijection between constrained parameters
// theta and unconstrained coordinates u.
type Transform interface {
	// Dim returns the parameter dimensionality.
	Dim() int
	// Forward maps constrained theta to unconstrained u. Coordinates on
	// the boundary of the support map to +-Inf.
	Forward(theta []float64) []float64
	// Inverse maps unconstrained u back into the support.
	Inverse(u []float64) []float64
	// LogAbsDetJacobian returns log |d Inverse(u) / du| at u.
	LogAbsDetJacobian(u []float64) float64
	// ForwardLogAbsDetJacobian returns log |d Forward(theta) / dtheta|
	// at theta. It is the negative of LogAbsDetJacobian at Forward(theta).
	ForwardLogAbsDetJacobian(theta []float64) float64
	// InverseDeriv returns the signed diagonal Jacobian d Inverse(u)/du.
	// Gradient samplers use it to push parameter-space scores into the
	// unconstrained space.
	InverseDeriv(u []float64) []float64
	// LogAbsDetJacobianGrad returns the gradient of LogAbsDetJacobian
	// with respect to u.
	LogAbsDetJacobianGrad(u []float64) []float64
}

// coordMap is a scalar bijection for one coordinate.
type coordMap interface {
	fwd(theta float64) float64
	inv(u float64) float64
	// logDetInv is log |d inv / du| at u.
	logDetInv(u float64) float64
	// logDetFwd is log |d fwd / dtheta| at theta.
	logDetFwd(theta float64) float64
	// dInv is the signed derivative d inv / du at u.
	dInv(u float64) float64
	// dLogDetInv is the derivative of logDetInv at u.
	dLogDetInv(u float64) float64
}

// identityMap leaves an unbounded coordinate untouched.
type identityMap struct{}

func (identityMap) fwd(theta float64) float64       { return theta }
func (identityMap) inv(u float64) float64           { return u }
func (identityMap) logDetInv(u float64) float64     { return 0 }
func (identityMap) logDetFwd(theta float64) float64 { return 0 }
func (identityMap) dInv(u float64) float64          { return 1 }
func (identityMap) dLogDetInv(u float64) float64    { return 0 }

// logitMap is the scaled logit bijection for a coordinate bounded on both
// sides: theta in [a, b] maps to u = logit((theta-a)/(b-a)).
type logitMap struct {
	a, b float64
}

func (m logitMap) fwd(theta float64) float64 {
	z := (theta - m.a) / (m.b - m.a)
	return math.Log(z) - math.Log1p(-z)
}

func (m logitMap) inv(u float64) float64 {
	return m.a + (m.b-m.a)*sigmoid(u)
}

func (m logitMap) logDetInv(u float64) float64 {
	return math.Log(m.b-m.a) - softplus(u) - softplus(-u)
}

func (m logitMap) logDetFwd(theta float64) float64 {
	z := (theta - m.a) / (m.b - m.a)
	return -math.Log(m.b-m.a) - math.Log(z) - math.Log1p(-z)
}

func (m logitMap) dInv(u float64) float64 {
	return (m.b - m.a) * sigmoid(u) * sigmoid(-u)
}

func (m logitMap) dLogDetInv(u float64) float64 {
	return 1 - 2*sigmoid(u)
}

// lowerMap maps a coordinate bounded below: theta in [a, inf) to
// u = log(theta - a).
type lowerMap struct {
	a float64
}

func (m lowerMap) fwd(theta float64) float64       { return math.Log(theta - m.a) }
func (m lowerMap) inv(u float64) float64           { return m.a + math.Exp(u) }
func (m lowerMap) logDetInv(u float64) float64     { return u }
func (m lowerMap) logDetFwd(theta float64) float64 { return -math.Log(theta - m.a) }
func (m lowerMap) dInv(u float64) float64          { return math.Exp(u) }
func (m lowerMap) dLogDetInv(u float64) float64    { return 1 }

// upperMap maps a coordinate bounded above: theta in (-inf, b] to
// u = log(b - theta).
type upperMap struct {
	b float64
}

func (m upperMap) fwd(theta float64) float64       { return math.Log(m.b - theta) }
func (m upperMap) inv(u float64) float64           { return m.b - math.Exp(u) }
func (m upperMap) logDetInv(u float64) float64     { return u }
func (m upperMap) logDetFwd(theta float64) float64 { return -math.Log(m.b - theta) }
func (m upperMap) dInv(u float64) float64          { return -math.Exp(u) }
func (m upperMap) dLogDetInv(u float64) float64    { return 1 }

// spaceTransform applies an independent scalar bijection per coordinate.
type spaceTransform struct {
	maps []coordMap
}

// FromSupport derives a Transform from a support description: bounded
// coordinates get a scaled logit, half-bounded coordinates an exponential
// shift, unbounded coordinates the identity.
func FromSupport(sup prior.Support) Transform {
	maps := make([]coordMap, sup.Dim())
	for i := range maps {
		below, above := sup.BoundedBelow(i), sup.BoundedAbove(i)
		switch {
		case below && above:
			maps[i] = logitMap{a: sup.Lower[i], b: sup.Upper[i]}
		case below:
			maps[i] = lowerMap{a: sup.Lower[i]}
		case above:
			maps[i] = upperMap{b: sup.Upper[i]}
		default:
			maps[i] = identityMap{}
		}
	}
	return &spaceTransform{maps: maps}
}

// Identity returns the no-op transform in dim coordinates, for estimators
// and samplers that already operate on unbounded parameters.
func Identity(dim int) Transform {
	maps := make([]coordMap, dim)
	for i := range maps {
		maps[i] = identityMap{}
	}
	return &spaceTransform{maps: maps}
}

func (t *spaceTransform) Dim() int { return len(t.maps) }

func (t *spaceTransform) Forward(theta []float64) []float64 {
	t.checkDim(len(theta))
	u := make([]float64, len(theta))
	for i, m := range t.maps {
		u[i] = m.fwd(theta[i])
	}
	return u
}

func (t *spaceTransform) Inverse(u []float64) []float64 {
	t.checkDim(len(u))
	theta := make([]float64, len(u))
	for i, m := range t.maps {
		theta[i] = m.inv(u[i])
	}
	return theta
}

func (t *spaceTransform) LogAbsDetJacobian(u []float64) float64 {
	t.checkDim(len(u))
	sum := 0.0
	for i, m := range t.maps {
		sum += m.logDetInv(u[i])
	}
	return sum
}

func (t *spaceTransform) ForwardLogAbsDetJacobian(theta []float64) float64 {
	t.checkDim(len(theta))
	sum := 0.0
	for i, m := range t.maps {
		sum += m.logDetFwd(theta[i])
	}
	return sum
}

func (t *spaceTransform) InverseDeriv(u []float64) []float64 {
	t.checkDim(len(u))
	d := make([]float64, len(u))
	for i, m := range t.maps {
		d[i] = m.dInv(u[i])
	}
	return d
}

func (t *spaceTransform) LogAbsDetJacobianGrad(u []float64) []float64 {
	t.checkDim(len(u))
	g := make([]float64, len(u))
	for i, m := range t.maps {
		g[i] = m.dLogDetInv(u[i])
	}
	return g
}

func (t *spaceTransform) checkDim(n int) {
	if n != len(t.maps) {
		panic(fmt.Sprintf("transform: vector length %d does not match dim %d", n, len(t.maps)))
	}
}

// ForwardBatch applies t.Forward to every row of theta.
func ForwardBatch(t Transform, theta *mat.Dense) *mat.Dense {
	rows, _ := theta.Dims()
	out := mat.NewDense(rows, t.Dim(), nil)
	for i := 0; i < rows; i++ {
		out.SetRow(i, t.Forward(theta.RawRowView(i)))
	}
	return out
}

// InverseBatch applies t.Inverse to every row of u.
func InverseBatch(t Transform, u *mat.Dense) *mat.Dense {
	rows, _ := u.Dims()
	out := mat.NewDense(rows, t.Dim(), nil)
	for i := 0; i < rows; i++ {
		out.SetRow(i, t.Inverse(u.RawRowView(i)))
	}
	return out
}

// sigmoid is the logistic function, computed without overflow for large
// negative arguments.
func sigmoid(u float64) float64 {
	if u >= 0 {
		return 1 / (1 + math.Exp(-u))
	}
	e := math.Exp(u)
	return e / (1 + e)
}

// softplus is log(1 + exp(u)), computed without overflow for large u.
func softplus(u float64) float64 {
	if u > 0 {
		return u + math.Log1p(math.Exp(-u))
	}
	return math.Log1p(math.Exp(u))
}
