package transform

import (
	"math"
	"testing"

	"github.com/pflow-xyz/go-sbi/prior"
)

func mixedSupport() prior.Support {
	inf := math.Inf(1)
	return prior.Support{
		Lower: []float64{-2, 0, math.Inf(-1), math.Inf(-1)},
		Upper: []float64{2, inf, 1, inf},
	}
}

func TestRoundTrip(t *testing.T) {
	tr := FromSupport(mixedSupport())
	theta := []float64{1.3, 0.7, -4.2, 3.9}
	u := tr.Forward(theta)
	back := tr.Inverse(u)
	for i := range theta {
		if math.Abs(back[i]-theta[i]) > 1e-10 {
			t.Errorf("coordinate %d: inverse(forward) = %v, want %v", i, back[i], theta[i])
		}
	}
	// forward(inverse(u)) must also come back, going the other way around.
	u2 := tr.Forward(back)
	for i := range u {
		if math.Abs(u2[i]-u[i]) > 1e-10 {
			t.Errorf("coordinate %d: forward(inverse) = %v, want %v", i, u2[i], u[i])
		}
	}
}

func TestJacobianSignsCancel(t *testing.T) {
	tr := FromSupport(mixedSupport())
	theta := []float64{-1.9, 3.2, 0.99, -7}
	u := tr.Forward(theta)
	fwd := tr.ForwardLogAbsDetJacobian(theta)
	inv := tr.LogAbsDetJacobian(u)
	if math.Abs(fwd+inv) > 1e-9 {
		t.Errorf("jacobians do not cancel: forward %v + inverse %v = %v", fwd, inv, fwd+inv)
	}
}

func TestJacobianMatchesFiniteDifference(t *testing.T) {
	tr := FromSupport(mixedSupport())
	u := []float64{0.4, -1.1, 2.2, 0.3}
	const h = 1e-6
	want := 0.0
	for i := range u {
		up := append([]float64(nil), u...)
		dn := append([]float64(nil), u...)
		up[i] += h
		dn[i] -= h
		d := (tr.Inverse(up)[i] - tr.Inverse(dn)[i]) / (2 * h)
		want += math.Log(math.Abs(d))
	}
	got := tr.LogAbsDetJacobian(u)
	if math.Abs(got-want) > 1e-5 {
		t.Errorf("log abs det jacobian = %v, finite difference gives %v", got, want)
	}
}

func TestInverseDerivMatchesFiniteDifference(t *testing.T) {
	tr := FromSupport(mixedSupport())
	u := []float64{0.4, -1.1, 2.2, 0.3}
	const h = 1e-6
	got := tr.InverseDeriv(u)
	for i := range u {
		up := append([]float64(nil), u...)
		dn := append([]float64(nil), u...)
		up[i] += h
		dn[i] -= h
		want := (tr.Inverse(up)[i] - tr.Inverse(dn)[i]) / (2 * h)
		if math.Abs(got[i]-want) > 1e-5 {
			t.Errorf("coordinate %d: inverse deriv = %v, finite difference gives %v", i, got[i], want)
		}
	}
}

func TestLogAbsDetJacobianGradMatchesFiniteDifference(t *testing.T) {
	tr := FromSupport(mixedSupport())
	u := []float64{-0.6, 0.9, 1.4, -2.0}
	const h = 1e-6
	got := tr.LogAbsDetJacobianGrad(u)
	for i := range u {
		up := append([]float64(nil), u...)
		dn := append([]float64(nil), u...)
		up[i] += h
		dn[i] -= h
		want := (tr.LogAbsDetJacobian(up) - tr.LogAbsDetJacobian(dn)) / (2 * h)
		if math.Abs(got[i]-want) > 1e-5 {
			t.Errorf("coordinate %d: jacobian grad = %v, finite difference gives %v", i, got[i], want)
		}
	}
}

func TestInverseStaysInSupport(t *testing.T) {
	sup := mixedSupport()
	tr := FromSupport(sup)
	extremes := [][]float64{
		{30, 30, 30, 30},
		{-30, -30, -30, -30},
		{0, 0, 0, 0},
	}
	for _, u := range extremes {
		theta := tr.Inverse(u)
		if !sup.Contains(theta) {
			t.Errorf("inverse(%v) = %v escaped the support", u, theta)
		}
	}
}

func TestBoundaryMapsToInfinity(t *testing.T) {
	tr := FromSupport(prior.BoxSupport([]float64{-2}, []float64{2}))
	if u := tr.Forward([]float64{2}); !math.IsInf(u[0], 1) {
		t.Errorf("upper boundary maps to %v, want +Inf", u[0])
	}
	if u := tr.Forward([]float64{-2}); !math.IsInf(u[0], -1) {
		t.Errorf("lower boundary maps to %v, want -Inf", u[0])
	}
}

func TestIdentity(t *testing.T) {
	tr := Identity(3)
	theta := []float64{1, -5, 100}
	u := tr.Forward(theta)
	for i := range theta {
		if u[i] != theta[i] {
			t.Errorf("identity forward changed coordinate %d", i)
		}
	}
	if d := tr.LogAbsDetJacobian(u); d != 0 {
		t.Errorf("identity jacobian = %v, want 0", d)
	}
	if d := tr.ForwardLogAbsDetJacobian(theta); d != 0 {
		t.Errorf("identity forward jacobian = %v, want 0", d)
	}
}

func TestUnboundedSupportGivesIdentity(t *testing.T) {
	tr := FromSupport(prior.UnboundedSupport(2))
	theta := []float64{3.5, -1.25}
	u := tr.Forward(theta)
	for i := range theta {
		if u[i] != theta[i] {
			t.Errorf("unbounded coordinate %d transformed: %v -> %v", i, theta[i], u[i])
		}
	}
}

func TestDimMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("wrong-length input should panic")
		}
	}()
	FromSupport(prior.UnboundedSupport(2)).Forward([]float64{1})
}
