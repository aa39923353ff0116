// Package odeflow integrates vector-valued ordinary differential equations
// with explicit Runge-Kutta methods. The inference engine uses it to push
// sample populations along probability-flow fields, where integration runs
// from a large noise scale down to a small one.
package odeflow

import "math"

// Func computes the derivative du/dt at time t and state u.
type Func func(t float64, u []float64) []float64

// Problem is an initial value problem over a dense state vector. Tspan may
// run in either direction; integrating from a larger to a smaller time is
// supported and common for annealing flows.
type Problem struct {
	F     Func
	U0    []float64
	Tspan [2]float64
}

// NewProblem builds a Problem, copying the initial state.
func NewProblem(f Func, u0 []float64, tspan [2]float64) *Problem {
	return &Problem{
		F:     f,
		U0:    append([]float64(nil), u0...),
		Tspan: tspan,
	}
}

// Options contains solver configuration parameters.
type Options struct {
	Dt       float64 // Initial time step
	Dtmin    float64 // Minimum time step
	Dtmax    float64 // Maximum time step
	Abstol   float64 // Absolute error tolerance
	Reltol   float64 // Relative error tolerance
	Maxiters int     // Maximum number of steps
	Adaptive bool    // Use adaptive step size control
}

// DefaultOptions returns balanced settings suitable for most flows.
func DefaultOptions() *Options {
	return &Options{
		Dt:       0.01,
		Dtmin:    1e-6,
		Dtmax:    0.1,
		Abstol:   1e-6,
		Reltol:   1e-3,
		Maxiters: 100000,
		Adaptive: true,
	}
}

// SamplingOptions returns settings tuned for probability-flow sampling,
// where the field is smooth and modest accuracy per trajectory is enough.
func SamplingOptions() *Options {
	return &Options{
		Dt:       0.02,
		Dtmin:    1e-4,
		Dtmax:    0.25,
		Abstol:   1e-4,
		Reltol:   1e-3,
		Maxiters: 10000,
		Adaptive: true,
	}
}

// AccurateOptions returns settings for high-precision integration.
func AccurateOptions() *Options {
	return &Options{
		Dt:       0.001,
		Dtmin:    1e-8,
		Dtmax:    0.1,
		Abstol:   1e-9,
		Reltol:   1e-6,
		Maxiters: 1000000,
		Adaptive: true,
	}
}

// Solver is an explicit Runge-Kutta method given by its Butcher tableau.
type Solver struct {
	Name  string
	Order int
	C     []float64   // Runge-Kutta nodes
	A     [][]float64 // Runge-Kutta matrix
	B     []float64   // Solution weights
	Bhat  []float64   // Error estimate weights
}

// Solution is the computed trajectory.
type Solution struct {
	T []float64
	U [][]float64
}

// Len returns the number of stored time points.
func (s *Solution) Len() int { return len(s.T) }

// Final returns the state at the last time point, or nil when empty.
func (s *Solution) Final() []float64 {
	if len(s.U) == 0 {
		return nil
	}
	return s.U[len(s.U)-1]
}

// Solve integrates the problem using the given solver and options. A nil
// solver defaults to Tsit5, nil options to DefaultOptions.
func Solve(prob *Problem, solver *Solver, opts *Options) *Solution {
	if solver == nil {
		solver = Tsit5()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	t0 := prob.Tspan[0]
	tf := prob.Tspan[1]
	// Reduce a descending time span to an ascending internal clock.
	dir := 1.0
	if tf < t0 {
		dir = -1.0
	}
	span := dir * (tf - t0)
	f := func(tau float64, u []float64) []float64 {
		du := prob.F(t0+dir*tau, u)
		if dir < 0 {
			for i := range du {
				du[i] = -du[i]
			}
		}
		return du
	}

	dtmin := opts.Dtmin
	dtmax := opts.Dtmax
	abstol := opts.Abstol
	reltol := opts.Reltol
	adaptive := opts.Adaptive
	n := len(prob.U0)
	numStages := len(solver.C)

	tOut := []float64{t0}
	uOut := [][]float64{append([]float64(nil), prob.U0...)}
	tcur := 0.0
	ucur := append([]float64(nil), prob.U0...)
	dtcur := opts.Dt
	nsteps := 0

	for tcur < span && nsteps < opts.Maxiters {
		if tcur+dtcur > span {
			dtcur = span - tcur
		}

		k := make([][]float64, numStages)
		k[0] = f(tcur, ucur)
		for stage := 1; stage < numStages; stage++ {
			tstage := tcur + solver.C[stage]*dtcur
			ustage := append([]float64(nil), ucur...)
			for j := 0; j < stage; j++ {
				aj := 0.0
				if len(solver.A) > stage && len(solver.A[stage]) > j {
					aj = solver.A[stage][j]
				}
				if aj != 0 {
					scale := dtcur * aj
					for i := 0; i < n; i++ {
						ustage[i] += scale * k[j][i]
					}
				}
			}
			k[stage] = f(tstage, ustage)
		}

		unext := append([]float64(nil), ucur...)
		for j := 0; j < len(solver.B); j++ {
			if solver.B[j] != 0 {
				scale := dtcur * solver.B[j]
				for i := 0; i < n; i++ {
					unext[i] += scale * k[j][i]
				}
			}
		}

		err := 0.0
		if adaptive {
			for i := 0; i < n; i++ {
				errest := 0.0
				for j := 0; j < len(solver.Bhat); j++ {
					errest += dtcur * solver.Bhat[j] * k[j][i]
				}
				scale := abstol + reltol*math.Max(math.Abs(ucur[i]), math.Abs(unext[i]))
				if scale == 0 {
					scale = abstol
				}
				val := math.Abs(errest) / scale
				if val > err {
					err = val
				}
			}
		}

		if !adaptive || err <= 1.0 || dtcur <= dtmin {
			tcur += dtcur
			ucur = unext
			tOut = append(tOut, t0+dir*tcur)
			uOut = append(uOut, append([]float64(nil), ucur...))
			nsteps++
			if adaptive && err > 0 {
				factor := 0.9 * math.Pow(1.0/err, 1.0/float64(solver.Order+1))
				factor = math.Min(factor, 5.0)
				dtcur = math.Min(dtmax, math.Max(dtmin, dtcur*factor))
			}
		} else {
			factor := 0.9 * math.Pow(1.0/err, 1.0/float64(solver.Order+1))
			factor = math.Max(factor, 0.1)
			dtcur = math.Max(dtmin, dtcur*factor)
		}
	}

	return &Solution{T: tOut, U: uOut}
}
