package posterior

import (
	"context"
	"fmt"
	"math"
)

// mapCandidates is the number of posterior draws scored to seed the
// MAP polish.
const mapCandidates = 256

// MAP returns the maximum a posteriori estimate: the best of a batch of
// posterior draws, refined by a Nelder-Mead simplex over the potential
// in unconstrained space. The polish result is kept only when it beats
// the seeding draw.
func (p *Posterior) MAP(ctx context.Context) ([]float64, error) {
	if !p.HasDensity() {
		return nil, fmt.Errorf("posterior: %s family exposes no density to maximize", p.est.Kind())
	}
	draws, err := p.Sample(ctx, mapCandidates)
	if err != nil {
		return nil, err
	}
	rows, _ := draws.Dims()
	best := make([]float64, p.Dim())
	bestVal := math.Inf(-1)
	for i := 0; i < rows; i++ {
		row := draws.RawRowView(i)
		if v := p.potential(row); v > bestVal {
			bestVal = v
			copy(best, row)
		}
	}
	if !isFinite(bestVal) {
		return nil, fmt.Errorf("posterior: no posterior draw has finite density")
	}

	u0 := p.tr.Forward(best)
	if !rowFinite(u0) {
		// The best draw sits on a support boundary; there is nothing to
		// polish in unconstrained space.
		return best, nil
	}
	obj := func(u []float64) float64 {
		v := p.potential(p.tr.Inverse(u))
		if !isFinite(v) {
			return math.Inf(1)
		}
		return -v
	}
	u, negVal := nelderMead(obj, u0, 200, 1e-8)
	if -negVal > bestVal {
		return p.tr.Inverse(u), nil
	}
	return best, nil
}

// nelderMead minimizes f from x0 with the standard simplex moves:
// reflection, expansion, contraction, shrink.
func nelderMead(f func([]float64) float64, x0 []float64, maxIters int, tol float64) ([]float64, float64) {
	n := len(x0)

	alpha := 1.0 // reflection
	gamma := 2.0 // expansion
	rho := 0.5   // contraction
	sigma := 0.5 // shrink

	simplex := make([][]float64, n+1)
	values := make([]float64, n+1)
	simplex[0] = append([]float64(nil), x0...)
	values[0] = f(simplex[0])
	for i := 0; i < n; i++ {
		simplex[i+1] = append([]float64(nil), x0...)
		simplex[i+1][i] += 0.05 * (1.0 + math.Abs(x0[i]))
		values[i+1] = f(simplex[i+1])
	}

	for iter := 0; iter < maxIters; iter++ {
		sortSimplex(simplex, values)
		if values[n]-values[0] < tol {
			break
		}

		centroid := make([]float64, n)
		for i := 0; i < n; i++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				sum += simplex[j][i]
			}
			centroid[i] = sum / float64(n)
		}

		reflected := make([]float64, n)
		for i := 0; i < n; i++ {
			reflected[i] = centroid[i] + alpha*(centroid[i]-simplex[n][i])
		}
		reflectedVal := f(reflected)

		if values[0] <= reflectedVal && reflectedVal < values[n-1] {
			simplex[n] = reflected
			values[n] = reflectedVal
			continue
		}

		if reflectedVal < values[0] {
			expanded := make([]float64, n)
			for i := 0; i < n; i++ {
				expanded[i] = centroid[i] + gamma*(reflected[i]-centroid[i])
			}
			if expandedVal := f(expanded); expandedVal < reflectedVal {
				simplex[n] = expanded
				values[n] = expandedVal
			} else {
				simplex[n] = reflected
				values[n] = reflectedVal
			}
			continue
		}

		contracted := make([]float64, n)
		if reflectedVal < values[n] {
			for i := 0; i < n; i++ {
				contracted[i] = centroid[i] + rho*(reflected[i]-centroid[i])
			}
		} else {
			for i := 0; i < n; i++ {
				contracted[i] = centroid[i] + rho*(simplex[n][i]-centroid[i])
			}
		}
		if contractedVal := f(contracted); contractedVal < math.Min(reflectedVal, values[n]) {
			simplex[n] = contracted
			values[n] = contractedVal
			continue
		}

		for i := 1; i <= n; i++ {
			for j := 0; j < n; j++ {
				simplex[i][j] = simplex[0][j] + sigma*(simplex[i][j]-simplex[0][j])
			}
			values[i] = f(simplex[i])
		}
	}
	sortSimplex(simplex, values)
	return simplex[0], values[0]
}

// sortSimplex orders the simplex points by function value, best first.
func sortSimplex(simplex [][]float64, values []float64) {
	for i := 1; i < len(values); i++ {
		val := values[i]
		point := simplex[i]
		j := i - 1
		for j >= 0 && values[j] > val {
			values[j+1] = values[j]
			simplex[j+1] = simplex[j]
			j--
		}
		values[j+1] = val
		simplex[j+1] = point
	}
}
