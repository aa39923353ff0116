package mcmc

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// SplitRHat computes the split Gelman-Rubin statistic per dimension
// from post-warmup draws, indexed chain, then step, then coordinate.
// Each chain is cut in half so within-chain drift shows up as
// between-sequence variance. Values near 1 indicate the chains agree;
// returns nil when there are not enough draws to split.
func SplitRHat(draws [][][]float64) []float64 {
	if len(draws) == 0 || len(draws[0]) == 0 {
		return nil
	}
	steps := len(draws[0])
	for _, d := range draws {
		if len(d) < steps {
			steps = len(d)
		}
	}
	half := steps / 2
	if half < 2 {
		return nil
	}
	dim := len(draws[0][0])

	type span struct{ chain, from int }
	var seqs []span
	for c := range draws {
		seqs = append(seqs, span{c, 0}, span{c, half})
	}

	rhat := make([]float64, dim)
	vals := make([]float64, half)
	means := make([]float64, len(seqs))
	vars := make([]float64, len(seqs))
	for d := 0; d < dim; d++ {
		for s, sq := range seqs {
			for k := 0; k < half; k++ {
				vals[k] = draws[sq.chain][sq.from+k][d]
			}
			means[s], vars[s] = stat.MeanVariance(vals, nil)
		}
		w := stat.Mean(vars, nil)
		if w <= 0 {
			rhat[d] = 1
			continue
		}
		b := float64(half) * stat.Variance(means, nil)
		vplus := float64(half-1)/float64(half)*w + b/float64(half)
		rhat[d] = math.Sqrt(vplus / w)
	}
	return rhat
}
