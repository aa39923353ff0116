package estimator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Standardizer z-scores vectors coordinate by coordinate. Standard
// deviations below MinStd are floored at MinStd, so nearly constant
// coordinates do not blow up the scaled values.
type Standardizer struct {
	Mean []float64
	Std  []float64
}

// DefaultMinStd is the floor applied to per-coordinate standard deviations
// when fitting a Standardizer.
const DefaultMinStd = 1e-7

// FitStandardizer estimates mean and deviation per column of rows. minStd
// of zero falls back to DefaultMinStd.
func FitStandardizer(rows *mat.Dense, minStd float64) (*Standardizer, error) {
	n, cols := rows.Dims()
	if n < 2 {
		return nil, fmt.Errorf("standardizer: need at least 2 rows, got %d", n)
	}
	if minStd <= 0 {
		minStd = DefaultMinStd
	}
	s := &Standardizer{
		Mean: make([]float64, cols),
		Std:  make([]float64, cols),
	}
	col := make([]float64, n)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, rows)
		m, sd := stat.MeanStdDev(col, nil)
		if math.IsNaN(m) || math.IsNaN(sd) {
			return nil, fmt.Errorf("standardizer: column %d has non-finite statistics", j)
		}
		if sd < minStd {
			sd = minStd
		}
		s.Mean[j] = m
		s.Std[j] = sd
	}
	return s, nil
}

// Dim returns the vector length the standardizer was fitted for.
func (s *Standardizer) Dim() int { return len(s.Mean) }

// Apply writes the z-scored v into dst and returns it. dst may be v itself.
func (s *Standardizer) Apply(dst, v []float64) []float64 {
	for i := range v {
		dst[i] = (v[i] - s.Mean[i]) / s.Std[i]
	}
	return dst
}

// Invert maps a z-scored vector back to the original scale.
func (s *Standardizer) Invert(dst, z []float64) []float64 {
	for i := range z {
		dst[i] = z[i]*s.Std[i] + s.Mean[i]
	}
	return dst
}
