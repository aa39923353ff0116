package simulate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// doubler maps each parameter row to twice its value.
var doubler = Func(func(theta *mat.Dense) (*mat.Dense, error) {
	rows, cols := theta.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Scale(2, theta)
	return out, nil
})

func TestRunnerPreservesOrder(t *testing.T) {
	theta := mat.NewDense(107, 1, nil)
	for i := 0; i < 107; i++ {
		theta.Set(i, 0, float64(i))
	}
	r := NewRunner(doubler, RunnerOptions{BatchSize: 10, Workers: 4}, nil)
	x, err := r.Run(context.Background(), theta)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < 107; i++ {
		if got := x.At(i, 0); got != float64(2*i) {
			t.Fatalf("row %d = %v, want %v", i, got, 2*i)
		}
	}
}

func TestRunnerWrapsSimulatorError(t *testing.T) {
	boom := errors.New("boom")
	failing := Func(func(theta *mat.Dense) (*mat.Dense, error) {
		return nil, boom
	})
	r := NewRunner(failing, RunnerOptions{BatchSize: 5}, nil)
	_, err := r.Run(context.Background(), mat.NewDense(12, 1, nil))
	var se *SimulationError
	if !errors.As(err, &se) {
		t.Fatalf("expected SimulationError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("wrapped cause lost: %v", err)
	}
}

func TestRunnerRejectsNonFinite(t *testing.T) {
	poisoned := Func(func(theta *mat.Dense) (*mat.Dense, error) {
		rows, cols := theta.Dims()
		out := mat.NewDense(rows, cols, nil)
		out.Copy(theta)
		if theta.At(0, 0) >= 10 {
			out.Set(0, 0, math.NaN())
		}
		return out, nil
	})
	theta := mat.NewDense(20, 1, nil)
	for i := 0; i < 20; i++ {
		theta.Set(i, 0, float64(i))
	}
	r := NewRunner(poisoned, RunnerOptions{BatchSize: 10, Workers: 1}, nil)
	_, err := r.Run(context.Background(), theta)
	var se *SimulationError
	if !errors.As(err, &se) {
		t.Fatalf("expected SimulationError for NaN output, got %v", err)
	}
	if se.Index != 10 {
		t.Errorf("poisoned row index = %d, want 10", se.Index)
	}

	r = NewRunner(poisoned, RunnerOptions{BatchSize: 10, Workers: 1, AllowNonFinite: true}, nil)
	if _, err := r.Run(context.Background(), theta); err != nil {
		t.Errorf("AllowNonFinite run failed: %v", err)
	}
}

func TestRunnerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(doubler, RunnerOptions{BatchSize: 1, Workers: 1}, nil)
	if _, err := r.Run(ctx, mat.NewDense(50, 1, nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled run returned %v, want context.Canceled", err)
	}
}

func TestRunnerEmptyBatch(t *testing.T) {
	r := NewRunner(doubler, RunnerOptions{}, nil)
	if _, err := r.Run(context.Background(), &mat.Dense{}); err == nil {
		t.Error("empty batch should fail")
	}
}

func TestRunnerRowCountMismatch(t *testing.T) {
	short := Func(func(theta *mat.Dense) (*mat.Dense, error) {
		return mat.NewDense(1, 1, nil), nil
	})
	r := NewRunner(short, RunnerOptions{BatchSize: 4}, nil)
	_, err := r.Run(context.Background(), mat.NewDense(4, 1, nil))
	var se *SimulationError
	if !errors.As(err, &se) {
		t.Fatalf("expected SimulationError for row mismatch, got %v", err)
	}
}

func TestLinearGaussianMoments(t *testing.T) {
	d := 2
	sim := NewStandardLinearGaussian(d, rand.NewSource(5))
	n := 20000
	theta := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		theta.Set(i, 0, 1.0)
		theta.Set(i, 1, -0.5)
	}
	x, err := sim.Simulate(theta)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	wantMean := []float64{0.0, -1.5} // theta + shift
	for j := 0; j < d; j++ {
		sum, sumSq := 0.0, 0.0
		for i := 0; i < n; i++ {
			v := x.At(i, j)
			sum += v
			sumSq += v * v
		}
		m := sum / float64(n)
		v := sumSq/float64(n) - m*m
		if math.Abs(m-wantMean[j]) > 0.02 {
			t.Errorf("mean[%d] = %v, want about %v", j, m, wantMean[j])
		}
		if math.Abs(v-0.3) > 0.02 {
			t.Errorf("var[%d] = %v, want about 0.3", j, v)
		}
	}
}

func TestLinearGaussianDimCheck(t *testing.T) {
	sim := NewStandardLinearGaussian(2, nil)
	if _, err := sim.Simulate(mat.NewDense(3, 5, nil)); err == nil {
		t.Error("wrong-width parameters should fail")
	}
}

func TestTruePosteriorGaussianPrior(t *testing.T) {
	// With prior N(0, I) and likelihood N(theta + shift, I), the posterior
	// is N((xo - shift)/2, I/2).
	d := 2
	xo := []float64{1, 3}
	shift := []float64{-1, -1}
	post, err := TruePosteriorGaussianPrior(xo, shift, ScaledEye(d, 1), make([]float64, d), ScaledEye(d, 1), rand.NewSource(1))
	if err != nil {
		t.Fatalf("TruePosteriorGaussianPrior: %v", err)
	}
	mean := post.Mean()
	want := []float64{1, 2}
	for i := range want {
		if math.Abs(mean[i]-want[i]) > 1e-10 {
			t.Errorf("posterior mean[%d] = %v, want %v", i, mean[i], want[i])
		}
	}
	cov := post.Covariance()
	for i := 0; i < d; i++ {
		if math.Abs(cov.At(i, i)-0.5) > 1e-10 {
			t.Errorf("posterior var[%d] = %v, want 0.5", i, cov.At(i, i))
		}
	}
}

func TestTruePosteriorSamplesUniformPrior(t *testing.T) {
	d := 2
	xo := []float64{0.5, 0.5}
	shift := []float64{-1, -1}
	lower := []float64{-2, -2}
	upper := []float64{2, 2}
	s, err := TruePosteriorSamplesUniformPrior(2000, xo, shift, ScaledEye(d, 0.3), lower, upper, rand.NewSource(9))
	if err != nil {
		t.Fatalf("TruePosteriorSamplesUniformPrior: %v", err)
	}
	rows, _ := s.Dims()
	if rows != 2000 {
		t.Fatalf("got %d rows, want 2000", rows)
	}
	// Center is xo - shift = (1.5, 1.5), well inside the box.
	for j := 0; j < d; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			v := s.At(i, j)
			if v < lower[j] || v > upper[j] {
				t.Fatalf("sample outside box: %v", v)
			}
			sum += v
		}
		m := sum / float64(rows)
		if math.Abs(m-1.5) > 0.1 {
			t.Errorf("truncated mean[%d] = %v, want about 1.5", j, m)
		}
	}
}

func ExampleFunc() {
	sim := Func(func(theta *mat.Dense) (*mat.Dense, error) {
		rows, cols := theta.Dims()
		out := mat.NewDense(rows, cols, nil)
		out.Scale(3, theta)
		return out, nil
	})
	x, _ := sim.Simulate(mat.NewDense(1, 2, []float64{1, 2}))
	fmt.Println(mat.Formatted(x))
	// Output:
	// [3  6]
}
