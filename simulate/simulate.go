// Package simulate runs black-box simulators over batches of parameters.
//
// A Simulator maps parameter rows to observation rows. The Runner splits
// large parameter sets into chunks and executes them across a bounded pool
// of workers, preserving row order in the assembled output.
package simulate

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Simulator produces one observation row per parameter row. Implementations
// must treat theta as read-only and must be safe for concurrent calls when
// used with a Runner.
type Simulator interface {
	Simulate(theta *mat.Dense) (*mat.Dense, error)
}

// Func adapts a plain function to the Simulator interface.
type Func func(theta *mat.Dense) (*mat.Dense, error)

// Simulate calls f.
func (f Func) Simulate(theta *mat.Dense) (*mat.Dense, error) { return f(theta) }

// SimulationError reports a failed or invalid simulator call. Batch is the
// chunk index within the run, Index the global row that produced the
// failure, or -1 when the failure is not tied to a single row.
type SimulationError struct {
	Batch   int
	Index   int
	Wrapped error
}

func (e *SimulationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("simulation batch %d row %d: %v", e.Batch, e.Index, e.Wrapped)
	}
	return fmt.Sprintf("simulation batch %d: %v", e.Batch, e.Wrapped)
}

func (e *SimulationError) Unwrap() error { return e.Wrapped }

// RunnerOptions configures chunking and parallelism.
type RunnerOptions struct {
	// BatchSize is the number of parameter rows per simulator call.
	BatchSize int
	// Workers bounds the number of concurrent simulator calls.
	Workers int
	// AllowNonFinite passes NaN and Inf observations through instead of
	// failing the run.
	AllowNonFinite bool
}

// DefaultRunnerOptions returns the options used when none are given.
func DefaultRunnerOptions() RunnerOptions {
	return RunnerOptions{
		BatchSize: 256,
		Workers:   runtime.GOMAXPROCS(0),
	}
}

// Runner executes a Simulator over parameter batches.
type Runner struct {
	sim    Simulator
	opts   RunnerOptions
	logger *zap.Logger
}

// NewRunner wraps sim. Zero option fields fall back to defaults and a nil
// logger is replaced with a no-op one.
func NewRunner(sim Simulator, opts RunnerOptions, logger *zap.Logger) *Runner {
	def := DefaultRunnerOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{sim: sim, opts: opts, logger: logger}
}

// Run simulates every row of theta and returns the observations in the
// same row order. It stops early when ctx is canceled.
func (r *Runner) Run(ctx context.Context, theta *mat.Dense) (*mat.Dense, error) {
	rows, _ := theta.Dims()
	if rows == 0 {
		return nil, fmt.Errorf("simulate: empty parameter batch")
	}
	type chunk struct {
		index int
		start int
		end   int
	}
	var chunks []chunk
	for start := 0; start < rows; start += r.opts.BatchSize {
		end := start + r.opts.BatchSize
		if end > rows {
			end = rows
		}
		chunks = append(chunks, chunk{index: len(chunks), start: start, end: end})
	}
	results := make([]*mat.Dense, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, c := range chunks {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sub := theta.Slice(c.start, c.end, 0, theta.RawMatrix().Cols).(*mat.Dense)
			x, err := r.sim.Simulate(sub)
			if err != nil {
				return &SimulationError{Batch: c.index, Index: -1, Wrapped: err}
			}
			got, _ := x.Dims()
			if got != c.end-c.start {
				return &SimulationError{
					Batch:   c.index,
					Index:   -1,
					Wrapped: fmt.Errorf("simulator returned %d rows for %d parameters", got, c.end-c.start),
				}
			}
			if !r.opts.AllowNonFinite {
				if row, ok := firstNonFiniteRow(x); ok {
					return &SimulationError{
						Batch:   c.index,
						Index:   c.start + row,
						Wrapped: fmt.Errorf("non-finite observation"),
					}
				}
			}
			results[c.index] = x
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	_, xDim := results[0].Dims()
	out := mat.NewDense(rows, xDim, nil)
	for i, c := range chunks {
		_, cols := results[i].Dims()
		if cols != xDim {
			return nil, &SimulationError{
				Batch:   c.index,
				Index:   -1,
				Wrapped: fmt.Errorf("observation width %d differs from %d", cols, xDim),
			}
		}
		for row := c.start; row < c.end; row++ {
			out.SetRow(row, results[i].RawRowView(row-c.start))
		}
	}
	r.logger.Debug("simulation run complete",
		zap.Int("rows", rows),
		zap.Int("chunks", len(chunks)),
		zap.Int("x_dim", xDim))
	return out, nil
}

func firstNonFiniteRow(x *mat.Dense) (int, bool) {
	rows, cols := x.Dims()
	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		for j := 0; j < cols; j++ {
			if math.IsNaN(row[j]) || math.IsInf(row[j], 0) {
				return i, true
			}
		}
	}
	return -1, false
}
