package posterior

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/estimator"
	"github.com/pflow-xyz/go-sbi/train"
)

// maxBatchRows caps adaptive batch growth across the samplers.
const maxBatchRows = 1 << 16

// maxDirectBatches bounds the direct sampler's rejection loop.
const maxDirectBatches = 1000

// sampleDirect pulls exact conditional draws and keeps those inside the
// prior support. The batch grows while the in-support rate is low, so
// leaky estimators still finish in a bounded number of sampler calls.
func (p *Posterior) sampleDirect(ctx context.Context, n int) (*mat.Dense, error) {
	ts := p.est.(estimator.TargetSampler)
	src := rand.NewSource(p.nextSeed())
	out := mat.NewDense(n, p.Dim(), nil)
	got, proposed := 0, 0
	batch := n
	if batch < 64 {
		batch = 64
	}
	for attempt := 0; got < n; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt >= maxDirectBatches {
			return nil, fmt.Errorf("posterior: direct sampler kept %d of %d draws after %d batches", got, n, attempt)
		}
		draws := ts.SampleTarget(batch, p.xo, src)
		for i := 0; i < batch && got < n; i++ {
			row := draws.RawRowView(i)
			proposed++
			if p.sup.Contains(row) {
				out.SetRow(got, row)
				got++
			}
		}
		if rate := float64(got) / float64(proposed); got < n && rate < 0.5 && batch < maxBatchRows {
			batch *= 2
		}
	}
	p.setAcceptRate(float64(got) / float64(proposed))
	return out, nil
}

// sampleImportance draws a prior candidate pool, weights it by the
// potential-over-prior log ratio and resamples n rows from the weighted
// pool. Degenerate weights surface as a ProposalDegeneracyError before
// any resampling happens.
func (p *Posterior) sampleImportance(ctx context.Context, n int) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := n * p.cfg.Importance.Oversample
	cand := p.pri.Sample(m)
	logw := make([]float64, m)
	mx := math.Inf(-1)
	for i := range logw {
		row := cand.RawRowView(i)
		logw[i] = p.potential(row) - p.pri.LogProb(row)
		if isFinite(logw[i]) && logw[i] > mx {
			mx = logw[i]
		}
	}
	if math.IsInf(mx, -1) {
		return nil, fmt.Errorf("posterior: no prior draw has finite posterior density")
	}
	w := make([]float64, m)
	for i, lw := range logw {
		if isFinite(lw) {
			w[i] = math.Exp(lw - mx)
		}
	}
	if err := train.CheckWeights(w, p.cfg.Importance.ESSFloor, -1); err != nil {
		return nil, err
	}

	cum := make([]float64, m)
	total := 0.0
	for i, v := range w {
		total += v
		cum[i] = total
	}
	r := rand.New(rand.NewSource(p.nextSeed()))
	out := mat.NewDense(n, p.Dim(), nil)
	for i := 0; i < n; i++ {
		j := sort.SearchFloat64s(cum, r.Float64()*total)
		if j >= m {
			j = m - 1
		}
		out.SetRow(i, cand.RawRowView(j))
	}
	p.setAcceptRate(math.NaN())
	p.logger.Debug("importance resampling done",
		zap.Int("pool", m),
		zap.Float64("ess", train.EffectiveSampleSize(w)))
	return out, nil
}

// sampleRejection accepts prior draws under a log cap estimated from a
// pilot pool. The cap is raised with a warning when a later ratio
// exceeds it, and the batch size grows while the running acceptance
// rate sits below the configured floor.
func (p *Posterior) sampleRejection(ctx context.Context, n int) (*mat.Dense, error) {
	cfg := p.cfg.Rejection
	r := rand.New(rand.NewSource(p.nextSeed()))

	pilot := p.pri.Sample(cfg.CapSamples)
	logCap := math.Inf(-1)
	for i := 0; i < cfg.CapSamples; i++ {
		row := pilot.RawRowView(i)
		if lr := p.potential(row) - p.pri.LogProb(row); isFinite(lr) && lr > logCap {
			logCap = lr
		}
	}
	if math.IsInf(logCap, -1) {
		return nil, fmt.Errorf("posterior: no finite density ratio in %d pilot draws", cfg.CapSamples)
	}
	logCap += math.Log(1.2)

	out := mat.NewDense(n, p.Dim(), nil)
	got, proposed, accepted := 0, 0, 0
	batch := cfg.InitialBatch
	for b := 0; got < n; b++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b >= cfg.MaxBatches {
			return nil, fmt.Errorf("posterior: rejection sampler accepted %d of %d draws after %d batches", got, n, b)
		}
		cand := p.pri.Sample(batch)
		for i := 0; i < batch && got < n; i++ {
			row := cand.RawRowView(i)
			proposed++
			lr := p.potential(row) - p.pri.LogProb(row)
			if !isFinite(lr) {
				continue
			}
			if lr > logCap {
				logCap = lr + math.Log(1.2)
				p.logger.Warn("rejection cap raised mid-run", zap.Float64("log_cap", logCap))
			}
			if math.Log(r.Float64()) < lr-logCap {
				out.SetRow(got, row)
				got++
				accepted++
			}
		}
		rate := float64(accepted) / float64(proposed)
		if got < n && rate < cfg.AcceptanceFloor && batch < maxBatchRows {
			batch = int(float64(batch) * cfg.GrowthFactor)
			if batch > maxBatchRows {
				batch = maxBatchRows
			}
			p.logger.Debug("rejection batch grown",
				zap.Int("batch", batch),
				zap.Float64("accept_rate", rate))
		}
	}
	rate := float64(accepted) / float64(proposed)
	p.setAcceptRate(rate)
	p.logger.Debug("rejection sampling done",
		zap.Int("accepted", accepted),
		zap.Int("proposed", proposed),
		zap.Float64("accept_rate", rate))
	return out, nil
}
