package train

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/pflow-xyz/go-sbi/data"
	"github.com/pflow-xyz/go-sbi/estimator"
)

// NonFiniteLossError reports a fit aborted because too many consecutive
// optimization steps produced NaN or Inf losses or gradients.
type NonFiniteLossError struct {
	Epoch    int
	Step     int
	Discards int
}

func (e *NonFiniteLossError) Error() string {
	return fmt.Sprintf("training diverged at epoch %d step %d after %d discarded steps", e.Epoch, e.Step, e.Discards)
}

// Options controls a single fit.
type Options struct {
	// LearningRate is the Adam step size.
	LearningRate float64
	// BatchSize is the minibatch size.
	BatchSize int
	// MaxEpochs caps the number of passes over the training split.
	MaxEpochs int
	// Patience stops the fit after this many epochs without validation
	// improvement. Zero disables early stopping.
	Patience int
	// ValFraction is the share of examples held out for validation.
	ValFraction float64
	// MaxGradNorm rescales gradients whose norm exceeds it. Zero keeps
	// gradients unclipped.
	MaxGradNorm float64
	// MaxConsecutiveDiscards aborts the fit when this many non-finite
	// steps arrive in a row.
	MaxConsecutiveDiscards int
	// FromRound drops examples from earlier rounds. Zero trains on the
	// whole corpus; one discards prior-drawn simulations.
	FromRound int
	// ResetParams reinitializes the estimator before the first epoch
	// instead of fine-tuning the parameters it arrived with.
	ResetParams bool
	// Seed drives shuffling, splits and loss randomness.
	Seed uint64
}

// DefaultOptions mirror the defaults of the reference sequential trainers.
func DefaultOptions() Options {
	return Options{
		LearningRate:           5e-4,
		BatchSize:              50,
		MaxEpochs:              200,
		Patience:               20,
		ValFraction:            0.1,
		MaxGradNorm:            5.0,
		MaxConsecutiveDiscards: 10,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.LearningRate <= 0 {
		o.LearningRate = def.LearningRate
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.MaxEpochs <= 0 {
		o.MaxEpochs = def.MaxEpochs
	}
	if o.ValFraction < 0 {
		o.ValFraction = 0
	}
	if o.MaxConsecutiveDiscards <= 0 {
		o.MaxConsecutiveDiscards = def.MaxConsecutiveDiscards
	}
	return o
}

// Report summarizes a completed or aborted fit.
type Report struct {
	Loss           string  `json:"loss"`
	Examples       int     `json:"examples"`
	Epochs         int     `json:"epochs"`
	Steps          int     `json:"steps"`
	TrainLoss      float64 `json:"train_loss"`
	ValLoss        float64 `json:"val_loss"`
	BestValLoss    float64 `json:"best_val_loss"`
	BestEpoch      int     `json:"best_epoch"`
	DiscardedSteps int     `json:"discarded_steps"`
	StopReason     string  `json:"stop_reason"`
	Canceled       bool    `json:"canceled"`
}

// Fit trains est on the snapshot with minibatch Adam. The best-validation
// parameters are restored before returning. On context cancellation the
// partial report is returned together with the context error.
func Fit(ctx context.Context, est estimator.Estimator, snap *data.Snapshot, loss Loss, opts Options, logger *zap.Logger) (*Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	if est.Device() != snap.Device() {
		return nil, &data.DeviceMismatchError{Want: est.Device(), Got: snap.Device(), Op: "train"}
	}
	idx := snap.ExamplesFromRound(opts.FromRound)
	if len(idx) == 0 {
		return nil, fmt.Errorf("train: no examples at or after round %d", opts.FromRound)
	}

	src := rand.NewSource(opts.Seed)
	r := rand.New(src)

	if opts.ResetParams {
		est.Reset(rand.NewSource(opts.Seed + 1))
	}
	if err := fitStandardizer(est, snap, idx); err != nil {
		return nil, err
	}
	if err := loss.Prepare(est, snap); err != nil {
		return nil, err
	}

	trainIdx, valIdx := data.Split(idx, opts.ValFraction, rand.NewSource(opts.Seed+2))
	if len(trainIdx) == 0 {
		return nil, fmt.Errorf("train: empty training split")
	}
	batch := opts.BatchSize
	if batch > len(trainIdx) {
		batch = len(trainIdx)
	}

	params := est.Params()
	adam := newAdam(len(params), opts.LearningRate)
	best := append([]float64(nil), params...)
	bestVal := math.Inf(1)

	rep := &Report{
		Loss:        loss.Name(),
		Examples:    len(idx),
		BestEpoch:   -1,
		BestValLoss: math.Inf(1),
		StopReason:  "max_epochs",
	}
	grad := make([]float64, len(params))
	consecutive := 0
	sinceBest := 0

	logger.Debug("fit starting",
		zap.String("loss", loss.Name()),
		zap.Int("train", len(trainIdx)),
		zap.Int("val", len(valIdx)),
		zap.Int("params", len(params)))

	for epoch := 0; epoch < opts.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			rep.StopReason = "canceled"
			rep.Canceled = true
			est.SetParams(best)
			return rep, err
		}
		shuffle(trainIdx, r)
		epochLoss := 0.0
		steps := 0
		for start := 0; start < len(trainIdx); start += batch {
			end := start + batch
			if end > len(trainIdx) {
				end = len(trainIdx)
			}
			mb := trainIdx[start:end]
			if len(mb) < 2 && len(trainIdx) >= 2 {
				continue // degenerate tail minibatch
			}
			for i := range grad {
				grad[i] = 0
			}
			l, err := loss.MinibatchGrad(est, snap, mb, r, grad)
			if err != nil {
				return nil, err
			}
			if !finite(l) || !allFinite(grad) {
				rep.DiscardedSteps++
				consecutive++
				logger.Warn("discarding non-finite step",
					zap.Int("epoch", epoch),
					zap.Int("step", steps),
					zap.Float64("loss", l))
				if consecutive > opts.MaxConsecutiveDiscards {
					est.SetParams(best)
					return rep, &NonFiniteLossError{Epoch: epoch, Step: steps, Discards: rep.DiscardedSteps}
				}
				continue
			}
			consecutive = 0
			if opts.MaxGradNorm > 0 {
				if norm := floats.Norm(grad, 2); norm > opts.MaxGradNorm {
					floats.Scale(opts.MaxGradNorm/norm, grad)
				}
			}
			adam.step(params, grad)
			est.SetParams(params)
			epochLoss += l
			steps++
			rep.Steps++
		}
		if steps > 0 {
			rep.TrainLoss = epochLoss / float64(steps)
		}
		rep.Epochs = epoch + 1

		val := rep.TrainLoss
		if len(valIdx) > 0 {
			v, err := loss.MinibatchLoss(est, snap, valIdx, r)
			if err != nil {
				return nil, err
			}
			val = v
		}
		rep.ValLoss = val
		if val < bestVal {
			bestVal = val
			copy(best, params)
			rep.BestValLoss = val
			rep.BestEpoch = epoch
			sinceBest = 0
		} else {
			sinceBest++
			if opts.Patience > 0 && sinceBest >= opts.Patience {
				rep.StopReason = "patience"
				break
			}
		}
	}

	est.SetParams(best)
	logger.Info("fit finished",
		zap.String("loss", loss.Name()),
		zap.Int("epochs", rep.Epochs),
		zap.Float64("best_val_loss", rep.BestValLoss),
		zap.String("stop", rep.StopReason))
	return rep, nil
}

// fitStandardizer installs a context z-scorer on estimators that want one
// and do not have one yet. The context is x for posterior, ratio and score
// families and theta for likelihood families.
func fitStandardizer(est estimator.Estimator, snap *data.Snapshot, idx []int) error {
	cs, ok := est.(estimator.ContextStandardizable)
	if !ok || cs.ContextStandardizer() != nil {
		return nil
	}
	if len(idx) < 2 {
		return nil
	}
	useTheta := est.Kind() == estimator.KindLikelihood
	dim := snap.XDim()
	if useTheta {
		dim = snap.ThetaDim()
	}
	rows := mat.NewDense(len(idx), dim, nil)
	for r, i := range idx {
		theta, x, _ := snap.Example(i)
		if useTheta {
			rows.SetRow(r, theta)
		} else {
			rows.SetRow(r, x)
		}
	}
	std, err := estimator.FitStandardizer(rows, 0)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	cs.SetContextStandardizer(std)
	return nil
}

func shuffle(idx []int, r *rand.Rand) {
	r.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func allFinite(v []float64) bool {
	for _, x := range v {
		if !finite(x) {
			return false
		}
	}
	return true
}

// adam is the usual first-order optimizer with bias correction.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  []float64
}

func newAdam(n int, lr float64) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

func (a *adam) step(params, grad []float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i := range params {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*grad[i]
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*grad[i]*grad[i]
		params[i] -= a.lr * (a.m[i] / c1) / (math.Sqrt(a.v[i]/c2) + a.eps)
	}
}
