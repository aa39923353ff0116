package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/pflow-xyz/go-sbi/checkpoint"
	"github.com/pflow-xyz/go-sbi/monitor"
	"github.com/pflow-xyz/go-sbi/posterior"
	"github.com/pflow-xyz/go-sbi/report"
	"github.com/pflow-xyz/go-sbi/rounds"
	"github.com/pflow-xyz/go-sbi/train"
)

func infer(args []string) error {
	fs := flag.NewFlagSet("infer", flag.ExitOnError)
	output := fs.String("output", "report.json", "Output file for the inference report")
	checkpointPath := fs.String("checkpoint", "", "SQLite journal for the run (enables resume)")
	monitorAddr := fs.String("monitor", "", "Serve live progress on this address (e.g. :8080)")
	draws := fs.Int("draws", 2000, "Posterior draws summarized in the report")
	numRounds := fs.Int("rounds", 0, "Override the config's round count")
	verbose := fs.Bool("verbose", false, "Structured engine logs on stderr")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: sbi infer <experiment.json> [options]

Run sequential neural inference: each round simulates from the current
proposal, refits the estimator and rebuilds the posterior at the
observation.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Config example (experiment.json):
  {
    "family": "posterior",
    "prior": {"kind": "box", "lower": [-2, -2], "upper": [2, 2]},
    "simulator": {"kind": "linear_gaussian", "shift": [-1, -1], "scale": 0.3},
    "estimator": {"components": 5, "hidden": 24},
    "observation": [0.2, -0.4],
    "rounds": 2,
    "simulations_per_round": 1000,
    "seed": 7
  }

Examples:
  # Single-round fit, report to report.json
  sbi infer experiment.json

  # Three rounds with a resumable journal
  sbi infer experiment.json --rounds 3 --checkpoint run.db

  # Watch progress live at ws://localhost:8080/ws
  sbi infer experiment.json --monitor :8080
`)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("config file required")
	}

	cfg, err := loadExperiment(fs.Arg(0))
	if err != nil {
		return err
	}

	logger := newLogger(*verbose)
	defer logger.Sync()

	src := newSource(cfg.Seed)
	pri, err := buildPrior(cfg.Prior, src)
	if err != nil {
		return err
	}
	sim, xDim, err := buildSimulator(cfg.Simulator, pri.Dim(), src)
	if err != nil {
		return err
	}
	est, err := buildEstimator(cfg.Family, cfg.Estimator, pri.Dim(), xDim, src)
	if err != nil {
		return err
	}
	opts, err := buildOptions(cfg)
	if err != nil {
		return err
	}

	if len(cfg.Observation) == 0 {
		return fmt.Errorf("config must set an observation")
	}
	if len(cfg.Observation) != xDim {
		return fmt.Errorf("observation dim %d does not match simulator output dim %d", len(cfg.Observation), xDim)
	}
	roundCount := cfg.Rounds
	if *numRounds > 0 {
		roundCount = *numRounds
	}

	seq, err := rounds.NewSequential(pri, sim, est, opts, logger)
	if err != nil {
		return err
	}
	if *checkpointPath != "" {
		store, err := checkpoint.NewSQLiteStore(*checkpointPath)
		if err != nil {
			return fmt.Errorf("open checkpoint: %w", err)
		}
		defer store.Close()
		seq.WithCheckpoint(store)
	}

	tracker := monitor.NewTracker(monitor.DefaultOptions(), logger)
	if *monitorAddr != "" {
		srv := &http.Server{Addr: *monitorAddr, Handler: monitor.NewServer(tracker, logger)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("monitor server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(os.Stderr, "Monitoring on ws://localhost%s/ws\n", *monitorAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	builder := report.NewBuilder(seq.RunID())
	builder.WithProblem(pri.Dim(), xDim, cfg.Family, string(opts.Correction), cfg.Observation)
	tracker.RunStarted(seq.RunID(), pri.Dim(), xDim, cfg.Family)

	start := time.Now()
	post, runErr := runRounds(ctx, seq, tracker, builder, cfg.Observation, roundCount, opts.SimulationsPerRound)
	if runErr == nil {
		runErr = summarizePosterior(ctx, post, *draws, builder)
	}
	elapsed := time.Since(start).Seconds()

	if runErr != nil {
		status := statusFor(runErr)
		tracker.RunFinished(status)
		builder.WithError(runErr)
		if status != "error" {
			builder.WithStatus(status)
		}
		if werr := report.WriteJSON(builder.Build(), *output); werr != nil {
			logger.Warn("write report failed", zap.Error(werr))
		}
		return runErr
	}
	tracker.RunFinished("success")

	if err := report.WriteJSON(builder.Build(), *output); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Inference complete\n")
	fmt.Fprintf(os.Stderr, "  Run: %s\n", seq.RunID())
	fmt.Fprintf(os.Stderr, "  Rounds: %d (%d simulations each)\n", roundCount, opts.SimulationsPerRound)
	fmt.Fprintf(os.Stderr, "  Backend: %s\n", post.Backend())
	fmt.Fprintf(os.Stderr, "  Compute time: %.3fs\n", elapsed)
	fmt.Fprintf(os.Stderr, "  Output: %s\n", *output)
	return nil
}

// runRounds drives the sequential loop, publishing progress and filling
// the report as it goes.
func runRounds(ctx context.Context, seq *rounds.Sequential, tracker *monitor.Tracker, builder *report.Builder, observation []float64, numRounds, sims int) (*posterior.Posterior, error) {
	if numRounds < 1 {
		return nil, fmt.Errorf("need at least one round, got %d", numRounds)
	}
	prop := rounds.PriorProposal(seq.Controller().Prior())
	var post *posterior.Posterior
	for r := 0; r < numRounds; r++ {
		round, err := seq.StartRound(ctx, prop)
		if err != nil {
			return nil, err
		}
		tracker.RoundStarted(round, prop.ID)
		if err := seq.Simulate(ctx, sims); err != nil {
			return nil, err
		}
		tracker.SimulationsAdded(round, sims)
		rep, err := seq.Train(ctx)
		if err != nil {
			return nil, err
		}
		tracker.FitFinished(round, rep)
		builder.WithRound(round, prop.ID, sims, seq.Controller().Dataset().Len(), rep)
		post, err = seq.BuildPosterior(ctx, observation)
		if err != nil {
			return nil, err
		}
		tracker.PosteriorBuilt(round, post.Backend().String(), post.Leakage())
		prop = rounds.PosteriorProposal(post, round)
	}
	return post, nil
}

// summarizePosterior draws from the final posterior and records the
// summary block.
func summarizePosterior(ctx context.Context, post *posterior.Posterior, draws int, builder *report.Builder) error {
	samples, err := post.Sample(ctx, draws)
	if err != nil {
		return fmt.Errorf("sample posterior: %w", err)
	}
	var mapEst []float64
	if post.HasDensity() {
		if m, err := post.MAP(ctx); err == nil {
			mapEst = m
		}
	}
	builder.WithPosterior(post.Backend().String(), post.Leakage(), post.AcceptRate(), post.MaxRHat(), samples, mapEst)
	return nil
}

func statusFor(err error) string {
	var dg *train.ProposalDegeneracyError
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &dg):
		return "degenerate"
	default:
		return "error"
	}
}
