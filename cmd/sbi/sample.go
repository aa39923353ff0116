package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"gonum.org/v1/gonum/stat"

	"github.com/pflow-xyz/go-sbi/checkpoint"
	"github.com/pflow-xyz/go-sbi/rounds"
)

// sampleSet is the on-disk format for posterior draws.
type sampleSet struct {
	RunID       string      `json:"run_id"`
	Round       int         `json:"round"`
	Backend     string      `json:"backend"`
	Observation []float64   `json:"observation"`
	Count       int         `json:"count"`
	MAP         []float64   `json:"map,omitempty"`
	Theta       [][]float64 `json:"theta"`
	LogProb     []float64   `json:"log_prob,omitempty"`
}

func sample(args []string) error {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	checkpointPath := fs.String("checkpoint", "", "SQLite journal of the run (required)")
	runID := fs.String("run", "", "Run ID inside the journal")
	list := fs.Bool("list", false, "List the journal's runs and exit")
	observation := fs.String("observation", "", "Observation to condition on (format: 0.5,-0.3)")
	n := fs.Int("n", 1000, "Number of posterior draws")
	output := fs.String("output", "", "Output file for the draws (prints a summary when omitted)")
	verbose := fs.Bool("verbose", false, "Structured logs on stderr")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: sbi sample <experiment.json> [options]

Rebuild a journaled run's estimator from its checkpoint stream, build
the posterior at an observation and draw from it. The config must match
the one the run was started with.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # See which runs the journal holds
  sbi sample experiment.json --checkpoint run.db --list

  # 1000 draws at the config's observation
  sbi sample experiment.json --checkpoint run.db --run 8f14e45f --n 1000 --output samples.json

  # Condition on a different observation
  sbi sample experiment.json --checkpoint run.db --run 8f14e45f --observation "0.1,0.4"
`)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("config file required")
	}
	if *checkpointPath == "" {
		fs.Usage()
		return fmt.Errorf("--checkpoint required")
	}

	store, err := checkpoint.NewSQLiteStore(*checkpointPath)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *list {
		return listRuns(ctx, store)
	}
	if *runID == "" {
		fs.Usage()
		return fmt.Errorf("--run required (use --list to see the journal's runs)")
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

	obs := cfg.Observation
	if *observation != "" {
		obs, err = parseFloats(*observation)
		if err != nil {
			return fmt.Errorf("parse observation: %w", err)
		}
	}
	if len(obs) == 0 {
		return fmt.Errorf("observation required (config field or --observation)")
	}
	if len(obs) != xDim {
		return fmt.Errorf("observation dim %d does not match simulator output dim %d", len(obs), xDim)
	}

	seq, err := rounds.Resume(ctx, store, *runID, pri, sim, est, opts, logger)
	if err != nil {
		return fmt.Errorf("resume run: %w", err)
	}
	post, err := seq.BuildPosterior(ctx, obs)
	if err != nil {
		return err
	}
	draws, err := post.Sample(ctx, *n)
	if err != nil {
		return fmt.Errorf("sample posterior: %w", err)
	}

	set := sampleSet{
		RunID:       *runID,
		Round:       seq.Controller().LastFitted(),
		Backend:     post.Backend().String(),
		Observation: obs,
		Count:       *n,
		Theta:       matRows(draws),
	}
	if post.HasDensity() {
		set.LogProb = post.LogProbBatch(draws)
		if m, err := post.MAP(ctx); err == nil {
			set.MAP = m
		}
	}

	if *output == "" {
		_, dim := draws.Dims()
		printDrawSummary(&set, dim)
		return nil
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}
	if err := os.WriteFile(*output, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Sampling complete\n")
	fmt.Fprintf(os.Stderr, "  Run: %s (round %d, %s backend)\n", set.RunID, set.Round, set.Backend)
	fmt.Fprintf(os.Stderr, "  Draws: %d\n", set.Count)
	fmt.Fprintf(os.Stderr, "  Output: %s\n", *output)
	return nil
}

// listRuns prints one line per run in the journal.
func listRuns(ctx context.Context, store checkpoint.Store) error {
	recs, err := store.ReadAll(ctx, checkpoint.Filter{Kinds: []string{rounds.RecordRunStarted}})
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("No runs in journal")
		return nil
	}
	for _, rec := range recs {
		var p struct {
			ThetaDim int    `json:"theta_dim"`
			XDim     int    `json:"x_dim"`
			Family   string `json:"family"`
		}
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			continue
		}
		fmt.Printf("%s  %s  %s family, theta dim %d, x dim %d\n",
			rec.RunID, rec.At.Format("2006-01-02 15:04:05"), p.Family, p.ThetaDim, p.XDim)
	}
	return nil
}

// printDrawSummary prints per-dimension statistics of the draws.
func printDrawSummary(set *sampleSet, dim int) {
	fmt.Printf("Run: %s\n", set.RunID)
	fmt.Printf("Round: %d (%s backend)\n", set.Round, set.Backend)
	fmt.Printf("Draws: %d\n", set.Count)
	if set.MAP != nil {
		fmt.Printf("MAP: %v\n", set.MAP)
	}
	fmt.Println("\nMarginals:")
	col := make([]float64, len(set.Theta))
	for d := 0; d < dim; d++ {
		for i, row := range set.Theta {
			col[i] = row[d]
		}
		mean, std := stat.MeanStdDev(col, nil)
		fmt.Printf("  dim %d: mean %.4f, std %.4f\n", d, mean, std)
	}
}
