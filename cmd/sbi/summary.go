package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pflow-xyz/go-sbi/report"
)

func summary(args []string) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: sbi summary <report.json>

Display quick summary of an inference report.

Examples:
  sbi summary report.json
`)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("report file required")
	}

	rep, err := report.ReadJSON(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	fmt.Printf("Run: %s\n", rep.Metadata.RunID)
	fmt.Printf("Status: %s\n", rep.Metadata.Status)
	if rep.Metadata.Error != "" {
		fmt.Printf("Error: %s\n", rep.Metadata.Error)
	}
	fmt.Printf("Problem: %s family, theta dim %d, x dim %d", rep.Problem.Family, rep.Problem.ThetaDim, rep.Problem.XDim)
	if rep.Problem.Correction != "" {
		fmt.Printf(", %s correction", rep.Problem.Correction)
	}
	fmt.Println()
	if len(rep.Problem.Observation) > 0 {
		fmt.Printf("Observation: %v\n", rep.Problem.Observation)
	}
	fmt.Printf("Compute time: %.3fs\n", rep.Metadata.ComputeTime)

	if len(rep.Rounds) > 0 {
		fmt.Println("\nRounds:")
		for _, rd := range rep.Rounds {
			fmt.Printf("  %d: drew from %s, %d simulations (corpus %d), %d epochs, best val loss %.4f (%s)\n",
				rd.Round, rd.ProposalID, rd.Simulations, rd.CorpusSize,
				rd.Training.Epochs, rd.Training.BestValLoss, rd.Training.StopReason)
		}
	}

	if rep.Posterior != nil {
		p := rep.Posterior
		fmt.Printf("\nPosterior: %s backend, %d draws\n", p.Backend, p.Samples)
		if p.Leakage >= 0 {
			fmt.Printf("  Leakage: %.3f\n", p.Leakage)
		}
		if p.AcceptRate >= 0 {
			fmt.Printf("  Accept rate: %.3f\n", p.AcceptRate)
		}
		if p.MaxRHat >= 0 {
			fmt.Printf("  Max R-hat: %.3f\n", p.MaxRHat)
		}
		if p.MAP != nil {
			fmt.Printf("  MAP: %v\n", p.MAP)
		}
		if len(p.Marginals) > 0 {
			fmt.Println("  Marginals:")
			for _, m := range p.Marginals {
				fmt.Printf("    dim %d: mean %.4f, std %.4f, 90%% interval [%.4f, %.4f]\n",
					m.Dim, m.Mean, m.Std, m.Q05, m.Q95)
			}
		}
	}

	return nil
}
