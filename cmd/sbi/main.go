package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "infer":
		if err := infer(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "simulate":
		if err := simulateCmd(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "sample":
		if err := sample(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "summary":
		if err := summary(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "help", "-h", "--help":
		printUsage()
	case "version", "-v", "--version":
		fmt.Printf("sbi version %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`sbi - simulation-based inference engine

Usage:
  sbi <command> [options]

Commands:
  infer      Run sequential neural inference from an experiment config
  simulate   Draw parameters from the prior and run the simulator
  sample     Draw from a posterior rebuilt from a checkpoint journal
  summary    Display quick summary of an inference report
  help       Show this help message
  version    Show version information

Examples:
  # Two-round posterior inference
  sbi infer experiment.json --output report.json

  # Journal the run and watch it live over WebSocket
  sbi infer experiment.json --checkpoint run.db --monitor :8080

  # Simulate a training set without fitting anything
  sbi simulate experiment.json --n 5000 --output sims.json

  # Rebuild a journaled run's posterior and draw from it
  sbi sample experiment.json --checkpoint run.db --run 8f14e45f --n 1000

For command-specific help, run:
  sbi <command> --help`)
}

// newLogger returns a development logger when verbose, a no-op logger
// otherwise. Human-readable progress goes to stderr either way.
func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
