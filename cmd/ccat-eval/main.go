// ccat-eval drives the streaming codec and the block-FEC baselines
// through a simulated lossy channel and reports delivery statistics as
// JSON records, one per scenario.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Buanderie/CauchyCaterpillar/internal/metrics"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	Prefix:          "ccat-eval",
})

func main() {
	root := &cobra.Command{
		Use:           "ccat-eval",
		Short:         "evaluate the streaming Cauchy codec against block FEC baselines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand(), sweepCommand())
	if err := root.Execute(); err != nil {
		logger.Fatal("eval failed", "err", err)
	}
}

func runCommand() *cobra.Command {
	cfg := defaultConfig()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run one scenario and print its JSON record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.MetricsAddr != "" {
				metrics.Serve(cfg.MetricsAddr)
			}
			rec, err := runScenario(cfg)
			if err != nil {
				return err
			}
			logger.Info("scenario done",
				"scheme", rec.Scheme,
				"loss", rec.Loss,
				"delivered", fmt.Sprintf("%d/%d", rec.Delivered, rec.Count))
			return writeRecords(cfg.Out, []record{rec})
		},
	}
	bindConfig(cmd, &cfg)
	return cmd
}

func sweepCommand() *cobra.Command {
	cfg := defaultConfig()
	var (
		losses   string
		schemes  string
		parallel int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "cross loss rates and schemes, one JSON record per cell",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.MetricsAddr != "" {
				metrics.Serve(cfg.MetricsAddr)
			}
			lossList, err := parseLosses(losses)
			if err != nil {
				return err
			}
			schemeList := strings.Split(schemes, ",")

			type cell struct {
				cfg scenarioConfig
				idx int
			}
			cells := make([]cell, 0, len(lossList)*len(schemeList))
			for _, scheme := range schemeList {
				for _, loss := range lossList {
					c := cfg
					c.Scheme = strings.TrimSpace(scheme)
					c.Loss = loss
					cells = append(cells, cell{cfg: c, idx: len(cells)})
				}
			}

			if parallel < 1 {
				parallel = 1
			}
			records := make([]record, len(cells))
			var g errgroup.Group
			g.SetLimit(parallel)
			start := time.Now()
			for _, c := range cells {
				c := c
				g.Go(func() error {
					metrics.ActiveScenarios.Inc()
					defer metrics.ActiveScenarios.Dec()
					rec, err := runScenario(c.cfg)
					if err != nil {
						return fmt.Errorf("%s loss=%g: %w", c.cfg.Scheme, c.cfg.Loss, err)
					}
					records[c.idx] = rec
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("sweep done", "cells", len(cells), "elapsed", time.Since(start))
			return writeRecords(cfg.Out, records)
		},
	}
	bindConfig(cmd, &cfg)
	cmd.Flags().StringVar(&losses, "losses", "0.01,0.05,0.10,0.20", "comma-separated loss rates")
	cmd.Flags().StringVar(&schemes, "schemes", "ccat,xor,rs,raptorq", "comma-separated schemes")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "concurrent scenario evaluations")
	return cmd
}

func bindConfig(cmd *cobra.Command, cfg *scenarioConfig) {
	f := cmd.Flags()
	f.StringVar(&cfg.Scheme, "scheme", cfg.Scheme, "scheme: ccat, xor, rs, raptorq")
	f.IntVar(&cfg.Count, "count", cfg.Count, "originals to stream")
	f.IntVar(&cfg.Size, "size", cfg.Size, "payload bytes per original")
	f.Float64Var(&cfg.Loss, "loss", cfg.Loss, "channel loss rate")
	f.Float64Var(&cfg.MeanBurst, "burst", cfg.MeanBurst, "mean loss burst length (>1 enables bursts)")
	f.Float64Var(&cfg.Reorder, "reorder", cfg.Reorder, "channel reorder rate")
	f.Float64Var(&cfg.Redundancy, "redundancy", cfg.Redundancy, "recovery packets per original")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "deterministic seed")
	f.StringVar(&cfg.Out, "out", cfg.Out, "output file, - for stdout")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve prometheus metrics on this address")
}

func parseLosses(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("bad loss %q: %w", p, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func writeRecords(out string, records []record) error {
	w := os.Stdout
	if out != "" && out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}
