// Command nblast scores point-cloud neurons from JSON files.
//
//	nblast allbyall -in neurons.json [-out scores.json]
//	nblast pairwise -queries q.json -targets t.json
//	nblast smart -queries q.json -targets t.json -criterion N -threshold 3
//	nblast synblast -queries q.json -targets t.json -by-type
//	nblast train -matching sets.json -nonmatching pool.json -out smat.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"

	"github.com/morphoscope/nblast/internal/blaster"
	"github.com/morphoscope/nblast/internal/config"
	"github.com/morphoscope/nblast/internal/orchestrator"
	"github.com/morphoscope/nblast/internal/scoring"
	"github.com/morphoscope/nblast/internal/utils/logger"
	"github.com/morphoscope/nblast/pkg/dotprops"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)
	logger.Init()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	switch cmd {
	case "allbyall":
		err = runAllByAll(cfg)
	case "pairwise":
		err = runPairwise(cfg)
	case "smart":
		err = runSmart(cfg)
	case "synblast":
		err = runSynBlast(cfg)
	case "train":
		err = runTrain(cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nblast <allbyall|pairwise|smart|synblast|train> [flags]")
}

func options(cfg *config.AppConfig) (orchestrator.Options, error) {
	opts := orchestrator.Options{
		Workers:    cfg.Workers,
		Agg:        blaster.Agg(cfg.Aggregation),
		UseAlpha:   cfg.UseAlpha,
		Normalized: cfg.Normalized,
		MaxDist:    cfg.MaxDist,
	}
	if cfg.LookupPath != "" {
		lookup, err := scoring.LoadLookup(cfg.LookupPath)
		if err != nil {
			return opts, fmt.Errorf("loading score table: %w", err)
		}
		opts.ScoreFn = lookup
	}
	return opts, nil
}

func runAllByAll(cfg *config.AppConfig) error {
	fs := flag.NewFlagSet("allbyall", flag.ExitOnError)
	in := fs.String("in", "", "JSON file with an array of dotprops")
	out := fs.String("out", "", "output path, stdout when empty")
	fs.Parse(os.Args[1:])

	neurons, err := readNeurons(*in)
	if err != nil {
		return err
	}
	opts, err := options(cfg)
	if err != nil {
		return err
	}
	table, err := orchestrator.NBlastAllByAll(context.Background(), neurons, opts)
	if err != nil {
		return err
	}
	return writeResult(*out, table)
}

func runPairwise(cfg *config.AppConfig) error {
	fs := flag.NewFlagSet("pairwise", flag.ExitOnError)
	qf := fs.String("queries", "", "JSON file with query dotprops")
	tf := fs.String("targets", "", "JSON file with target dotprops")
	out := fs.String("out", "", "output path, stdout when empty")
	fs.Parse(os.Args[1:])

	queries, targets, err := readPairInputs(*qf, *tf)
	if err != nil {
		return err
	}
	opts, err := options(cfg)
	if err != nil {
		return err
	}
	table, err := orchestrator.NBlast(context.Background(), queries, targets, opts)
	if err != nil {
		return err
	}
	return writeResult(*out, table)
}

func runSmart(cfg *config.AppConfig) error {
	fs := flag.NewFlagSet("smart", flag.ExitOnError)
	qf := fs.String("queries", "", "JSON file with query dotprops")
	tf := fs.String("targets", "", "JSON file with target dotprops")
	criterion := fs.String("criterion", cfg.SmartCriterion, "percentile, quantile or N")
	threshold := fs.Float64("threshold", cfg.SmartThreshold, "criterion threshold")
	step := fs.Int("step", cfg.SmartStep, "coarse pass downsampling step")
	out := fs.String("out", "", "output path, stdout when empty")
	fs.Parse(os.Args[1:])

	queries, targets, err := readPairInputs(*qf, *tf)
	if err != nil {
		return err
	}
	opts, err := options(cfg)
	if err != nil {
		return err
	}
	smart := orchestrator.SmartOptions{
		Criterion:  orchestrator.SmartCriterion(*criterion),
		Threshold:  *threshold,
		CoarseStep: *step,
	}
	table, mask, err := orchestrator.NBlastSmart(context.Background(), queries, targets, opts, smart)
	if err != nil {
		return err
	}
	refined := 0
	for _, row := range mask {
		for _, m := range row {
			if m {
				refined++
			}
		}
	}
	log.Info().Int("refined", refined).Int("grid", len(queries)*len(targets)).Msg("smart run finished")
	return writeResult(*out, table)
}

func runSynBlast(cfg *config.AppConfig) error {
	fs := flag.NewFlagSet("synblast", flag.ExitOnError)
	qf := fs.String("queries", "", "JSON file with query dotprops")
	tf := fs.String("targets", "", "JSON file with target dotprops")
	byType := fs.Bool("by-type", false, "match synapses per connector type")
	out := fs.String("out", "", "output path, stdout when empty")
	fs.Parse(os.Args[1:])

	queries, targets, err := readPairInputs(*qf, *tf)
	if err != nil {
		return err
	}
	opts, err := options(cfg)
	if err != nil {
		return err
	}
	table, err := orchestrator.SynBlast(context.Background(), queries, targets, *byType, opts)
	if err != nil {
		return err
	}
	return writeResult(*out, table)
}

func runTrain(cfg *config.AppConfig) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	mf := fs.String("matching", "", "JSON file with an array of matching sets (array of arrays of dotprops)")
	nf := fs.String("nonmatching", "", "JSON file with the non-matching neuron pool")
	useAlpha := fs.Bool("alpha", false, "weight dot products by colinearity")
	out := fs.String("out", "smat.csv", "output table path (.csv, .csv.gz or .json)")
	fs.Parse(os.Args[1:])

	raw, err := os.ReadFile(*mf)
	if err != nil {
		return fmt.Errorf("reading matching sets: %w", err)
	}
	var matching [][]*dotprops.Dotprops
	if err := sonic.Unmarshal(raw, &matching); err != nil {
		return fmt.Errorf("parsing matching sets: %w", err)
	}
	nonMatching, err := readNeurons(*nf)
	if err != nil {
		return err
	}

	builder := scoring.NewBuilder(matching, nonMatching,
		scoring.WithAlpha(*useAlpha),
		scoring.WithMaxDist(cfg.MaxDist),
	)
	lookup, err := builder.Build()
	if err != nil {
		return err
	}
	if err := lookup.SaveLookup(*out); err != nil {
		return err
	}
	log.Info().Str("path", *out).Msg("trained score table written")
	return nil
}

func readNeurons(path string) ([]*dotprops.Dotprops, error) {
	if path == "" {
		return nil, fmt.Errorf("no input file given")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var neurons []*dotprops.Dotprops
	if err := sonic.Unmarshal(raw, &neurons); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return neurons, nil
}

func readPairInputs(qf, tf string) (queries, targets []*dotprops.Dotprops, err error) {
	if queries, err = readNeurons(qf); err != nil {
		return nil, nil, err
	}
	if targets, err = readNeurons(tf); err != nil {
		return nil, nil, err
	}
	return queries, targets, nil
}

func writeResult(path string, table *scoring.ScoreTable) error {
	raw, err := sonic.Marshal(table)
	if err != nil {
		return err
	}
	if path == "" {
		_, err = os.Stdout.Write(append(raw, '\n'))
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
