package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"

	"github.com/nvr-ai/au-rcnn/common"
	"github.com/nvr-ai/au-rcnn/config"
	"github.com/nvr-ai/au-rcnn/dataset"
	"github.com/nvr-ai/au-rcnn/profiler"
	"github.com/nvr-ai/au-rcnn/targets"
	"github.com/nvr-ai/au-rcnn/trainer"
)

func main() {
	parser := argparse.NewParser("au-targets", "Assign AU R-CNN training targets and sample loss entries")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML config file (defaults are used when empty)"})
	batchFile := parser.String("b", "batch", &argparse.Options{Help: "JSON file holding an array of batches", Required: true})
	scoresFile := parser.String("s", "scores", &argparse.Options{Help: "JSON file holding one score matrix per batch, aligned with the sampled regions"})
	indexFile := parser.String("", "index", &argparse.Options{Help: "Id file to summarise alongside the batches"})
	output := parser.String("o", "output", &argparse.Options{Help: "Write per-batch results as JSON to this file"})
	seed := parser.Int("", "seed", &argparse.Options{Help: "Base random seed, overrides the config", Default: -1})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Debug logging"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := run(*configFile, *batchFile, *scoresFile, *indexFile, *output, *seed); err != nil {
		log.WithError(err).Fatal("au-targets failed")
	}
}

func run(configFile, batchFile, scoresFile, indexFile, output string, seed int) error {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return err
		}
	}
	if seed >= 0 {
		cfg.Trainer.Seed = uint64(seed)
	}

	if indexFile != "" {
		if err := summariseIndex(cfg, indexFile); err != nil {
			return err
		}
	}

	var batches []*targets.Batch
	if err := readJSON(batchFile, &batches); err != nil {
		return err
	}

	prof := profiler.New(profiler.Options{})
	defer prof.Report()

	var results any
	if scoresFile == "" {
		res, err := assignOnly(cfg, batches, prof)
		if err != nil {
			return err
		}
		results = res
	} else {
		var scores [][][]float32
		if err := readJSON(scoresFile, &scores); err != nil {
			return err
		}
		res, err := steps(cfg, batches, scores, prof)
		if err != nil {
			return err
		}
		results = res
	}

	if output == "" {
		return nil
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode results")
	}
	return errors.Wrap(os.WriteFile(output, data, 0o644), "failed to write results")
}

func assignOnly(cfg *config.Config, batches []*targets.Batch, prof *profiler.Profiler) ([]*targets.Result, error) {
	a, err := targets.NewAssigner(cfg.Targets, cfg.Normalization)
	if err != nil {
		return nil, err
	}
	out := make([]*targets.Result, len(batches))
	for i, batch := range batches {
		done := prof.StartOperation("assign")
		res, err := a.Assign(rand.NewSource(cfg.Trainer.Seed+uint64(i)), batch)
		done()
		if err != nil {
			if item, ok := common.BatchIndexOf(err); ok {
				log.WithFields(log.Fields{"batch": i, "batch_index": item}).WithError(err).Error("target assignment failed")
			}
			return nil, errors.Wrapf(err, "batch %d", i)
		}
		log.WithFields(log.Fields{
			"batch":     i,
			"samples":   res.NumSamples,
			"positives": res.NumPositive,
		}).Info("assigned")
		out[i] = res
	}
	return out, nil
}

func steps(cfg *config.Config, batches []*targets.Batch, scores [][][]float32, prof *profiler.Profiler) ([]*trainer.StepResult, error) {
	if len(scores) != len(batches) {
		return nil, errors.Errorf("%d score matrices for %d batches", len(scores), len(batches))
	}
	out := make([]*trainer.StepResult, len(batches))
	for i, batch := range batches {
		head := trainer.HeadFunc(func(rois []common.Region, _ []int) ([][]float32, error) {
			return scores[i], nil
		})
		chain, err := trainer.NewChain(cfg, head, trainer.WithProfiler(prof))
		if err != nil {
			return nil, err
		}
		res, err := chain.Step(rand.NewSource(cfg.Trainer.Seed+uint64(i)), batch)
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d", i)
		}
		log.WithFields(log.Fields{
			"batch":    i,
			"loss":     res.Loss,
			"accuracy": res.Accuracy,
			"samples":  res.NumSamples,
		}).Info("step")
		out[i] = res
	}
	return out, nil
}

func summariseIndex(cfg *config.Config, filename string) error {
	idx, err := dataset.LoadIndexFile(filename, cfg.AU.Classes)
	if err != nil {
		return err
	}
	sequences := make(map[string]bool)
	frames := 0
	for i, e := range idx.Entries {
		sequences[e.SequenceKey()] = true
		window, err := idx.FlowWindow(i, cfg.Trainer.Window, cfg.Trainer.Mode)
		if err != nil {
			return err
		}
		frames += len(window)
	}
	fields := log.Fields{"examples": idx.Len(), "sequences": len(sequences), "mode": cfg.Trainer.Mode}
	if idx.Len() > 0 {
		fields["mean_window"] = float64(frames) / float64(idx.Len())
	}
	log.WithFields(fields).Info("index")
	return nil
}

func readJSON(filename string, v any) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", filename)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "failed to decode %s", filename)
}
