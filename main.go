//go:build !lambda

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const usage = `Usage: mixin-optimizer [flags] <generate|dedupe|run>

Commands:
  generate   Enumerate every mixin sequence of each product into batch files
  dedupe     Reduce batch files to one most profitable row per effect set
  run        generate, then dedupe

Flags:
`

func main() {
	configPath := flag.String("config", "", "YAML config file")
	tablesDir := flag.String("tables", "", "Directory holding the table JSON files")
	batchDir := flag.String("batches", "", "Batch file directory")
	outDir := flag.String("out", "", "Deduplicated output directory")
	workers := flag.Int("workers", 0, "Worker count (0 = config or CPU count)")
	maxMixins := flag.Int("max-mixins", 0, "Longest mixin sequence (0 = config default)")
	products := flag.String("products", "", "Comma-separated product filter")
	compress := flag.Bool("compress", false, "Write zstd-compressed batch files")
	jsonOut := flag.Bool("json", false, "Output summary as JSON")
	verbose := flag.Bool("verbose", false, "Log debug detail to stderr")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		os.Exit(1)
	}
	cmd := args[0]
	if cmd != "generate" && cmd != "dedupe" && cmd != "run" {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", cmd)
		flag.Usage()
		os.Exit(1)
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	if *tablesDir != "" {
		cfg.TablesDir = *tablesDir
	}
	if *batchDir != "" {
		cfg.BatchDir = *batchDir
	}
	if *outDir != "" {
		cfg.OutputDir = *outDir
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *maxMixins > 0 {
		cfg.MaxMixins = *maxMixins
	}
	if list := splitList(*products); len(list) > 0 {
		cfg.Products = list
	}
	if *compress {
		cfg.Compress = true
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	log := newLogger(cfg.LogLevel, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cmd, cfg, log)
	if summary != nil {
		if *jsonOut {
			if err := writeJSON(os.Stdout, summary); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		} else {
			printSummary(os.Stdout, summary)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run executes cmd. Every precondition is checked before any file is written.
func run(ctx context.Context, cmd string, cfg Config, log zerolog.Logger) (*RunSummary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	generate := cmd == "generate" || cmd == "run"
	dedupe := cmd == "dedupe" || cmd == "run"

	var engine *Engine
	if generate {
		if _, err := os.Stat(cfg.TablesDir); err != nil {
			return nil, fmt.Errorf("tables: %w", err)
		}
		tables, err := LoadTables(os.DirFS(cfg.TablesDir))
		if err != nil {
			return nil, fmt.Errorf("tables: %w", err)
		}
		if engine, err = tables.Compile(); err != nil {
			return nil, fmt.Errorf("tables: %w", err)
		}
		log.Info().Int("ingredients", len(tables.Ingredients)).Int("products", len(tables.Products)).
			Int("effects", len(engine.effectNames)).Str("digest", tables.Digest[:12]).Msg("loaded tables")
		if err := prepareDirs(cfg.BatchDir); err != nil {
			return nil, err
		}
	}
	if dedupe {
		if !generate {
			if _, err := os.Stat(cfg.BatchDir); err != nil {
				return nil, fmt.Errorf("batches: %w", err)
			}
		}
		if err := prepareDirs(cfg.OutputDir); err != nil {
			return nil, err
		}
	}

	var manifest *Manifest
	if path := cfg.ManifestPath(); path != "" {
		m, err := OpenManifest(path)
		if err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		defer m.Close()
		manifest = m
	}

	start := time.Now()
	runID := uuid.NewString()
	digest := ""
	if engine != nil {
		digest = engine.tables.Digest
	}
	summary := newSummary(cfg, runID, digest)

	var errs []error
	if generate {
		results, err := NewScheduler(engine, cfg, manifest, runID, log).Run(ctx)
		summary.Products = results
		if err != nil {
			errs = append(errs, err)
		}
		// An unknown product filter or an interrupted run leaves nothing to dedupe.
		if errors.Is(err, ErrUnknownProduct) || ctx.Err() != nil {
			dedupe = false
		}
	}
	if dedupe {
		results, err := NewDeduper(cfg, manifest, log).Run(ctx)
		summary.Groups = results
		if err != nil {
			errs = append(errs, err)
		}
	}
	summary.TotalMs = time.Since(start).Milliseconds()
	err := errors.Join(errs...)
	if err != nil {
		for _, e := range errs {
			summary.Errors = append(summary.Errors, e.Error())
		}
	}
	return summary, err
}
