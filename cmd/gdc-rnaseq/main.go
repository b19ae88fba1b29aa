// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/gdcrna/manifest"
	"github.com/grailbio/gdcrna/pipeline"
	"v.io/x/lib/cmdline"
)

// exitNoManifest is the exit status when no valid manifest is found.
const exitNoManifest = 2

type runFlags struct {
	hugo           *bool
	recursive      *bool
	output         *string
	config         *string
	parallelism    *int
	maxRetry       *int
	strictBarcodes *bool
}

func newRunFlags(fs *flag.FlagSet) runFlags {
	return runFlags{
		hugo:           fs.Bool("hugo", false, "Add gene names from the gencode v22 annotation to the merged gene tables"),
		recursive:      fs.Bool("recursive", false, "Treat the argument as a directory and process every manifest under it"),
		output:         fs.String("output", "", "Output directory. Defaults to Merged_RNASeq-<YYYYMMDD-HHMMSS>"),
		config:         fs.String("config", "", "Optional YAML file with run options; flags given explicitly take precedence"),
		parallelism:    fs.Int("parallelism", pipeline.DefaultOpts.Parallelism, "Maximum number of concurrent downloads"),
		maxRetry:       fs.Int("max-retry", pipeline.DefaultOpts.MaxRetry, "Number of retries per file after the first failed attempt"),
		strictBarcodes: fs.Bool("strict-barcodes", false, "Fail a merge on a file with no known sample barcode instead of skipping it"),
	}
}

// explicit returns the names of the flags set on the command line.
func explicit(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// opts builds the run options. Precedence, lowest first: DefaultOpts, the
// -config file, then flags given on the command line.
func (f runFlags) opts(ctx context.Context, set map[string]bool, now time.Time) (pipeline.Opts, error) {
	opts := pipeline.DefaultOpts
	if *f.config != "" {
		var err error
		if opts, err = pipeline.ReadOpts(ctx, *f.config, opts); err != nil {
			return opts, err
		}
	}
	if set["hugo"] {
		opts.Annotate = *f.hugo
	}
	if set["output"] {
		opts.OutputDir = *f.output
	}
	if set["parallelism"] {
		opts.Parallelism = *f.parallelism
	}
	if set["max-retry"] {
		opts.MaxRetry = *f.maxRetry
	}
	if set["strict-barcodes"] {
		opts.StrictBarcodes = *f.strictBarcodes
	}
	if opts.OutputDir == "" {
		opts.OutputDir = pipeline.DefaultOutputDir(now)
	}
	return opts, opts.Validate()
}

// manifests returns the manifests to process for the argument path.
func manifests(ctx context.Context, path string, recursive bool) ([]string, error) {
	if recursive {
		return manifest.Find(ctx, path)
	}
	ok, err := manifest.Validate(ctx, path)
	if err != nil || !ok {
		return nil, err
	}
	return []string{path}, nil
}

func newCmdRoot() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "gdc-rnaseq",
		Short:    "Download and merge GDC RNA-Seq quantification files",
		ArgsName: "manifest-or-dir",
		LookPath: false,
	}
	flags := newRunFlags(&cmd.Flags)
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return env.UsageErrorf("gdc-rnaseq takes one manifest or directory, but got %v", argv)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		opts, err := flags.opts(ctx, explicit(&cmd.Flags), time.Now())
		if err != nil {
			return err
		}
		paths, err := manifests(ctx, argv[0], *flags.recursive)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Fprintf(env.Stderr, "No valid manifest found at %s\n", argv[0])
			return cmdline.ErrExitCode(exitNoManifest)
		}
		return run(ctx, opts, paths)
	})
	return cmd
}

func run(ctx context.Context, opts pipeline.Opts, paths []string) error {
	r, err := pipeline.NewRunner(opts)
	if err != nil {
		return err
	}
	log.Printf("Writing to %s", opts.OutputDir)
	errs := multierror.NewMultiError(len(paths))
	for _, path := range paths {
		sum, err := r.Run(ctx, path)
		if err != nil {
			log.Error.Printf("%s: %v", path, err)
			errs.Add(errors.E(err, path))
		}
		for _, out := range sum.Outputs {
			log.Printf("Wrote %s", out)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errs.Err()
}

func main() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(newCmdRoot())
}
