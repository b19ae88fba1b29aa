// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline runs one GDC manifest end to end: the manifest is
// resolved against the catalog, its files are downloaded and verified, and
// the files of each known classification are merged into one table.
package pipeline

import (
	"context"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/gdcrna/fetch"
	"github.com/grailbio/gdcrna/gdc"
	"github.com/grailbio/gdcrna/manifest"
	"github.com/grailbio/gdcrna/merge"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxReportedErrors caps the number of failures kept verbatim in the error
// returned by Run. The rest are counted.
const maxReportedErrors = 16

// Summary describes one completed Run.
type Summary struct {
	// Requested is the number of distinct ids in the manifest. Repeated ids
	// are counted once.
	Requested int
	// Resolved is the number of ids the catalog returned metadata for.
	Resolved   int
	Downloaded int
	Skipped    int
	Failed     int
	// Outputs lists the merged tables written, in classification order.
	Outputs []string
}

// Runner runs manifests with a fixed configuration. Its HTTP client, rate
// limiter and gene annotation are shared by every manifest. Manifests that
// share an output directory must be run one at a time.
type Runner struct {
	opts     Opts
	client   *http.Client
	catalog  *gdc.Client
	fetcher  *fetch.Fetcher
	// barcodes accumulates the samples of every manifest run so far, so
	// merges cover all files in the output directory.
	barcodes *gdc.BarcodeIndex

	annOnce sync.Once
	ann     *merge.Annotation
	annErr  error
}

// NewRunner validates opts and creates a Runner.
func NewRunner(opts Opts) (*Runner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: opts.RequestTimeout}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	var backoff retry.Policy
	if opts.BackoffInitial > 0 {
		max := opts.BackoffMax
		if max < opts.BackoffInitial {
			max = opts.BackoffInitial
		}
		backoff = retry.Backoff(opts.BackoffInitial, max, 2)
	}
	fetcher := &fetch.Fetcher{
		Root:       opts.OutputDir,
		Endpoint:   opts.DataEndpoint,
		MaxRetry:   opts.MaxRetry,
		Backoff:    backoff,
		HTTPClient: client,
		Limiter:    limiter,
	}
	return &Runner{
		opts:     opts,
		client:   client,
		catalog:  &gdc.Client{Endpoint: opts.CatalogEndpoint, HTTPClient: client, Limiter: limiter},
		fetcher:  fetcher,
		barcodes: gdc.NewBarcodeIndex(),
	}, nil
}

// Opts returns the runner's configuration.
func (r *Runner) Opts() Opts { return r.opts }

// annotation loads the gene annotation on first use.
func (r *Runner) annotation(ctx context.Context) (*merge.Annotation, error) {
	r.annOnce.Do(func() {
		r.ann, r.annErr = merge.LoadAnnotation(ctx, r.client, r.opts.AnnotationURL)
	})
	return r.ann, r.annErr
}

// Run processes one manifest with a fresh Runner.
func Run(ctx context.Context, opts Opts, path string) error {
	r, err := NewRunner(opts)
	if err != nil {
		return err
	}
	_, err = r.Run(ctx, path)
	return err
}

// Run processes the manifest at path. An invalid or empty manifest is
// logged and skipped. Per-file download failures do not stop the run: the
// merges cover the files that did arrive, and the failures are returned
// together once the merges finish. A failed merge fails only its
// classification.
func (r *Runner) Run(ctx context.Context, path string) (Summary, error) {
	var sum Summary
	ok, err := manifest.Validate(ctx, path)
	if err != nil {
		return sum, err
	}
	if !ok {
		return sum, nil
	}
	ids, err := manifest.Read(ctx, path)
	if err != nil {
		return sum, err
	}
	distinct := make(map[string]bool, len(ids))
	for _, id := range ids {
		distinct[id] = true
	}
	sum.Requested = len(distinct)
	if sum.Requested == 0 {
		log.Printf("%s: no file ids", path)
		return sum, nil
	}
	log.Printf("%s: %d file ids", path, sum.Requested)

	if err := os.MkdirAll(r.opts.OutputDir, 0755); err != nil {
		return sum, errors.E(err, "create output directory", r.opts.OutputDir)
	}
	md, err := gdc.Resolve(ctx, r.catalog, ids, r.opts.PageSize)
	if err != nil {
		return sum, errors.E(err, "resolve", path)
	}
	sum.Resolved = len(md.Records)

	var ann *merge.Annotation
	if r.opts.Annotate {
		if ann, err = r.annotation(ctx); err != nil {
			return sum, err
		}
	}

	targets := make([]fetch.Target, 0, len(md.Records))
	for _, rec := range md.Records {
		targets = append(targets, fetch.NewTarget(rec))
		r.barcodes.Add(rec.FileName, rec.Barcode)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	errs := multierror.NewMultiError(maxReportedErrors)
	for _, o := range r.fetcher.FetchAll(ctx, targets, r.opts.Parallelism) {
		switch {
		case o.Err != nil:
			log.Error.Printf("%s (%s): %v", o.Target.ID, o.Target.FileName, o.Err)
			errs.Add(o.Err)
			sum.Failed++
		case o.Result.Skipped:
			sum.Skipped++
		default:
			sum.Downloaded++
		}
	}
	log.Printf("%s: downloaded %d, already present %d, failed %d", path, sum.Downloaded, sum.Skipped, sum.Failed)
	if err := ctx.Err(); err != nil {
		return sum, errors.E(errors.Canceled, err)
	}

	mopts := merge.Opts{
		Root:           r.opts.OutputDir,
		Barcodes:       r.barcodes,
		StrictBarcodes: r.opts.StrictBarcodes,
	}
	// A failed classification does not stop the others. Wait reports only
	// the first failure; all of them are collected from mergeErrs.
	outputs := make([][]string, len(gdc.Groups))
	mergeErrs := make([]error, len(gdc.Groups))
	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for i, grp := range gdc.Groups {
		i, grp := i, grp
		g.Go(func() error {
			o := mopts
			if grp.Kind == gdc.Wide {
				o.Annotation = ann
			}
			out, err := merge.Group(ctx, grp, o)
			if err != nil {
				mergeErrs[i] = errors.E(err, "merge", grp.Classification.String())
				return mergeErrs[i]
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, err := range mergeErrs {
			if err != nil {
				log.Error.Printf("%v", err)
				errs.Add(err)
			}
		}
	}
	for i := range gdc.Groups {
		if mergeErrs[i] == nil {
			sum.Outputs = append(sum.Outputs, outputs[i]...)
		}
	}
	return sum, errs.Err()
}
