// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/gdcrna/fetch"
	"github.com/grailbio/gdcrna/gdc"
	"github.com/grailbio/gdcrna/merge"
	"gopkg.in/yaml.v3"
)

// Opts is the run configuration. It is fixed for the whole run and shared by
// every manifest.
type Opts struct {
	// OutputDir receives downloads and merged tables.
	OutputDir string `yaml:"output_dir"`
	// CatalogEndpoint is the API root queried for file metadata.
	CatalogEndpoint string `yaml:"catalog_endpoint"`
	// DataEndpoint is the API root files are downloaded from.
	DataEndpoint string `yaml:"data_endpoint"`
	// PageSize caps the number of catalog hits per manifest.
	PageSize int `yaml:"page_size"`
	// MaxRetry is the number of retries per file after the first attempt.
	MaxRetry int `yaml:"max_retry"`
	// Parallelism is the number of concurrent downloads.
	Parallelism int `yaml:"parallelism"`
	// RequestTimeout bounds each HTTP request, including the body transfer.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RequestsPerSecond throttles catalog and data requests. Zero means
	// unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BackoffInitial and BackoffMax pace retries. A zero BackoffInitial
	// retries immediately.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	// Annotate adds gene names to the wide tables.
	Annotate bool `yaml:"annotate"`
	// AnnotationURL is an http(s) URL or a path to the gene table.
	AnnotationURL string `yaml:"annotation_url"`
	// StrictBarcodes fails a merge on a file with no known sample instead of
	// skipping the file.
	StrictBarcodes bool `yaml:"strict_barcodes"`
}

// DefaultOpts holds the default values of Opts.
var DefaultOpts = Opts{
	CatalogEndpoint: gdc.DefaultEndpoint,
	DataEndpoint:    gdc.DefaultEndpoint,
	PageSize:        gdc.DefaultPageSize,
	MaxRetry:        fetch.DefaultMaxRetry,
	Parallelism:     4,
	RequestTimeout:  10 * time.Minute,
	BackoffInitial:  time.Second,
	BackoffMax:      time.Minute,
	AnnotationURL:   merge.DefaultAnnotationURL,
}

// DefaultOutputDir returns the timestamped output directory name used when
// none is given.
func DefaultOutputDir(now time.Time) string {
	return "Merged_RNASeq-" + now.Format("20060102-150405")
}

// Validate checks that the options are usable.
func (o Opts) Validate() error {
	switch {
	case o.OutputDir == "":
		return errors.E(errors.Invalid, "output directory not set")
	case o.CatalogEndpoint == "" || o.DataEndpoint == "":
		return errors.E(errors.Invalid, "endpoints not set")
	case o.PageSize <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("page size %d", o.PageSize))
	case o.MaxRetry < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("max retry %d", o.MaxRetry))
	case o.Parallelism < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("parallelism %d", o.Parallelism))
	case o.RequestsPerSecond < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("requests per second %v", o.RequestsPerSecond))
	case o.Annotate && o.AnnotationURL == "":
		return errors.E(errors.Invalid, "annotation requested without an annotation table")
	}
	return nil
}

// ReadOpts overlays the YAML file at path onto base. Keys absent from the
// file keep their base values.
func ReadOpts(ctx context.Context, path string, base Opts) (Opts, error) {
	data, err := file.ReadFile(ctx, path)
	if err != nil {
		return Opts{}, errors.E(err, "read config", path)
	}
	opts := base
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Opts{}, errors.E(errors.Invalid, err, "parse config", path)
	}
	return opts, nil
}
