// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package merge combines per-sample GDC result files into one matrix per
// classification, keyed by feature id (rows) and sample barcode (columns).
package merge

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/gdcrna/gdc"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Output file names for small-RNA groups.
const (
	MiRNACountsFile = "Merged_miRNA_Counts.tsv"
	MiRNARPMMFile   = "Merged_miRNA_rpmm.tsv"
)

// miRNAPattern selects the files merged for small-RNA groups.
const miRNAPattern = "*.mirnas.quantification.txt"

// Opts configures a merge.
type Opts struct {
	// Root is the download directory; merged tables are written directly
	// under it.
	Root string
	// Barcodes maps file stems to sample barcodes.
	Barcodes *gdc.BarcodeIndex
	// Annotation, if set, adds gene names to wide tables.
	Annotation *Annotation
	// StrictBarcodes makes a file with no known sample fail the merge. By
	// default such files are skipped with a warning.
	StrictBarcodes bool
}

// WideOutput returns the merged table path of a Wide group.
func WideOutput(root string, g gdc.Group) string {
	return filepath.Join(root, "Merged_"+g.Short+".tsv")
}

// Group merges the files of one classification and returns the paths of the
// tables written. No table is written when the classification has no files.
func Group(ctx context.Context, g gdc.Group, opts Opts) ([]string, error) {
	switch g.Kind {
	case gdc.Wide:
		return Wide(ctx, g, opts)
	case gdc.SmallRNA:
		return SmallRNA(ctx, g, opts)
	}
	return nil, errors.Errorf("%v: unknown table kind %d", g.Classification, g.Kind)
}

// listFiles returns the sorted paths under dir accepted by keep. A missing
// dir yields no files.
func listFiles(ctx context.Context, dir string, keep func(name string) bool) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var paths []string
	lister := file.List(ctx, dir, true)
	for lister.Scan() {
		if keep(filepath.Base(lister.Path())) {
			paths = append(paths, lister.Path())
		}
	}
	if err := lister.Err(); err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

// gunzip decompresses src into dst. On failure dst is removed.
func gunzip(ctx context.Context, src, dst string) (err error) {
	in, err := file.Open(ctx, src)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	zr, err := gzip.NewReader(in.Reader(ctx))
	if err != nil {
		return errors.Wrapf(err, "gunzip %s", src)
	}
	out, err := file.Create(ctx, dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out.Writer(ctx), zr)
	if e := zr.Close(); err == nil {
		err = e
	}
	if e := out.Close(ctx); err == nil {
		err = e
	}
	if err != nil {
		if e := os.Remove(dst); e != nil && !os.IsNotExist(e) {
			log.Error.Printf("remove %s: %v", dst, e)
		}
		return errors.Wrapf(err, "gunzip %s", src)
	}
	return nil
}

// wideFiles returns the plain tables under dir, decompressing *.gz files
// into sibling *.tsv files first. A file that fails to decompress is
// skipped, together with any sibling left by an earlier run.
func wideFiles(ctx context.Context, dir string) ([]string, error) {
	paths, err := listFiles(ctx, dir, func(name string) bool {
		return strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".tsv")
	})
	if err != nil {
		return nil, err
	}
	var (
		plain  []string
		failed = map[string]bool{}
	)
	for _, path := range paths {
		if strings.HasSuffix(path, ".gz") {
			dst := strings.TrimSuffix(path, ".gz") + ".tsv"
			if err := gunzip(ctx, path, dst); err != nil {
				log.Error.Printf("skipping %s: %v", path, err)
				failed[dst] = true
				continue
			}
			path = dst
		}
		plain = append(plain, path)
	}
	seen := map[string]bool{}
	var eligible []string
	for _, path := range plain {
		if failed[path] {
			continue
		}
		if !seen[path] {
			seen[path] = true
			log.Printf("Adding %s", path)
			eligible = append(eligible, path)
		}
	}
	sort.Strings(eligible)
	return eligible, nil
}

// sample resolves the barcode of the file at path. ok is false when the file
// should be skipped.
func (o Opts) sample(path string) (barcode string, ok bool, err error) {
	barcode, err = o.Barcodes.Lookup(gdc.Stem(path))
	if err == nil {
		return barcode, true, nil
	}
	if o.StrictBarcodes {
		return "", false, errors.Wrap(err, path)
	}
	log.Error.Printf("skipping %s: %v", path, err)
	return "", false, nil
}

type wideRow struct {
	Feature string
	Value   float64
}

func readWide(ctx context.Context, path string) (features []string, values []float64, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	for {
		var row wideRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, errors.Wrapf(err, "read %s", path)
		}
		features = append(features, row.Feature)
		values = append(values, row.Value)
	}
	return features, values, nil
}

// Wide merges the headerless two-column (feature id, value) tables of a
// Wide group into <root>/Merged_<short>.tsv.
func Wide(ctx context.Context, g gdc.Group, opts Opts) ([]string, error) {
	paths, err := wideFiles(ctx, g.Dir(opts.Root))
	if err != nil {
		return nil, err
	}
	m := NewMatrix()
	for _, path := range paths {
		barcode, ok, err := opts.sample(path)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		log.Debug.Printf("%s: sample %s", path, barcode)
		features, values, err := readWide(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := m.Add(barcode, features, values); err != nil {
			return nil, errors.Wrap(err, path)
		}
	}
	if m.Empty() {
		log.Debug.Printf("%v: no files to merge", g.Classification)
		return nil, nil
	}
	out := WideOutput(opts.Root, g)
	log.Printf("Creating merged %s file (%s), %d samples x %d features", g.Workflow, filepath.Base(out), len(m.Samples()), len(m.Features()))
	if err := writeMatrix(ctx, out, m, annotationIDColumn, opts.Annotation); err != nil {
		return nil, err
	}
	return []string{out}, nil
}

type miRNARow struct {
	ID          string  `tsv:"miRNA_ID"`
	ReadCount   float64 `tsv:"read_count"`
	RPM         float64 `tsv:"reads_per_million_miRNA_mapped"`
	CrossMapped string  `tsv:"cross-mapped"`
}

const miRNAIDColumn = "miRNA_ID"

func readMiRNA(ctx context.Context, path string) (ids []string, counts, rpm []float64, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	for {
		var row miRNARow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, nil, errors.Wrapf(err, "read %s", path)
		}
		ids = append(ids, row.ID)
		counts = append(counts, row.ReadCount)
		rpm = append(rpm, row.RPM)
	}
	return ids, counts, rpm, nil
}

// SmallRNA merges miRNA profiling files into two tables, one of raw read
// counts and one of reads per million mapped miRNA reads. Annotation is not
// applied: miRNA ids are not gene ids.
func SmallRNA(ctx context.Context, g gdc.Group, opts Opts) ([]string, error) {
	paths, err := listFiles(ctx, g.Dir(opts.Root), func(name string) bool {
		ok, _ := filepath.Match(miRNAPattern, name)
		return ok
	})
	if err != nil {
		return nil, err
	}
	counts, rpm := NewMatrix(), NewMatrix()
	for _, path := range paths {
		barcode, ok, err := opts.sample(path)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		log.Printf("Adding %s (sample %s)", path, barcode)
		ids, c, r, err := readMiRNA(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := counts.Add(barcode, ids, c); err != nil {
			return nil, errors.Wrap(err, path)
		}
		if err := rpm.Add(barcode, ids, r); err != nil {
			return nil, errors.Wrap(err, path)
		}
	}
	if counts.Empty() {
		log.Debug.Printf("%v: no files to merge", g.Classification)
		return nil, nil
	}
	var written []string
	for _, t := range []struct {
		m    *Matrix
		name string
	}{{counts, MiRNACountsFile}, {rpm, MiRNARPMMFile}} {
		out := filepath.Join(opts.Root, t.name)
		log.Printf("Creating merged miRNA-Seq file (%s)", t.name)
		if err := writeMatrix(ctx, out, t.m, miRNAIDColumn, nil); err != nil {
			return nil, err
		}
		written = append(written, out)
	}
	return written, nil
}

func writeMatrix(ctx context.Context, path string, m *Matrix, indexName string, ann *Annotation) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = m.WriteTSV(out.Writer(ctx), indexName, ann); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
