// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package merge

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/pkg/errors"
)

// DefaultAnnotationURL is the gencode v22 gene table GDC harmonized data is
// aligned against.
const DefaultAnnotationURL = "https://github.com/cpreid2/gdc-rnaseq-tool/raw/master/Gene_Annotation/gencode.v22.genes.txt"

const (
	annotationIDColumn   = "gene_id"
	annotationNameColumn = "gene_name"
)

// Annotation maps gene ids to display names.
type Annotation struct {
	ids   []string
	names map[string]string
}

// Name returns the display name of a gene id.
func (a *Annotation) Name(id string) (string, bool) {
	name, ok := a.names[id]
	return name, ok
}

// Len returns the number of annotated genes.
func (a *Annotation) Len() int { return len(a.ids) }

// ReadAnnotation parses a tab-separated table with a header row that
// contains at least gene_id and gene_name columns. Other columns are
// ignored. If a gene id repeats, the first row wins.
func ReadAnnotation(r io.Reader) (*Annotation, error) {
	tr := tsv.NewReader(r)
	tr.FieldsPerRecord = -1
	header, err := tr.Reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read annotation header")
	}
	idCol, nameCol := -1, -1
	for i, h := range header {
		switch strings.TrimPrefix(h, "#") {
		case annotationIDColumn:
			idCol = i
		case annotationNameColumn:
			nameCol = i
		}
	}
	if idCol < 0 || nameCol < 0 {
		return nil, errors.Errorf("annotation header %v lacks %s or %s", header, annotationIDColumn, annotationNameColumn)
	}
	a := &Annotation{names: map[string]string{}}
	for line := 2; ; line++ {
		row, err := tr.Reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read annotation line %d", line)
		}
		if idCol >= len(row) || nameCol >= len(row) {
			return nil, errors.Errorf("annotation line %d: %d columns", line, len(row))
		}
		id := row[idCol]
		if _, ok := a.names[id]; ok {
			continue
		}
		a.ids = append(a.ids, id)
		a.names[id] = row[nameCol]
	}
	return a, nil
}

// LoadAnnotation reads an annotation table from an http(s) URL or a file
// path. Compressed inputs are recognized by their extension.
func LoadAnnotation(ctx context.Context, client *http.Client, location string) (ann *Annotation, err error) {
	log.Printf("Loading gene annotation from %s", location)
	var in io.Reader
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequest(http.MethodGet, location, nil)
		if err != nil {
			return nil, errors.Wrap(err, location)
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, errors.Wrapf(err, "get %s", location)
		}
		defer resp.Body.Close() // nolint: errcheck
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Errorf("get %s: %s", location, resp.Status)
		}
		in = resp.Body
	} else {
		var f file.File
		if f, err = file.Open(ctx, location); err != nil {
			return nil, errors.Wrapf(err, "open %s", location)
		}
		defer file.CloseAndReport(ctx, f, &err)
		in = f.Reader(ctx)
	}
	if u := compress.NewReaderPath(in, location); u != nil {
		in = u
	}
	if ann, err = ReadAnnotation(in); err != nil {
		return nil, errors.Wrap(err, location)
	}
	log.Printf("Loaded %d gene names", ann.Len())
	return ann, nil
}
