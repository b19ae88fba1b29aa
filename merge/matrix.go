// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package merge

import (
	"io"
	"math"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/pkg/errors"
)

// Matrix is a feature x sample table of values. Columns are joined by
// feature id, not by row position, so files whose rows are ordered
// differently still line up.
//
// Rows appear in order of first sighting; columns in order of addition.
type Matrix struct {
	features []string
	index    map[string]int
	samples  []string
	columns  map[string]int
	// values[c][r] is the value of feature r in column c. A column may be
	// shorter than features; missing cells are NaN.
	values [][]float64

	// first is the feature list of the first column, used to detect files
	// whose feature index differs.
	first      []string
	firstOwner string
	mismatched []string
}

// NewMatrix returns an empty matrix.
func NewMatrix() *Matrix {
	return &Matrix{index: map[string]int{}, columns: map[string]int{}}
}

// Add adds (or replaces) the column for sample. features and values must
// have the same length and features must not repeat.
func (m *Matrix) Add(sample string, features []string, values []float64) error {
	if len(features) != len(values) {
		return errors.Errorf("sample %s: %d features but %d values", sample, len(features), len(values))
	}
	col := make([]float64, len(m.features), len(m.features)+len(features))
	for i := range col {
		col[i] = math.NaN()
	}
	seen := make(map[string]bool, len(features))
	for i, f := range features {
		if seen[f] {
			return errors.Errorf("sample %s: duplicate feature %s", sample, f)
		}
		seen[f] = true
		r, ok := m.index[f]
		if !ok {
			r = len(m.features)
			m.index[f] = r
			m.features = append(m.features, f)
		}
		for len(col) <= r {
			col = append(col, math.NaN())
		}
		col[r] = values[i]
	}

	if m.first == nil {
		m.first, m.firstOwner = features, sample
	} else if !sameFeatures(m.first, features) {
		log.Error.Printf("feature index of sample %s differs from sample %s; rows are joined by feature id", sample, m.firstOwner)
		m.mismatched = append(m.mismatched, sample)
	}

	if c, ok := m.columns[sample]; ok {
		log.Error.Printf("sample %s seen twice; keeping the later file", sample)
		m.values[c] = col
		return nil
	}
	m.columns[sample] = len(m.samples)
	m.samples = append(m.samples, sample)
	m.values = append(m.values, col)
	return nil
}

func sameFeatures(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Features returns the row index.
func (m *Matrix) Features() []string { return m.features }

// Samples returns the column keys.
func (m *Matrix) Samples() []string { return m.samples }

// Mismatched lists the samples whose feature index differed from the first
// sample's.
func (m *Matrix) Mismatched() []string { return m.mismatched }

// Value returns the cell at (feature, sample). ok is false if either key is
// unknown or the sample has no value for the feature.
func (m *Matrix) Value(feature, sample string) (v float64, ok bool) {
	r, ok1 := m.index[feature]
	c, ok2 := m.columns[sample]
	if !ok1 || !ok2 {
		return 0, false
	}
	return m.cell(r, c)
}

func (m *Matrix) cell(r, c int) (float64, bool) {
	col := m.values[c]
	if r >= len(col) || math.IsNaN(col[r]) {
		return 0, false
	}
	return col[r], true
}

// Empty reports whether the matrix has no columns.
func (m *Matrix) Empty() bool { return len(m.samples) == 0 }

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteTSV writes the matrix as a tab-separated table whose first column is
// the feature index, named indexName in the header. If ann is non-nil, a
// gene_name column follows the index and the join is outer: annotated
// features absent from the matrix are appended with empty values.
func (m *Matrix) WriteTSV(w io.Writer, indexName string, ann *Annotation) error {
	out := tsv.NewWriter(w)
	out.WriteString(indexName)
	if ann != nil {
		out.WriteString(annotationNameColumn)
	}
	for _, s := range m.samples {
		out.WriteString(s)
	}
	if err := out.EndLine(); err != nil {
		return err
	}
	for r, f := range m.features {
		out.WriteString(f)
		if ann != nil {
			name, _ := ann.Name(f)
			out.WriteString(name)
		}
		for c := range m.samples {
			if v, ok := m.cell(r, c); ok {
				out.WriteString(formatValue(v))
			} else {
				out.WriteString("")
			}
		}
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	if ann != nil {
		for _, id := range ann.ids {
			if _, ok := m.index[id]; ok {
				continue
			}
			out.WriteString(id)
			out.WriteString(ann.names[id])
			for range m.samples {
				out.WriteString("")
			}
			if err := out.EndLine(); err != nil {
				return err
			}
		}
	}
	return out.Flush()
}
