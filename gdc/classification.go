// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gdc

import "path/filepath"

// Classification is the (experimental strategy, workflow type, data type)
// triple attached to every GDC file. It is used both as a catalog filter and
// as the directory layout of downloaded files.
type Classification struct {
	Strategy string
	Workflow string
	DataType string
}

// Dir returns <root>/<strategy>/<workflow>/<datatype>.
func (c Classification) Dir(root string) string {
	return filepath.Join(root, c.Strategy, c.Workflow, c.DataType)
}

func (c Classification) String() string {
	return c.Strategy + "/" + c.Workflow + "/" + c.DataType
}

// TableKind selects the merge schema used for a classification.
type TableKind int

const (
	// Wide tables are headerless two-column (feature id, value) files.
	Wide TableKind = iota
	// SmallRNA tables are headered miRNA profiling files with a raw count and
	// a reads-per-million column.
	SmallRNA
)

// Group is a classification whose downloaded files are merged into one
// output table (or two, for SmallRNA).
type Group struct {
	Classification
	Kind TableKind
	// Short is the workflow name used in the merged file name. Only set for
	// Wide groups.
	Short string
}

const (
	rnaSeq                 = "RNA-Seq"
	miRNASeq               = "miRNA-Seq"
	geneExpression         = "Gene Expression Quantification"
	isoformExpression      = "Isoform Expression Quantification"
	miRNAExpression        = "miRNA Expression Quantification"
	miRNAProfilingWorkflow = "BCGSC miRNA Profiling"
)

// Groups lists every classification the tool knows how to merge, in merge
// order.
var Groups = []Group{
	{Classification{rnaSeq, "HTSeq - Counts", geneExpression}, Wide, "Counts"},
	{Classification{rnaSeq, "HTSeq - FPKM", geneExpression}, Wide, "FPKM"},
	{Classification{rnaSeq, "HTSeq - FPKM-UQ", geneExpression}, Wide, "FPKM-UQ"},
	{Classification{rnaSeq, "STAR - Counts", geneExpression}, Wide, "STAR-Counts"},
	{Classification{miRNASeq, miRNAProfilingWorkflow, isoformExpression}, SmallRNA, ""},
	{Classification{miRNASeq, miRNAProfilingWorkflow, miRNAExpression}, SmallRNA, ""},
}

// Workflows returns the distinct workflow types in Groups, in order.
func Workflows() []string {
	var (
		seen = map[string]bool{}
		wf   []string
	)
	for _, g := range Groups {
		if !seen[g.Workflow] {
			seen[g.Workflow] = true
			wf = append(wf, g.Workflow)
		}
	}
	return wf
}
