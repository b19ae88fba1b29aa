// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gdc

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStem(t *testing.T) {
	assert.Equal(t, "a.htseq.counts", Stem("a.htseq.counts.gz"))
	assert.Equal(t, "a.htseq.counts", Stem("/x/y/a.htseq.counts.tsv"))
	assert.Equal(t, "b.mirnas.quantification", Stem("b.mirnas.quantification.txt"))
	assert.Equal(t, "noext", Stem("noext"))
}

func TestBarcodeIndex(t *testing.T) {
	b := NewBarcodeIndex()
	b.Add("f1.htseq.counts.gz", "TCGA-01")
	b.Add("f2.htseq.counts.gz", "TCGA-02")
	b.Add("f2.htseq.counts.gz", "TCGA-02")
	assert.Equal(t, 2, b.Len())

	bc, err := b.Lookup("f1.htseq.counts")
	require.NoError(t, err)
	assert.Equal(t, "TCGA-01", bc)

	_, err = b.Lookup("f3.htseq.counts")
	require.Error(t, err)
	assert.True(t, errors.Is(errors.NotExist, err))
	assert.Contains(t, err.Error(), "closest known: f1.htseq.counts")
}

func TestBarcodeIndexAmbiguous(t *testing.T) {
	b := NewBarcodeIndex()
	b.Add("dup.txt", "S1")
	b.Add("dup.tsv", "S2")
	b.Add("dup.gz", "S3")
	assert.Equal(t, 0, b.Len())
	_, err := b.Lookup("dup")
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))
	assert.Contains(t, err.Error(), "S3")
}
