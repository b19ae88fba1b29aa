// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gdc

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Stem strips the outermost extension from a file name:
// "a.htseq.counts.gz" -> "a.htseq.counts".
func Stem(name string) string {
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// BarcodeIndex maps a file-name stem to the sample barcode of the file it
// came from. It lets the merger recover the sample of a file on disk from its
// name alone.
type BarcodeIndex struct {
	stems map[string]string
	// ambiguous holds stems claimed by more than one barcode. Lookups of such
	// stems fail.
	ambiguous map[string][]string
}

// NewBarcodeIndex creates an empty index.
func NewBarcodeIndex() *BarcodeIndex {
	return &BarcodeIndex{
		stems:     map[string]string{},
		ambiguous: map[string][]string{},
	}
}

// Add registers the barcode for fileName (with its extension). Adding the
// same (stem, barcode) pair twice is a no-op.
func (b *BarcodeIndex) Add(fileName, barcode string) {
	stem := Stem(fileName)
	if prev, ok := b.ambiguous[stem]; ok {
		b.ambiguous[stem] = append(prev, barcode)
		return
	}
	prev, ok := b.stems[stem]
	if !ok {
		b.stems[stem] = barcode
		return
	}
	if prev == barcode {
		return
	}
	log.Error.Printf("file stem %s claimed by samples %s and %s; it will not be merged", stem, prev, barcode)
	delete(b.stems, stem)
	b.ambiguous[stem] = []string{prev, barcode}
}

// Len returns the number of resolvable stems.
func (b *BarcodeIndex) Len() int { return len(b.stems) }

// Lookup returns the barcode for the given stem. An unknown stem yields an
// errors.NotExist error whose message names the closest known stem.
func (b *BarcodeIndex) Lookup(stem string) (string, error) {
	if barcode, ok := b.stems[stem]; ok {
		return barcode, nil
	}
	if barcodes, ok := b.ambiguous[stem]; ok {
		return "", errors.E(errors.Invalid, fmt.Sprintf("file stem %s maps to several samples %v", stem, barcodes))
	}
	msg := fmt.Sprintf("no sample barcode for file stem %s", stem)
	if hint := b.closest(stem); hint != "" {
		msg += fmt.Sprintf(" (closest known: %s)", hint)
	}
	return "", errors.E(errors.NotExist, msg)
}

func (b *BarcodeIndex) closest(stem string) string {
	keys := make([]string, 0, len(b.stems))
	for k := range b.stems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var (
		best     string
		bestDist = -1
	)
	for _, k := range keys {
		if d := matchr.Levenshtein(stem, k); bestDist < 0 || d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}
