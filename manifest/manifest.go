// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package manifest reads GDC download manifests: tab-separated files whose
// header starts with "id" and whose first column holds file identifiers.
package manifest

import (
	"bufio"
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// headerPrefix is what the first line of a manifest must start with.
const headerPrefix = "id"

func open(ctx context.Context, path string) (file.File, *bufio.Scanner, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, errors.E(err, "open manifest", path)
	}
	sc := bufio.NewScanner(in.Reader(ctx))
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	return in, sc, nil
}

// Validate reports whether path looks like a manifest. Only the first line is
// read. A file that is not a manifest is logged and reported as false, not as
// an error.
func Validate(ctx context.Context, path string) (ok bool, err error) {
	in, sc, err := open(ctx, path)
	if err != nil {
		return false, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	if sc.Scan() && strings.HasPrefix(sc.Text(), headerPrefix) {
		return true, nil
	}
	if err := sc.Err(); err != nil {
		return false, errors.E(err, "read manifest", path)
	}
	log.Printf("Bad manifest file: %s. Skipping.", path)
	return false, nil
}

// Read returns the identifiers listed in the manifest, in file order.
// Duplicates are kept. An invalid manifest yields an empty list.
func Read(ctx context.Context, path string) (ids []string, err error) {
	ok, err := Validate(ctx, path)
	if err != nil || !ok {
		return nil, err
	}
	in, sc, err := open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	sc.Scan() // header
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		id := line
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			id = line[:i]
		}
		if _, perr := uuid.Parse(id); perr != nil {
			log.Debug.Printf("%s: identifier %q is not a UUID", path, id)
		}
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(err, "read manifest", path)
	}
	return ids, nil
}

// Find lists dir recursively and returns the sorted paths of every *.txt or
// *.csv file that passes Validate.
func Find(ctx context.Context, dir string) ([]string, error) {
	var paths []string
	lister := file.List(ctx, dir, true)
	for lister.Scan() {
		path := lister.Path()
		if ext := filepath.Ext(path); ext != ".txt" && ext != ".csv" {
			continue
		}
		ok, err := Validate(ctx, path)
		if err != nil {
			return nil, err
		}
		if ok {
			log.Printf("Found manifest %s", path)
			paths = append(paths, path)
		}
	}
	if err := lister.Err(); err != nil {
		return nil, errors.E(err, "search manifests in", dir)
	}
	sort.Strings(paths)
	return paths, nil
}
