// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package manifest

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, data string) string {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))
	return path
}

const gdcManifest = "id\tfilename\tmd5\tsize\tstate\n" +
	"3f1a8d57-5e28-4b4e-a2a8-5c0c1e0d5e62\ta.htseq.counts.gz\tx\t1\treleased\n" +
	"\n" +
	"bogus-id\tb.htseq.counts.gz\ty\t2\treleased\r\n" +
	"3f1a8d57-5e28-4b4e-a2a8-5c0c1e0d5e62\ta.htseq.counts.gz\tx\t1\treleased\n"

func TestValidate(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	for _, tc := range []struct {
		header string
		want   bool
	}{
		{"id\tfilename\n", true},
		{"identifier\tfilename\n", true},
		{"name\tvalue\n", false},
		{"", false},
		{" id\tfilename\n", false},
	} {
		path := writeFile(t, filepath.Join(dir, "m.txt"), tc.header)
		ok, err := Validate(ctx, path)
		require.NoError(t, err)
		expect.EQ(t, ok, tc.want, "header %q", tc.header)
	}
}

func TestValidateMissing(t *testing.T) {
	_, err := Validate(context.Background(), "/nonexistent/manifest.txt")
	assert.Error(t, err)
}

func TestRead(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	path := writeFile(t, filepath.Join(dir, "gdc_manifest.txt"), gdcManifest)
	ids, err := Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"3f1a8d57-5e28-4b4e-a2a8-5c0c1e0d5e62",
		"bogus-id",
		"3f1a8d57-5e28-4b4e-a2a8-5c0c1e0d5e62",
	}, ids)

	bad := writeFile(t, filepath.Join(dir, "bad.txt"), "name\tvalue\nx\ty\n")
	ids, err = Read(ctx, bad)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	m1 := writeFile(t, filepath.Join(dir, "b", "m1.txt"), gdcManifest)
	m2 := writeFile(t, filepath.Join(dir, "a", "deep", "m2.csv"), gdcManifest)
	writeFile(t, filepath.Join(dir, "notes.txt"), "hello\n")
	writeFile(t, filepath.Join(dir, "m3.tsv"), gdcManifest)

	paths, err := Find(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{m2, m1}, paths)
}
