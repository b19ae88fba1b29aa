// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/gdcrna/gdc"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var class = gdc.Classification{
	Strategy: "RNA-Seq",
	Workflow: "HTSeq - Counts",
	DataType: "Gene Expression Quantification",
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// fakeData serves /data/<id>. The first failures[id] requests for an id get a
// 503; afterwards the body is content[id].
type fakeData struct {
	mu       sync.Mutex
	content  map[string]string
	failures map[string]int
	requests map[string]int
}

func newFakeData() *fakeData {
	return &fakeData{
		content:  map[string]string{},
		failures: map[string]int{},
		requests: map[string]int{},
	}
}

func (d *fakeData) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/data/")
	d.mu.Lock()
	d.requests[id]++
	fail := d.failures[id] > 0
	if fail {
		d.failures[id]--
	}
	body, ok := d.content[id]
	d.mu.Unlock()
	if fail {
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(body))
}

func (d *fakeData) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[id]
}

func newFetcher(t *testing.T, url string, maxRetry int) (*Fetcher, func()) {
	dir, cleanup := testutil.TempDir(t, "", "")
	return &Fetcher{
		Root:       dir,
		Endpoint:   url,
		MaxRetry:   maxRetry,
		HTTPClient: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
	}, cleanup
}

func readFile(t *testing.T, path string) string {
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestFetchIdempotent(t *testing.T) {
	d := newFakeData()
	d.content["id1"] = "gene1\t10\n"
	srv := httptest.NewServer(d)
	defer srv.Close()
	f, cleanup := newFetcher(t, srv.URL, 2)
	defer cleanup()

	target := Target{ID: "id1", FileName: "a.htseq.counts", MD5: md5hex("gene1\t10\n"), Class: class}
	ctx := context.Background()
	r, err := f.Fetch(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, Result{ID: "id1", Verified: true}, r)
	path := filepath.Join(f.Root, "RNA-Seq", "HTSeq - Counts", "Gene Expression Quantification", "id1", "a.htseq.counts")
	assert.Equal(t, path, target.Path(f.Root))
	assert.Equal(t, "gene1\t10\n", readFile(t, path))
	_, err = os.Stat(path + partialSuffix)
	assert.True(t, os.IsNotExist(err))

	r, err = f.Fetch(ctx, target)
	require.NoError(t, err)
	assert.True(t, r.Skipped)
	assert.Equal(t, 1, d.count("id1"))
}

func TestFetchReplacesStaleFile(t *testing.T) {
	d := newFakeData()
	d.content["id1"] = "good"
	srv := httptest.NewServer(d)
	defer srv.Close()
	f, cleanup := newFetcher(t, srv.URL, 0)
	defer cleanup()

	target := Target{ID: "id1", FileName: "a.txt", MD5: md5hex("good"), Class: class}
	path := target.Path(f.Root)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, ioutil.WriteFile(path, []byte("corrupt"), 0644))

	r, err := f.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, r.Skipped)
	assert.Equal(t, 1, d.count("id1"))
	assert.Equal(t, "good", readFile(t, path))
}

func TestFetchRetryCeiling(t *testing.T) {
	const maxRetry = 3
	d := newFakeData()
	d.content["ok"] = "x"
	d.content["bad"] = "x"
	d.failures["ok"] = maxRetry
	d.failures["bad"] = maxRetry + 1
	srv := httptest.NewServer(d)
	defer srv.Close()
	f, cleanup := newFetcher(t, srv.URL, maxRetry)
	defer cleanup()
	f.Backoff = retry.Backoff(time.Millisecond, 2*time.Millisecond, 2)
	ctx := context.Background()

	r, err := f.Fetch(ctx, Target{ID: "ok", FileName: "x", MD5: md5hex("x"), Class: class})
	require.NoError(t, err)
	assert.Equal(t, maxRetry, r.Attempt)
	assert.Equal(t, maxRetry+1, d.count("ok"))

	bad := Target{ID: "bad", FileName: "x", MD5: md5hex("x"), Class: class}
	_, err = f.Fetch(ctx, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Net, err))
	assert.Equal(t, maxRetry+1, d.count("bad"))
	_, err = os.Stat(bad.Path(f.Root))
	assert.True(t, os.IsNotExist(err))
}

func TestFetchChecksumMismatch(t *testing.T) {
	d := newFakeData()
	d.content["id1"] = "tampered"
	srv := httptest.NewServer(d)
	defer srv.Close()
	f, cleanup := newFetcher(t, srv.URL, 2)
	defer cleanup()

	target := Target{ID: "id1", FileName: "a.txt", MD5: md5hex("original"), Class: class}
	_, err := f.Fetch(context.Background(), target)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Integrity, err))
	assert.Equal(t, 3, d.count("id1"))
	for _, p := range []string{target.Path(f.Root), target.Path(f.Root) + partialSuffix} {
		_, err = os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
}

func TestFetchCanceled(t *testing.T) {
	d := newFakeData()
	d.failures["id1"] = 100
	srv := httptest.NewServer(d)
	defer srv.Close()
	f, cleanup := newFetcher(t, srv.URL, 50)
	defer cleanup()
	f.Backoff = retry.Backoff(time.Hour, time.Hour, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := f.Fetch(ctx, Target{ID: "id1", FileName: "x", MD5: md5hex("x"), Class: class})
		done <- err
	}()
	for d.count("id1") == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fetch did not stop after cancellation")
	}
	assert.Equal(t, 1, d.count("id1"))
}

func TestFetchAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeData()
	var targets []Target
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		d.content[id] = "content of " + id
		targets = append(targets, Target{ID: id, FileName: id + ".tsv", MD5: md5hex("content of " + id), Class: class})
	}
	delete(d.content, "c")
	srv := httptest.NewServer(d)
	defer srv.Close()
	f, cleanup := newFetcher(t, srv.URL, 1)
	defer cleanup()

	outcomes := f.FetchAll(context.Background(), targets, 3)
	require.Len(t, outcomes, len(targets))
	for i, o := range outcomes {
		assert.Equal(t, targets[i], o.Target)
		if o.Target.ID == "c" {
			assert.Error(t, o.Err)
			continue
		}
		require.NoError(t, o.Err)
		assert.True(t, o.Result.Verified)
		assert.Equal(t, "content of "+o.Target.ID, readFile(t, o.Target.Path(f.Root)))
	}
	assert.Equal(t, 2, d.count("c"))
}
