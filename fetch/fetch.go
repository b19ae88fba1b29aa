// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fetch downloads GDC data files into a classification-based
// directory tree, verifying each file against its catalog MD5 sum.
package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/gdcrna/gdc"
	"golang.org/x/time/rate"
)

// DefaultMaxRetry is the default number of retries after the first attempt.
const DefaultMaxRetry = 10

// partialSuffix marks a download in progress. Such files never carry a
// verified checksum.
const partialSuffix = ".partial"

// Target is one file to download.
type Target struct {
	ID       string
	FileName string
	// MD5 is the expected lowercase hex digest.
	MD5   string
	Class gdc.Classification
}

// NewTarget creates a Target from a resolved catalog record.
func NewTarget(r gdc.FileRecord) Target {
	return Target{ID: r.ID, FileName: r.FileName, MD5: r.MD5, Class: r.Class}
}

// Path returns <root>/<strategy>/<workflow>/<datatype>/<id>/<filename>.
// File names are namespaced by id, so distinct targets never share a path.
func (t Target) Path(root string) string {
	return filepath.Join(t.Class.Dir(root), t.ID, t.FileName)
}

// Result describes a successful fetch.
type Result struct {
	ID string
	// Attempt is the 0-based attempt that succeeded.
	Attempt int
	// Verified is true iff the file on disk matches the expected checksum.
	Verified bool
	// Skipped is true if a verified copy was already on disk and no request
	// was made.
	Skipped bool
}

// Fetcher downloads targets under Root.
type Fetcher struct {
	// Root is the output directory.
	Root string
	// Endpoint is the API root; data is read from <Endpoint>/data/<id>.
	Endpoint string
	// MaxRetry is the number of retries after the first failed attempt.
	MaxRetry int
	// Backoff, if set, paces retries. A nil policy retries immediately.
	Backoff retry.Policy
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Limiter, if set, throttles requests.
	Limiter *rate.Limiter
}

func (f *Fetcher) httpClient() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

// FileMD5 returns the hex MD5 digest of the file at path.
func FileMD5(ctx context.Context, path string) (sum string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer file.CloseAndReport(ctx, in, &err)
	h := md5.New()
	if _, err = io.Copy(h, in.Reader(ctx)); err != nil {
		return "", errors.E(err, "checksum", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// checkExisting reports whether a verified copy of t is already at path. A
// copy that fails verification is removed.
func (f *Fetcher) checkExisting(ctx context.Context, t Target, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	sum, err := FileMD5(ctx, path)
	if err == nil && sum == t.MD5 {
		return true
	}
	if err != nil {
		log.Error.Printf("%s: %v", path, err)
	}
	if err := file.Remove(ctx, path); err != nil {
		log.Error.Printf("remove stale %s: %v", path, err)
	}
	log.Printf("MD5 sum mismatch. Old %s removed.", t.ID)
	return false
}

// Fetch downloads t unless a verified copy already exists. Failed attempts
// are retried up to MaxRetry times. When Fetch returns an error, no file for
// t is left behind.
func (f *Fetcher) Fetch(ctx context.Context, t Target) (Result, error) {
	path := t.Path(f.Root)
	if f.checkExisting(ctx, t, path) {
		log.Debug.Printf("%s: verified copy exists, skipping", path)
		return Result{ID: t.ID, Verified: true, Skipped: true}, nil
	}
	for attempt := 0; ; attempt++ {
		err := f.download(ctx, t, path, attempt)
		if err == nil {
			return Result{ID: t.ID, Attempt: attempt, Verified: true}, nil
		}
		log.Error.Printf("Error (attempt %d): %s: %v", attempt, t.ID, err)
		if ctx.Err() != nil {
			return Result{ID: t.ID, Attempt: attempt}, errors.E(errors.Canceled, ctx.Err(), "fetch", t.ID)
		}
		if attempt >= f.MaxRetry {
			return Result{ID: t.ID, Attempt: attempt}, errors.E(err, fmt.Sprintf("fetch %s: giving up after %d attempts", t.ID, attempt+1))
		}
		if f.Backoff != nil {
			if werr := retry.Wait(ctx, f.Backoff, attempt); werr != nil {
				return Result{ID: t.ID, Attempt: attempt}, errors.E(werr, "fetch", t.ID)
			}
		}
	}
}

// download makes one attempt. The body is streamed into a partial file,
// verified, and renamed onto path only if the checksum matches.
func (f *Fetcher) download(ctx context.Context, t Target, path string, attempt int) (err error) {
	if f.Limiter != nil {
		if err = f.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	log.Printf("Downloading (attempt %d): %s", attempt, t.ID)
	url := strings.TrimRight(f.Endpoint, "/") + "/data/" + t.ID
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return errors.E(errors.Invalid, err, url)
	}
	resp, err := f.httpClient().Do(req.WithContext(ctx))
	if err != nil {
		return errors.E(errors.Net, err, "get", url)
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.E(errors.Net, fmt.Sprintf("get %s: %s: %s", url, resp.Status, strings.TrimSpace(string(msg))))
	}

	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.E(err, "mkdir", filepath.Dir(path))
	}
	tmp := path + partialSuffix
	out, err := file.Create(ctx, tmp)
	if err != nil {
		return errors.E(err, "create", tmp)
	}
	h := md5.New()
	_, err = io.Copy(io.MultiWriter(out.Writer(ctx), h), resp.Body)
	if cerr := out.Close(ctx); err == nil {
		err = cerr
	}
	if err == nil {
		if sum := hex.EncodeToString(h.Sum(nil)); sum != t.MD5 {
			err = errors.E(errors.Integrity, fmt.Sprintf("MD5 sum error on %s: got %s, want %s", t.ID, sum, t.MD5))
		}
	}
	if err != nil {
		if rerr := os.Remove(tmp); rerr != nil && !os.IsNotExist(rerr) {
			log.Error.Printf("remove %s: %v", tmp, rerr)
		}
		if errors.Is(errors.Integrity, err) {
			return err
		}
		return errors.E(errors.Net, err, "download", t.ID)
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.E(err, "rename", tmp)
	}
	return nil
}

// Outcome is the per-target result of FetchAll.
type Outcome struct {
	Target Target
	Result Result
	Err    error
}

// FetchAll fetches every target with at most parallelism concurrent
// downloads. A failed target does not affect the others; its error is
// reported in its Outcome. Outcomes are in target order.
func (f *Fetcher) FetchAll(ctx context.Context, targets []Target, parallelism int) []Outcome {
	if parallelism < 1 {
		parallelism = 1
	}
	outcomes := make([]Outcome, len(targets))
	_ = traverse.Limit(parallelism).Each(len(targets), func(i int) error {
		r, err := f.Fetch(ctx, targets[i])
		outcomes[i] = Outcome{Target: targets[i], Result: r, Err: err}
		return nil
	})
	return outcomes
}
