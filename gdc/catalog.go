// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gdc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/time/rate"
)

// DefaultEndpoint is the GDC API root used for both catalog queries and data
// downloads.
const DefaultEndpoint = "https://api.gdc.cancer.gov"

// DefaultPageSize caps the number of hits returned by one catalog query.
const DefaultPageSize = 10000

// Fields lists the catalog fields needed to build FileRecords.
var Fields = []string{
	"cases.samples.portions.analytes.aliquots.submitter_id",
	"file_name",
	"cases.samples.sample_type",
	"file_id",
	"md5sum",
	"experimental_strategy",
	"analysis.workflow_type",
	"data_type",
}

// ErrNoResults is returned by Resolve when the catalog knows none of the
// manifest's files.
var ErrNoResults = errors.E(errors.NotExist, "catalog returned no results")

// QueryRequest is the body of a POST to the files endpoint.
type QueryRequest struct {
	// Filters is a serialized Filter.
	Filters string `json:"filters"`
	Format  string `json:"format"`
	// Fields is a comma-separated field list.
	Fields string `json:"fields"`
	// Size is the page size, as a decimal string.
	Size string `json:"size"`
}

type aliquot struct {
	SubmitterID string `json:"submitter_id"`
}

type analyte struct {
	Aliquots []aliquot `json:"aliquots"`
}

type portion struct {
	Analytes []analyte `json:"analytes"`
}

type sample struct {
	SampleType string    `json:"sample_type"`
	Portions   []portion `json:"portions"`
}

type caseEntry struct {
	Samples []sample `json:"samples"`
}

type analysis struct {
	WorkflowType string `json:"workflow_type"`
}

// Hit is one file record as returned by the catalog.
type Hit struct {
	FileID               string      `json:"file_id"`
	FileName             string      `json:"file_name"`
	MD5Sum               string      `json:"md5sum"`
	ExperimentalStrategy string      `json:"experimental_strategy"`
	DataType             string      `json:"data_type"`
	Analysis             *analysis   `json:"analysis"`
	Cases                []caseEntry `json:"cases"`
}

// Response is the decoded catalog reply.
type Response struct {
	Data struct {
		Hits       []Hit `json:"hits"`
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	} `json:"data"`
	Warnings map[string]interface{} `json:"warnings"`
}

// Client talks to the GDC catalog.
type Client struct {
	// Endpoint is the API root; requests go to <Endpoint>/files.
	Endpoint string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Limiter, if set, throttles requests.
	Limiter *rate.Limiter
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Query issues one files query.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*Response, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "marshal catalog query")
	}
	url := strings.TrimRight(c.Endpoint, "/") + "/files"
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.E(errors.Invalid, err, url)
	}
	httpReq = httpReq.WithContext(ctx)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, errors.E(errors.Net, err, "query", url)
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode/100 != 2 {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.E(errors.Net, fmt.Sprintf("query %s: %s: %s", url, resp.Status, bytes.TrimSpace(msg)))
	}
	var r Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.E(errors.Invalid, err, "decode catalog response from", url)
	}
	return &r, nil
}

// FileRecord is the resolved metadata of one manifest file.
type FileRecord struct {
	ID         string
	FileName   string
	MD5        string
	Barcode    string
	SampleType string
	Class      Classification
}

// Metadata is the result of resolving a manifest against the catalog.
type Metadata struct {
	// Records is keyed by file id.
	Records  map[string]FileRecord
	Barcodes *BarcodeIndex
}

// ShapeError reports a catalog hit that lacks a field this tool depends on.
type ShapeError struct {
	FileID string
	Field  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("catalog shape mismatch: file %q has no %s", e.FileID, e.Field)
}

func shapeError(id, field string) error {
	return errors.E(errors.Invalid, &ShapeError{FileID: id, Field: field})
}

// Record extracts a FileRecord from a hit. Only the first element of each
// nested list is consulted.
func (h *Hit) Record() (FileRecord, error) {
	id := h.FileID
	if id == "" {
		return FileRecord{}, shapeError(id, "file_id")
	}
	for _, f := range []struct{ name, val string }{
		{"file_name", h.FileName},
		{"md5sum", h.MD5Sum},
		{"experimental_strategy", h.ExperimentalStrategy},
		{"data_type", h.DataType},
	} {
		if f.val == "" {
			return FileRecord{}, shapeError(id, f.name)
		}
	}
	if h.Analysis == nil || h.Analysis.WorkflowType == "" {
		return FileRecord{}, shapeError(id, "analysis.workflow_type")
	}
	if len(h.Cases) == 0 {
		return FileRecord{}, shapeError(id, "cases[0]")
	}
	if len(h.Cases[0].Samples) == 0 {
		return FileRecord{}, shapeError(id, "cases[0].samples[0]")
	}
	s := h.Cases[0].Samples[0]
	if s.SampleType == "" {
		return FileRecord{}, shapeError(id, "cases[0].samples[0].sample_type")
	}
	if len(s.Portions) == 0 {
		return FileRecord{}, shapeError(id, "cases[0].samples[0].portions[0]")
	}
	if len(s.Portions[0].Analytes) == 0 {
		return FileRecord{}, shapeError(id, "cases[0].samples[0].portions[0].analytes[0]")
	}
	a := s.Portions[0].Analytes[0]
	if len(a.Aliquots) == 0 || a.Aliquots[0].SubmitterID == "" {
		return FileRecord{}, shapeError(id, "cases[0].samples[0].portions[0].analytes[0].aliquots[0].submitter_id")
	}
	return FileRecord{
		ID:         id,
		FileName:   h.FileName,
		MD5:        strings.ToLower(h.MD5Sum),
		Barcode:    a.Aliquots[0].SubmitterID,
		SampleType: s.SampleType,
		Class: Classification{
			Strategy: h.ExperimentalStrategy,
			Workflow: h.Analysis.WorkflowType,
			DataType: h.DataType,
		},
	}, nil
}

// Resolve looks up the given file ids in the catalog, restricted to the
// workflows listed in Groups. A non-empty id list that resolves to nothing
// yields ErrNoResults. Any malformed hit fails the whole call.
func Resolve(ctx context.Context, c *Client, ids []string, pageSize int) (*Metadata, error) {
	md := &Metadata{Records: map[string]FileRecord{}, Barcodes: NewBarcodeIndex()}
	if len(ids) == 0 {
		return md, nil
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	filter, err := NewFilter().
		Add("file_id", ids, OpIn).
		Add("analysis.workflow_type", Workflows(), OpIn).
		String()
	if err != nil {
		return nil, err
	}
	log.Printf("Getting info about %d listed files from the manifest", len(ids))
	resp, err := c.Query(ctx, QueryRequest{
		Filters: filter,
		Format:  "json",
		Fields:  strings.Join(Fields, ","),
		Size:    strconv.Itoa(pageSize),
	})
	if err != nil {
		return nil, err
	}
	hits := resp.Data.Hits
	if len(hits) == 0 {
		return nil, ErrNoResults
	}
	if total := resp.Data.Pagination.Total; total > len(hits) {
		log.Error.Printf("catalog reports %d matching files but returned %d; raise the page size", total, len(hits))
	}
	for k, v := range resp.Warnings {
		log.Error.Printf("catalog warning: %s: %v", k, v)
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for i := range hits {
		rec, err := hits[i].Record()
		if err != nil {
			return nil, err
		}
		if !wanted[rec.ID] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("catalog returned file %s, which is not in the manifest", rec.ID))
		}
		md.Records[rec.ID] = rec
		md.Barcodes.Add(rec.FileName, rec.Barcode)
	}

	var missing []string
	for _, id := range ids {
		if _, ok := md.Records[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		show := missing
		if len(show) > 5 {
			show = show[:5]
		}
		log.Printf("%d manifest files not resolved (unsupported workflow or unknown id), e.g. %v", len(missing), show)
	}
	log.Printf("Resolved %d files", len(md.Records))
	return md, nil
}
