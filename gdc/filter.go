// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gdc

import (
	"encoding/json"

	"github.com/gowebpki/jcs"
	"github.com/grailbio/base/errors"
)

// Filter operators understood by the GDC API.
const (
	OpAnd = "and"
	OpIn  = "in"
	OpEq  = "="
)

type condition struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

type clause struct {
	Op      string    `json:"op"`
	Content condition `json:"content"`
}

// Filter accumulates a conjunction of field conditions:
//
//   {"op":"and","content":[{"op":<op>,"content":{"field":<f>,"value":<v>}},...]}
//
// The zero value is not usable; use NewFilter.
type Filter struct {
	Op      string   `json:"op"`
	Content []clause `json:"content"`
}

// NewFilter returns an empty "and" filter.
func NewFilter() *Filter {
	return &Filter{Op: OpAnd, Content: []clause{}}
}

// Add appends a condition. value is either a scalar or a list; lists are used
// with OpIn.
func (f *Filter) Add(field string, value interface{}, op string) *Filter {
	f.Content = append(f.Content, clause{Op: op, Content: condition{Field: field, Value: value}})
	return f
}

// String serializes the filter in canonical JSON form (RFC 8785): sorted keys,
// no insignificant whitespace. Identical condition sequences produce identical
// bytes.
func (f *Filter) String() (string, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return "", errors.E(errors.Invalid, err, "marshal filter")
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", errors.E(errors.Invalid, err, "canonicalize filter")
	}
	return string(canon), nil
}
