// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cluster

import (
	"context"
	"errors"
	"fmt"
)

// maxLocateRetries bounds Proxy.Run's re-selection loop — spec §4.8.4.
const maxLocateRetries = 3

// ErrNoAvailableNode is returned when the membership has no node for a key,
// and is wrapped (together with the last attempt's error) once every
// attempt has failed, whether because no untried node remains or because
// the retry budget is spent.
var ErrNoAvailableNode = errors.New("cluster: no available node for key")

// RemoteDispatcher submits a batch to a named node and returns once that
// node's own dispatcher has replied. Callers supply the transport (HTTP,
// gRPC, or an in-process call for tests); the teacher repo has no remote
// dispatch analog to ground a concrete transport on, so Proxy only owns the
// retry-with-re-selection policy and leaves the wire format to the caller.
type RemoteDispatcher interface {
	Submit(ctx context.Context, node, key string, items []any) (output []any, metadata any, err error)
}

// Preprocessor transforms a batch's items before they leave this node,
// e.g. to attach a trace ID — spec §4.8.5's distributed_preprocessing hook.
// Postprocessor is its counterpart on the result, run once on this node
// after a remote node replies.
type (
	Preprocessor  func(items []any) ([]any, error)
	Postprocessor func(output []any, metadata any) ([]any, any, error)
)

// Proxy locates and dispatches a batch key to the right node of a cluster,
// retrying against a different node (up to maxLocateRetries times) if the
// chosen node's Submit fails.
type Proxy struct {
	locator     *Locator
	remote      RemoteDispatcher
	preprocess  Preprocessor
	postprocess Postprocessor
}

// NewProxy builds a Proxy. pre and post may be nil, in which case they are
// identity functions.
func NewProxy(locator *Locator, remote RemoteDispatcher, pre Preprocessor, post Postprocessor) *Proxy {
	if pre == nil {
		pre = func(items []any) ([]any, error) { return items, nil }
	}
	if post == nil {
		post = func(output []any, metadata any) ([]any, any, error) { return output, metadata, nil }
	}
	return &Proxy{locator: locator, remote: remote, preprocess: pre, postprocess: post}
}

// Run locates key's node, submits items, and retries against a freshly
// re-selected node (excluding every node already tried) up to
// maxLocateRetries times if the attempt fails.
func (p *Proxy) Run(ctx context.Context, key string, items []any) (output []any, metadata any, err error) {
	preprocessed, err := p.preprocess(items)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: preprocessing: %w", err)
	}

	avoid := map[string]bool{}
	node, ok := p.locator.Locate(key)
	if !ok {
		return nil, nil, ErrNoAvailableNode
	}

	var lastErr error
	for attempt := 0; attempt <= maxLocateRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		out, meta, err := p.remote.Submit(ctx, node, key, preprocessed)
		if err == nil {
			return p.postprocess(out, meta)
		}
		lastErr = err
		if attempt == maxLocateRetries {
			break // final attempt already failed; no point re-selecting
		}
		avoid[node] = true
		node, ok = p.locator.Exclude(key, avoid)
		if !ok {
			break
		}
	}
	return nil, nil, fmt.Errorf("cluster: exhausted retries for key %q: %w: %w", key, ErrNoAvailableNode, lastErr)
}
