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

// Package batch provides the keyed, ordered value type that the dispatcher
// accumulates, seals, and slices. Batches are immutable-ish: every operation
// returns a new value rather than mutating items in place; Stack and Concat
// copy their arguments into a fresh slice, while New takes its slice as-is.
package batch

import "fmt"

// DefaultKey is the sentinel key used when a caller does not tag a batch.
const DefaultKey = "default"

// Batch is an ordered, keyed sequence of opaque items.
//
// Size must always equal len(Items); constructors and operations in this
// package preserve that invariant. Batch is a value type: copying a Batch
// copies the header only. Split reslices rather than duplicating the
// backing array; Merge always copies into a newly allocated one.
type Batch[K comparable, T any] struct {
	key   K
	items []T
}

// New builds a Batch from an existing item slice. The slice is taken as-is
// (not copied); callers should not mutate it afterward.
func New[K comparable, T any](key K, items []T) Batch[K, T] {
	return Batch[K, T]{key: key, items: items}
}

// Stack appends items to a batch under key, contributing exactly one entry
// per item to Size. Stack and Concat are kept as two named entry points for
// call-site clarity even though their bodies are identical: the spec's own
// source keeps two constructors, one document-intended for "stacking along a
// new axis" and one for "joining along the first axis", and defers a true
// tensor-shaped Batch to a future extension. Until that extension lands,
// both behave the same: each input contributes one entry.
func Stack[K comparable, T any](key K, items ...T) Batch[K, T] {
	return New(key, append([]T(nil), items...))
}

// Concat is the join-along-first-axis counterpart to Stack. See Stack's
// doc comment for why the two share an implementation today.
func Concat[K comparable, T any](key K, items ...T) Batch[K, T] {
	return Stack(key, items...)
}

// Key returns the batch's key tag.
func (b Batch[K, T]) Key() K { return b.key }

// Items returns the batch's items in order. The returned slice aliases the
// batch's backing array; callers must not mutate it.
func (b Batch[K, T]) Items() []T { return b.items }

// Size returns the number of items in the batch.
func (b Batch[K, T]) Size() int { return len(b.items) }

// Empty reports whether the batch has zero items.
func (b Batch[K, T]) Empty() bool { return len(b.items) == 0 }

// ErrKeyMismatch is returned by Merge when the batches being merged carry
// different keys.
type ErrKeyMismatch[K comparable] struct {
	A, B K
}

func (e ErrKeyMismatch[K]) Error() string {
	return fmt.Sprintf("batch: cannot merge batches with different keys: %v != %v", e.A, e.B)
}

// Merge concatenates bs onto b, left to right, preserving item order. All
// batches (b and every element of bs) must share the same key; Merge fails
// fast on the first mismatch found.
func (b Batch[K, T]) Merge(bs ...Batch[K, T]) (Batch[K, T], error) {
	total := len(b.items)
	for _, other := range bs {
		if other.key != b.key {
			return Batch[K, T]{}, ErrKeyMismatch[K]{A: b.key, B: other.key}
		}
		total += len(other.items)
	}
	merged := make([]T, 0, total)
	merged = append(merged, b.items...)
	for _, other := range bs {
		merged = append(merged, other.items...)
	}
	return Batch[K, T]{key: b.key, items: merged}, nil
}

// Split divides b at offset n, returning (prefix, suffix). Order and key are
// preserved on both halves.
//
//   - 0 < n < Size(): prefix has n items, suffix has Size()-n.
//   - n >= Size(): returns (b, an empty batch with b's key).
//   - n <= 0: returns (an empty batch with b's key, b).
func (b Batch[K, T]) Split(n int) (prefix, suffix Batch[K, T]) {
	if n <= 0 {
		return Batch[K, T]{key: b.key}, b
	}
	if n >= len(b.items) {
		return b, Batch[K, T]{key: b.key}
	}
	return Batch[K, T]{key: b.key, items: b.items[:n:n]}, Batch[K, T]{key: b.key, items: b.items[n:]}
}
