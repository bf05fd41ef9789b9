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

import "testing"

func TestLocatorIsStableAcrossCalls(t *testing.T) {
	l := New(StaticMembership{"a", "b", "c"})
	first, ok := l.Locate("some-key")
	if !ok {
		t.Fatalf("expected a node")
	}
	for i := 0; i < 10; i++ {
		got, ok := l.Locate("some-key")
		if !ok || got != first {
			t.Fatalf("Locate not stable: got %q, want %q", got, first)
		}
	}
}

func TestLocatorSpreadsKeysAcrossNodes(t *testing.T) {
	l := New(StaticMembership{"a", "b", "c"})
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		node, ok := l.Locate(string(rune('a' + i%26)) + string(rune(i)))
		if !ok {
			t.Fatalf("expected a node")
		}
		seen[node] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected keys to spread across more than one node, got %v", seen)
	}
}

func TestLocatorEmptyMembershipReturnsNotOK(t *testing.T) {
	l := New(StaticMembership{})
	if _, ok := l.Locate("k"); ok {
		t.Fatalf("expected ok=false with no members")
	}
}

func TestExcludeSkipsAvoidedNodes(t *testing.T) {
	l := New(StaticMembership{"a", "b", "c"})
	first, _ := l.Locate("k")
	second, ok := l.Exclude("k", map[string]bool{first: true})
	if !ok {
		t.Fatalf("expected a remaining node")
	}
	if second == first {
		t.Fatalf("Exclude returned the avoided node")
	}
}

func TestExcludeAllNodesReturnsNotOK(t *testing.T) {
	l := New(StaticMembership{"a", "b"})
	if _, ok := l.Exclude("k", map[string]bool{"a": true, "b": true}); ok {
		t.Fatalf("expected ok=false when every node is excluded")
	}
}
