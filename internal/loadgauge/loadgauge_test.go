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

package loadgauge

import (
	"sync"
	"testing"
)

func TestGaugeAddAndValue(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Add(1)
		}()
	}
	wg.Wait()
	if got := g.Value(); got != 100 {
		t.Fatalf("Value() = %d, want 100", got)
	}
	g.Add(-100)
	if got := g.Value(); got != 0 {
		t.Fatalf("Value() after drain = %d, want 0", got)
	}
}
