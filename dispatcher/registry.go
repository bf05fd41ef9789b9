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

package dispatcher

// stackRegistry holds one accumulator per declared batch key. It is created
// at startup for every key in ServingConfig.BatchKeys and entries are never
// destroyed for the dispatcher's lifetime (spec §3 "Lifecycles"). The shape
// (map keyed by batch key, forEach helper) is adapted from
// internal/ratelimiter/core/store.go's Store, minus the sync.Map/eviction
// machinery that store needed for concurrent access — this map is touched
// only by the dispatcher goroutine.
type stackRegistry struct {
	byKey map[string]*accumulator
}

func newStackRegistry(keys []string) *stackRegistry {
	r := &stackRegistry{byKey: make(map[string]*accumulator, len(keys))}
	for _, k := range keys {
		r.byKey[k] = newAccumulator(k)
	}
	return r
}

func (r *stackRegistry) get(key string) *accumulator {
	return r.byKey[key]
}

func (r *stackRegistry) forEach(f func(*accumulator)) {
	for _, a := range r.byKey {
		f(a)
	}
}
