/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package cache is the process-wide cache plane: the db-query/proxy
// response cache, the OIDC discovery cache and the UserInfo cache are all
// instances of the same generalized Store, which gives every key a
// get-or-produce-one-concurrent-build-per-key guarantee.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value    []byte
	storedAt time.Time
}

// Store is a read-mostly, TTL-bounded byte-value cache used by every
// cache-backed stage of the pipeline. The db/proxy response cache, the
// OIDC discovery cache and the UserInfo cache are each a separate *Store
// instance with its own keys.
type Store struct {
	entries sync.Map // key (uint64 or string) -> *entry
	g       singleflight.Group
}

// New returns an empty Store.
func New() *Store { return &Store{} }

// Get returns the raw bytes stored under key, and whether key was present
// at all. Callers are responsible for checking their own TTL against
// storedAt via GetWithAge.
func (s *Store) Get(key any) (value []byte, ok bool) {
	v, found := s.entries.Load(key)
	if !found {
		return nil, false
	}
	e := v.(*entry)
	return e.value, true
}

// GetWithAge returns the cached value and how long ago it was stored.
func (s *Store) GetWithAge(key any) (value []byte, age time.Duration, ok bool) {
	v, found := s.entries.Load(key)
	if !found {
		return nil, 0, false
	}
	e := v.(*entry)
	return e.value, time.Since(e.storedAt), true
}

// Set stores value under key, or deletes the entry when value is nil.
func (s *Store) Set(key any, value []byte) {
	if value == nil {
		s.entries.Delete(key)
		return
	}
	s.entries.Store(key, &entry{value: value, storedAt: time.Now()})
}

// Delete removes key unconditionally.
func (s *Store) Delete(key any) {
	s.entries.Delete(key)
}

// GetOrProduce returns the cached value under key if its age is within ttl;
// otherwise it calls produce to build a fresh value, storing and returning
// it. Concurrent callers that miss for the same key observe produce run
// exactly once; all of them receive its result.
func (s *Store) GetOrProduce(key string, ttl time.Duration, produce func() ([]byte, error)) ([]byte, error) {
	if value, age, ok := s.GetWithAge(key); ok && age <= ttl {
		return value, nil
	}
	v, err, _ := s.g.Do(key, func() (any, error) {
		if value, age, ok := s.GetWithAge(key); ok && age <= ttl {
			return value, nil
		}
		value, err := produce()
		if err != nil {
			return nil, err
		}
		s.Set(key, value)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
