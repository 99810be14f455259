/*
Copyright 2024 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package policygate

// The ObjectCache key space is split across shards using a hash ring.
//
// - A 63-bit hash is generated from the key. (Actually 64 bit, but we toss
//   out one bit to properly calculate the next step.)
// - Shards are assigned equal size hash ranges. The shard is selected by
//   choosing the shard index associated with that linear hash value range.
// - Each shard owns its entries, its in-flight downloads and its
//   single-flight group. Only the shard lock is held while reading or
//   publishing an entry; never while downloading.

import (
	"sync"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/sync/singleflight"
)

type shardHasher interface {
	// ComputeHash63 returns a 63-bit hash derived from input.
	ComputeHash63(input string) uint64
}

// hasher is the default implementation of shardHasher.
type hasher struct{}

var _ shardHasher = &hasher{}

func newHasher() *hasher {
	return &hasher{}
}

func (ph *hasher) ComputeHash63(input string) uint64 {
	return xxhash.ChecksumString64S(input, 0) >> 1
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	// key -> issue time of the download in flight
	fetching map[string]int64
	// key -> time of an Unregister() which raced an in-flight download
	removed map[string]int64
	group   singleflight.Group
}

func newCacheShard() *cacheShard {
	return &cacheShard{
		entries:  make(map[string]*cacheEntry),
		fetching: make(map[string]int64),
		removed:  make(map[string]int64),
	}
}

type shardRing struct {
	hasher       shardHasher
	shards       []*cacheShard
	hashRingStep uint64
}

func newShardRing(n int) *shardRing {
	r := &shardRing{
		hasher: newHasher(),
		shards: make([]*cacheShard, n),
		// 64th bit is used here as a max value that is just out of range of
		// 63-bit space to calculate the step.
		hashRingStep: uint64(1<<63) / uint64(n),
	}
	for i := range r.shards {
		r.shards[i] = newCacheShard()
	}
	return r
}

// get hashes the key, then looks up the hash ring to find the shard.
func (r *shardRing) get(key string) *cacheShard {
	idx := r.hasher.ComputeHash63(key) / r.hashRingStep
	// The last range absorbs the remainder when n does not divide 2^63
	if idx >= uint64(len(r.shards)) {
		idx = uint64(len(r.shards) - 1)
	}
	return r.shards[idx]
}
