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

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Artifact is an immutable compiled resource, such as a compiled schema.
// Once handed out by the cache an artifact may be used concurrently by
// any number of callers.
type Artifact interface{}

// Source is the raw content handed to a Compiler.
type Source struct {
	// URL or synthetic key the content was obtained from
	Locator     string
	Body        []byte
	ContentType string
	// Optional version hint, e.g. a schema draft
	Hint string
}

// Compiler turns raw resource content into an Artifact. Implementations must
// be stateless and safe for concurrent use.
type Compiler interface {
	Compile(ctx context.Context, src Source) (Artifact, error)
}

type CompilerFunc func(ctx context.Context, src Source) (Artifact, error)

func (f CompilerFunc) Compile(ctx context.Context, src Source) (Artifact, error) {
	return f(ctx, src)
}

// WaitMode controls what Get() does when another caller is already
// downloading the requested key.
type WaitMode int

const (
	// Use the mode configured on the cache.
	WaitDefault WaitMode = iota
	// Wait only if there is no usable cached artifact for the key yet, otherwise
	// return the cached artifact immediately.
	WaitInitial
	// Always wait for the in-flight download and return the newest result.
	WaitLatest
	// Never wait. Returns the cached artifact, or an error if there is none.
	WaitNever
)

func (m WaitMode) String() string {
	switch m {
	case WaitInitial:
		return "initial"
	case WaitLatest:
		return "latest"
	case WaitNever:
		return "never"
	}
	return "default"
}

// ParseWaitMode parses the names returned by WaitMode.String()
func ParseWaitMode(s string) (WaitMode, error) {
	switch s {
	case "", "default":
		return WaitDefault, nil
	case "initial":
		return WaitInitial, nil
	case "latest":
		return WaitLatest, nil
	case "never":
		return WaitNever, nil
	}
	return WaitDefault, errors.Errorf("invalid wait mode '%s'; valid options are ['initial', 'latest', 'never']", s)
}

// maxTime marks an entry which never expires
const maxTime int64 = math.MaxInt64

// StaleForever may be used as CacheConfig.MaxStaleAge to serve a stale
// artifact indefinitely when refreshing it fails.
const StaleForever time.Duration = -1

type CacheConfig struct {
	// (Required) Downloads the content for a key
	Fetcher Fetcher

	// (Required) Compiles downloaded content into an artifact
	Compiler Compiler

	// (Optional) Maximum number of URL backed entries. Registered static entries
	// are pinned and do not count towards this limit. Default: 10,000
	MaxEntries int

	// (Optional) How long a downloaded artifact is considered fresh. A zero
	// duration means artifacts are never cached. Default: 5 minutes
	MaxAge *time.Duration

	// (Optional) How long after a download an artifact may still be served when
	// refreshing it fails. Negative means forever. Default: StaleForever
	MaxStaleAge *time.Duration

	// (Optional) Default wait mode. Default: WaitInitial
	WaitMode WaitMode

	// (Optional) Overall deadline of a single download. Default: 30 seconds
	FetchTimeout time.Duration

	// (Optional) Number of shards the key space is split into. Default: 16
	Shards int

	// (Optional) Maximum number of background refreshes per second started by
	// Refresh(). Default: 10
	RefreshRate float64

	// (Optional) Version hint passed to the Compiler for every downloaded resource
	Hint string

	// (Optional) A Logger which implements the declared logger interface (typically *logrus.Entry)
	Logger logrus.FieldLogger
}

// Duration returns a pointer to d, for use with the optional duration fields
// of CacheConfig where zero has a meaning.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// cacheEntry is never mutated once published to a shard, except for the
// atomic access fields. A refresh replaces the entry so readers holding the
// old artifact are never affected.
type cacheEntry struct {
	key      string
	artifact Artifact

	sourceHash   uint64
	etag         string
	lastModified string

	// Timestamps in epoch milliseconds. fetchedAt is the time the download
	// that produced this entry was issued.
	fetchedAt  int64
	expiresAt  int64
	staleUntil int64

	// Registered static content; never expires and is never evicted.
	pinned bool
	refs   int

	accessCount int64
	// Cache wide sequence number of the last access, orders eviction
	lastUsed int64
}

func (e *cacheEntry) accessed() {
	atomic.AddInt64(&e.accessCount, 1)
}

func (e *cacheEntry) accesses() int64 {
	return atomic.LoadInt64(&e.accessCount)
}

func (e *cacheEntry) used(seq int64) {
	atomic.StoreInt64(&e.lastUsed, seq)
}

func (e *cacheEntry) lastUse() int64 {
	return atomic.LoadInt64(&e.lastUsed)
}

func (e *cacheEntry) isFresh(now int64) bool {
	return now < e.expiresAt
}

// isUsable returns true if the entry may be served as a stale fallback.
func (e *cacheEntry) isUsable(now int64) bool {
	return now < e.staleUntil
}

type entryState int

const (
	stateFresh entryState = iota
	stateStale
	stateExpired
)

func (e *cacheEntry) state(now int64) entryState {
	switch {
	case e.isFresh(now):
		return stateFresh
	case e.isUsable(now):
		return stateStale
	}
	return stateExpired
}

// computeExpiry derives expiresAt and staleUntil from the time the download was
// issued. A server supplied max-age may only shorten the freshness window.
func computeExpiry(fetchedAt int64, maxAge, maxStaleAge time.Duration, serverMaxAge int64) (int64, int64) {
	age := maxAge.Milliseconds()
	if serverMaxAge >= 0 && serverMaxAge*1000 < age {
		age = serverMaxAge * 1000
	}
	expiresAt := fetchedAt + age

	if maxStaleAge < 0 {
		return expiresAt, maxTime
	}
	staleUntil := fetchedAt + maxStaleAge.Milliseconds()
	if staleUntil < expiresAt {
		staleUntil = expiresAt
	}
	return expiresAt, staleUntil
}

// MillisecondNow returns unix epoch in milliseconds
func MillisecondNow() int64 {
	return clock.Now().UnixNano() / 1000000
}
