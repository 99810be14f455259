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
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/fasthash/fnv1a"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ObjectCache maps resource URLs to compiled artifacts. Concurrent requests
// for the same key result in a single download and compile, every waiter
// receives the same artifact or the same error.
type ObjectCache struct {
	conf     CacheConfig
	log      logrus.FieldLogger
	maxAge   time.Duration
	maxStale time.Duration
	ring     *shardRing

	// lruMu guards lru and is always acquired before a shard lock. Every
	// insert or removal of a non-pinned entry happens while holding it so
	// the index and the shards never disagree. Cache hits never take it,
	// they only bump the entry's sequence number.
	lruMu  sync.Mutex
	lru    *lruIndex
	seq    int64
	pinned int64

	limiter *rate.Limiter
	wg      syncutil.WaitGroup

	accessMetric        *prometheus.CounterVec
	fetchMetric         *prometheus.CounterVec
	fetchDurationMetric prometheus.Summary
	evictionMetric      prometheus.Counter
	sizeMetric          prometheus.Gauge
}

var _ prometheus.Collector = &ObjectCache{}

func NewObjectCache(conf CacheConfig) (*ObjectCache, error) {
	if conf.Fetcher == nil {
		return nil, errors.New("CacheConfig.Fetcher is required")
	}
	if conf.Compiler == nil {
		return nil, errors.New("CacheConfig.Compiler is required")
	}

	setter.SetDefault(&conf.MaxEntries, 10_000)
	setter.SetDefault(&conf.MaxAge, Duration(5*time.Minute))
	setter.SetDefault(&conf.MaxStaleAge, Duration(StaleForever))
	setter.SetDefault(&conf.WaitMode, WaitInitial)
	setter.SetDefault(&conf.FetchTimeout, 30*time.Second)
	setter.SetDefault(&conf.Shards, 16)
	setter.SetDefault(&conf.RefreshRate, float64(10))
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "object-cache"))

	if conf.MaxEntries < 0 {
		return nil, errors.New("CacheConfig.MaxEntries cannot be negative")
	}
	if *conf.MaxAge < 0 {
		return nil, errors.New("CacheConfig.MaxAge cannot be negative")
	}

	c := &ObjectCache{
		conf:     conf,
		log:      conf.Logger,
		maxAge:   *conf.MaxAge,
		maxStale: *conf.MaxStaleAge,
		ring:     newShardRing(conf.Shards),
		lru:      newLRUIndex(conf.MaxEntries),
		limiter:  rate.NewLimiter(rate.Limit(conf.RefreshRate), 1),
		accessMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policygate_cache_access_count",
			Help: "Object cache access counts.  Label \"type\" = hit|miss|stale.",
		}, []string{"type"}),
		fetchMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policygate_cache_fetch_count",
			Help: "Resource downloads.  Label \"result\" = success|failure|not_modified.",
		}, []string{"result"}),
		fetchDurationMetric: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "policygate_cache_fetch_duration",
			Help:       "The timings of resource downloads in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
		}),
		evictionMetric: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policygate_cache_eviction_count",
			Help: "The number of entries evicted to stay within the max entries limit.",
		}),
		sizeMetric: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policygate_cache_size",
			Help: "The number of artifacts held by the object cache.",
		}),
	}
	return c, nil
}

// Get returns the artifact for key, downloading and compiling it if there is
// no fresh copy in the cache.
func (c *ObjectCache) Get(ctx context.Context, key string, mode WaitMode) (Artifact, error) {
	if mode == WaitDefault {
		mode = c.conf.WaitMode
	}
	if isFetching(ctx, c, key) {
		return nil, newResourceError(KindResourceUnavailable, key, ErrRecursiveFetch)
	}

	s := c.ring.get(key)
	now := MillisecondNow()

	s.mu.RLock()
	e := s.entries[key]
	_, inFlight := s.fetching[key]
	s.mu.RUnlock()

	state := stateExpired
	if e != nil {
		state = e.state(now)
	}

	if state == stateFresh {
		c.touch(e)
		c.accessMetric.WithLabelValues("hit").Add(1)
		return e.artifact, nil
	}

	if inFlight {
		switch mode {
		case WaitNever:
			if e != nil {
				c.touch(e)
				c.accessMetric.WithLabelValues("stale").Add(1)
				return e.artifact, nil
			}
			c.accessMetric.WithLabelValues("miss").Add(1)
			return nil, newResourceError(KindResourceUnavailable, key, errDownloading)
		case WaitInitial:
			if state == stateStale {
				c.touch(e)
				c.accessMetric.WithLabelValues("stale").Add(1)
				return e.artifact, nil
			}
		}
	}

	c.accessMetric.WithLabelValues("miss").Add(1)
	return c.fetch(ctx, s, key)
}

// Peek returns the cached artifact for key without downloading. Stale
// artifacts are returned while they are within the max stale age.
func (c *ObjectCache) Peek(key string) (Artifact, bool) {
	s := c.ring.get(key)
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()

	if e == nil || !(e.pinned || e.isUsable(MillisecondNow())) {
		return nil, false
	}
	return e.artifact, true
}

// Register pins an artifact under key. A pinned artifact never expires, is
// never evicted and is never downloaded. Registering a key which is already
// pinned replaces the artifact and increments the reference count.
func (c *ObjectCache) Register(key string, artifact Artifact) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()

	s := c.ring.get(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := MillisecondNow()
	refs := 1
	if e := s.entries[key]; e != nil {
		if e.pinned {
			refs = e.refs + 1
		} else {
			c.lru.Remove(key)
		}
	}
	if refs == 1 {
		atomic.AddInt64(&c.pinned, 1)
	}

	s.entries[key] = &cacheEntry{
		key:        key,
		artifact:   artifact,
		fetchedAt:  now,
		pinned:     true,
		refs:       refs,
		staleUntil: maxTime,
		expiresAt:  maxTime,
	}
	delete(s.removed, key)
}

// Unregister releases one reference to a pinned artifact, removing it once no
// references remain. Calling Unregister on a downloaded entry removes it. If
// a download for the key is in flight its result is discarded.
func (c *ObjectCache) Unregister(key string) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()

	s := c.ring.get(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.entries[key]; e != nil {
		if e.pinned && e.refs > 1 {
			s.entries[key] = &cacheEntry{
				key:         e.key,
				artifact:    e.artifact,
				fetchedAt:   e.fetchedAt,
				pinned:      true,
				refs:        e.refs - 1,
				staleUntil:  maxTime,
				expiresAt:   maxTime,
				accessCount: e.accesses(),
			}
			return
		}
		delete(s.entries, key)
		if e.pinned {
			atomic.AddInt64(&c.pinned, -1)
		} else {
			c.lru.Remove(key)
		}
	}

	if _, ok := s.fetching[key]; ok {
		s.removed[key] = MillisecondNow()
	}
}

// Size returns the number of artifacts in the cache, pinned included
func (c *ObjectCache) Size() int64 {
	return c.lru.Size() + atomic.LoadInt64(&c.pinned)
}

// Refresh downloads again every accessed entry which expires within
// preExpiry, so callers keep getting fresh hits. Downloads are throttled by
// RefreshRate. Returns the number of entries refreshed.
func (c *ObjectCache) Refresh(ctx context.Context, preExpiry time.Duration) (int, error) {
	deadline := MillisecondNow() + preExpiry.Milliseconds()

	var keys []string
	for _, s := range c.ring.shards {
		s.mu.RLock()
		for key, e := range s.entries {
			if e.pinned || e.accesses() == 0 {
				continue
			}
			if _, ok := s.fetching[key]; ok {
				continue
			}
			if e.expiresAt <= deadline {
				keys = append(keys, key)
			}
		}
		s.mu.RUnlock()
	}

	var count int
	for _, key := range keys {
		if err := c.limiter.Wait(ctx); err != nil {
			return count, err
		}
		s := c.ring.get(key)
		_, err, _ := s.group.Do(key, func() (interface{}, error) {
			return c.download(ctx, s, key)
		})
		if err != nil {
			c.log.WithError(err).Warnf("while refreshing '%s'", key)
			continue
		}
		count++
	}
	return count, nil
}

// StartRefresh calls Refresh() every interval until Close() is called
func (c *ObjectCache) StartRefresh(interval, preExpiry time.Duration) {
	tick := NewInterval(interval)
	tick.Next()

	c.wg.Until(func(done chan struct{}) bool {
		select {
		case <-tick.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-done:
					cancel()
				case <-ctx.Done():
				}
			}()
			n, err := c.Refresh(ctx, preExpiry)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.WithError(err).Error("during background refresh")
			}
			if n != 0 {
				c.log.Debugf("refreshed %d resources", n)
			}
			tick.Next()
			return true
		case <-done:
			tick.Stop()
			return false
		}
	})
}

// Close stops background refresh. In-flight downloads complete for their
// waiters.
func (c *ObjectCache) Close() error {
	c.wg.Stop()
	return nil
}

// Describe fetches prometheus metrics to be registered
func (c *ObjectCache) Describe(ch chan<- *prometheus.Desc) {
	c.sizeMetric.Describe(ch)
	c.accessMetric.Describe(ch)
	c.fetchMetric.Describe(ch)
	c.fetchDurationMetric.Describe(ch)
	c.evictionMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the cache
func (c *ObjectCache) Collect(ch chan<- prometheus.Metric) {
	c.sizeMetric.Set(float64(c.Size()))
	c.sizeMetric.Collect(ch)
	c.accessMetric.Collect(ch)
	c.fetchMetric.Collect(ch)
	c.fetchDurationMetric.Collect(ch)
	c.evictionMetric.Collect(ch)
}

func (c *ObjectCache) touch(e *cacheEntry) {
	e.accessed()
	if !e.pinned {
		e.used(atomic.AddInt64(&c.seq, 1))
	}
}

// fetch joins or starts the download of key. The download continues for the
// other waiters if ctx is cancelled.
func (c *ObjectCache) fetch(ctx context.Context, s *cacheShard, key string) (Artifact, error) {
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return c.download(ctx, s, key)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val, nil
	case <-ctx.Done():
		trace.SpanFromContext(ctx).RecordError(ctx.Err())
		return nil, newResourceError(KindResourceUnavailable, key, ctx.Err())
	}
}

// download must only be called through the shard's single-flight group.
func (c *ObjectCache) download(ctx context.Context, s *cacheShard, key string) (_ Artifact, err error) {
	// Detach from the caller who started the download, the other waiters
	// must not be cancelled with it.
	ctx = withFetching(context.WithoutCancel(ctx), c, key)
	ctx = tracing.StartNamedScope(ctx, "ObjectCache.download")
	defer func() { tracing.EndScope(ctx, err) }()

	issuedAt := MillisecondNow()
	s.mu.Lock()
	prev := s.entries[key]
	s.fetching[key] = issuedAt
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.fetching, key)
		delete(s.removed, key)
		s.mu.Unlock()
	}()

	if prev != nil && prev.pinned {
		return prev.artifact, nil
	}

	fctx, cancel := context.WithTimeout(ctx, c.conf.FetchTimeout)
	defer cancel()

	var v Validators
	if prev != nil {
		v = Validators{ETag: prev.etag, LastModified: prev.lastModified}
	}

	start := clock.Now()
	res, err := c.conf.Fetcher.Fetch(fctx, key, v)
	c.fetchDurationMetric.Observe(clock.Since(start).Seconds())
	if err != nil {
		c.fetchMetric.WithLabelValues("failure").Add(1)
		return c.fallback(key, prev, err)
	}

	next := &cacheEntry{
		key:          key,
		etag:         res.ETag,
		lastModified: res.LastModified,
		fetchedAt:    issuedAt,
	}
	next.expiresAt, next.staleUntil = computeExpiry(issuedAt, c.maxAge, c.maxStale, res.MaxAge)

	switch {
	case res.NotModified:
		if prev == nil {
			c.fetchMetric.WithLabelValues("failure").Add(1)
			return c.fallback(key, prev, &FetchError{URL: key,
				Err: errors.New("not modified returned without a cached copy")})
		}
		c.fetchMetric.WithLabelValues("not_modified").Add(1)
		next.artifact = prev.artifact
		next.sourceHash = prev.sourceHash
		// A 304 may omit the validators
		setter.SetDefault(&next.etag, prev.etag)
		setter.SetDefault(&next.lastModified, prev.lastModified)
	default:
		c.fetchMetric.WithLabelValues("success").Add(1)
		next.sourceHash = fnv1a.HashBytes64(res.Body)
		if prev != nil && prev.sourceHash == next.sourceHash {
			next.artifact = prev.artifact
			break
		}
		art, err := c.conf.Compiler.Compile(fctx, Source{
			Locator:     key,
			Body:        res.Body,
			ContentType: res.ContentType,
			Hint:        c.conf.Hint,
		})
		if err != nil {
			var ce *CompileError
			if !errors.As(err, &ce) {
				err = &CompileError{Locator: key, Message: err.Error()}
			}
			return c.fallback(key, prev, err)
		}
		next.artifact = art
	}

	if c.maxAge == 0 || res.NoStore {
		return next.artifact, nil
	}
	return c.publish(s, next), nil
}

// fallback serves the previous artifact if it is still within the max stale
// age, otherwise the failure is returned to every waiter.
func (c *ObjectCache) fallback(key string, prev *cacheEntry, cause error) (Artifact, error) {
	if prev != nil && prev.isUsable(MillisecondNow()) {
		c.log.WithError(cause).Warnf("serving stale copy of '%s'", key)
		return prev.artifact, nil
	}
	return nil, newResourceError(KindResourceUnavailable, key, cause)
}

// publish stores the entry unless it was superseded while downloading and
// returns the artifact now cached for the key.
func (c *ObjectCache) publish(s *cacheShard, next *cacheEntry) Artifact {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()

	s.mu.Lock()
	if removedAt, ok := s.removed[next.key]; ok && removedAt >= next.fetchedAt {
		s.mu.Unlock()
		return next.artifact
	}
	if cur := s.entries[next.key]; cur != nil && (cur.pinned || cur.fetchedAt > next.fetchedAt) {
		s.mu.Unlock()
		return cur.artifact
	}
	next.used(atomic.AddInt64(&c.seq, 1))
	s.entries[next.key] = next
	s.mu.Unlock()

	for _, key := range c.lru.Add(next) {
		c.evict(key)
	}
	return next.artifact
}

// evict must be called while holding lruMu
func (c *ObjectCache) evict(key string) {
	s := c.ring.get(key)
	s.mu.Lock()
	if e := s.entries[key]; e != nil && !e.pinned {
		delete(s.entries, key)
		c.evictionMetric.Add(1)
	}
	s.mu.Unlock()
}

type fetchLink struct {
	cache  *ObjectCache
	key    string
	parent *fetchLink
}

type fetchLinkKey struct{}

// withFetching records on the context that key is being downloaded, so a
// compiler which resolves nested resources through the same cache cannot
// wait on itself.
func withFetching(ctx context.Context, c *ObjectCache, key string) context.Context {
	parent, _ := ctx.Value(fetchLinkKey{}).(*fetchLink)
	return context.WithValue(ctx, fetchLinkKey{}, &fetchLink{cache: c, key: key, parent: parent})
}

func isFetching(ctx context.Context, c *ObjectCache, key string) bool {
	link, _ := ctx.Value(fetchLinkKey{}).(*fetchLink)
	for ; link != nil; link = link.parent {
		if link.cache == c && link.key == key {
			return true
		}
	}
	return false
}
