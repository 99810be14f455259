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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInternalCache(t *testing.T, f Fetcher) *ObjectCache {
	t.Helper()
	c, err := NewObjectCache(CacheConfig{
		Fetcher: f,
		Compiler: CompilerFunc(func(_ context.Context, src Source) (Artifact, error) {
			return string(src.Body), nil
		}),
	})
	require.NoError(t, err)
	return c
}

func TestObjectCacheHitWhileIndexLocked(t *testing.T) {
	fetchingB := make(chan struct{})
	c := newInternalCache(t, FetcherFunc(func(_ context.Context, url string, _ Validators) (*FetchResult, error) {
		if url == "https://b.example/" {
			close(fetchingB)
		}
		return &FetchResult{Body: []byte(url), MaxAge: -1}, nil
	}))
	ctx := context.Background()

	_, err := c.Get(ctx, "https://a.example/", WaitInitial)
	require.NoError(t, err)

	// Hold the index so the insert of 'b' can not complete
	c.lruMu.Lock()
	doneB := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "https://b.example/", WaitInitial)
		doneB <- err
	}()
	<-fetchingB

	doneA := make(chan Artifact, 1)
	go func() {
		art, _ := c.Get(ctx, "https://a.example/", WaitInitial)
		doneA <- art
	}()

	var art Artifact
	select {
	case art = <-doneA:
	case <-time.After(time.Second):
	}
	select {
	case <-doneB:
		t.Error("insert of 'b' completed while the index was locked")
	default:
	}
	c.lruMu.Unlock()

	assert.Equal(t, "https://a.example/", art, "cache hit waited on the index")
	require.NoError(t, <-doneB)
	assert.Equal(t, int64(2), c.Size())
}

func TestObjectCachePublishOrdering(t *testing.T) {
	c := newInternalCache(t, FetcherFunc(func(_ context.Context, url string, _ Validators) (*FetchResult, error) {
		return &FetchResult{Body: []byte(url), MaxAge: -1}, nil
	}))
	const key = "https://a.example/"
	s := c.ring.get(key)
	entry := func(artifact string, fetchedAt int64) *cacheEntry {
		return &cacheEntry{key: key, artifact: artifact, fetchedAt: fetchedAt,
			expiresAt: maxTime, staleUntil: maxTime}
	}
	now := MillisecondNow()

	assert.Equal(t, "newer", c.publish(s, entry("newer", now)))

	t.Run("Result issued before the cached entry is discarded", func(t *testing.T) {
		assert.Equal(t, "newer", c.publish(s, entry("older", now-1000)))
		art, ok := c.Peek(key)
		require.True(t, ok)
		assert.Equal(t, "newer", art)
		assert.Equal(t, int64(1), c.Size())
	})

	t.Run("Result issued before an unregister is not stored", func(t *testing.T) {
		c.Unregister(key)
		s.mu.Lock()
		s.removed[key] = now + 1000
		s.mu.Unlock()

		assert.Equal(t, "late", c.publish(s, entry("late", now+500)))
		_, ok := c.Peek(key)
		assert.False(t, ok)
		assert.Zero(t, c.Size())
	})

	t.Run("Pinned entry wins", func(t *testing.T) {
		s.mu.Lock()
		delete(s.removed, key)
		s.mu.Unlock()

		c.Register(key, "static")
		assert.Equal(t, "static", c.publish(s, entry("downloaded", now+2000)))
		art, ok := c.Peek(key)
		require.True(t, ok)
		assert.Equal(t, "static", art)
	})
}

func TestObjectCacheUnregisterWhileReading(t *testing.T) {
	c := newInternalCache(t, FetcherFunc(func(_ context.Context, url string, _ Validators) (*FetchResult, error) {
		return nil, &FetchError{URL: url, Err: context.Canceled}
	}))
	const key = "static:0123456789abcdef"
	for i := 0; i < 3; i++ {
		c.Register(key, "pinned")
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, _ = c.Get(context.Background(), key, WaitInitial)
			}
		}()
	}

	c.Unregister(key)
	c.Unregister(key)
	art, ok := c.Peek(key)
	require.True(t, ok)
	assert.Equal(t, "pinned", art)

	close(stop)
	wg.Wait()

	s := c.ring.get(key)
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	require.NotNil(t, e)
	assert.Equal(t, 1, e.refs)
}
