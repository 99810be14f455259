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
	"testing"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequestWaitingOnLock(t *testing.T) {
	defer clock.Freeze(time.Unix(1_700_000_000, 0)).Unfreeze()

	s := NewMemoryStore(MemoryStoreConfig{FineInterval: time.Second})
	s.AddService("42")
	open := BucketStart(MillisecondNow(), s.fine)

	s.mu.Lock()
	done := make(chan struct{})
	go func() {
		s.RecordRequest("42", OutcomeCompleted, 5*time.Millisecond)
		close(done)
	}()
	// Let the request block on the lock, then close its bin
	time.Sleep(50 * time.Millisecond)
	clock.Advance(time.Second)
	s.mu.Unlock()
	<-done

	s.mu.RLock()
	defer s.mu.RUnlock()
	bins := s.services["42"].bins
	require.Len(t, bins, 1)
	assert.Nil(t, bins[open])
	b := bins[open+s.fine]
	require.NotNil(t, b)
	assert.Equal(t, int64(1), b.Attempted)
}
