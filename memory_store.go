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
	"sort"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/sirupsen/logrus"
)

type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomePolicyViolation
	OutcomeRoutingFailure
)

const (
	DefaultFineInterval = 5 * time.Second
	MinFineInterval     = time.Second
	MaxFineInterval     = 5 * time.Minute
)

type MemoryStoreConfig struct {
	// (Optional) Width of a fine bin, clamped to [1s, 5m]. Default: 5s
	FineInterval time.Duration

	// (Optional) How long fine bins are kept. Default: 24 hours
	Retention time.Duration

	// (Optional) A Logger which implements the declared logger interface (typically *logrus.Entry)
	Logger logrus.FieldLogger
}

type serviceRecord struct {
	tracked bool
	// bucket start -> bin
	bins map[int64]*SummaryBin
}

// MemoryStore is an in process MetricsStore and ServiceRegistry. Requests
// are recorded into fine bins aligned to the unix epoch.
type MemoryStore struct {
	mu        sync.RWMutex
	fine      int64
	retention int64
	services  map[string]*serviceRecord
	log       logrus.FieldLogger
}

var _ MetricsStore = &MemoryStore{}
var _ ServiceRegistry = &MemoryStore{}

func NewMemoryStore(conf MemoryStoreConfig) *MemoryStore {
	setter.SetDefault(&conf.FineInterval, DefaultFineInterval)
	setter.SetDefault(&conf.Retention, 24*time.Hour)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "memory-store"))

	if conf.FineInterval < MinFineInterval {
		conf.Logger.Warnf("fine interval %s is too small; using %s", conf.FineInterval, MinFineInterval)
		conf.FineInterval = MinFineInterval
	}
	if conf.FineInterval > MaxFineInterval {
		conf.Logger.Warnf("fine interval %s is too large; using %s", conf.FineInterval, MaxFineInterval)
		conf.FineInterval = MaxFineInterval
	}

	return &MemoryStore{
		fine:      conf.FineInterval.Milliseconds(),
		retention: conf.Retention.Milliseconds(),
		services:  make(map[string]*serviceRecord),
		log:       conf.Logger,
	}
}

func (s *MemoryStore) FineInterval() time.Duration {
	return time.Duration(s.fine) * time.Millisecond
}

// AddService registers the service and starts tracking it. Adding a service
// which exists is a no-op.
func (s *MemoryStore) AddService(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		s.services[id] = &serviceRecord{tracked: true, bins: make(map[int64]*SummaryBin)}
	}
}

// RemoveService forgets the service and every bin recorded for it
func (s *MemoryStore) RemoveService(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, id)
}

func (s *MemoryStore) Track(id string) {
	s.setTracked(id, true)
}

func (s *MemoryStore) Untrack(id string) {
	s.setTracked(id, false)
}

func (s *MemoryStore) setTracked(id string, tracked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.services[id]; ok {
		r.tracked = tracked
	}
}

func (s *MemoryStore) ServiceExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.services[id]
	return ok, nil
}

func (s *MemoryStore) ServiceIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// RecordRequest adds one request to the current fine bin of the service.
// Requests for unknown or untracked services are dropped.
func (s *MemoryStore) RecordRequest(id string, o Outcome, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Read the clock under the lock, a bin is never written once a reader
	// has seen it closed.
	now := MillisecondNow()
	start := BucketStart(now, s.fine)

	r, ok := s.services[id]
	if !ok || !r.tracked {
		return
	}

	b, ok := r.bins[start]
	if !ok {
		b = &SummaryBin{ServiceID: id, PeriodStart: start, PeriodEnd: start + s.fine}
		r.bins[start] = b
		s.prune(r, now)
	}

	b.Attempted++
	b.LastUpdated = now
	switch o {
	case OutcomePolicyViolation:
		b.PolicyViolations++
		return
	case OutcomeRoutingFailure:
		b.RoutingFailures++
		return
	}

	ms := latency.Milliseconds()
	b.Completed++
	b.FrontendSum += ms
	b.FrontendLast = ms
	if !b.HasFrontendTimes || ms < b.FrontendMin {
		b.FrontendMin = ms
	}
	if !b.HasFrontendTimes || ms > b.FrontendMax {
		b.FrontendMax = ms
	}
	b.HasFrontendTimes = true
}

func (s *MemoryStore) prune(r *serviceRecord, now int64) {
	for start := range r.bins {
		if start+s.fine < now-s.retention {
			delete(r.bins, start)
		}
	}
}

// SummarizeByService merges the closed fine bins of each service within the
// query bounds. End is aligned down to the query resolution.
func (s *MemoryStore) SummarizeByService(_ context.Context, q SummaryQuery) (map[string]*SummaryBin, error) {
	end := q.End
	switch q.Resolution {
	case ResolutionHourly:
		end = BucketStart(end, time.Hour.Milliseconds())
	case ResolutionDaily:
		end = BucketStart(end, 24*time.Hour.Milliseconds())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := q.ServiceIDs
	if ids == nil {
		for id := range s.services {
			ids = append(ids, id)
		}
	}

	result := make(map[string]*SummaryBin, len(ids))
	for _, id := range ids {
		var selected []*SummaryBin
		if r, ok := s.services[id]; ok {
			for start, b := range r.bins {
				if q.Start != 0 && start < q.Start {
					continue
				}
				if end != 0 && b.PeriodEnd > end {
					continue
				}
				selected = append(selected, b)
			}
		}
		// Deterministic fold order
		sort.Slice(selected, func(i, j int) bool { return selected[i].PeriodStart < selected[j].PeriodStart })

		if merged := MergeBins(selected...); merged != nil {
			result[id] = merged
		} else if q.IncludeEmpty {
			result[id] = &SummaryBin{ServiceID: id}
		}
	}
	return result, nil
}
