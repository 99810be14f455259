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

	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type AggregatorConfig struct {
	// (Required) Source of the fine bins
	Store MetricsStore

	// (Required) Decides if an id unknown to the aggregator is a service
	Registry ServiceRegistry

	// (Optional) A Logger which implements the declared logger interface (typically *logrus.Entry)
	Logger logrus.FieldLogger
}

type summaryEntry struct {
	bin *SummaryBin
	// Exclusive end of the fine bins merged into bin
	refreshedTo int64
}

// Aggregator keeps a running summary per service, merging newly closed fine
// bins from the MetricsStore when a summary is read. All mutations of the
// summary map happen under the write lock; the bins returned to callers are
// never modified.
type Aggregator struct {
	mu       sync.RWMutex
	entries  map[string]*summaryEntry
	store    MetricsStore
	registry ServiceRegistry
	log      logrus.FieldLogger

	attemptedDesc *prometheus.Desc
	completedDesc *prometheus.Desc
	violationDesc *prometheus.Desc
}

var _ prometheus.Collector = &Aggregator{}

func NewAggregator(conf AggregatorConfig) (*Aggregator, error) {
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "aggregator"))
	if conf.Store == nil {
		return nil, errors.New("AggregatorConfig.Store is required")
	}
	if conf.Registry == nil {
		return nil, errors.New("AggregatorConfig.Registry is required")
	}

	return &Aggregator{
		entries:  make(map[string]*summaryEntry),
		store:    conf.Store,
		registry: conf.Registry,
		log:      conf.Logger,
		attemptedDesc: prometheus.NewDesc("policygate_service_attempted_count",
			"Requests attempted per service.", []string{"service"}, nil),
		completedDesc: prometheus.NewDesc("policygate_service_completed_count",
			"Requests completed per service.", []string{"service"}, nil),
		violationDesc: prometheus.NewDesc("policygate_service_policy_violation_count",
			"Requests rejected by policy per service.", []string{"service"}, nil),
	}, nil
}

// Load replaces every summary with the full history the store holds for the
// registered services.
func (a *Aggregator) Load(ctx context.Context) (err error) {
	ctx = tracing.StartNamedScope(ctx, "Aggregator.Load")
	defer func() { tracing.EndScope(ctx, err) }()

	ids, err := a.registry.ServiceIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "while listing services")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.cutoff()
	bins, err := a.store.SummarizeByService(ctx, SummaryQuery{
		End:          cutoff,
		ServiceIDs:   ids,
		IncludeEmpty: true,
	})
	if err != nil {
		return errors.Wrap(err, "while summarizing services")
	}

	a.entries = make(map[string]*summaryEntry, len(ids))
	for _, id := range ids {
		a.entries[id] = &summaryEntry{bin: withID(bins[id], id), refreshedTo: cutoff}
	}
	a.log.Infof("Loaded summaries for %d services", len(ids))
	return nil
}

// OnServiceCreated starts an empty summary for id. Does nothing if the
// summary exists.
func (a *Aggregator) OnServiceCreated(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.entries[id]; ok {
		return
	}
	a.entries[id] = &summaryEntry{bin: &SummaryBin{ServiceID: id}, refreshedTo: a.cutoff()}
}

func (a *Aggregator) OnServiceDeleted(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, id)
}

func (a *Aggregator) OnServiceEnabled(id string) {
	a.store.Track(id)
}

func (a *Aggregator) OnServiceDisabled(id string) {
	a.store.Untrack(id)
}

// GetSummary returns the summary of id including every fine bin closed
// before the current one. Returns nil if id is not a known service.
func (a *Aggregator) GetSummary(ctx context.Context, id string) (_ *SummaryBin, err error) {
	cutoff := a.cutoff()

	a.mu.RLock()
	e, ok := a.entries[id]
	a.mu.RUnlock()
	if ok && e.refreshedTo >= cutoff {
		return e.bin, nil
	}

	ctx = tracing.StartNamedScopeDebug(ctx, "Aggregator.GetSummary")
	defer func() { tracing.EndScope(ctx, err) }()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock
	e, ok = a.entries[id]
	if ok && e.refreshedTo >= cutoff {
		return e.bin, nil
	}
	if !ok {
		exists, err := a.registry.ServiceExists(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "while checking service '%s'", id)
		}
		if !exists {
			return nil, nil
		}
		e = &summaryEntry{bin: &SummaryBin{ServiceID: id}}
	}

	bins, err := a.store.SummarizeByService(ctx, SummaryQuery{
		Start:      e.refreshedTo,
		End:        cutoff,
		ServiceIDs: []string{id},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "while summarizing service '%s'", id)
	}

	next := &summaryEntry{bin: withID(Merge(e.bin, bins[id]), id), refreshedTo: cutoff}
	a.entries[id] = next
	return next.bin, nil
}

// GetAllSummaries refreshes every summary and returns them by service id.
// Services which share the same refresh window are summarized with a single
// store query.
func (a *Aggregator) GetAllSummaries(ctx context.Context) (_ map[string]*SummaryBin, err error) {
	ctx = tracing.StartNamedScope(ctx, "Aggregator.GetAllSummaries")
	defer func() { tracing.EndScope(ctx, err) }()

	ids, err := a.registry.ServiceIDs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "while listing services")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.cutoff()
	for _, id := range ids {
		if _, ok := a.entries[id]; !ok {
			a.entries[id] = &summaryEntry{bin: &SummaryBin{ServiceID: id}}
		}
	}

	// refreshedTo -> ids
	windows := make(map[int64][]string)
	for id, e := range a.entries {
		if e.refreshedTo < cutoff {
			windows[e.refreshedTo] = append(windows[e.refreshedTo], id)
		}
	}

	for start, group := range windows {
		bins, err := a.store.SummarizeByService(ctx, SummaryQuery{
			Start:      start,
			End:        cutoff,
			ServiceIDs: group,
		})
		if err != nil {
			return nil, errors.Wrap(err, "while summarizing services")
		}
		for _, id := range group {
			e := a.entries[id]
			a.entries[id] = &summaryEntry{bin: withID(Merge(e.bin, bins[id]), id), refreshedTo: cutoff}
		}
	}

	result := make(map[string]*SummaryBin, len(a.entries))
	for id, e := range a.entries {
		result[id] = e.bin
	}
	return result, nil
}

// Describe fetches prometheus metrics to be registered
func (a *Aggregator) Describe(ch chan<- *prometheus.Desc) {
	ch <- a.attemptedDesc
	ch <- a.completedDesc
	ch <- a.violationDesc
}

// Collect reports the summaries as of their last refresh
func (a *Aggregator) Collect(ch chan<- prometheus.Metric) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, e := range a.entries {
		ch <- prometheus.MustNewConstMetric(a.attemptedDesc, prometheus.CounterValue, float64(e.bin.Attempted), id)
		ch <- prometheus.MustNewConstMetric(a.completedDesc, prometheus.CounterValue, float64(e.bin.Completed), id)
		ch <- prometheus.MustNewConstMetric(a.violationDesc, prometheus.CounterValue, float64(e.bin.PolicyViolations), id)
	}
}

// cutoff is the start of the current fine bin; every bin ending at or before
// it is closed.
func (a *Aggregator) cutoff() int64 {
	return BucketStart(MillisecondNow(), a.store.FineInterval().Milliseconds())
}

func withID(b *SummaryBin, id string) *SummaryBin {
	if b == nil {
		return &SummaryBin{ServiceID: id}
	}
	b.ServiceID = id
	return b
}
