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

// SummaryBin holds the request counters of one service over a period.
// Timestamps are epoch milliseconds and response times are milliseconds.
// A bin is immutable once published by the Aggregator.
type SummaryBin struct {
	ServiceID   string `json:"service_id"`
	PeriodStart int64  `json:"period_start"`
	PeriodEnd   int64  `json:"period_end"`

	Attempted        int64 `json:"attempted"`
	Completed        int64 `json:"completed"`
	PolicyViolations int64 `json:"policy_violations"`
	RoutingFailures  int64 `json:"routing_failures"`

	// False until a response time has been recorded. Min, Max and Last are
	// meaningless while false.
	HasFrontendTimes bool  `json:"has_frontend_times"`
	FrontendSum      int64 `json:"frontend_sum"`
	FrontendMin      int64 `json:"frontend_min"`
	FrontendMax      int64 `json:"frontend_max"`
	FrontendLast     int64 `json:"frontend_last"`

	LastUpdated int64 `json:"last_updated"`
}

// FrontendAverage returns the mean response time of completed requests
func (b *SummaryBin) FrontendAverage() float64 {
	if b.Completed == 0 {
		return 0
	}
	return float64(b.FrontendSum) / float64(b.Completed)
}

// IsEmpty returns true if no request was recorded in the bin
func (b *SummaryBin) IsEmpty() bool {
	return b.Attempted == 0 && !b.HasFrontendTimes
}

// Merge returns a new bin combining a and b. Neither input is modified.
// Counts are summed, extremes treat an unset side as absent and the last
// fields come from the bin with the greater PeriodEnd.
func Merge(a, b *SummaryBin) *SummaryBin {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		c := *b
		return &c
	case b == nil:
		c := *a
		return &c
	}

	later, earlier := b, a
	if a.PeriodEnd > b.PeriodEnd {
		later, earlier = a, b
	}

	r := &SummaryBin{
		ServiceID:        a.ServiceID,
		PeriodStart:      min(a.PeriodStart, b.PeriodStart),
		PeriodEnd:        later.PeriodEnd,
		Attempted:        a.Attempted + b.Attempted,
		Completed:        a.Completed + b.Completed,
		PolicyViolations: a.PolicyViolations + b.PolicyViolations,
		RoutingFailures:  a.RoutingFailures + b.RoutingFailures,
		FrontendSum:      a.FrontendSum + b.FrontendSum,
		LastUpdated:      later.LastUpdated,
	}
	if r.ServiceID == "" {
		r.ServiceID = b.ServiceID
	}
	// An empty bin may still carry a period, zero is unset
	if a.PeriodStart == 0 || b.PeriodStart == 0 {
		r.PeriodStart = max(a.PeriodStart, b.PeriodStart)
	}

	switch {
	case a.HasFrontendTimes && b.HasFrontendTimes:
		r.HasFrontendTimes = true
		r.FrontendMin = min(a.FrontendMin, b.FrontendMin)
		r.FrontendMax = max(a.FrontendMax, b.FrontendMax)
		r.FrontendLast = later.FrontendLast
	case later.HasFrontendTimes:
		r.HasFrontendTimes = true
		r.FrontendMin, r.FrontendMax, r.FrontendLast = later.FrontendMin, later.FrontendMax, later.FrontendLast
	case earlier.HasFrontendTimes:
		r.HasFrontendTimes = true
		r.FrontendMin, r.FrontendMax, r.FrontendLast = earlier.FrontendMin, earlier.FrontendMax, earlier.FrontendLast
	}
	return r
}

// MergeBins folds bins left to right with Merge. Returns nil if bins is empty.
func MergeBins(bins ...*SummaryBin) *SummaryBin {
	var r *SummaryBin
	for _, b := range bins {
		if b == nil {
			continue
		}
		if r == nil {
			c := *b
			r = &c
			continue
		}
		r = Merge(r, b)
	}
	return r
}
