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
	"time"
)

type Resolution int

const (
	ResolutionFine Resolution = iota
	ResolutionHourly
	ResolutionDaily
)

// SummaryQuery selects the closed bins to summarize. Bounds are epoch
// milliseconds; zero means unbounded.
type SummaryQuery struct {
	Resolution Resolution
	// Inclusive start of the first bin
	Start int64
	// Exclusive end of the last bin
	End int64
	// Services to summarize, nil means every tracked service
	ServiceIDs []string
	// Return an empty bin for services with no bins in the period
	IncludeEmpty bool
}

// MetricsStore holds the fine grained bins recorded for each service.
type MetricsStore interface {
	// SummarizeByService merges the bins selected by the query, one result
	// per service.
	SummarizeByService(ctx context.Context, q SummaryQuery) (map[string]*SummaryBin, error)
	// FineInterval is the width of the smallest bin
	FineInterval() time.Duration
	// Track starts or continues recording requests for the service
	Track(id string)
	// Untrack stops recording requests for the service, existing bins are kept
	Untrack(id string)
}

// ServiceRegistry is the authority on which services exist.
type ServiceRegistry interface {
	ServiceExists(ctx context.Context, id string) (bool, error)
	ServiceIDs(ctx context.Context) ([]string, error)
}
