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
	"crypto/tls"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/collections"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/pkg/errors"
	"github.com/pquerna/cachecontrol/cacheobject"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Fetcher downloads the raw content of a resource URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, v Validators) (*FetchResult, error)
}

type FetcherFunc func(ctx context.Context, url string, v Validators) (*FetchResult, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string, v Validators) (*FetchResult, error) {
	return f(ctx, url, v)
}

// Validators from a previous download, used to issue a conditional request.
type Validators struct {
	ETag         string
	LastModified string
}

func (v Validators) IsZero() bool {
	return v.ETag == "" && v.LastModified == ""
}

type FetchResult struct {
	Body        []byte
	ContentType string
	// Server supplied freshness in seconds, -1 if absent
	MaxAge int64
	// The server asked for the content not to be stored
	NoStore      bool
	ETag         string
	LastModified string
	// The server confirmed the content has not changed since the
	// download described by the Validators. Body is empty.
	NotModified bool
}

const DefaultMaxDownloadSize = 10 * humanize.MByte

type HTTPFetcherConfig struct {
	// (Optional) Maximum size of a downloaded body. Default: 10MB
	MaxDownloadSize int64

	// (Optional) TLS config used when downloading https resources
	TLS *tls.Config

	// (Optional) The http client to use, if provided TLS is ignored and the
	// transport is wrapped for tracing.
	Client *http.Client

	// (Optional) Value of the User-Agent header. Default: "policygate"
	UserAgent string

	// (Optional) A Logger which implements the declared logger interface (typically *logrus.Entry)
	Logger logrus.FieldLogger
}

// HTTPFetcher downloads resources over http(s). Every failure is returned as
// a *FetchError.
type HTTPFetcher struct {
	conf     HTTPFetcherConfig
	client   *http.Client
	lastErrs *collections.LRUCache
	log      logrus.FieldLogger
}

func NewHTTPFetcher(conf HTTPFetcherConfig) *HTTPFetcher {
	setter.SetDefault(&conf.MaxDownloadSize, int64(DefaultMaxDownloadSize))
	setter.SetDefault(&conf.UserAgent, "policygate")
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "fetcher"))

	client := conf.Client
	if client == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if conf.TLS != nil {
			t.TLSClientConfig = conf.TLS
		}
		client = &http.Client{Transport: t}
	} else {
		c := *client
		client = &c
	}
	client.Transport = otelhttp.NewTransport(client.Transport)

	return &HTTPFetcher{
		conf:     conf,
		client:   client,
		lastErrs: collections.NewLRUCache(100),
		log:      conf.Logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, v Validators) (res *FetchResult, err error) {
	ctx = tracing.StartNamedScope(ctx, "HTTPFetcher.Fetch")
	defer func() { tracing.EndScope(ctx, err) }()

	res, err = f.fetch(ctx, url, v)
	if err != nil {
		f.setLastErr(err)
	}
	return res, err
}

func (f *HTTPFetcher) fetch(ctx context.Context, url string, v Validators) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.conf.UserAgent)
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	result := &FetchResult{
		ContentType:  resp.Header.Get("Content-Type"),
		MaxAge:       -1,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	if cc := resp.Header.Get("Cache-Control"); cc != "" {
		d, err := cacheobject.ParseResponseCacheControl(cc)
		if err != nil {
			f.log.WithError(err).Debugf("ignoring invalid Cache-Control header from '%s'", url)
		} else {
			result.NoStore = d.NoStore
			if d.MaxAge >= 0 {
				result.MaxAge = int64(d.MaxAge)
			}
			// no-cache allows storing but requires revalidation before each use
			if d.NoCachePresent {
				result.MaxAge = 0
			}
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if v.IsZero() {
			return nil, &FetchError{URL: url, StatusCode: resp.StatusCode,
				Err: errors.New("not modified returned for an unconditional request")}
		}
		result.NotModified = true
		return result, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode,
			Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.conf.MaxDownloadSize+1))
	if err != nil {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode,
			Err: errors.Wrap(err, "while reading body")}
	}
	if int64(len(body)) > f.conf.MaxDownloadSize {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode,
			Err: errors.Errorf("body exceeds max download size of %s",
				humanize.Bytes(uint64(f.conf.MaxDownloadSize)))}
	}
	result.Body = body
	return result, nil
}

// LastErrors returns the download failures seen within the last 5 minutes
func (f *HTTPFetcher) LastErrors() []string {
	var errs []string
	keys := f.lastErrs.Keys()

	// Get errors from each key in the cache
	for _, key := range keys {
		err, ok := f.lastErrs.Get(key)
		if ok {
			errs = append(errs, err.(error).Error())
		}
	}

	return errs
}

func (f *HTTPFetcher) setLastErr(err error) {
	// Add error to the cache with a TTL of 5 minutes
	f.lastErrs.AddWithTTL(err.Error(), err, clock.Minute*5)
}
