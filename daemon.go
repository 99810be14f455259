/*
Copyright 2018-2024 Mailgun Technologies Inc

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
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Daemon struct {
	HTTPListener net.Listener
	Cache        *ObjectCache
	Fetcher      *HTTPFetcher
	Store        *MemoryStore
	Aggregator   *Aggregator

	log          logrus.FieldLogger
	conf         DaemonConfig
	getters      map[string]*ResourceGetter
	httpSrv      *http.Server
	wg           syncutil.WaitGroup
	promRegister *prometheus.Registry
}

// SpawnDaemon starts a new policygate daemon according to the provided DaemonConfig.
// This function will block until the daemon responds to connections as specified
// by HTTPListenAddress
func SpawnDaemon(ctx context.Context, conf DaemonConfig) (*Daemon, error) {
	s := Daemon{
		log:     conf.Logger,
		conf:    conf,
		getters: make(map[string]*ResourceGetter),
	}
	setter.SetDefault(&s.log, logrus.WithField("category", "policygate"))
	setter.SetDefault(&s.conf.RefreshInterval, time.Minute)

	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return &s, nil
}

func (s *Daemon) Start(ctx context.Context) error {
	var err error

	if err := SetupTLS(s.conf.TLS); err != nil {
		return err
	}

	s.promRegister = prometheus.NewRegistry()
	for _, c := range s.conf.MetricFlags.Collectors() {
		s.promRegister.MustRegister(c)
	}

	s.Fetcher = NewHTTPFetcher(HTTPFetcherConfig{
		MaxDownloadSize: s.conf.MaxDownloadSize,
		TLS:             s.conf.ClientTLS(),
		Logger:          s.log,
	})

	cacheConf := s.conf.CacheConfig()
	cacheConf.Fetcher = s.Fetcher
	cacheConf.Compiler = SchemaCompiler{}
	cacheConf.Logger = s.log
	s.Cache, err = NewObjectCache(cacheConf)
	if err != nil {
		return errors.Wrap(err, "while creating object cache")
	}
	// cache also implements prometheus.Collector interface
	s.promRegister.MustRegister(s.Cache)

	s.Store = NewMemoryStore(MemoryStoreConfig{
		FineInterval: s.conf.MetricsFineInterval,
		Logger:       s.log,
	})
	for _, id := range s.conf.Services {
		s.Store.AddService(id)
	}

	s.Aggregator, err = NewAggregator(AggregatorConfig{
		Store:    s.Store,
		Registry: s.Store,
		Logger:   s.log,
	})
	if err != nil {
		return errors.Wrap(err, "while creating aggregator")
	}
	if err := s.Aggregator.Load(ctx); err != nil {
		return errors.Wrap(err, "while loading service summaries")
	}
	s.promRegister.MustRegister(s.Aggregator)

	for _, p := range s.conf.Policies {
		ref, err := p.ResourceReference()
		if err != nil {
			return err
		}
		mode, err := ParseWaitMode(p.WaitMode)
		if err != nil {
			return errors.Wrapf(err, "policy '%s'", p.Name)
		}
		g, err := NewResourceGetter(ctx, GetterConfig{
			Reference: ref,
			Cache:     s.Cache,
			Compiler:  SchemaCompiler{},
			Whitelist: p.Whitelist,
			Hint:      p.Hint,
			WaitMode:  mode,
			Logger:    s.log.WithField("policy", p.Name),
		})
		if err != nil {
			return errors.Wrapf(err, "while creating policy '%s'", p.Name)
		}
		s.getters[p.Name] = g
	}

	s.Cache.StartRefresh(s.conf.RefreshInterval, s.conf.RefreshInterval)

	mux := http.NewServeMux()
	s.routes(mux)
	mux.Handle("GET /metrics", promhttp.InstrumentMetricHandler(
		s.promRegister, promhttp.HandlerFor(s.promRegister, promhttp.HandlerOpts{}),
	))

	log := log.New(newLogWriter(s.log), "", 0)
	s.httpSrv = &http.Server{
		Addr:     s.conf.HTTPListenAddress,
		Handler:  otelhttp.NewHandler(mux, "policygate"),
		ErrorLog: log,
	}

	s.HTTPListener, err = net.Listen("tcp", s.conf.HTTPListenAddress)
	if err != nil {
		return errors.Wrap(err, "while starting HTTP listener")
	}

	if s.conf.ServerTLS() != nil {
		// This is to avoid any race conditions that might occur
		// since the tls config is a shared pointer.
		s.httpSrv.TLSConfig = s.conf.ServerTLS().Clone()
		s.wg.Go(func() {
			s.log.Infof("HTTPS Listening on %s ...", s.HTTPListener.Addr().String())
			if err := s.httpSrv.ServeTLS(s.HTTPListener, "", ""); err != nil {
				if err != http.ErrServerClosed {
					s.log.WithError(err).Error("while starting TLS HTTP server")
				}
			}
		})
	} else {
		s.wg.Go(func() {
			s.log.Infof("HTTP Listening on %s ...", s.HTTPListener.Addr().String())
			if err := s.httpSrv.Serve(s.HTTPListener); err != nil {
				if err != http.ErrServerClosed {
					s.log.WithError(err).Error("while starting HTTP server")
				}
			}
		})
	}

	// Validate we can reach the HTTP endpoint before returning
	if err := WaitForConnect(ctx, []string{s.HTTPListener.Addr().String()}); err != nil {
		return err
	}

	return nil
}

// Close gracefully closes all server connections and listening sockets
func (s *Daemon) Close() {
	if s.httpSrv != nil {
		s.log.Infof("HTTP close for %s ...", s.conf.HTTPListenAddress)
		if err := s.httpSrv.Shutdown(context.Background()); err != nil {
			s.log.WithError(err).Error("during shutdown")
		}
		s.httpSrv = nil
	}
	s.wg.Stop()

	for name, g := range s.getters {
		_ = g.Close()
		delete(s.getters, name)
	}
	if s.Cache != nil {
		_ = s.Cache.Close()
	}
}

// Config returns the current config for this Daemon
func (s *Daemon) Config() DaemonConfig {
	return s.conf
}

// WaitForConnect returns nil if the list of addresses is listening
// for connections; will block until context is cancelled.
func WaitForConnect(ctx context.Context, addresses []string) error {
	var d net.Dialer
	var errs []error
	for {
		errs = nil
		for _, addr := range addresses {
			if addr == "" {
				continue
			}

			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			conn.Close()
		}

		if len(errs) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			var errStrings []string
			for _, err := range errs {
				errStrings = append(errStrings, err.Error())
			}
			return errors.New(strings.Join(errStrings, "\n"))
		case <-clock.After(100 * clock.Millisecond):
		}
	}
	return nil
}
