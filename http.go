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
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"runtime"

	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	Healthy   = "healthy"
	UnHealthy = "unhealthy"

	maxMessageSize = 4 << 20
)

type ValidateResponse struct {
	Valid bool `json:"valid"`
	// Locator of the schema the message was validated against, empty when
	// the policy permits messages without a resource.
	Resource string `json:"resource,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type HealthCheckResponse struct {
	Status      string   `json:"status"`
	Message     string   `json:"message,omitempty"`
	CacheSize   int64    `json:"cache_size"`
	FetchErrors []string `json:"fetch_errors,omitempty"`
}

func (s *Daemon) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/policies/{name}/validate", s.handleValidate)
	mux.HandleFunc("PUT /v1/services/{id}", s.handleCreateService)
	mux.HandleFunc("DELETE /v1/services/{id}", s.handleDeleteService)
	mux.HandleFunc("POST /v1/services/{id}/enable", s.handleEnableService)
	mux.HandleFunc("POST /v1/services/{id}/disable", s.handleDisableService)
	mux.HandleFunc("GET /v1/summaries", s.handleAllSummaries)
	mux.HandleFunc("GET /v1/summaries/{id}", s.handleSummary)
	mux.HandleFunc("GET /healthz", s.handleHealthCheck)
}

func (s *Daemon) handleValidate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	g, ok := s.getters[name]
	if !ok {
		writeError(w, http.StatusNotFound, errors.Errorf("no such policy '%s'", name))
		return
	}

	q := r.URL.Query()
	service := q.Get("service")
	vars := make(map[string]string, len(q))
	for k := range q {
		if k != "service" {
			vars[k] = q.Get(k)
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "while reading message"))
		return
	}

	start := clock.Now()
	art, err := g.Resolve(r.Context(), body, vars)
	if err != nil {
		status := statusOf(err)
		if status < 500 {
			s.record(service, OutcomePolicyViolation, 0)
		} else {
			s.log.WithError(err).WithField("policy", name).Warn("while resolving resource")
			s.record(service, OutcomeRoutingFailure, 0)
		}
		writeError(w, status, err)
		return
	}

	if art == NoResource {
		s.record(service, OutcomeCompleted, clock.Since(start))
		toJSON(w, ValidateResponse{Valid: true})
		return
	}

	schema, ok := art.(*SchemaArtifact)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.Errorf("policy '%s' resolved to %T", name, art))
		return
	}

	if err := schema.Validate(body); err != nil {
		s.record(service, OutcomePolicyViolation, 0)
		if errors.Is(err, ErrInvalidDocument) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(ValidateResponse{Resource: schema.Locator, Error: err.Error()})
		return
	}

	s.record(service, OutcomeCompleted, clock.Since(start))
	toJSON(w, ValidateResponse{Valid: true, Resource: schema.Locator})
}

func (s *Daemon) record(service string, o Outcome, latency clock.Duration) {
	if service != "" {
		s.Store.RecordRequest(service, o, latency)
	}
}

func (s *Daemon) handleCreateService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.Store.AddService(id)
	s.Aggregator.OnServiceCreated(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Daemon) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Remove from the registry first so a concurrent read can not bring the
	// summary back.
	s.Store.RemoveService(id)
	s.Aggregator.OnServiceDeleted(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Daemon) handleEnableService(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Daemon) handleDisableService(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Daemon) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	exists, err := s.Store.ServiceExists(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, errors.Errorf("no such service '%s'", id))
		return
	}
	if enabled {
		s.Aggregator.OnServiceEnabled(id)
	} else {
		s.Aggregator.OnServiceDisabled(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Daemon) handleAllSummaries(w http.ResponseWriter, r *http.Request) {
	bins, err := s.Aggregator.GetAllSummaries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	toJSON(w, bins)
}

func (s *Daemon) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bin, err := s.Aggregator.GetSummary(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if bin == nil {
		writeError(w, http.StatusNotFound, errors.Errorf("no such service '%s'", id))
		return
	}
	toJSON(w, bin)
}

func (s *Daemon) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthCheckResponse{
		Status:      Healthy,
		CacheSize:   s.Cache.Size(),
		FetchErrors: s.Fetcher.LastErrors(),
	}
	if len(resp.FetchErrors) != 0 {
		resp.Message = "recent resource downloads failed"
	}
	toJSON(w, resp)
}

// statusOf maps a resolve failure to the HTTP status returned to the client.
// Problems with the message are the client's fault, problems downloading or
// compiling the resource are ours.
func statusOf(err error) int {
	switch KindOf(err) {
	case KindInvalidMessage, KindUrlNotFound, KindMalformedResourceUrl:
		return http.StatusBadRequest
	case KindUrlNotPermitted:
		return http.StatusForbidden
	case KindResourceIO, KindResourceUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if k := KindOf(err); k != KindUnknown {
		resp.Kind = k.String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func toJSON(w http.ResponseWriter, obj interface{}) {
	resp, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// newLogWriter returns a writer which logs each line written to it, for use
// with libraries which log through the standard library logger.
func newLogWriter(log logrus.FieldLogger) *io.PipeWriter {
	reader, writer := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			log.Info(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			log.Errorf("Error while reading from Writer: %s", err)
		}
		reader.Close()
	}()
	runtime.SetFinalizer(writer, func(w *io.PipeWriter) {
		w.Close()
	})

	return writer
}
