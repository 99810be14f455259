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

package policygate_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/policygate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawnDaemon(t *testing.T, conf policygate.DaemonConfig) *policygate.Daemon {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), clock.Second*10)
	d, err := policygate.SpawnDaemon(ctx, conf)
	cancel()
	require.NoError(t, err)
	return d
}

type daemonClient struct {
	t    *testing.T
	base string
}

func (c daemonClient) do(method, path string, body string, out interface{}) int {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, bytes.NewBufferString(body))
	require.NoError(c.t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if out != nil && len(b) != 0 {
		require.NoError(c.t, json.Unmarshal(b, out), string(b))
	}
	return resp.StatusCode
}

func TestDaemon(t *testing.T) {
	schemas := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/1.json":
			_, _ = w.Write([]byte(orderSchema))
		case "/broken.json":
			_, _ = w.Write([]byte(`{"type": `))
		default:
			http.NotFound(w, r)
		}
	}))
	defer schemas.Close()

	d := spawnDaemon(t, policygate.DaemonConfig{
		HTTPListenAddress:   "127.0.0.1:0",
		MetricsFineInterval: time.Second,
		Services:            []string{"42"},
		Policies: []policygate.PolicyConfig{
			{Name: "inline", Reference: "static", Static: orderSchema},
			{Name: "orders", Reference: "url", URL: schemas.URL + "/${file}.json"},
			{Name: "by-message", Reference: "message", AllowNoURL: true, Whitelist: []string{schemas.URL + "/.*"}},
		},
	})
	defer d.Close()
	c := daemonClient{t: t, base: "http://" + d.HTTPListener.Addr().String()}

	t.Run("Static policy", func(t *testing.T) {
		var resp policygate.ValidateResponse
		status := c.do(http.MethodPost, "/v1/policies/inline/validate?service=42", `{"id": 1}`, &resp)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, resp.Valid)

		resp = policygate.ValidateResponse{}
		status = c.do(http.MethodPost, "/v1/policies/inline/validate?service=42", `{"id": "x"}`, &resp)
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.False(t, resp.Valid)
		assert.NotEmpty(t, resp.Error)

		var errResp policygate.ErrorResponse
		status = c.do(http.MethodPost, "/v1/policies/inline/validate?service=42", `{"id": `, &errResp)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("URL policy", func(t *testing.T) {
		var resp policygate.ValidateResponse
		status := c.do(http.MethodPost, "/v1/policies/orders/validate?file=orders/1", `{"id": 1}`, &resp)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, schemas.URL+"/orders/1.json", resp.Resource)

		var errResp policygate.ErrorResponse
		status = c.do(http.MethodPost, "/v1/policies/orders/validate?file=missing", `{"id": 1}`, &errResp)
		assert.Equal(t, http.StatusBadGateway, status)
		assert.Equal(t, policygate.KindResourceIO.String(), errResp.Kind)

		errResp = policygate.ErrorResponse{}
		status = c.do(http.MethodPost, "/v1/policies/orders/validate?file=broken", `{"id": 1}`, &errResp)
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, policygate.KindResourceParse.String(), errResp.Kind)
	})

	t.Run("Message policy", func(t *testing.T) {
		var resp policygate.ValidateResponse
		body := `{"$schema": "` + schemas.URL + `/orders/1.json", "id": 2}`
		status := c.do(http.MethodPost, "/v1/policies/by-message/validate", body, &resp)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, resp.Valid)

		resp = policygate.ValidateResponse{}
		status = c.do(http.MethodPost, "/v1/policies/by-message/validate", `{"id": 2}`, &resp)
		assert.Equal(t, http.StatusOK, status)
		assert.Empty(t, resp.Resource)

		var errResp policygate.ErrorResponse
		status = c.do(http.MethodPost, "/v1/policies/by-message/validate",
			`{"$schema": "https://evil.example.com/a.json"}`, &errResp)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, policygate.KindUrlNotPermitted.String(), errResp.Kind)
	})

	t.Run("Unknown policy", func(t *testing.T) {
		status := c.do(http.MethodPost, "/v1/policies/nope/validate", `{}`, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("Summaries", func(t *testing.T) {
		// Wait for the bins recorded above to close
		time.Sleep(time.Second)

		var bin policygate.SummaryBin
		status := c.do(http.MethodGet, "/v1/summaries/42", "", &bin)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "42", bin.ServiceID)
		assert.Equal(t, int64(3), bin.Attempted)
		assert.Equal(t, int64(1), bin.Completed)
		assert.Equal(t, int64(2), bin.PolicyViolations)

		status = c.do(http.MethodGet, "/v1/summaries/7", "", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("Service lifecycle", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, c.do(http.MethodPut, "/v1/services/7", "", nil))

		var bin policygate.SummaryBin
		require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/summaries/7", "", &bin))
		assert.True(t, bin.IsEmpty())

		assert.Equal(t, http.StatusNoContent, c.do(http.MethodPost, "/v1/services/7/disable", "", nil))
		assert.Equal(t, http.StatusNoContent, c.do(http.MethodPost, "/v1/services/7/enable", "", nil))

		var all map[string]*policygate.SummaryBin
		require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/summaries", "", &all))
		assert.Contains(t, all, "42")
		assert.Contains(t, all, "7")

		assert.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, "/v1/services/7", "", nil))
		assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/v1/summaries/7", "", nil))
		assert.Equal(t, http.StatusNotFound, c.do(http.MethodPost, "/v1/services/7/enable", "", nil))
	})

	t.Run("Health check", func(t *testing.T) {
		var hc policygate.HealthCheckResponse
		require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", "", &hc))
		assert.Equal(t, policygate.Healthy, hc.Status)
		// The static schema and orders/1, failed downloads are not cached
		assert.Equal(t, int64(2), hc.CacheSize)
		assert.NotEmpty(t, hc.FetchErrors)
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(c.base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(b), "policygate_cache_size 2")
		assert.Contains(t, string(b), `policygate_service_attempted_count{service="42"} 3`)
	})
}

func TestSpawnDaemonInvalidPolicy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), clock.Second*10)
	defer cancel()

	_, err := policygate.SpawnDaemon(ctx, policygate.DaemonConfig{
		HTTPListenAddress: "127.0.0.1:0",
		Policies: []policygate.PolicyConfig{
			{Name: "bad", Reference: "static", Static: `{"type": 12}`},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "while creating policy 'bad'")
}
