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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsesHTTPAddress(t *testing.T) {
	os.Clearenv()
	s := `
# a comment
PGATE_HTTP_ADDRESS=10.10.10.10:9000`
	daemonConfig, err := SetupDaemonConfig(logrus.New(), strings.NewReader(s))
	require.NoError(t, err)
	require.Equal(t, "10.10.10.10:9000", daemonConfig.HTTPListenAddress)
}

func TestDefaults(t *testing.T) {
	os.Clearenv()
	daemonConfig, err := SetupDaemonConfig(logrus.New(), nil)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", daemonConfig.HTTPListenAddress)
	assert.Equal(t, 10_000, daemonConfig.CacheMaxEntries)
	assert.Equal(t, 16, daemonConfig.CacheShards)
	require.NotNil(t, daemonConfig.CacheMaxAge)
	assert.Equal(t, 5*time.Minute, *daemonConfig.CacheMaxAge)
	require.NotNil(t, daemonConfig.CacheMaxStaleAge)
	assert.Equal(t, StaleForever, *daemonConfig.CacheMaxStaleAge)
	assert.Equal(t, WaitInitial, daemonConfig.CacheWaitMode)
	assert.Equal(t, 30*time.Second, daemonConfig.FetchTimeout)
	assert.Equal(t, int64(DefaultMaxDownloadSize), daemonConfig.MaxDownloadSize)
	assert.Equal(t, time.Minute, daemonConfig.RefreshInterval)
	assert.Equal(t, float64(10), daemonConfig.RefreshRate)
	assert.Equal(t, DefaultFineInterval, daemonConfig.MetricsFineInterval)
	assert.Nil(t, daemonConfig.TLS)
	assert.Empty(t, daemonConfig.Policies)
	assert.NotNil(t, daemonConfig.Logger)
}

func TestCacheEnvironment(t *testing.T) {
	os.Clearenv()
	s := `
PGATE_CACHE_MAX_ENTRIES=50
PGATE_CACHE_MAX_AGE=0
PGATE_CACHE_MAX_STALE_AGE=90s
PGATE_CACHE_WAIT_MODE=never
PGATE_CACHE_SHARDS=4
PGATE_FETCH_TIMEOUT=5s
PGATE_MAX_DOWNLOAD_SIZE=2MB
PGATE_REFRESH_INTERVAL=10s
PGATE_REFRESH_RATE=2.5
PGATE_METRIC_FLAGS=os,golang`
	daemonConfig, err := SetupDaemonConfig(logrus.New(), strings.NewReader(s))
	require.NoError(t, err)

	assert.Equal(t, 50, daemonConfig.CacheMaxEntries)
	// An explicit zero disables caching rather than selecting the default
	require.NotNil(t, daemonConfig.CacheMaxAge)
	assert.Equal(t, time.Duration(0), *daemonConfig.CacheMaxAge)
	assert.Equal(t, 90*time.Second, *daemonConfig.CacheMaxStaleAge)
	assert.Equal(t, WaitNever, daemonConfig.CacheWaitMode)
	assert.Equal(t, 4, daemonConfig.CacheShards)
	assert.Equal(t, 5*time.Second, daemonConfig.FetchTimeout)
	assert.Equal(t, int64(2_000_000), daemonConfig.MaxDownloadSize)
	assert.Equal(t, 10*time.Second, daemonConfig.RefreshInterval)
	assert.Equal(t, 2.5, daemonConfig.RefreshRate)
	assert.True(t, daemonConfig.MetricFlags.Has(FlagOSMetrics))
	assert.True(t, daemonConfig.MetricFlags.Has(FlagGolangMetrics))
	assert.Len(t, daemonConfig.MetricFlags.Collectors(), 2)

	cc := daemonConfig.CacheConfig()
	assert.Equal(t, 50, cc.MaxEntries)
	assert.Equal(t, WaitNever, cc.WaitMode)
}

func TestEnvAge(t *testing.T) {
	for _, tt := range []struct {
		value    string
		expected *time.Duration
		err      string
	}{
		{value: ""},
		{value: "1500", expected: Duration(1500 * time.Millisecond)},
		{value: "-1", expected: Duration(StaleForever)},
		{value: "2m", expected: Duration(2 * time.Minute)},
		{value: "soon", err: "while parsing 'PGATE_TEST_AGE' as a duration"},
	} {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("PGATE_TEST_AGE", tt.value)
			d, err := getEnvAge("PGATE_TEST_AGE")
			if tt.err != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestInvalidEnvironment(t *testing.T) {
	for _, tt := range []struct {
		name string
		conf string
		err  string
	}{
		{name: "Log format", conf: "PGATE_LOG_FORMAT=xml", err: "PGATE_LOG_FORMAT=xml is invalid"},
		{name: "Log level", conf: "PGATE_LOG_LEVEL=loud", err: "while parsing PGATE_LOG_LEVEL"},
		{name: "Wait mode", conf: "PGATE_CACHE_WAIT_MODE=sometimes", err: "while parsing PGATE_CACHE_WAIT_MODE"},
		{name: "Download size", conf: "PGATE_MAX_DOWNLOAD_SIZE=huge", err: "while parsing PGATE_MAX_DOWNLOAD_SIZE"},
		{name: "Malformed line", conf: "PGATE_HTTP_ADDRESS", err: "malformed key=value on line '1'"},
		{name: "Missing policy file", conf: "PGATE_POLICY_FILE=/does/not/exist.yaml", err: "while opening policy file"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			_, err := SetupDaemonConfig(logrus.New(), strings.NewReader(tt.conf))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestLogSettings(t *testing.T) {
	os.Clearenv()
	logger := logrus.New()
	_, err := SetupDaemonConfig(logger, strings.NewReader("PGATE_LOG_FORMAT=json\nPGATE_LOG_LEVEL=debug"))
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestPolicyFileEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: warn
services: ["42", "7"]
policies:
  - name: orders
    reference: url
    url: https://schemas.example.com/orders/${version}.json
    whitelist: ['https://schemas\.example\.com/.*']
`), 0600))

	t.Run("Policy file sets the log level", func(t *testing.T) {
		os.Clearenv()
		logger := logrus.New()
		daemonConfig, err := SetupDaemonConfig(logger, strings.NewReader("PGATE_POLICY_FILE="+path))
		require.NoError(t, err)
		assert.Equal(t, []string{"42", "7"}, daemonConfig.Services)
		require.Len(t, daemonConfig.Policies, 1)
		assert.Equal(t, "orders", daemonConfig.Policies[0].Name)
		assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	})

	t.Run("Environment log level wins", func(t *testing.T) {
		os.Clearenv()
		logger := logrus.New()
		_, err := SetupDaemonConfig(logger, strings.NewReader("PGATE_POLICY_FILE="+path+"\nPGATE_LOG_LEVEL=error"))
		require.NoError(t, err)
		assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())
	})
}
