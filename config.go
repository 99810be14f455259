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
	"crypto/tls"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/policygate/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type DaemonConfig struct {
	// (Required) The address the HTTP API listens on
	HTTPListenAddress string

	// (Optional) Maximum number of downloaded artifacts kept in the cache
	CacheMaxEntries int

	// (Optional) How long a downloaded artifact is fresh, zero disables caching
	CacheMaxAge *time.Duration

	// (Optional) How long after download an artifact is served if refreshing
	// fails. Negative means forever.
	CacheMaxStaleAge *time.Duration

	// (Optional) What a request does while another downloads the same resource
	CacheWaitMode WaitMode

	// (Optional) Number of shards the cache key space is split into
	CacheShards int

	// (Optional) Overall deadline of a single download
	FetchTimeout time.Duration

	// (Optional) Maximum size of a downloaded resource in bytes
	MaxDownloadSize int64

	// (Optional) How often entries about to expire are refreshed in the background
	RefreshInterval time.Duration

	// (Optional) Maximum background refreshes per second
	RefreshRate float64

	// (Optional) Width of the fine metric bins
	MetricsFineInterval time.Duration

	// (Optional) Path of the YAML policy file
	PolicyFile string

	// Policies and services loaded from PolicyFile
	Policies []PolicyConfig
	Services []string

	// (Optional) Metrics reported in addition to the policygate metrics
	MetricFlags MetricFlags

	// (Optional) TLS for the HTTP API and the fetcher
	TLS *TLSConfig

	LogLevel  logging.LogLevelJSON
	LogFormat string

	// (Optional) A Logger which implements the declared logger interface (typically *logrus.Entry)
	Logger logrus.FieldLogger
}

// CacheConfig returns the ObjectCache config described by the daemon config
func (d *DaemonConfig) CacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:   d.CacheMaxEntries,
		MaxAge:       d.CacheMaxAge,
		MaxStaleAge:  d.CacheMaxStaleAge,
		WaitMode:     d.CacheWaitMode,
		FetchTimeout: d.FetchTimeout,
		Shards:       d.CacheShards,
		RefreshRate:  d.RefreshRate,
		Logger:       d.Logger,
	}
}

func (d *DaemonConfig) ServerTLS() *tls.Config {
	if d.TLS != nil {
		return d.TLS.ServerTLS
	}
	return nil
}

func (d *DaemonConfig) ClientTLS() *tls.Config {
	if d.TLS != nil {
		return d.TLS.ClientTLS
	}
	return nil
}

// SetupDaemonConfig returns a DaemonConfig built from the environment. Values
// in configFile, in the format `PGATE_CONF_ITEM=my-value`, are placed into the
// environment first.
func SetupDaemonConfig(logger *logrus.Logger, configFile io.Reader) (DaemonConfig, error) {
	log := logrus.NewEntry(logger)
	var conf DaemonConfig
	var err error

	if configFile != nil {
		if err := fromEnvFile(log, configFile); err != nil {
			return conf, err
		}
	}

	conf.LogFormat = os.Getenv("PGATE_LOG_FORMAT")
	switch conf.LogFormat {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return conf, errors.Errorf("PGATE_LOG_FORMAT=%s is invalid; expected 'json' or 'text'", conf.LogFormat)
	}

	conf.LogLevel.Level = logger.GetLevel()
	if v := os.Getenv("PGATE_LOG_LEVEL"); v != "" {
		if conf.LogLevel.Level, err = logrus.ParseLevel(v); err != nil {
			return conf, errors.Wrap(err, "while parsing PGATE_LOG_LEVEL")
		}
	}

	// Main config
	setter.SetDefault(&conf.HTTPListenAddress, os.Getenv("PGATE_HTTP_ADDRESS"), "localhost:8080")
	setter.SetDefault(&conf.PolicyFile, os.Getenv("PGATE_POLICY_FILE"))

	// Cache
	setter.SetDefault(&conf.CacheMaxEntries, getEnvInteger(log, "PGATE_CACHE_MAX_ENTRIES"), 10_000)
	setter.SetDefault(&conf.CacheShards, getEnvInteger(log, "PGATE_CACHE_SHARDS"), 16)
	if conf.CacheMaxAge, err = getEnvAge("PGATE_CACHE_MAX_AGE"); err != nil {
		return conf, err
	}
	setter.SetDefault(&conf.CacheMaxAge, Duration(5*time.Minute))
	if conf.CacheMaxStaleAge, err = getEnvAge("PGATE_CACHE_MAX_STALE_AGE"); err != nil {
		return conf, err
	}
	setter.SetDefault(&conf.CacheMaxStaleAge, Duration(StaleForever))
	if conf.CacheWaitMode, err = ParseWaitMode(os.Getenv("PGATE_CACHE_WAIT_MODE")); err != nil {
		return conf, errors.Wrap(err, "while parsing PGATE_CACHE_WAIT_MODE")
	}
	setter.SetDefault(&conf.CacheWaitMode, WaitInitial)

	// Fetcher
	setter.SetDefault(&conf.FetchTimeout, getEnvDuration(log, "PGATE_FETCH_TIMEOUT"), 30*time.Second)
	if v := os.Getenv("PGATE_MAX_DOWNLOAD_SIZE"); v != "" {
		size, err := humanize.ParseBytes(v)
		if err != nil {
			return conf, errors.Wrap(err, "while parsing PGATE_MAX_DOWNLOAD_SIZE")
		}
		conf.MaxDownloadSize = int64(size)
	}
	setter.SetDefault(&conf.MaxDownloadSize, int64(DefaultMaxDownloadSize))

	// Background refresh
	setter.SetDefault(&conf.RefreshInterval, getEnvDuration(log, "PGATE_REFRESH_INTERVAL"), time.Minute)
	setter.SetDefault(&conf.RefreshRate, getEnvFloat(log, "PGATE_REFRESH_RATE"), float64(10))

	// Metrics
	setter.SetDefault(&conf.MetricsFineInterval, getEnvDuration(log, "PGATE_METRICS_FINE_INTERVAL"), DefaultFineInterval)
	conf.MetricFlags = getEnvMetricFlags(log, "PGATE_METRIC_FLAGS")

	// If env contains any TLS configuration
	if anyHasPrefix("PGATE_TLS_", os.Environ()) {
		conf.TLS = &TLSConfig{
			CaFile:             os.Getenv("PGATE_TLS_CA"),
			CertFile:           os.Getenv("PGATE_TLS_CERT"),
			KeyFile:            os.Getenv("PGATE_TLS_KEY"),
			InsecureSkipVerify: getEnvBool(log, "PGATE_TLS_SKIP_VERIFY"),
			Logger:             log,
		}
		if err := SetupTLS(conf.TLS); err != nil {
			return conf, err
		}
	}

	if conf.PolicyFile != "" {
		pf, err := LoadPolicyFile(conf.PolicyFile)
		if err != nil {
			return conf, err
		}
		conf.Policies = pf.Policies
		conf.Services = pf.Services
		// The environment takes precedence over the policy file
		if pf.LogLevel != nil && os.Getenv("PGATE_LOG_LEVEL") == "" {
			conf.LogLevel = *pf.LogLevel
		}
	}

	logger.SetLevel(conf.LogLevel.Level)
	conf.Logger = log
	return conf, nil
}

func anyHasPrefix(prefix string, items []string) bool {
	for _, i := range items {
		if strings.HasPrefix(i, prefix) {
			return true
		}
	}
	return false
}

func getEnvBool(log logrus.FieldLogger, name string) bool {
	v := strings.ToLower(os.Getenv(name))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as an boolean", name)
		return false
	}
	return b
}

func getEnvInteger(log logrus.FieldLogger, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as an integer", name)
		return 0
	}
	return int(i)
}

func getEnvFloat(log logrus.FieldLogger, name string) float64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a float", name)
		return 0
	}
	return f
}

func getEnvDuration(log logrus.FieldLogger, name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a duration", name)
		return 0
	}
	return d
}

// getEnvAge returns nil if the variable is unset, so an explicit zero can be
// told apart from the default. A bare integer is taken as milliseconds.
func getEnvAge(name string) (*time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return Duration(StaleForever), nil
		}
		return Duration(time.Duration(ms) * time.Millisecond), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, errors.Wrapf(err, "while parsing '%s' as a duration", name)
	}
	return &d, nil
}

func getEnvSlice(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// Take values from a file in the format `PGATE_CONF_ITEM=my-value` and sets them as environment variables.
// Lines that begin with `#` are ignored
func fromEnvFile(log logrus.FieldLogger, configFile io.Reader) error {
	scanner := bufio.NewScanner(configFile)
	var i int
	for scanner.Scan() {
		i++
		line := strings.TrimSpace(scanner.Text())
		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || len(line) == 0 {
			continue
		}

		log.Debugf("config: [%d] '%s'", i, line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return errors.Errorf("malformed key=value on line '%d'", i)
		}

		if err := os.Setenv(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])); err != nil {
			return errors.Wrapf(err, "while settings environ for '%s=%s'", parts[0], parts[1])
		}
	}
	return errors.Wrap(scanner.Err(), "while reading config file")
}
