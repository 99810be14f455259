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

package logging_test

import (
	"encoding/json"
	"testing"

	"github.com/mailgun/policygate/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLogLevelJSON(t *testing.T) {
	for _, tt := range []struct {
		in       string
		expected logrus.Level
	}{
		{in: `"debug"`, expected: logrus.DebugLevel},
		{in: `"WARN"`, expected: logrus.WarnLevel},
		{in: `4`, expected: logrus.InfoLevel},
	} {
		t.Run(tt.in, func(t *testing.T) {
			var ll logging.LogLevelJSON
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ll))
			assert.Equal(t, tt.expected, ll.Level)
		})
	}

	b, err := json.Marshal(logging.LogLevelJSON{Level: logrus.ErrorLevel})
	require.NoError(t, err)
	assert.Equal(t, `"error"`, string(b))

	var ll logging.LogLevelJSON
	assert.Error(t, json.Unmarshal([]byte(`true`), &ll))
	assert.Error(t, json.Unmarshal([]byte(`"loud"`), &ll))
}

func TestLogLevelYAML(t *testing.T) {
	var doc struct {
		Level logging.LogLevelJSON `yaml:"level"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("level: trace"), &doc))
	assert.Equal(t, logrus.TraceLevel, doc.Level.Level)

	require.NoError(t, yaml.Unmarshal([]byte("level: 2"), &doc))
	assert.Equal(t, logrus.ErrorLevel, doc.Level.Level)

	assert.Error(t, yaml.Unmarshal([]byte("level: [1]"), &doc))
}
