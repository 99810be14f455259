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
	"io"
	"os"

	"github.com/mailgun/policygate/logging"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML document named by PGATE_POLICY_FILE
//
//	log_level: info
//	services: ["42"]
//	policies:
//	  - name: orders
//	    reference: url
//	    url: https://schemas.example.com/orders/${version}.json
//	    whitelist: ['https://schemas\.example\.com/.*']
type PolicyFile struct {
	LogLevel *logging.LogLevelJSON `yaml:"log_level"`
	// Services registered at startup
	Services []string       `yaml:"services"`
	Policies []PolicyConfig `yaml:"policies"`
}

type PolicyConfig struct {
	Name string `yaml:"name"`
	// One of 'static', 'url' or 'message'
	Reference string `yaml:"reference"`
	// Inline schema for 'static'
	Static string `yaml:"static"`
	// URL template for 'url'
	URL string `yaml:"url"`
	// One of 'schema' or 'stylesheet' for 'message'. Default: schema
	Extractor  string   `yaml:"extractor"`
	AllowNoURL bool     `yaml:"allow_no_url"`
	Whitelist  []string `yaml:"whitelist"`
	// Schema draft used when the schema has no `$schema`
	Hint string `yaml:"hint"`
	// One of 'initial', 'latest' or 'never'. Default: the cache wait mode
	WaitMode string `yaml:"wait_mode"`
}

// ResourceReference returns the reference described by the policy
func (p PolicyConfig) ResourceReference() (ResourceReference, error) {
	switch p.Reference {
	case "static":
		if p.Static == "" {
			return nil, errors.Errorf("policy '%s': 'static' is required", p.Name)
		}
		return StaticResource{Content: []byte(p.Static), ContentType: "application/schema+json"}, nil
	case "url":
		if p.URL == "" {
			return nil, errors.Errorf("policy '%s': 'url' is required", p.Name)
		}
		return SingleURL{URL: p.URL}, nil
	case "message":
		switch p.Extractor {
		case "", "schema":
			return MessageURL{Extractor: SchemaURLs, AllowNoURL: p.AllowNoURL}, nil
		case "stylesheet":
			return MessageURL{Extractor: StylesheetURLs, AllowNoURL: p.AllowNoURL}, nil
		}
		return nil, errors.Errorf("policy '%s': invalid extractor '%s'; valid options are ['schema', 'stylesheet']",
			p.Name, p.Extractor)
	}
	return nil, errors.Errorf("policy '%s': invalid reference '%s'; valid options are ['static', 'url', 'message']",
		p.Name, p.Reference)
}

func LoadPolicyFile(path string) (*PolicyFile, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "while opening policy file")
	}
	defer fd.Close()

	pf, err := ParsePolicyFile(fd)
	if err != nil {
		return nil, errors.Wrapf(err, "in policy file '%s'", path)
	}
	return pf, nil
}

func ParsePolicyFile(r io.Reader) (*PolicyFile, error) {
	var pf PolicyFile
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(&pf); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "while decoding YAML")
	}

	names := make(map[string]struct{}, len(pf.Policies))
	for _, p := range pf.Policies {
		if p.Name == "" {
			return nil, errors.New("every policy requires a 'name'")
		}
		if _, ok := names[p.Name]; ok {
			return nil, errors.Errorf("duplicate policy '%s'", p.Name)
		}
		names[p.Name] = struct{}{}
		if _, err := p.ResourceReference(); err != nil {
			return nil, err
		}
		if _, err := ParseWaitMode(p.WaitMode); err != nil {
			return nil, errors.Wrapf(err, "policy '%s'", p.Name)
		}
	}
	return &pf, nil
}
