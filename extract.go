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
	"bytes"
	"encoding/xml"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// URLExtractor returns every resource URL referenced by a message, in
// document order. An error means the message could not be parsed.
type URLExtractor interface {
	ExtractURLs(msg []byte) ([]string, error)
}

type URLExtractorFunc func(msg []byte) ([]string, error)

func (f URLExtractorFunc) ExtractURLs(msg []byte) ([]string, error) {
	return f(msg)
}

var (
	// StylesheetURLs finds the href of each <?xml-stylesheet?> processing instruction
	StylesheetURLs URLExtractor = URLExtractorFunc(stylesheetURLs)
	// SchemaURLs finds the `$schema` of a JSON object
	SchemaURLs URLExtractor = URLExtractorFunc(schemaURLs)
)

var pseudoAttr = regexp.MustCompile(`([A-Za-z_][\w.-]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)

var entities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func stylesheetURLs(msg []byte) ([]string, error) {
	var urls []string
	d := xml.NewDecoder(bytes.NewReader(msg))
	var root bool
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "while parsing message")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			root = true
		case xml.ProcInst:
			if t.Target != "xml-stylesheet" || root {
				continue
			}
			attrs := parsePseudoAttrs(string(t.Inst))
			if typ, ok := attrs["type"]; ok && !strings.Contains(typ, "xsl") {
				continue
			}
			if href := attrs["href"]; href != "" {
				urls = append(urls, href)
			}
		}
	}
	if !root {
		return nil, errors.New("message has no root element")
	}
	return urls, nil
}

func parsePseudoAttrs(inst string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range pseudoAttr.FindAllStringSubmatch(inst, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		attrs[m[1]] = entities.Replace(v)
	}
	return attrs
}

func schemaURLs(msg []byte) ([]string, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(msg))
	if err != nil {
		return nil, errors.Wrap(err, "while parsing message")
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, nil
	}
	switch s := obj["$schema"].(type) {
	case nil:
		return nil, nil
	case string:
		return []string{s}, nil
	}
	return nil, errors.New("'$schema' must be a string")
}
