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
	"context"
	"fmt"
	"net/url"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidDocument = errors.New("document is not valid JSON")

var drafts = map[string]*jsonschema.Draft{
	"draft4":  jsonschema.Draft4,
	"draft6":  jsonschema.Draft6,
	"draft7":  jsonschema.Draft7,
	"2019-09": jsonschema.Draft2019,
	"2020-12": jsonschema.Draft2020,
}

// SchemaArtifact is a compiled JSON Schema. Safe for concurrent use.
type SchemaArtifact struct {
	Locator string
	schema  *jsonschema.Schema
}

// Validate returns nil if doc conforms to the schema, ErrInvalidDocument if
// doc is not JSON or a *jsonschema.ValidationError describing the violations.
func (a *SchemaArtifact) Validate(doc []byte) error {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return errors.Wrap(ErrInvalidDocument, err.Error())
	}
	return a.schema.Validate(v)
}

// SchemaCompiler compiles JSON Schema documents. The Hint of a Source selects
// the draft used when the document has no `$schema`.
type SchemaCompiler struct{}

var _ Compiler = SchemaCompiler{}

func (SchemaCompiler) Compile(_ context.Context, src Source) (Artifact, error) {
	draft := jsonschema.Draft2020
	if src.Hint != "" {
		d, ok := drafts[src.Hint]
		if !ok {
			return nil, &CompileError{Locator: src.Locator,
				Message: fmt.Sprintf("unknown schema draft '%s'", src.Hint)}
		}
		draft = d
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(src.Body))
	if err != nil {
		return nil, &CompileError{Locator: src.Locator, Message: err.Error()}
	}

	loc := resourceURL(src.Locator)
	c := jsonschema.NewCompiler()
	c.DefaultDraft(draft)
	c.UseLoader(denyLoader{})
	if err := c.AddResource(loc, doc); err != nil {
		return nil, &CompileError{Locator: src.Locator, Message: err.Error()}
	}

	sch, err := c.Compile(loc)
	if err != nil {
		return nil, &CompileError{Locator: src.Locator, Message: err.Error(), Location: loc}
	}
	return &SchemaArtifact{Locator: src.Locator, schema: sch}, nil
}

// resourceURL returns a locator the schema compiler accepts as a base URI.
func resourceURL(locator string) string {
	if u, err := url.Parse(locator); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return locator
	}
	return fmt.Sprintf("urn:policygate:%x", xxhash.ChecksumString64(locator))
}

// denyLoader refuses to load referenced schemas. External references must be
// resolved through the ObjectCache, never by the compiler directly.
type denyLoader struct{}

func (denyLoader) Load(u string) (any, error) {
	return nil, errors.Errorf("loading referenced schema '%s' is not permitted", u)
}
