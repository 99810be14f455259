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

package policygate_test

import (
	"context"
	"testing"

	"github.com/mailgun/policygate"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "integer"},
		"note": {"type": "string"}
	}
}`

func compileSchema(t *testing.T, src policygate.Source) *policygate.SchemaArtifact {
	t.Helper()
	art, err := policygate.SchemaCompiler{}.Compile(context.Background(), src)
	require.NoError(t, err)
	sa, ok := art.(*policygate.SchemaArtifact)
	require.True(t, ok)
	return sa
}

func TestSchemaCompiler(t *testing.T) {
	t.Run("Validates documents", func(t *testing.T) {
		sa := compileSchema(t, policygate.Source{
			Locator: "https://schemas.example.com/order.json",
			Body:    []byte(orderSchema),
		})
		assert.Equal(t, "https://schemas.example.com/order.json", sa.Locator)

		assert.NoError(t, sa.Validate([]byte(`{"id": 1, "note": "rush"}`)))
		assert.Error(t, sa.Validate([]byte(`{"note": "rush"}`)))
		assert.Error(t, sa.Validate([]byte(`{"id": "one"}`)))

		err := sa.Validate([]byte(`{"id": `))
		require.Error(t, err)
		assert.True(t, errors.Is(err, policygate.ErrInvalidDocument))
	})

	t.Run("Compiling twice gives equivalent artifacts", func(t *testing.T) {
		src := policygate.Source{Locator: policygate.StaticKey(policygate.StaticResource{Content: []byte(orderSchema)}, ""), Body: []byte(orderSchema)}
		a := compileSchema(t, src)
		b := compileSchema(t, src)

		for _, doc := range []string{`{"id": 1}`, `{}`, `[]`, `{"id": 1.5}`} {
			assert.Equal(t, a.Validate([]byte(doc)) == nil, b.Validate([]byte(doc)) == nil, doc)
		}
	})

	t.Run("Hint selects the draft", func(t *testing.T) {
		// exclusiveMaximum is a boolean in draft4 and a number afterwards
		schema := []byte(`{"type": "integer", "maximum": 10, "exclusiveMaximum": true}`)

		sa := compileSchema(t, policygate.Source{Locator: "static:draft4", Body: schema, Hint: "draft4"})
		assert.NoError(t, sa.Validate([]byte(`9`)))
		assert.Error(t, sa.Validate([]byte(`10`)))

		_, err := policygate.SchemaCompiler{}.Compile(context.Background(),
			policygate.Source{Locator: "static:2020", Body: schema, Hint: "2020-12"})
		assert.Error(t, err)
	})

	t.Run("Unknown hint", func(t *testing.T) {
		_, err := policygate.SchemaCompiler{}.Compile(context.Background(),
			policygate.Source{Locator: "static:x", Body: []byte(orderSchema), Hint: "draft1"})
		var ce *policygate.CompileError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "unknown schema draft 'draft1'", ce.Message)
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		_, err := policygate.SchemaCompiler{}.Compile(context.Background(),
			policygate.Source{Locator: "https://schemas.example.com/bad.json", Body: []byte(`{"type": `)})
		var ce *policygate.CompileError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "https://schemas.example.com/bad.json", ce.Locator)
	})

	t.Run("External references are not loaded", func(t *testing.T) {
		_, err := policygate.SchemaCompiler{}.Compile(context.Background(), policygate.Source{
			Locator: "https://schemas.example.com/ref.json",
			Body:    []byte(`{"$ref": "https://elsewhere.example.com/other.json"}`),
		})
		var ce *policygate.CompileError
		require.True(t, errors.As(err, &ce))
	})
}
