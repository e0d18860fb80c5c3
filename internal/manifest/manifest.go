// Package manifest loads and validates the static-asset manifest that seeds
// each cache generation. The manifest file is the deploy artifact: rewriting
// it with a new version is what triggers installation of a new generation.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest lists the critical resources pre-populated into the static-assets
// namespace at install, plus the document served when everything else fails.
type Manifest struct {
	Version         string   `json:"version"`
	Assets          []string `json:"assets"`
	OfflineFallback string   `json:"offlineFallback"`
}

const schemaText = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "assets", "offlineFallback"],
	"properties": {
		"version": {"type": "string", "minLength": 1},
		"assets": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"offlineFallback": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("manifest.schema.json")
	})
	return schema, schemaErr
}

// Parse validates data against the manifest schema and decodes it. Validation
// happens before install so a malformed deploy can never leave a
// half-populated namespace behind.
func Parse(data []byte) (Manifest, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Manifest{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := sch.Validate(instance); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	doc, ok := instance.(map[string]any)
	if !ok {
		return Manifest{}, ErrInvalidManifest
	}
	m := Manifest{
		Version:         doc["version"].(string),
		OfflineFallback: doc["offlineFallback"].(string),
	}
	for _, asset := range doc["assets"].([]any) {
		m.Assets = append(m.Assets, asset.(string))
	}
	return m, nil
}

// Load reads and parses the manifest file at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(data)
}

// Contains reports whether url is a manifest asset or the offline fallback.
func (m Manifest) Contains(url string) bool {
	if url == m.OfflineFallback {
		return true
	}
	for _, asset := range m.Assets {
		if asset == url {
			return true
		}
	}
	return false
}
