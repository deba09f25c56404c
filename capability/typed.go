package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

type typedConfig struct {
	description               string
	allowAdditionalProperties bool
}

// TypedOption configures NewTyped.
type TypedOption func(*typedConfig)

// WithDescription sets the human-readable description declared to the server.
func WithDescription(desc string) TypedOption {
	return func(c *typedConfig) { c.description = desc }
}

// AllowAdditionalProperties disables strict argument decoding.
func AllowAdditionalProperties() TypedOption {
	return func(c *typedConfig) { c.allowAdditionalProperties = true }
}

// NewTyped builds a Capability whose parameter schema is reflected from A and
// whose arguments are decoded into A before fn runs.
func NewTyped[A any, R any](name string, fn func(ctx context.Context, args A) (R, error), opts ...TypedOption) Capability {
	cfg := typedConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return Capability{
		Name:        name,
		Description: cfg.description,
		Schema:      ReflectSchema[A](cfg.allowAdditionalProperties),
		Executor: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a A
			if len(raw) > 0 {
				dec := json.NewDecoder(bytes.NewReader(raw))
				if !cfg.allowAdditionalProperties {
					dec.DisallowUnknownFields()
				}
				if err := dec.Decode(&a); err != nil {
					return nil, fmt.Errorf("invalid arguments: %v", err)
				}
			}
			return fn(ctx, a)
		},
	}
}

// ReflectSchema reflects the parameter schema of A. Non-object types yield an
// empty object schema.
func ReflectSchema[A any](allowAdditional bool) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		s = &jsonschema.Schema{Type: "object"}
		if !allowAdditional {
			s.AdditionalProperties = jsonschema.FalseSchema
		}
	}
	// gojsonschema validates against draft-07; drop the 2020-12 identifiers.
	s.Version = ""
	s.ID = ""
	return s
}
