package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchemaValidator rejects request bodies that are not JSON or that
// violate the compiled schema. Schemas check shape and types only; field
// presence is reported by the services with their own messages.
type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

func NewJSONSchemaValidator(schemaJSON string) (*JSONSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	return &JSONSchemaValidator{schema: schema}, nil
}

// Validate checks a raw body against the schema.
func (v *JSONSchemaValidator) Validate(body []byte) error {
	var payload any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return errInvalidJSON
	}
	return v.schema.Validate(payload)
}

var errInvalidJSON = errors.New("invalid json")

func (v *JSONSchemaValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			WriteJSONError(w, r, http.StatusBadRequest, "Request body is required")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			WriteJSONError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		_ = r.Body.Close()

		if err := v.Validate(body); err != nil {
			if errors.Is(err, errInvalidJSON) {
				WriteJSONError(w, r, http.StatusBadRequest, "Invalid JSON payload")
				return
			}
			WriteEnvelope(w, r, http.StatusBadRequest, Envelope{
				Success: false,
				Message: "Validation failed",
				Errors:  schemaMessages(err),
			})
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func schemaMessages(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}

	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.TrimPrefix(e.InstanceLocation, "/")
			if field == "" {
				out = append(out, e.Message)
				return
			}
			out = append(out, field+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
