package llm

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// defaultPrinter formats schema validation messages.
var defaultPrinter = message.NewPrinter(language.English)

// Schema is a compiled JSON schema describing an expected model reply.
type Schema struct {
	Name string
	// Document is the schema as sent to providers that accept one.
	Document map[string]any

	compiled *jsonschema.Schema
}

// NewSchema compiles a JSON schema document.
func NewSchema(name string, doc map[string]any) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("adding schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", name, err)
	}
	return &Schema{Name: name, Document: doc, compiled: compiled}, nil
}

var schemaCache sync.Map // reflect.Type -> *Schema

// SchemaFor reflects a schema from T's exported fields, json tags and
// jsonschema tags. Results are cached per type.
func SchemaFor[T any]() *Schema {
	t := reflect.TypeFor[T]()
	if s, ok := schemaCache.Load(t); ok {
		return s.(*Schema)
	}

	s, err := reflectSchema(t)
	if err != nil {
		// response types are static; failure here is a programming error
		panic(fmt.Sprintf("building schema for %s: %v", t, err))
	}
	actual, _ := schemaCache.LoadOrStore(t, s)
	return actual.(*Schema)
}

func reflectSchema(t reflect.Type) (*Schema, error) {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	raw, err := json.Marshal(r.ReflectFromType(t))
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	delete(doc, "$schema")
	delete(doc, "$id")

	return NewSchema(t.Name(), doc)
}

// JSON returns the schema document as indented JSON, for prompts.
func (s *Schema) JSON() string {
	data, err := json.MarshalIndent(s.Document, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ValidationError lists every problem found in a model reply.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

// Validate parses raw as JSON and checks it against the schema.
func (s *Schema) Validate(raw string) error {
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}

	err = s.compiled.Validate(instance)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &ValidationError{Problems: []string{fmt.Sprintf("schema: %v", err)}}
	}
	var problems []string
	collectSchemaErrors(ve, &problems)
	return &ValidationError{Problems: problems}
}

func collectSchemaErrors(ve *jsonschema.ValidationError, errs *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/"
		if len(ve.InstanceLocation) > 0 {
			loc = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		*errs = append(*errs, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(defaultPrinter)))
		return
	}
	for _, c := range ve.Causes {
		collectSchemaErrors(c, errs)
	}
}

// stripCodeFence removes a surrounding markdown code fence, which some
// models add even when asked for bare JSON.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		// drop the info string, e.g. "json"
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
