// internal/schema/validator.go
// Package schema validates request bodies before they reach the services.
// Raw JSON bodies are checked against JSON schemas; decoded input structs are
// checked with struct tags.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	validatorengine "github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/metrics"
)

// Schema names
const (
	SeriesCreate = "series.create"
	SeriesPatch  = "series.patch"
	LessonCreate = "lesson.create"
	LessonPatch  = "lesson.patch"
	UserProfile  = "user.profile"
	UserPatch    = "user.patch"
	DocumentRef  = "lesson.document"
	TokenVerify  = "auth.verify"
)

// schemas maps schema names to JSON schema documents. Patch schemas reject
// unknown properties so server-managed fields (topic, counters, ids) cannot be set.
var schemas = map[string]string{
	SeriesCreate: `{"type":"object","required":["title","category"],"properties":{
		"title":{"type":"string","minLength":1,"maxLength":200},
		"description":{"type":"string","maxLength":5000},
		"category":{"type":"string","minLength":1,"maxLength":100},
		"isPublished":{"type":"boolean"}}}`,
	SeriesPatch: `{"type":"object","additionalProperties":false,"properties":{
		"title":{"type":"string","minLength":1,"maxLength":200},
		"description":{"type":"string","maxLength":5000},
		"category":{"type":"string","minLength":1,"maxLength":100},
		"isPublished":{"type":"boolean"}}}`,
	LessonCreate: `{"type":"object","required":["title"],"properties":{
		"title":{"type":"string","minLength":1,"maxLength":200},
		"description":{"type":"string","maxLength":10000},
		"isPublished":{"type":"boolean"}}}`,
	LessonPatch: `{"type":"object","additionalProperties":false,"properties":{
		"title":{"type":"string","minLength":1,"maxLength":200},
		"description":{"type":"string","maxLength":10000},
		"isPublished":{"type":"boolean"}}}`,
	UserProfile: `{"type":"object","required":["name"],"properties":{
		"name":{"type":"string","minLength":1,"maxLength":100},
		"gender":{"type":"string"},
		"birthdate":{"type":"string"}}}`,
	UserPatch: `{"type":"object","additionalProperties":false,"properties":{
		"email":{"type":"string","maxLength":254},
		"name":{"type":"string","minLength":1,"maxLength":100},
		"gender":{"type":"string"},
		"birthdate":{"type":"string"}}}`,
	DocumentRef: `{"type":"object","required":["url"],"additionalProperties":false,"properties":{
		"url":{"type":"string","minLength":1}}}`,
	TokenVerify: `{"type":"object","required":["token"],"properties":{
		"token":{"type":"string","minLength":1}}}`,
}

// Validator validates request bodies and input structs.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Compiled JSON schemas by name
	structs *validatorengine.Validate       // Struct tag validator
}

// NewValidator compiles every schema. It fails only on a malformed schema.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema, len(schemas)),
		structs: validatorengine.New(),
	}
	// Report json field names rather than Go field names
	v.structs.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	for name, doc := range schemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// MustNewValidator is NewValidator for the built-in schemas, which are known to compile.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateJSON checks body against the named schema. Failures are EDU_VALIDATION
// errors listing every violation.
func (v *Validator) ValidateJSON(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema: %s", name)
	}

	if !json.Valid(body) {
		v.observe(name, "malformed")
		return errordefs.New(errordefs.EDU_BAD_REQUEST, "request body is not valid JSON", "")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		v.observe(name, "error")
		return errordefs.Wrap(errordefs.EDU_BAD_REQUEST, "request body could not be validated", err)
	}
	if !result.Valid() {
		v.observe(name, "rejected")
		var violations []string
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}
		return errordefs.NewWithDetails(errordefs.EDU_VALIDATION,
			"validation failed: "+strings.Join(violations, "; "), "",
			map[string]interface{}{"violations": violations})
	}
	v.observe(name, "ok")
	return nil
}

// Struct validates a decoded input struct using its validate tags.
func (v *Validator) Struct(data any) error {
	err := v.structs.Struct(data)
	if err == nil {
		return nil
	}
	errs, ok := err.(validatorengine.ValidationErrors)
	if !ok {
		return errordefs.Wrap(errordefs.EDU_VALIDATION, "validation failed", err)
	}
	fields := make(map[string]string, len(errs))
	var parts []string
	for _, fe := range errs {
		fields[fe.Field()] = fe.Tag()
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return errordefs.NewWithDetails(errordefs.EDU_VALIDATION,
		"validation failed: "+strings.Join(parts, "; "), "",
		map[string]interface{}{"fields": fields})
}

func (v *Validator) observe(name, status string) {
	metrics.Get().SchemaValidationTotal.WithLabelValues(name, status).Inc()
}
