package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const chatRequestSchemaJSON = `{
  "type": "object",
  "required": ["question"],
  "properties": {
    "question": {"type": "string"}
  }
}`

const grantRequestSchemaJSON = `{
  "type": "object",
  "required": ["tier"],
  "additionalProperties": false,
  "properties": {
    "tier": {"type": "string", "minLength": 1},
    "expiresAt": {"type": ["string", "null"], "format": "date-time"}
  }
}`

const userRequestSchemaJSON = `{
  "type": "object",
  "required": ["email"],
  "properties": {
    "email": {"type": "string", "format": "email"}
  }
}`

var (
	chatRequestSchema  = mustSchema(chatRequestSchemaJSON)
	grantRequestSchema = mustSchema(grantRequestSchemaJSON)
	userRequestSchema  = mustSchema(userRequestSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile request schema: %v", err))
	}
	return s
}

// validateBody checks body against schema and returns a caller-facing
// message when it does not conform.
func validateBody(schema *gojsonschema.Schema, body []byte) (string, bool) {
	if len(body) == 0 {
		return "request body must be a JSON object", false
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return "request body must be valid JSON", false
	}
	if result.Valid() {
		return "", true
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; "), false
}
