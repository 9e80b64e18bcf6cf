package intake

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const payloadSchemaURL = "https://planrelay.local/schemas/submission.json"

const payloadSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["submitterEmail", "submitterName", "tasks"],
  "properties": {
    "referenceId": {"type": "string", "maxLength": 80},
    "submitterEmail": {"type": "string", "minLength": 3, "maxLength": 254},
    "submitterName": {"type": "string", "maxLength": 255},
    "relatedRecordId": {"type": "string", "maxLength": 128},
    "relatedObjectType": {"type": "string", "maxLength": 80},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "maxLength": 255},
          "description": {"type": "string", "maxLength": 32000},
          "dueDateOffsetDays": {"type": "integer", "minimum": 0, "maximum": 3650},
          "priority": {"type": "string", "pattern": "^(?i)(high|medium|low)?$"},
          "category": {"type": "string", "maxLength": 80},
          "assigneeEmail": {"type": "string", "maxLength": 254},
          "required": {"type": "boolean"},
          "reminderLeadDays": {"type": "integer", "minimum": 0, "maximum": 365}
        }
      }
    }
  }
}`

var messagePrinter = message.NewPrinter(language.English)

// PayloadSchema validates raw submission JSON before it is decoded.
type PayloadSchema struct {
	schema *jsonschema.Schema
}

func NewPayloadSchema() (*PayloadSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(payloadSchemaURL)
	if err != nil {
		return nil, err
	}
	return &PayloadSchema{schema: schema}, nil
}

// Validate returns a *RejectError naming the first offending field.
func (p *PayloadSchema) Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return validationError("", "body must be a JSON object")
	}
	err = p.schema.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return validationError("", err.Error())
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := fieldPath(leaf.InstanceLocation)
	msg := "invalid payload"
	if leaf.ErrorKind != nil {
		msg = leaf.ErrorKind.LocalizedString(messagePrinter)
	}
	if field != "" {
		msg = fmt.Sprintf("%s: %s", field, msg)
	}
	return validationError(field, msg)
}

func fieldPath(location []string) string {
	if len(location) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, part := range location {
		if isIndex(part) {
			sb.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			sb.WriteString(".")
		}
		sb.WriteString(part)
	}
	return sb.String()
}

func isIndex(part string) bool {
	if part == "" {
		return false
	}
	for _, r := range part {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
