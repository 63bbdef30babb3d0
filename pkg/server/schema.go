package server

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// messageSchema validates the inbound message payload before it ever
// reaches the dispatcher. thread_id, sender and channel have defaults;
// message is the only required field, matching the original wire
// contract.
const messageSchema = `{
	"type": "object",
	"properties": {
		"thread_id": {
			"type": "string",
			"pattern": "^[A-Za-z0-9_-]+$",
			"maxLength": 128
		},
		"message": {
			"type": "string",
			"minLength": 1
		},
		"sender": {"type": "string"},
		"channel": {"type": "string"},
		"message_id": {"type": "string", "maxLength": 128}
	},
	"required": ["message"]
}`

var compiledMessageSchema = gojsonschema.NewStringLoader(messageSchema)

// validateMessagePayload runs the JSON schema over a raw request body.
// It returns a human-readable description of the first violation.
func validateMessagePayload(body []byte) error {
	result, err := gojsonschema.Validate(compiledMessageSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if !result.Valid() {
		descs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descs = append(descs, desc.String())
		}
		return fmt.Errorf("%s", strings.Join(descs, "; "))
	}
	return nil
}
