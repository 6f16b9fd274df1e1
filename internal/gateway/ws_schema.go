package gateway

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const wsEnvelopeSchema = `{
	"type": "object",
	"required": ["type", "requestId"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["chat_message", "conversation_history", "conversation_list", "typing", "ping"]
		},
		"requestId": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	},
	"additionalProperties": false
}`

const wsChatMessageSchema = `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"message": {"type": "string", "minLength": 1, "maxLength": 8192},
		"conversationId": {"type": "string"},
		"model": {"type": "string"}
	},
	"additionalProperties": false
}`

const wsHistorySchema = `{
	"type": "object",
	"required": ["conversationId"],
	"properties": {
		"conversationId": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const wsEmptyPayloadSchema = `{
	"type": "object",
	"additionalProperties": false
}`

type wsSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("ws_envelope", wsEnvelopeSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.envelope = envelope

		payloads := map[string]string{
			"chat_message":         wsChatMessageSchema,
			"conversation_history": wsHistorySchema,
			"conversation_list":    wsEmptyPayloadSchema,
			"typing":               wsEmptyPayloadSchema,
			"ping":                 wsEmptyPayloadSchema,
		}
		wsSchemas.payloads = make(map[string]*jsonschema.Schema, len(payloads))
		for name, schema := range payloads {
			compiled, err := jsonschema.CompileString("ws_payload_"+name, schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.payloads[name] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateWSFrame checks the raw frame against the envelope schema and the
// per-type payload schema before dispatch.
func validateWSFrame(raw []byte, frame *wsFrame) error {
	if err := initWSSchemas(); err != nil {
		return err
	}

	var envelope any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	if err := wsSchemas.envelope.Validate(envelope); err != nil {
		return err
	}

	if schema := wsSchemas.payloads[frame.Type]; schema != nil {
		var payload any
		if len(frame.Payload) == 0 {
			payload = map[string]any{}
		} else if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return err
		}
		if err := schema.Validate(payload); err != nil {
			return err
		}
	}
	return nil
}
