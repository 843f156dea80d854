package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://schemas.pagerelay.dev/"

const (
	nonEmptyString = `{"type":"string","minLength":1}`
	pageDataSchema = `{"type":"object","properties":{"styles":{"type":"string"}}}`
	pageSchema     = `{"type":"object","required":["id"],"properties":{"id":` + nonEmptyString + `,"name":{"type":"string"},"styles":{"type":"string"}}}`
)

var eventSchemas = map[EventName]string{
	EventPageAdd: `{
		"type": "object",
		"required": ["pageId", "userId"],
		"properties": {
			"pageId": ` + nonEmptyString + `,
			"pageName": {"type": "string"},
			"pageData": ` + pageDataSchema + `,
			"userId": ` + nonEmptyString + `,
			"projectId": {"type": "string"},
			"timestamp": {"type": "number"}
		}
	}`,
	EventPageRemove: `{
		"type": "object",
		"required": ["pageId", "userId"],
		"properties": {
			"pageId": ` + nonEmptyString + `,
			"pageName": {"type": "string"},
			"userId": ` + nonEmptyString + `,
			"projectId": {"type": "string"}
		}
	}`,
	EventPageUpdate: `{
		"type": "object",
		"required": ["pageId", "userId"],
		"anyOf": [{"required": ["pageData"]}, {"required": ["pageName"]}],
		"properties": {
			"pageId": ` + nonEmptyString + `,
			"pageName": {"type": "string"},
			"pageData": ` + pageDataSchema + `,
			"userId": ` + nonEmptyString + `,
			"projectId": {"type": "string"}
		}
	}`,
	EventPageSelect: `{
		"type": "object",
		"required": ["pageId", "userId"],
		"properties": {
			"pageId": ` + nonEmptyString + `,
			"userId": ` + nonEmptyString + `
		}
	}`,
	EventPageRequestSync: `{
		"type": "object",
		"required": ["projectId"],
		"properties": {
			"projectId": ` + nonEmptyString + `,
			"userId": {"type": "string"}
		}
	}`,
	EventPageFullSync: `{
		"type": "object",
		"required": ["pages"],
		"properties": {
			"pages": {"type": "array", "items": ` + pageSchema + `}
		}
	}`,
	EventEditorFullUpdate: `{
		"type": "object",
		"required": ["userId", "data"],
		"properties": {
			"userId": ` + nonEmptyString + `,
			"userName": {"type": "string"},
			"pageId": {"type": "string"},
			"data": {"type": "object", "properties": {"styles": {"type": "string"}}}
		}
	}`,
	EventUserJoin: `{
		"type": "object",
		"required": ["userId", "projectId"],
		"properties": {
			"userId": ` + nonEmptyString + `,
			"userName": {"type": "string"},
			"projectId": ` + nonEmptyString + `
		}
	}`,
	EventUserLeave: `{
		"type": "object",
		"required": ["userId"],
		"properties": {
			"userId": ` + nonEmptyString + `
		}
	}`,
	EventPresenceUpdate: `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["id"],
			"properties": {"id": ` + nonEmptyString + `, "name": {"type": "string"}}
		}
	}`,
}

var compiled struct {
	once    sync.Once
	err     error
	schemas map[EventName]*jsonschema.Schema
}

func compileSchemas() (map[EventName]*jsonschema.Schema, error) {
	compiled.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		urls := make(map[EventName]string, len(eventSchemas))
		for event, src := range eventSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compiled.err = fmt.Errorf("parse schema %s: %w", event, err)
				return
			}
			url := schemaBaseURL + strings.ReplaceAll(string(event), ":", "-") + ".json"
			if err := compiler.AddResource(url, doc); err != nil {
				compiled.err = fmt.Errorf("add schema %s: %w", event, err)
				return
			}
			urls[event] = url
		}
		schemas := make(map[EventName]*jsonschema.Schema, len(urls))
		for event, url := range urls {
			sch, err := compiler.Compile(url)
			if err != nil {
				compiled.err = fmt.Errorf("compile schema %s: %w", event, err)
				return
			}
			schemas[event] = sch
		}
		compiled.schemas = schemas
	})
	return compiled.schemas, compiled.err
}

// Validate checks a raw payload against the schema registered for event.
func Validate(event EventName, data []byte) error {
	schemas, err := compileSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[event]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &ValidationError{Event: event, Err: fmt.Errorf("empty payload")}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Event: event, Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Event: event, Err: err}
	}
	return nil
}
