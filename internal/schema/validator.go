// internal/schema/validator.go
// Package schema validates payloads returned by the central service before the
// engine acts on them. A response that drifts from the contract is rejected
// instead of silently zeroing cursors or tokens.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Response payload names
const (
	DeviceStatus    = "device.status"
	DeviceChallenge = "device.challenge"
	DeviceVerify    = "device.verify"
	ReportCreate    = "reports.create"
	ReportList      = "reports.list"
	PollNewSince    = "poll.new_since"
)

// responseSchemas maps payload names to their JSON schemas.
var responseSchemas = map[string]string{
	DeviceStatus: `{"type":"object","required":["status"],"properties":{
		"status":{"type":"string","enum":["PENDING","ACTIVE","REVOKED","pending","active","revoked"]},
		"display_name":{"type":["string","null"],"maxLength":128},
		"device_id":{"type":["string","null"]}}}`,
	DeviceChallenge: `{"type":"object","required":["nonce"],"properties":{
		"nonce":{"type":"string","minLength":1},
		"issuedAt":{"type":["string","null"]}}}`,
	DeviceVerify: `{"type":"object","required":["status"],"properties":{
		"deviceToken":{"type":["string","null"]},
		"status":{"type":"string"}}}`,
	ReportCreate: `{"type":"object","required":["reportId"],"properties":{
		"reportId":{"type":["string","integer"]},
		"ok":{"type":"boolean"}}}`,
	ReportList: `{"type":"object","properties":{"items":{"type":"array","items":{
		"type":"object","required":["id","room"],"properties":{
			"id":{"type":["string","integer"]},
			"room":{"type":"integer"},
			"description":{"type":["string","null"]},
			"createdAt":{"type":"string"},
			"type":{"type":"string"},
			"photos":{"type":"array","items":{"type":"string"}},
			"thumbnailUrls":{"type":"array","items":{"type":"string"}}}}}}}`,
	PollNewSince: `{"type":"object","properties":{
		"lastSeenOpenFindsId":{"type":["integer","null"],"minimum":0},
		"lastSeenOpenIssuesId":{"type":["integer","null"],"minimum":0},
		"newOpenFindsCount":{"type":"integer","minimum":0},
		"newOpenIssuesCount":{"type":"integer","minimum":0}}}`,
}

// Validator validates response payloads against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of payload names to JSON schemas
}

// NewValidator compiles every known response schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(responseSchemas))}
	for name, src := range responseSchemas {
		if err := v.loadSchema(name, src); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// loadSchema parses and compiles one schema.
func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks body against the schema registered under name.
func (v *Validator) Validate(name string, body []byte) error {
	schema, exists := v.schemas[name]
	if !exists {
		return fmt.Errorf("schema not found: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("%s response rejected: %s", name, strings.Join(errs, "; "))
	}
	return nil
}
