package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request schemas, compiled once at init. Validation runs on the raw body
// before decoding into handler types so error messages name the offending
// field.
var (
	ledgerPostSchema = mustCompile(`{
		"type": "object",
		"required": ["journal_id", "entries"],
		"properties": {
			"journal_id": {"type": "string", "minLength": 1},
			"entries": {
				"type": "array",
				"minItems": 2,
				"items": {
					"type": "object",
					"required": ["account_id", "side", "amount_cents", "currency"],
					"properties": {
						"account_id": {"type": "string", "minLength": 1},
						"side": {"enum": ["debit", "credit"]},
						"amount_cents": {"type": "integer", "minimum": 1},
						"currency": {"type": "string", "minLength": 3, "maxLength": 3},
						"meta": {"type": "object"}
					}
				}
			},
			"context": {"type": "object"},
			"fx": {
				"type": "object",
				"required": ["base_currency", "rates"],
				"properties": {
					"base_currency": {"type": "string", "minLength": 3, "maxLength": 3},
					"rates": {"type": "object", "additionalProperties": {"type": "string"}},
					"as_of": {"type": "string"}
				}
			}
		}
	}`)

	proofGenerateSchema = mustCompile(`{
		"type": "object",
		"required": ["range"],
		"properties": {
			"range": {
				"type": "object",
				"required": ["from_ts", "to_ts"],
				"properties": {
					"from_ts": {"type": "string", "format": "date-time"},
					"to_ts": {"type": "string", "format": "date-time"}
				}
			}
		}
	}`)

	policyCreateSchema = mustCompile(`{
		"type": "object",
		"required": ["name", "severity", "rule"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"severity": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
			"rule": {"type": "string", "minLength": 1},
			"metadata": {
				"type": "object",
				"properties": {
					"effect": {"enum": ["allow", "deny", "quarantine", "remediate"]},
					"canary_percent": {"type": "integer", "minimum": 0, "maximum": 100}
				}
			}
		}
	}`)

	policyStateSchema = mustCompile(`{
		"type": "object",
		"required": ["to"],
		"properties": {
			"to": {"enum": ["draft", "simulating", "canary", "active", "deprecated"]},
			"upgradeId": {"type": "string"}
		}
	}`)

	sentinelCheckSchema = mustCompile(`{
		"type": "object",
		"required": ["action"],
		"properties": {
			"action": {"type": "string", "minLength": 1},
			"resource": {"type": "string"},
			"actor": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"type": {"type": "string"},
					"roles": {"type": "array", "items": {"type": "string"}}
				}
			},
			"context": {"type": "object"},
			"request_id": {"type": "string"}
		}
	}`)

	upgradeCreateSchema = mustCompile(`{
		"type": "object",
		"required": ["type", "rationale"],
		"properties": {
			"type": {"enum": ["policy_activation", "rollback", "code"]},
			"target": {
				"type": "object",
				"properties": {
					"policyId": {"type": "string"},
					"version": {"type": "integer", "minimum": 0}
				}
			},
			"rationale": {"type": "string", "minLength": 1},
			"impact": {"type": "string"},
			"preconditions": {"type": "array", "items": {"type": "string"}},
			"proposedBy": {"type": "string"}
		}
	}`)

	upgradeApproveSchema = mustCompile(`{
		"type": "object",
		"required": ["approverId", "signature"],
		"properties": {
			"approverId": {"type": "string", "minLength": 1},
			"signature": {"type": "string", "minLength": 1},
			"notes": {"type": "string"}
		}
	}`)
)

func mustCompile(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("request.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile("request.json")
}

// validateBody checks raw JSON against a schema and returns a client-facing
// error describing the first violation.
func validateBody(schema *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("body is not valid JSON")
	}
	if err := schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			return fmt.Errorf("%s: %s", strings.TrimPrefix(leaf.InstanceLocation, "/"), leaf.Message)
		}
		return err
	}
	return nil
}
