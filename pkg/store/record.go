package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

const recordSchemaURL = "https://learning-contracts.local/schemas/contract-record.schema.json"

// recordSchema describes a serialized contract. Timestamps are ISO-8601.
const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["contract_id", "created_at", "created_by", "state", "contract_type",
               "scope", "memory_permissions", "generalization_rules", "recall_rules", "revocable"],
  "properties": {
    "contract_id": {"type": "string", "minLength": 1},
    "created_at": {"type": "string", "format": "date-time"},
    "created_by": {"type": "string"},
    "state": {"enum": ["draft", "review", "active", "expired", "revoked", "amended"]},
    "contract_type": {"enum": ["observation", "episodic", "procedural", "strategic", "prohibited"]},
    "scope": {
      "type": "object",
      "required": ["max_abstraction"],
      "properties": {
        "domains": {"type": ["array", "null"], "items": {"type": "string"}},
        "contexts": {"type": ["array", "null"], "items": {"type": "string"}},
        "tools": {"type": ["array", "null"], "items": {"type": "string"}},
        "max_abstraction": {"enum": ["raw", "pattern", "heuristic", "strategy"]},
        "transferable": {"type": "boolean"}
      }
    },
    "memory_permissions": {
      "type": "object",
      "required": ["may_store", "classification_cap", "retention"],
      "properties": {
        "may_store": {"type": "boolean"},
        "classification_cap": {"type": "integer", "minimum": 0, "maximum": 5},
        "retention": {"enum": ["session", "timebound", "permanent"]},
        "retention_until": {"type": "string", "format": "date-time"}
      }
    },
    "generalization_rules": {
      "type": "object",
      "properties": {
        "allowed": {"type": "boolean"},
        "conditions": {"type": ["array", "null"], "items": {"type": "string"}}
      }
    },
    "recall_rules": {
      "type": "object",
      "properties": {
        "requires_owner": {"type": "boolean"},
        "boundary_mode_min": {"enum": ["restricted", "normal", "trusted", "privileged"]}
      }
    },
    "expiration": {"type": "string", "format": "date-time"},
    "revocable": {"type": "boolean"},
    "metadata": {"type": ["object", "null"]}
  }
}`

var compiledRecordSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(recordSchemaURL, strings.NewReader(recordSchema)); err != nil {
		return nil, fmt.Errorf("record schema load failed: %w", err)
	}
	return c.Compile(recordSchemaURL)
})

// EncodeRecord serializes c in the storage record format.
func EncodeRecord(c *contracts.LearningContract) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil contract", ErrInvalidRecord)
	}
	return json.Marshal(c)
}

// DecodeRecord validates data against the record schema and decodes it.
func DecodeRecord(data []byte) (*contracts.LearningContract, error) {
	schema, err := compiledRecordSchema()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	var c contracts.LearningContract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return &c, nil
}
