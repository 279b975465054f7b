package acp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func marshalEnum(v []any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

// currencyAllowlist is the fixed ISO-4217 allowlist referenced by spec.md
// §4.3 ("~40 codes"). It covers the currencies a payment-authorization
// vault realistically sees from PSP-issued tokens.
var currencyAllowlist = []string{
	"USD", "EUR", "GBP", "JPY", "CHF", "CAD", "AUD", "NZD", "CNY", "HKD",
	"SGD", "SEK", "NOK", "DKK", "PLN", "CZK", "HUF", "RON", "BGN", "TRY",
	"INR", "BRL", "MXN", "ZAR", "AED", "SAR", "ILS", "KRW", "THB", "MYR",
	"IDR", "PHP", "VND", "TWD", "RUB", "UAH", "EGP", "NGN", "KES", "ARS",
}

func currencyEnum() []any {
	out := make([]any, len(currencyAllowlist))
	for i, c := range currencyAllowlist {
		out[i] = c
	}
	return out
}

// tokenSchemaTemplate is the JSON Schema template (compileTokenSchema fills
// in the currency enum) for an ACP delegated-token object
// (spec.md §4.3). additionalProperties: false at every object level enforces
// "extra top-level fields -> INVALID_FORMAT" and "unknown constraints keys
// are rejected" in one declarative pass rather than hand-rolled field
// accounting.
const tokenSchemaTemplate = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["token_id", "psp_id", "merchant_id", "max_amount", "currency", "expires_at"],
  "properties": {
    "token_id": {"type": "string", "minLength": 1, "pattern": "^[\\x20-\\x7E]+$", "not": {"pattern": "[<>\"'\\\\\\\\]"}},
    "psp_id": {"type": "string", "minLength": 1, "pattern": "^[\\x20-\\x7E]+$", "not": {"pattern": "[<>\"'\\\\\\\\]"}},
    "merchant_id": {"type": "string", "minLength": 1, "pattern": "^[\\x20-\\x7E]+$", "not": {"pattern": "[<>\"'\\\\\\\\]"}},
    "max_amount": {"type": "string", "pattern": "^-?[0-9]+(\\.[0-9]{1,2})?$"},
    "currency": {"type": "string", "enum": %s},
    "expires_at": {"type": "string", "format": "date-time"},
    "constraints": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "merchant": {"type": "string"}
      }
    }
  }
}`

func compileTokenSchema() (*jsonschema.Schema, error) {
	enumJSON, err := marshalEnum(currencyEnum())
	if err != nil {
		return nil, fmt.Errorf("marshalling currency enum: %w", err)
	}
	doc := fmt.Sprintf(tokenSchemaTemplate, enumJSON)

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://vaultcore.local/schema/acp_token.json"
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("loading ACP token schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling ACP token schema: %w", err)
	}
	return schema, nil
}
