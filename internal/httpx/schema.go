package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ariefcatur/go-checkout-payments/internal/apperr"
	"github.com/xeipuuv/gojsonschema"
)

const maxBody = 1 << 20

const schemaOrderIntent = `{
  "type": "object",
  "required": ["payment_method"],
  "properties": {
    "payment_method": {"type": "string", "minLength": 1, "maxLength": 32},
    "shipping_address": {"type": ["object", "null"]}
  },
  "additionalProperties": false
}`

const schemaVerifyPayment = `{
  "type": "object",
  "required": ["provider", "transaction_ref"],
  "properties": {
    "provider": {"type": "string", "minLength": 1},
    "transaction_ref": {"type": "string", "minLength": 1, "maxLength": 128}
  }
}`

const schemaRefund = `{
  "type": "object",
  "required": ["order_id"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "maxLength": 500}
  },
  "additionalProperties": false
}`

var (
	orderIntentLoader   = gojsonschema.NewStringLoader(schemaOrderIntent)
	verifyPaymentLoader = gojsonschema.NewStringLoader(schemaVerifyPayment)
	refundLoader        = gojsonschema.NewStringLoader(schemaRefund)
)

func validateJSONSchema(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("request does not conform to schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// decodeBody reads, validates and decodes a JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, schema gojsonschema.JSONLoader, out any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, "Request body too large or unreadable", err, http.StatusBadRequest)
	}
	if err := validateJSONSchema(schema, body); err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, "Invalid request body", err, http.StatusBadRequest).
			WithDetails(err.Error())
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, "Invalid JSON", err, http.StatusBadRequest)
	}
	return nil
}
