package gateway

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignEsewa_KnownVector(t *testing.T) {
	fields := map[string]string{
		"total_amount":     "100",
		"transaction_uuid": "11-201-13",
		"product_code":     "EPAYTEST",
	}
	msg := esewaMessage(fields, esewaSignedFields)
	assert.Equal(t, "total_amount=100,transaction_uuid=11-201-13,product_code=EPAYTEST", msg)
	assert.Equal(t, "5DZywcrTKD0gia/rsSMcrRHmJl+4Tbol6S+lWgdJ94E=", signEsewa(Secret("8gBm/:&EnhH.1/q"), msg))
}

func TestSignNPS_SortsKeysAndConcatenatesValues(t *testing.T) {
	payload := map[string]string{
		"MerchantTxnId": "txn-001",
		"MerchantName":  "Alish",
		"MerchantId":    "7536",
		"Amount":        "100",
	}
	assert.Equal(t, "1007536Alishtxn-001", npsMessage(payload))
	assert.Equal(t,
		"b4eae6d188f86503a647c5290222931bbd8ebe6202fd9b6837d464680dbe03a2de99d5f43e04d3ab7f74b8af5aabebdc5ba5813e2cffac48f31af1feb05d5b9c",
		signNPS(Secret("Test@123"), payload))

	delete(payload, "Amount")
	assert.Equal(t,
		"3cad57c48bd4df76befd8e8b01ce0a90961a7997524d7d1c4df7fec0bbe9ae4942848ea7a9f390c3bf02a3df5dcf46e4f8f5c7d2e6f4552582d729a516b8d41c",
		signNPS(Secret("Test@123"), payload))
}

func TestCanonicalizationsDiffer(t *testing.T) {
	fields := map[string]string{"total_amount": "100", "transaction_uuid": "x", "product_code": "P"}
	assert.NotEqual(t, esewaMessage(fields, esewaSignedFields), npsMessage(fields))
}

func TestSecretIsRedacted(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "[redacted]", s.String())
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "super-secret")

	var buf strings.Builder
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	log.Info("cfg", "secret", s)
	assert.NotContains(t, buf.String(), "super-secret")
	assert.Contains(t, buf.String(), "[redacted]")
}
