package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ESEWA_SANDBOX", "")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")

	cfg := Load()

	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Minute, cfg.IntentTTL)
	assert.Equal(t, int64(10000), cfg.ShippingFlatCents)
	assert.Equal(t, "EPAYTEST", cfg.Esewa.ProductCode)
	assert.Contains(t, cfg.Esewa.FormURL, "rc-epay")
	assert.Contains(t, cfg.Khalti.BaseURL, "dev.khalti.com")
}

func TestLoad_ProductionToggle(t *testing.T) {
	t.Setenv("ESEWA_SANDBOX", "false")
	t.Setenv("KHALTI_SANDBOX", "off")
	t.Setenv("NPS_SANDBOX", "0")
	t.Setenv("WORKER_LEASE", "45s")

	cfg := Load()

	assert.Equal(t, "https://epay.esewa.com.np/api/epay/main/v2/form", cfg.Esewa.FormURL)
	assert.Equal(t, "https://khalti.com/api/v2", cfg.Khalti.BaseURL)
	assert.Equal(t, "https://apigateway.nepalpayment.com", cfg.NPS.APIURL)
	assert.Equal(t, 45*time.Second, cfg.WorkerLease)
}

func TestLoad_ExplicitURLOverridesSandbox(t *testing.T) {
	t.Setenv("KHALTI_BASE_URL", "http://127.0.0.1:9999")
	cfg := Load()
	assert.Equal(t, "http://127.0.0.1:9999", cfg.Khalti.BaseURL)
}
