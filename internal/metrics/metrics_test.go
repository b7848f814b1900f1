package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Idempotent(t *testing.T) {
	require.NoError(t, Init())
	require.NoError(t, Init())
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestRecorders(t *testing.T) {
	before := value(t, rateLimitDroppedTotal.WithLabelValues("signin"))
	RecordRateLimitDrop("signin")
	assert.Equal(t, before+1, value(t, rateLimitDroppedTotal.WithLabelValues("signin")))

	RecordStoreOperation("memory", "get", "success", time.Millisecond)
	assert.GreaterOrEqual(t, value(t, kvOperationsTotal.WithLabelValues("memory", "get", "success")), 1.0)

	SetCaseCount(7)
	assert.Equal(t, 7.0, value(t, casesGauge))
}

func TestPrometheusHandler_ServesRegistry(t *testing.T) {
	require.NoError(t, Init())
	RecordAuthOperation("signin", "ok")

	app := fiber.New()
	app.Use(HTTPMetricsMiddleware())
	app.Get("/metrics", PrometheusHandler())

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "auth_operations_total")
}
