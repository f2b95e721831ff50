package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	before := testutil.ToFloat64(plansTotal.WithLabelValues("success"))
	RecordPlan("success")
	assert.Equal(t, before+1, testutil.ToFloat64(plansTotal.WithLabelValues("success")))

	SetEndpointHealth("local", "ollama", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(endpointHealthy.WithLabelValues("local", "ollama")))
	SetEndpointHealth("local", "ollama", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(endpointHealthy.WithLabelValues("local", "ollama")))

	SetActiveWorkers(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(activeWorkers))

	RecordCompensation("merge", false)
	assert.GreaterOrEqual(t, testutil.ToFloat64(compensationsTotal.WithLabelValues("merge", "error")), 1.0)
}

func TestHandlerServesMetrics(t *testing.T) {
	RecordSelection("cloud-fast", "openai", true)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "foreman_router_selections_total")
}
