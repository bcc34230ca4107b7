package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                 "/",
		"/":                "/",
		"/healthz":         "/healthz",
		"/predict":         "/predict",
		"/predict/history": "/predict/history",
		"/predict/abc-123": "/predict/:id",
		"/models/rf":       "/models/:id",
		"/billing/balance": "/billing/balance",
		"/billing/top-up/": "/billing/top-up",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalPath(in), in)
	}
}

func TestInstrumentHandlerCountsRequests(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))

	before := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/predict", "402"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/predict", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/predict", "402"))

	assert.Equal(t, before+1, after)
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(admissions.WithLabelValues("accepted"))
	RecordAdmission("accepted")
	assert.Equal(t, before+1, testutil.ToFloat64(admissions.WithLabelValues("accepted")))

	beforeDone := testutil.ToFloat64(jobCompletions.WithLabelValues("done", "fallback"))
	RecordJobCompletion("done", "fallback", 5*time.Millisecond)
	assert.Equal(t, beforeDone+1, testutil.ToFloat64(jobCompletions.WithLabelValues("done", "fallback")))

	SetQueueDepth(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(queueDepth))

	beforeRequeue := testutil.ToFloat64(redeliveries.WithLabelValues("expired_lease"))
	RecordRequeue("expired_lease", 0)
	RecordRequeue("expired_lease", 2)
	assert.Equal(t, beforeRequeue+2, testutil.ToFloat64(redeliveries.WithLabelValues("expired_lease")))
}
