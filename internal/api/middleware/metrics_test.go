package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsMiddleware(t *testing.T) {
	httpRequestsTotal.Reset()
	httpRequestDuration.Reset()

	r := chi.NewRouter()
	r.Use(MetricsMiddleware())
	r.Get("/imports/{runID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/imports/a", "/imports/b", "/nowhere"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	expected := `
		# HELP customer_import_http_requests_total Total number of HTTP requests served by the import API.
		# TYPE customer_import_http_requests_total counter
		customer_import_http_requests_total{method="GET",path="/imports/{runID}",status_code="200"} 2
		customer_import_http_requests_total{method="GET",path="unmatched",status_code="404"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(httpRequestsTotal, strings.NewReader(expected)))
	assert.Equal(t, 2, testutil.CollectAndCount(httpRequestDuration))
}
