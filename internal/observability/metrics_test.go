package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/v1/payments")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := metricsRR.Body.String()
	require.Contains(t, body, `tms_http_requests_total{area="payments",code="422",route="/api/v1/payments"} 1`)
	require.Contains(t, body, `tms_http_request_duration_seconds_bucket{area="payments",route="/api/v1/payments"`)
}

func TestMetricsMiddlewareRecordsStatementSize(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/v1/bank-statements")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bank-statements", strings.NewReader("Data,Suma,Aprasymas\n"))
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := metricsRR.Body.String()
	require.Contains(t, body, "tms_bank_statement_upload_bytes_count 1")
	require.Contains(t, body, `tms_http_requests_total{area="bank-statements",code="200",route="/api/v1/bank-statements"} 1`)
}

func TestArea(t *testing.T) {
	cases := map[string]string{
		"/api/v1/invoices/{side}/{id}/payments": "invoices",
		"/api/v1/numbers/{kind}/gaps":           "numbers",
		"/api/v1/overdue/sweep":                 "overdue",
		"/jobs/bank-import":                     "jobs",
		"/healthz":                              "system",
		"unknown":                               "system",
	}
	for route, want := range cases {
		require.Equal(t, want, Area(route), route)
	}
}

func TestNilMetricsHandlerIsUnavailable(t *testing.T) {
	var metrics *Metrics
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
