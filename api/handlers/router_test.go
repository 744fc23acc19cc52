package handlers

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chguard/internal/metrics"
)

// counterValue 从 registry 中读取指定标签的计数器值，不存在时返回 0
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labelPairs ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	want := make(map[string]string, len(labelPairs)/2)
	for i := 0; i+1 < len(labelPairs); i += 2 {
		want[labelPairs[i]] = labelPairs[i+1]
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metricLoop:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue metricLoop
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func newTestRouter(t *testing.T, svc *fakeConnService) (http.Handler, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, nil)
	h := NewHealthHandler(svc, zap.NewNop(), WithCollector(collector))
	return NewRouter(h, collector, zap.NewNop()), reg
}

func TestRouter_Routes(t *testing.T) {
	router, _ := newTestRouter(t, newFakeConnService())

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/version", http.StatusOK},
		{http.MethodGet, "/health/metrics", http.StatusOK},
		{http.MethodGet, "/health/dependencies", http.StatusOK},
		{http.MethodGet, "/health/analytics", http.StatusOK},
		{http.MethodPost, "/health/reconnect", http.StatusOK},
		{http.MethodGet, "/health/reconnect", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := serve(router, tt.method, tt.path)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_NotFoundBody(t *testing.T) {
	router, _ := newTestRouter(t, newFakeConnService())

	w := serve(router, http.MethodGet, "/health/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)

	resp := decode[any](t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestRouter_RecordsHTTPMetrics(t *testing.T) {
	svc := newFakeConnService()
	router, reg := newTestRouter(t, svc)

	serve(router, http.MethodGet, "/health/metrics")
	serve(router, http.MethodGet, "/health/metrics")
	serve(router, http.MethodGet, "/does/not/exist")

	assert.Equal(t, 2.0, counterValue(t, reg, "test_http_requests_total",
		"method", "GET", "path", "/health/metrics", "status", "2xx"))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_http_requests_total",
		"method", "GET", "path", "unmatched", "status", "4xx"))
}

func TestRouter_RecoversFromPanic(t *testing.T) {
	svc := newFakeConnService()
	svc.panicOnCall = true
	router, reg := newTestRouter(t, svc)

	w := serve(router, http.MethodPost, "/health/reconnect")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	resp := decode[any](t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)

	assert.Equal(t, 1.0, counterValue(t, reg, "test_http_requests_total",
		"method", "POST", "path", "/health/reconnect", "status", "5xx"))
}
