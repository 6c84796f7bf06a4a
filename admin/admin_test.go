package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procmesh/metric"
	"procmesh/registry"
)

type stubSocket struct{}

func (stubSocket) Request(ctx context.Context, subject string, data any) (json.RawMessage, error) {
	return nil, nil
}

func (stubSocket) Close() error { return nil }

func newServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Define(registry.Descriptor{
		Name:           "users",
		OperationsPath: "/opt/bin/users",
		Options:        registry.Options{LoadBalancing: registry.RoundRobin, Instances: 1},
	}))
	promReg := metric.NewRegistry()
	m := metric.New(promReg)
	m.Request(metric.OutcomeRouted)
	return New(reg, promReg, nil), reg
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, reg := newServer(t)

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","notReady":["users"]}`, rec.Body.String())

	require.NoError(t, reg.AddInstance("users", 40100, "p1"))
	require.True(t, reg.SetSocket("users", 40100, stubSocket{}))

	rec = get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServices(t *testing.T) {
	s, reg := newServer(t)
	require.NoError(t, reg.AddInstance("users", 40100, "p1"))

	rec := get(t, s, "/services")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []registry.ServiceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "users", got[0].Name)
	require.Len(t, got[0].Instances, 1)
	assert.Equal(t, 40100, got[0].Instances[0].Port)
	assert.False(t, got[0].Instances[0].Ready)

	rec = get(t, s, "/services/users")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, "/services/orders")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "orders is not defined")
}

func TestMetrics(t *testing.T) {
	s, _ := newServer(t)
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `procmesh_gateway_requests_total{outcome="routed"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
