package prometheus

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	logTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unicitynetwork/aggregator-proxy/runtime"
)

type healthyService struct{}

func (healthyService) Start()        {}
func (healthyService) Stop() error   { return nil }
func (healthyService) Status() error { return nil }

type failingService struct{}

func (failingService) Start()      {}
func (failingService) Stop() error { return nil }
func (failingService) Status() error {
	return errors.New("listener is down")
}

func TestLifecycle(t *testing.T) {
	hook := logTest.NewGlobal()
	prometheusService := NewService("127.0.0.1:0", runtime.NewServiceRegistry())

	prometheusService.Start()
	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Starting service" {
			found = true
		}
	}
	assert.True(t, found, "expected start log")

	require.NoError(t, prometheusService.Stop())
}

func TestHealthz_AllHealthy(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(healthyService{}))
	s := NewService("127.0.0.1:0", registry)

	rec := httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "OK")
}

func TestHealthz_FailingService(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(healthyService{}))
	require.NoError(t, registry.RegisterService(failingService{}))
	s := NewService("127.0.0.1:0", registry)

	rec := httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERROR listener is down")
}
