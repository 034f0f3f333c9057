package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func up(context.Context) ComponentHealth { return ComponentHealth{Status: StatusUp} }

func TestOptionalFailureDegrades(t *testing.T) {
	c := NewChecker()
	c.Register("index:products", up)
	c.RegisterOptional("redis", Ping(func(context.Context) error { return errors.New("refused") }))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "refused", report.Components["redis"].Message)

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCriticalFailureTakesNodeDown(t *testing.T) {
	c := NewChecker()
	c.Register("index:products", Ping(func(context.Context) error { return errors.New("no commit") }))
	c.RegisterOptional("redis", Ping(func(context.Context) error { return errors.New("refused") }))

	assert.Equal(t, StatusDown, c.Run(context.Background()).Status)

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
