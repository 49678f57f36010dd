package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/infrastructure/repositories/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type relayStatuses []domain.RelayStatus

func (r relayStatuses) Status() []domain.RelayStatus { return r }

type controlCount int

func (c controlCount) ControlCount() int { return int(c) }

func TestHealthChecker_Statuses(t *testing.T) {
	ctx := context.Background()

	h := NewHealthChecker()
	h.AddStoreCheck(memory.NewMemoryGrantStore(), time.Second)
	h.AddHubCheck(controlCount(3), 10)
	h.AddRelayCheck(relayStatuses{{SourceID: "cam-1", State: domain.RelayRunning}})

	status := h.CheckAll(ctx)
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["store"])
	assert.True(t, h.IsReady(ctx))

	h.AddRelayCheck(relayStatuses{{SourceID: "cam-2", State: domain.RelayUnavailable}})
	status = h.CheckAll(ctx)
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Contains(t, status.Checks["relay"], "cam-2")
	assert.True(t, h.IsReady(ctx))

	h.AddCheck("redis", true, time.Second, func(context.Context) error { return errors.New("connection refused") })
	status = h.CheckAll(ctx)
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.False(t, h.IsReady(ctx))
}

func TestHealthChecker_TimesOutSlowChecks(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", true, 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestPrometheusCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.AdmissionResult("admitted")
	c.AdmissionResult("admitted")
	c.AdmissionResult("capacity")
	c.ViewersChanged(2)
	c.ViewersChanged(-1)
	c.RelayBytes("cam-1", 4096)
	c.GrantRetired(domain.CauseExpired)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.admissions.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.viewersActive))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.relayBytes.WithLabelValues("cam-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.grantsRetired.WithLabelValues("expired")))
}
