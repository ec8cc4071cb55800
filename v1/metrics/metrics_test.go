package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterLockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	AcquireCounter.WithLabelValues("redis", ResultAcquired).Inc()
	ReleaseCounter.WithLabelValues("redis", ResultReleased).Inc()
	WaitHistogram.WithLabelValues("redis").Observe(0.01)
	HeldGauge.WithLabelValues("redis").Set(1)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 4 {
		t.Fatalf("expected metrics registered, got %d families", len(mfs))
	}
	if v := testutil.ToFloat64(HeldGauge.WithLabelValues("redis")); v != 1 {
		t.Fatalf("expected held gauge 1, got %v", v)
	}
}

func TestRegisterLockMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterLockMetrics(reg)
}
