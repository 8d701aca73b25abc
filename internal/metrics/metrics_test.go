package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_SingletonAndFieldsNonNil(t *testing.T) {
	m1 := New()
	if m1 == nil {
		t.Fatal("New() returned nil metrics instance")
	}

	m2 := New()
	if m1 != m2 {
		t.Fatal("New() did not behave as a singleton, pointers differ")
	}

	// Spot-check a few important fields to ensure they were registered.
	if m1.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m1.DownloadsTotal == nil {
		t.Error("DownloadsTotal is nil")
	}
	if m1.StorageOperationDuration == nil {
		t.Error("StorageOperationDuration is nil")
	}
	if m1.FilesSkippedTotal == nil {
		t.Error("FilesSkippedTotal is nil")
	}
	if m1.MemoryGauge == nil || m1.GoroutinesGauge == nil {
		t.Error("runtime gauges are nil")
	}
}

func TestStartRuntimeMetricsCollector_SetsGauges(t *testing.T) {
	m := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartRuntimeMetricsCollector(ctx, time.Hour)

	// The first collection runs immediately.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(m.GoroutinesGauge) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("goroutines gauge was never set")
}
