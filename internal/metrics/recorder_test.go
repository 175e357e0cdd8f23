package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prom.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.IncStageResult("build", ResultSuccess)
	rec.IncStageResult("build", ResultSuccess)
	rec.IncStageResult("test", ResultFailed)
	rec.IncRunOutcome("failed")
	rec.ObserveStageDuration("build", 120*time.Millisecond)
	rec.ObserveRunDuration(time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.stageResults.WithLabelValues("build", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.stageResults.WithLabelValues("test", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.runOutcomes.WithLabelValues("failed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNoopRecorderIsSafe(t *testing.T) {
	var rec Recorder = NoopRecorder{}
	rec.ObserveStageDuration("x", time.Millisecond)
	rec.ObserveRunDuration(time.Millisecond)
	rec.IncStageResult("x", ResultCanceled)
	rec.IncRunOutcome("succeeded")
}
