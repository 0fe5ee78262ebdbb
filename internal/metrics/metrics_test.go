package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestActiveWorkersGauge(t *testing.T) {
	Init()
	base := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	require.Equal(t, base+2, testutil.ToFloat64(activeWorkers))
	DecActiveWorkers()
	DecActiveWorkers()
	require.Equal(t, base, testutil.ToFloat64(activeWorkers))
}

func TestCheckpointWriteResults(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(checkpointWritesTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(checkpointWritesTotal.WithLabelValues("error"))
	ObserveCheckpointWrite(true)
	ObserveCheckpointWrite(false)
	require.Equal(t, okBefore+1, testutil.ToFloat64(checkpointWritesTotal.WithLabelValues("ok")))
	require.Equal(t, errBefore+1, testutil.ToFloat64(checkpointWritesTotal.WithLabelValues("error")))
}
