package tcallocprom

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/tcalloc-go/tcalloc"
)

func TestCollectorReportsAllocatorStats(t *testing.T) {
	a, err := tcalloc.Open(tcalloc.Config{})
	require.NoError(t, err)

	p := a.Allocate(64)
	require.NotNil(t, p)
	defer a.Deallocate(p, 64)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(a)))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		names[f.GetName()] = f
	}

	for _, want := range []string{"tcalloc_free_spans", "tcalloc_free_pages", "tcalloc_live_spans"} {
		fam, ok := names[want]
		require.True(t, ok, "missing metric family %s", want)
		require.Len(t, fam.GetMetric(), 1)
	}

	liveSpans := names["tcalloc_live_spans"].GetMetric()[0].GetGauge().GetValue()
	require.GreaterOrEqual(t, liveSpans, float64(1))
}
