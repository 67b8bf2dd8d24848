// Package tcallocprom exposes an Allocator's bookkeeping as Prometheus
// metrics. It is additive observability only — nothing in this package is
// ever called from the allocate/deallocate hot path.
package tcallocprom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tcalloc-go/tcalloc"
)

// Collector periodically samples an Allocator's Stats and serves them as
// Prometheus gauges. Register it with a prometheus.Registerer.
type Collector struct {
	alloc *tcalloc.Allocator

	freeSpans *prometheus.Desc
	freePages *prometheus.Desc
	liveSpans *prometheus.Desc
}

// NewCollector constructs a Collector for alloc.
func NewCollector(alloc *tcalloc.Allocator) *Collector {
	return &Collector{
		alloc: alloc,
		freeSpans: prometheus.NewDesc(
			"tcalloc_free_spans", "Number of spans currently on the page cache's free lists.", nil, nil),
		freePages: prometheus.NewDesc(
			"tcalloc_free_pages", "Number of pages currently free in the page cache.", nil, nil),
		liveSpans: prometheus.NewDesc(
			"tcalloc_live_spans", "Number of spans tracked by the page cache, free or in use.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeSpans
	ch <- c.freePages
	ch <- c.liveSpans
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.alloc.Stats()
	ch <- prometheus.MustNewConstMetric(c.freeSpans, prometheus.GaugeValue, float64(st.FreeSpans))
	ch <- prometheus.MustNewConstMetric(c.freePages, prometheus.GaugeValue, float64(st.FreePages))
	ch <- prometheus.MustNewConstMetric(c.liveSpans, prometheus.GaugeValue, float64(st.LiveSpans))
}
