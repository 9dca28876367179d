package heap

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports heap gauges and operation counters to Prometheus.
type Collector struct {
	h *Heap

	capacity  *prometheus.Desc
	allocated *prometheus.Desc
	overhead  *prometheus.Desc
	regions   *prometheus.Desc
	freeBytes *prometheus.Desc
	freeRuns  *prometheus.Desc
	ops       *prometheus.Desc
}

// NewCollector returns a collector for h. pool labels every metric.
func NewCollector(h *Heap, pool string) *Collector {
	labels := prometheus.Labels{"pool": pool}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("hstore", "heap", name), help, variable, labels)
	}
	return &Collector{
		h:         h,
		capacity:  desc("capacity_bytes", "Sum of region lengths."),
		allocated: desc("allocated_bytes", "Bytes handed to clients and not yet freed."),
		overhead:  desc("overhead_bytes", "Bytes of capacity used by headers and bitmaps."),
		regions:   desc("regions", "Number of regions.", "numa_node"),
		freeBytes: desc("free_bytes", "Bytes available to allocations."),
		freeRuns:  desc("free_runs", "Number of free runs in the free index."),
		ops:       desc("operations_total", "Sizes recorded per histogram.", "histogram"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.allocated
	ch <- c.overhead
	ch <- c.regions
	ch <- c.freeBytes
	ch <- c.freeRuns
	ch <- c.ops
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.h.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.allocated, prometheus.GaugeValue, float64(c.h.Allocated()))
	ch <- prometheus.MustNewConstMetric(c.overhead, prometheus.GaugeValue, float64(c.h.Overhead()))

	perNode := make(map[int]int)
	for _, r := range c.h.Regions() {
		perNode[r.NumaNode()]++
	}
	for node, n := range perNode {
		ch <- prometheus.MustNewConstMetric(c.regions, prometheus.GaugeValue, float64(n), strconv.Itoa(node))
	}

	s := c.h.AllocStats()
	ch <- prometheus.MustNewConstMetric(c.freeBytes, prometheus.GaugeValue, float64(s.FreeBytes))
	ch <- prometheus.MustNewConstMetric(c.freeRuns, prometheus.GaugeValue, float64(s.FreeRuns))
	for _, hs := range c.h.Histograms() {
		ch <- prometheus.MustNewConstMetric(c.ops, prometheus.CounterValue, float64(hs.Count), hs.Name)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
