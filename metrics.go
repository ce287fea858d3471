package pvscope

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pvscope"

// ScopeCollector exports the statistics of a Scope to Prometheus. The values are read from
// Scope.Status at scrape time.
type ScopeCollector struct {
	scope *Scope

	arrays         *prometheus.Desc
	lostArrays     *prometheus.Desc
	triggers       *prometheus.Desc
	missedTriggers *prometheus.Desc
	arrayRate      *prometheus.Desc
	byteRate       *prometheus.Desc
	frameRate      *prometheus.Desc
	running        *prometheus.Desc
	bufferSamples  *prometheus.Desc
}

// NewScopeCollector makes a collector for s. Register it with a prometheus.Registerer.
func NewScopeCollector(s *Scope) *ScopeCollector {
	labels := []string{"pv"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	return &ScopeCollector{
		scope:          s,
		arrays:         desc("arrays_total", "Arrays received from the subject PV."),
		lostArrays:     desc("arrays_lost_total", "Arrays lost according to gaps in the array ID."),
		triggers:       desc("triggers_total", "Triggers that armed the capture."),
		missedTriggers: desc("triggers_missed_total", "Triggers that preceded the buffered data."),
		arrayRate:      desc("arrays_per_second", "Rolling mean of arrays received per second."),
		byteRate:       desc("bytes_per_second", "Rolling mean of bytes ingested per second."),
		frameRate:      desc("frames_per_second", "Smoothed rate of frames drawn."),
		running:        desc("running", "1 while acquisition is running."),
		bufferSamples:  desc("buffer_samples", "Configured sample buffer length."),
	}
}

// Describe implements prometheus.Collector.
func (c *ScopeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.arrays, c.lostArrays, c.triggers, c.missedTriggers,
		c.arrayRate, c.byteRate, c.frameRate, c.running, c.bufferSamples} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *ScopeCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.scope.Status()
	running := 0.0
	if st.Running {
		running = 1
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, st.PV)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, st.PV)
	}
	counter(c.arrays, float64(st.Stats.TotalArrays))
	counter(c.lostArrays, float64(st.Stats.LostArrays))
	counter(c.triggers, float64(st.Stats.Triggers))
	counter(c.missedTriggers, float64(st.Stats.MissedTriggers))
	gauge(c.arrayRate, st.Stats.ArraysPerSecond)
	gauge(c.byteRate, st.Stats.BytesPerSecond)
	gauge(c.frameRate, st.Stats.SmoothedFPS)
	gauge(c.running, running)
	gauge(c.bufferSamples, float64(st.Buffer))
}
