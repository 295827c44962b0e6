package metrics

import (
	"strconv"
	"time"

	"github.com/skein-sh/skein/pkg/types"
)

// Source exposes the counts the collector samples. The server
// implements it; keeping it an interface avoids a dependency on the
// server package.
type Source interface {
	InstanceCounts() map[types.InstanceState]int
	GroupCounts() map[types.GroupState]int
	QueueDepths() (running, pending int)
	PendingByPriority() map[int32]int
	ObjectCounts() (total, unready int)
	NodeCount() int
	IsLeader() bool
	RaftStats() map[string]string
}

// Collector samples gauges from a Source on a ticker
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(src Source) *Collector {
	return &Collector{
		source: src,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectInstanceMetrics()
	c.collectGroupMetrics()
	c.collectQueueMetrics()
	c.collectObjectMetrics()
	c.collectRaftMetrics()

	NodesTotal.Set(float64(c.source.NodeCount()))
}

func (c *Collector) collectInstanceMetrics() {
	for state, count := range c.source.InstanceCounts() {
		InstancesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectGroupMetrics() {
	for status, count := range c.source.GroupCounts() {
		GroupsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectQueueMetrics() {
	running, pending := c.source.QueueDepths()
	QueueDepth.WithLabelValues("running").Set(float64(running))
	QueueDepth.WithLabelValues("pending").Set(float64(pending))

	for prio, count := range c.source.PendingByPriority() {
		PendingByPriority.WithLabelValues(strconv.Itoa(int(prio))).Set(float64(count))
	}
}

func (c *Collector) collectObjectMetrics() {
	total, unready := c.source.ObjectCounts()
	ObjectsTotal.Set(float64(total))
	ObjectsUnready.Set(float64(unready))
}

func (c *Collector) collectRaftMetrics() {
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.source.RaftStats()
	if stats == nil {
		return
	}
	if v, err := strconv.ParseUint(stats["last_log_index"], 10, 64); err == nil {
		RaftLogIndex.Set(float64(v))
	}
	if v, err := strconv.ParseUint(stats["applied_index"], 10, 64); err == nil {
		RaftAppliedIndex.Set(float64(v))
	}
}
