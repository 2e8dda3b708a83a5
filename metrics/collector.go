// Package metrics exposes the mid-layer's adapter/target/partition and
// per-(target, world) scheduler counters as a Prometheus Collector. It
// is the contract the out-of-scope admin statistics surface consumes
// (spec.md §1's Non-goals exclude that surface, not the counters
// themselves, which spec.md §3/§4.H/§4.F already define and update).
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coreos/go-scsi-midlayer/lock"
	"github.com/coreos/go-scsi-midlayer/scheduler"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// Collector implements prometheus.Collector by walking the live
// topology registry and scheduler on every scrape, rather than
// maintaining its own shadow counters — the underlying fields are
// already updated incrementally by the issue/complete pipelines, so
// this package only reads and translates them.
type Collector struct {
	Registry  *topology.Registry
	Scheduler *scheduler.Scheduler
}

var (
	commandsCompletedDesc = prometheus.NewDesc(
		"midlayer_partition_commands_completed_total",
		"Commands completed on this partition.",
		[]string{"adapter", "target", "partition"}, nil)
	bytesReadDesc = prometheus.NewDesc(
		"midlayer_partition_bytes_read_total",
		"Bytes read from this partition.",
		[]string{"adapter", "target", "partition"}, nil)
	bytesWrittenDesc = prometheus.NewDesc(
		"midlayer_partition_bytes_written_total",
		"Bytes written to this partition.",
		[]string{"adapter", "target", "partition"}, nil)
	partitionErrorsDesc = prometheus.NewDesc(
		"midlayer_partition_errors_total",
		"Completions with a non-success status on this partition.",
		[]string{"adapter", "target", "partition"}, nil)

	targetQueueDepthDesc = prometheus.NewDesc(
		"midlayer_target_queue_depth",
		"Commands currently admitted and not yet completed on this target.",
		[]string{"adapter", "target"}, nil)
	targetDelayCmdsDesc = prometheus.NewDesc(
		"midlayer_target_delay_cmds",
		"Failover hold counter: positive while a helper-world is driving a switchover.",
		[]string{"adapter", "target"}, nil)
	targetPathsAliveDesc = prometheus.NewDesc(
		"midlayer_target_paths_alive",
		"Paths in state ON or STANDBY on this target.",
		[]string{"adapter", "target"}, nil)

	worldSharesDesc = prometheus.NewDesc(
		"midlayer_sched_shares",
		"Configured stride-scheduling shares for this (target, world).",
		[]string{"adapter", "target", "world"}, nil)
	worldLVTDesc = prometheus.NewDesc(
		"midlayer_sched_local_virtual_time",
		"Local virtual time for this (target, world) entry.",
		[]string{"adapter", "target", "world"}, nil)
	worldCIFDesc = prometheus.NewDesc(
		"midlayer_sched_commands_in_flight",
		"Commands in flight for this (target, world) entry.",
		[]string{"adapter", "target", "world"}, nil)
	worldQueuedDesc = prometheus.NewDesc(
		"midlayer_sched_queued",
		"Requests queued (not yet admitted) for this (target, world) entry.",
		[]string{"adapter", "target", "world"}, nil)
)

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		commandsCompletedDesc, bytesReadDesc, bytesWrittenDesc, partitionErrorsDesc,
		targetQueueDepthDesc, targetDelayCmdsDesc, targetPathsAliveDesc,
		worldSharesDesc, worldLVTDesc, worldCIFDesc, worldQueuedDesc,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	targetOwner := make(map[*topology.Target]string)

	for _, a := range c.Registry.Adapters() {
		s := lock.NewSet()
		a.Lock(s)
		targets := append([]*topology.Target(nil), a.Targets...)
		a.Unlock(s)

		for _, t := range targets {
			targetLabel := diskIDLabel(t.DiskId)
			targetOwner[t] = a.Name

			ch <- prometheus.MustNewConstMetric(targetQueueDepthDesc, prometheus.GaugeValue,
				float64(t.CurQueueDepth()), a.Name, targetLabel)
			ch <- prometheus.MustNewConstMetric(targetDelayCmdsDesc, prometheus.GaugeValue,
				float64(t.DelayCmds()), a.Name, targetLabel)

			as := lock.NewSet()
			a.Lock(as)
			alive := 0
			for _, p := range t.Paths {
				if p.Alive() {
					alive++
				}
			}
			a.Unlock(as)
			ch <- prometheus.MustNewConstMetric(targetPathsAliveDesc, prometheus.GaugeValue,
				float64(alive), a.Name, targetLabel)

			pt := t.PartitionTable()
			for i := 0; i < topology.MaxPartitions; i++ {
				part := pt.At(i)
				if part == nil {
					continue
				}
				partLabel := partitionLabel(i)
				ch <- prometheus.MustNewConstMetric(commandsCompletedDesc, prometheus.CounterValue,
					float64(part.Stats.CommandsCompleted), a.Name, targetLabel, partLabel)
				ch <- prometheus.MustNewConstMetric(bytesReadDesc, prometheus.CounterValue,
					float64(part.Stats.BytesRead), a.Name, targetLabel, partLabel)
				ch <- prometheus.MustNewConstMetric(bytesWrittenDesc, prometheus.CounterValue,
					float64(part.Stats.BytesWritten), a.Name, targetLabel, partLabel)
				ch <- prometheus.MustNewConstMetric(partitionErrorsDesc, prometheus.CounterValue,
					float64(part.Stats.Errors), a.Name, targetLabel, partLabel)
			}
		}
	}

	for _, e := range c.Scheduler.Snapshot() {
		adapterName := targetOwner[e.Target]
		targetLabel := diskIDLabel(e.Target.DiskId)
		worldLabel := strconv.Itoa(int(e.WorldID))

		ch <- prometheus.MustNewConstMetric(worldSharesDesc, prometheus.GaugeValue,
			float64(e.Shares), adapterName, targetLabel, worldLabel)
		ch <- prometheus.MustNewConstMetric(worldLVTDesc, prometheus.CounterValue,
			float64(e.LVT), adapterName, targetLabel, worldLabel)
		ch <- prometheus.MustNewConstMetric(worldCIFDesc, prometheus.GaugeValue,
			float64(e.CIF), adapterName, targetLabel, worldLabel)
		ch <- prometheus.MustNewConstMetric(worldQueuedDesc, prometheus.GaugeValue,
			float64(e.Queued), adapterName, targetLabel, worldLabel)
	}
}

func partitionLabel(idx int) string {
	if idx == 0 {
		return "whole-disk"
	}
	return strconv.Itoa(idx)
}

// diskIDLabel renders a target's DiskId as a metric label. Type and lun
// alone disambiguate targets sharing the same adapter in practice; the
// full identifier bytes would make for an unwieldy label value.
func diskIDLabel(id topology.DiskId) string {
	return fmt.Sprintf("lun%d-t%d", id.Lun, id.Type)
}
