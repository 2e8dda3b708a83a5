package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/scheduler"
	"github.com/coreos/go-scsi-midlayer/topology"
)

func TestCollectorExportsPartitionAndSchedulerMetrics(t *testing.T) {
	reg := topology.NewRegistry()
	a := topology.NewAdapter("fba0", "loopback", 0, 32, 1<<20, true)
	require.NoError(t, reg.CreateAdapter(a))

	path := topology.NewPath("fba0", 0, 0)
	tgt, err := reg.CreateTarget("fba0", topology.DiskId{Type: topology.DiskIdTypeT10, Lun: 0, Id: []byte("x")}, topology.ClassDisk, 512, 2048, 32, path)
	require.NoError(t, err)

	pt := &topology.PartitionTable{}
	pt.Partitions[0] = &topology.Partition{Index: 0}
	pt.Partitions[0].Stats.CommandsCompleted = 7
	pt.Partitions[0].Stats.BytesRead = 4096
	tgt.SwapPartitionTable(pt)

	sched := scheduler.New()
	sched.EntryFor(tgt, topology.WorldID(1), scheduler.SharesNormal, 16)

	c := &Collector{Registry: reg, Scheduler: sched}

	metricCh := make(chan prometheus.Metric, 64)
	c.Collect(metricCh)
	close(metricCh)

	var names []string
	for m := range metricCh {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		names = append(names, m.Desc().String())
	}
	require.NotEmpty(t, names)

	descCh := make(chan *prometheus.Desc, 32)
	c.Describe(descCh)
	close(descCh)
	require.Len(t, descCh, 11)
}
