package main

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coreos/go-scsi-midlayer/config"
	"github.com/coreos/go-scsi-midlayer/internal/loopback"
	"github.com/coreos/go-scsi-midlayer/metrics"
	"github.com/coreos/go-scsi-midlayer/midlayer"
	"github.com/coreos/go-scsi-midlayer/topology"
)

var (
	metricsAddr string

	cmdServeMetrics = &cobra.Command{
		Use:   "serve-metrics",
		Short: "Run a loopback-backed Core and export its counters over /metrics",
		RunE:  runServeMetrics,
	}
)

func init() {
	cmdServeMetrics.Flags().StringVar(&metricsAddr, "addr", ":9469", "listen address for /metrics")
}

func runServeMetrics(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := midlayer.New(ctx, config.New())
	disk := loopback.New(8192, 512, 32, 1<<20, true)
	adapter, err := c.AttachAdapter("vmhba0", "loopback", 0, disk)
	if err != nil {
		return err
	}
	path := topology.NewPath(adapter.Name, 0, 0)
	target, err := c.Registry.CreateTarget(adapter.Name,
		topology.DiskId{Type: topology.DiskIdTypeT10, Lun: 0, Id: []byte("midlayerctl-metrics")},
		topology.ClassDisk, 512, 8192, 32, path)
	if err != nil {
		return err
	}
	topology.ReleaseTarget(target)

	reg := prometheus.NewRegistry()
	reg.MustRegister(&metrics.Collector{Registry: c.Registry, Scheduler: c.Sched})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.WithField("addr", metricsAddr).Info("serving /metrics")
	return http.ListenAndServe(metricsAddr, mux)
}
