package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/config"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/internal/loopback"
	"github.com/coreos/go-scsi-midlayer/midlayer"
	"github.com/coreos/go-scsi-midlayer/topology"
)

func sgOf(buf []byte) command.SGList {
	return command.SGList{Entries: []command.SGEntry{{Len: len(buf), Space: command.AddressVirtual, Buf: buf}}}
}

var (
	demoNumBlocks int64
	demoBlockSize int64

	cmdDemo = &cobra.Command{
		Use:   "demo",
		Short: "Open a loopback disk through the mid-layer facade and run a write/read/query cycle",
		RunE:  runDemo,
	}
)

func init() {
	cmdDemo.Flags().Int64Var(&demoNumBlocks, "num-blocks", 8192, "loopback disk size in blocks")
	cmdDemo.Flags().Int64Var(&demoBlockSize, "block-size", 512, "loopback disk block size")
}

// runDemo wires a single-adapter, single-target Core against an
// internal/loopback disk (this module's own stand-in for a real HBA
// driver shim), then drives it through open, a write, a read-back,
// query_handle, and close — the same sequence core_test.go's S1
// exercises, just narrated to stdout instead of asserted.
func runDemo(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := midlayer.New(ctx, config.New())

	disk := loopback.New(demoNumBlocks, demoBlockSize, 32, 1<<20, true)
	adapter, err := c.AttachAdapter("vmhba0", "loopback", 0, disk)
	if err != nil {
		return err
	}

	path := topology.NewPath(adapter.Name, 0, 0)
	diskId := topology.DiskId{Type: topology.DiskIdTypeT10, Lun: 0, Id: []byte("midlayerctl-demo")}
	target, err := c.Registry.CreateTarget(adapter.Name, diskId, topology.ClassDisk, demoBlockSize, demoNumBlocks, 32, path)
	if err != nil {
		return err
	}
	topology.ReleaseTarget(target)

	h, err := c.Open(midlayer.OpenArgs{
		AdapterName: adapter.Name, DiskId: diskId, PartitionIndex: 0, WorldID: 1, Opener: handle.OpenerHost,
	})
	if err != nil {
		return err
	}
	log.WithField("handle", h.ID).Info("opened")

	out := make([]byte, demoBlockSize*4)
	for i := range out {
		out[i] = byte(i)
	}
	wres := c.ReadWriteSGBlocking(h, sgOf(out), 0, true)
	log.WithFields(log.Fields{"host_status": wres.HostStatus, "device_status": wres.DeviceStatus, "bytes": wres.BytesXferred}).Info("write")

	in := make([]byte, len(out))
	rres := c.ReadWriteSGBlocking(h, sgOf(in), 0, false)
	log.WithFields(log.Fields{"host_status": rres.HostStatus, "device_status": rres.DeviceStatus, "bytes": rres.BytesXferred}).Info("read")

	info, err := c.QueryHandle(h.ID)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"world": info.World, "partition": info.PartitionIndex, "pending": info.Pending}).Info("query_handle")

	numBlocks, blockSize, err := c.GetCapacity(h)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"num_blocks": numBlocks, "block_size": blockSize}).Info("get_capacity")

	c.Close(h)
	log.Info("closed")
	return nil
}
