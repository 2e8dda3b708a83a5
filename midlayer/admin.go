package midlayer

import (
	"github.com/pkg/errors"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/internal/resultreg"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/token"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// partitionReaderFunc adapts a plain function to rescan.PartitionTableReader,
// the http.HandlerFunc idiom applied to this package's one-method
// interface.
type partitionReaderFunc func(h *handle.Handle, t *topology.Target) (*topology.PartitionTable, error)

func (f partitionReaderFunc) ReadPartitionTable(h *handle.Handle, t *topology.Target) (*topology.PartitionTable, error) {
	return f(h, t)
}

// readPartitionTable is the Scanner's default PartitionTableReader: it
// derives a single whole-disk partition 0 from the driver's reported
// geometry. Real byte-level MBR/GPT parsing stays out of scope here the
// same way package rescan's own doc comment says it is out of scope for
// that package — this is a deliberately minimal stand-in a real
// deployment would replace with its own Reader (see DESIGN.md).
func (c *Core) readPartitionTable(h *handle.Handle, t *topology.Target) (*topology.PartitionTable, error) {
	path := t.ActivePath()
	if path == nil {
		return nil, ErrNoPath
	}
	return c.readPartitionTableFor(path, t)
}

// readPartitionTableFor is shared by readPartitionTable (rescan, which
// has a handle to read h.Adapter from) and openPartitionTable (open,
// which has no handle yet and so passes the path directly).
func (c *Core) readPartitionTableFor(path *topology.Path, t *topology.Target) (*topology.PartitionTable, error) {
	adapter := c.Registry.FindAdapter(path.AdapterName)
	if adapter == nil {
		return nil, errors.Wrapf(ErrInvalidAdapter, "adapter %q", path.AdapterName)
	}
	info, ok, err := adapter.Driver.GetInfo(path.ID, path.LUN, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrInvalidTarget, "GetInfo reported no such (id, lun)")
	}
	pt := &topology.PartitionTable{}
	pt.Partitions[0] = &topology.Partition{Index: 0, Count: uint64(info.NumBlocks)}
	return pt, nil
}

// probeCDB issues a single administrative CDB directly through adapter,
// bypassing the handle-bound issue pipeline: used where no handle
// applies (the failover activate probe) or none exists yet (the open
// path's lazy reservation probe).
func (c *Core) probeCDB(adapter *topology.Adapter, opcode byte) (token.Result, error) {
	cdb := make([]byte, 6)
	cdb[0] = opcode
	cmd := &command.Command{CDB: cdb, Type: command.TypeLowLevel}

	tok := token.Alloc(uint32(topology.ConsoleWorld), false)
	ctx := &resultreg.Context{Token: tok, Adapter: adapter, Command: cmd}
	rid := c.Results.Register(ctx)

	status, err := adapter.Driver.Command(uint32(topology.ConsoleWorld), cmd, rid)
	if err != nil || status == driver.StatusFailure {
		c.Results.Take(rid)
		return token.Result{}, errors.New("midlayer: administrative probe rejected by driver")
	}

	tok.WaitForIO()
	return tok.Result(), nil
}

// activatePath is the default complete.Pipeline.Activate hook (spec.md
// §4.E): it issues TEST_UNIT_READY down the standby path as a
// conservative stand-in for a vendor-specific "activate" command,
// since this package has no way to speak a vendor's wire protocol by
// itself (the same reasoning issue.Pipeline.MBRUnchanged/CopyIn/CopyOut
// already document).
func (c *Core) activatePath(p *topology.Path) error {
	adapter := c.Registry.FindAdapter(p.AdapterName)
	if adapter == nil {
		return errors.Wrapf(ErrInvalidAdapter, "adapter %q", p.AdapterName)
	}
	res, err := c.probeCDB(adapter, scsi.TestUnitReady)
	if err != nil {
		return err
	}
	if res.HostStatus != scsi.HostOK || res.DeviceStatus != scsi.SamStatGood {
		return errors.Errorf("midlayer: activate probe failed: host=%#x device=%#x", res.HostStatus, res.DeviceStatus)
	}
	return nil
}

// probeReservation is handle.Table.Open's probeReservation hook (spec.md
// §4.D "lazy reservation-conflict path"): it issues TEST_UNIT_READY down
// the target's active path and reports whether it comes back
// reservation-conflicted, standing in for a vendor probe of a foreign
// host's reservation.
func (c *Core) probeReservation(target *topology.Target) func() (bool, error) {
	return func() (bool, error) {
		path := target.ActivePath()
		if path == nil {
			return false, nil
		}
		adapter := c.Registry.FindAdapter(path.AdapterName)
		if adapter == nil {
			return false, nil
		}
		res, err := c.probeCDB(adapter, scsi.TestUnitReady)
		if err != nil {
			return false, err
		}
		return res.DeviceStatus == scsi.SamStatReservationConflict, nil
	}
}
