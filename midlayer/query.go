package midlayer

import (
	"github.com/pkg/errors"

	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/token"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// HandleInfo is spec.md §6's query_handle result: the caller-visible
// attributes of one open handle.
type HandleInfo struct {
	ID             uint32
	AdapterName    string
	DiskId         topology.DiskId
	PartitionIndex int
	World          topology.WorldID
	ReadOnly       bool
	Pending        int32
	RefCount       int32
}

// QueryHandle implements spec.md §6's query_handle.
func (c *Core) QueryHandle(id uint32) (HandleInfo, error) {
	h := c.Handles.Lookup(id)
	if h == nil {
		return HandleInfo{}, errors.Wrapf(handle.ErrInvalidHandle, "handle %d", id)
	}
	return HandleInfo{
		ID:             h.ID,
		AdapterName:    h.Adapter.Name,
		DiskId:         h.Target.DiskId,
		PartitionIndex: h.PartitionIndex,
		World:          h.WorldID,
		ReadOnly:       h.HasFlag(handle.FlagReadOnly),
		Pending:        h.Pending(),
		RefCount:       h.RefCount(),
	}, nil
}

// CmdCompleteDequeue implements spec.md §6's cmd_complete_dequeue: pops
// the oldest result posted to h's ENQUEUE-delivery result list and
// reports whether another is already queued behind it.
func (c *Core) CmdCompleteDequeue(h *handle.Handle) (res token.Result, more bool, ok bool) {
	tok := h.TakeResult()
	if tok == nil {
		return token.Result{}, false, false
	}
	res = tok.Result()
	more = h.HasMoreResults()
	tok.Release()
	return res, more, true
}

// GetCapacity implements spec.md §6's get_capacity: the active path's
// reported block count and size.
func (c *Core) GetCapacity(h *handle.Handle) (numBlocks, blockSize int64, err error) {
	path := h.Target.ActivePath()
	if path == nil {
		return 0, 0, ErrNoPath
	}
	info, ok, err := h.Adapter.Driver.GetInfo(path.ID, path.LUN, nil)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, ErrInvalidTarget
	}
	return info.NumBlocks, info.BlockSize, nil
}

// GetGeometry implements spec.md §6's get_geometry: the legacy CHS
// geometry some upper layers still ask for.
func (c *Core) GetGeometry(h *handle.Handle) (driver.Geometry, error) {
	path := h.Target.ActivePath()
	if path == nil {
		return driver.Geometry{}, ErrNoPath
	}
	return h.Adapter.Driver.GetGeometry(path.ID, path.LUN)
}
